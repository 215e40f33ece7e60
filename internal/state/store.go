// Package state implements the durable map (owner,repo,number) -> PRState
// described in spec §4.1: a single JSON file, written via a temp-file-plus-
// atomic-rename protocol, with all mutation serialized through one mutex.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
	"github.com/reviewbot/reviewbot/pkg/logger"

	"github.com/reviewbot/reviewbot/internal/model"
)

// schemaVersion is the current on-disk schema version. Bump this and add a
// case to migrate() whenever the snapshot shape changes.
const schemaVersion = 1

// snapshot is the versioned on-disk representation of the store.
type snapshot struct {
	Version int                        `json:"version"`
	Entries map[string]*model.PRState `json:"entries"`
}

// StateStore owns every PRState instance. Other components receive
// read-only snapshots (via Get/GetAll) or mutate through Update, which
// applies a shallow-merge patch and persists atomically.
type StateStore struct {
	path string
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string]*model.PRState
}

// Patch is a shallow-merge set of field updates applied by Update. Only
// non-nil/non-zero fields meaningfully set here should be populated; the
// zero value of a field is never applied as an overwrite except via the
// explicit Clear* flags.
type Patch struct {
	Status     *model.Status
	Title      *string
	HeadSHA    *string
	BaseBranch *string
	HeadBranch *string
	IsDraft    *bool

	LastPushAt *time.Time

	SkipReason    *string
	ClearSkip     bool
	SkipDiffLines *int
	SkippedAtSHA  *string

	LastError          *model.LastError
	ClearLastError     bool
	ConsecutiveErrors  *int

	CommentID       *int64
	ReviewID        *int64
	StatusCommentID *int64
	ClearStatusComment bool

	LastReviewedSHA *string
	LastReviewedAt  *time.Time

	LastVerifiedAt *time.Time

	ClosedAt *time.Time

	JiraKey              *string
	JiraValidated        *bool
	DescriptionGenerated *bool
	LabelsApplied        *[]string

	AppendFeatureExecution *model.FeatureExecution
	MaxFeatureExecutions   int

	AppendReview   *model.ReviewRecord
	MaxReviewHistory int
}

// New constructs a StateStore without loading from disk. Call Load before
// use.
func New(path string, log *zap.Logger) *StateStore {
	if log == nil {
		log = logger.Get()
	}
	return &StateStore{
		path:    path,
		log:     log,
		entries: make(map[string]*model.PRState),
	}
}

// Load reads the state file, migrating it if necessary, and resets any
// status=reviewing entry to pending_review (§4.1, §3 invariant — a
// "reviewing" status never survives a process restart). A malformed file
// is logged and replaced by an empty store rather than crashing.
func (s *StateStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.entries = make(map[string]*model.PRState)
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStateCorrupt, "reading state file", err, apperrors.KindPermanent)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Error("state file is malformed, starting from an empty store",
			zap.String("path", s.path), zap.Error(err))
		s.entries = make(map[string]*model.PRState)
		return nil
	}

	snap = migrate(snap)

	resetCount := 0
	for _, e := range snap.Entries {
		if e.Status == model.StatusReviewing {
			e.Status = model.StatusPendingReview
			resetCount++
		}
	}
	if resetCount > 0 {
		s.log.Info("reset in-flight reviews at load", zap.Int("count", resetCount))
	}

	s.entries = snap.Entries
	if s.entries == nil {
		s.entries = make(map[string]*model.PRState)
	}
	return nil
}

// migrate upgrades a snapshot from an older schema version. Each case
// falls through so a snapshot several versions behind upgrades in one pass.
func migrate(snap snapshot) snapshot {
	switch snap.Version {
	case 0:
		// version 0 predates the version field entirely; nothing else to
		// change structurally, just stamp the current version.
		snap.Version = schemaVersion
		fallthrough
	case schemaVersion:
		return snap
	default:
		return snap
	}
}

// Get returns a read-only copy of the entry for key, or (nil, false) if
// absent.
func (s *StateStore) Get(key string) (*model.PRState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// GetAll returns read-only copies of every entry.
func (s *StateStore) GetAll() []*model.PRState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.PRState, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// GetOrCreate returns the existing entry for key, or creates one seeded
// with defaults (owner/repo/number/firstSeenAt/status=pending_review) and
// persists it.
func (s *StateStore) GetOrCreate(owner, repo string, number int, defaults model.PRState) (*model.PRState, error) {
	key := model.CanonicalKey(owner, repo, number)

	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		cp := *e
		s.mu.Unlock()
		return &cp, nil
	}

	now := time.Now()
	e := defaults
	e.Owner = owner
	e.Repo = repo
	e.Number = number
	if e.Status == "" {
		e.Status = model.StatusPendingReview
	}
	e.FirstSeenAt = now
	e.UpdatedAt = now
	s.entries[key] = &e
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist(snap); err != nil {
		return nil, err
	}
	cp := e
	return &cp, nil
}

// Update applies patch to the entry at key as a shallow merge, bumps
// updatedAt, and persists atomically. Returns NotFound if the key is
// absent.
func (s *StateStore) Update(key string, patch Patch) (*model.PRState, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.ErrNotFound(fmt.Sprintf("PRState %s", key))
	}

	applyPatch(e, patch)
	e.UpdatedAt = time.Now()
	if e.ConsecutiveErrors < 0 {
		e.ConsecutiveErrors = 0
	}

	cp := *e
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist(snap); err != nil {
		return nil, err
	}
	return &cp, nil
}

func applyPatch(e *model.PRState, p Patch) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.HeadSHA != nil {
		e.HeadSHA = *p.HeadSHA
	}
	if p.BaseBranch != nil {
		e.BaseBranch = *p.BaseBranch
	}
	if p.HeadBranch != nil {
		e.HeadBranch = *p.HeadBranch
	}
	if p.IsDraft != nil {
		e.IsDraft = *p.IsDraft
	}
	if p.LastPushAt != nil {
		e.LastPushAt = p.LastPushAt
	}
	if p.ClearSkip {
		e.SkipReason = ""
		e.SkipDiffLines = 0
		e.SkippedAtSHA = ""
	}
	if p.SkipReason != nil {
		e.SkipReason = *p.SkipReason
	}
	if p.SkipDiffLines != nil {
		e.SkipDiffLines = *p.SkipDiffLines
	}
	if p.SkippedAtSHA != nil {
		e.SkippedAtSHA = *p.SkippedAtSHA
	}
	if p.ClearLastError {
		e.LastError = nil
		e.ConsecutiveErrors = 0
	}
	if p.LastError != nil {
		e.LastError = p.LastError
	}
	if p.ConsecutiveErrors != nil {
		e.ConsecutiveErrors = *p.ConsecutiveErrors
	}
	if p.CommentID != nil {
		e.CommentID = p.CommentID
	}
	if p.ReviewID != nil {
		e.ReviewID = p.ReviewID
	}
	if p.ClearStatusComment {
		e.StatusCommentID = nil
	}
	if p.StatusCommentID != nil {
		e.StatusCommentID = p.StatusCommentID
	}
	if p.LastReviewedSHA != nil {
		e.LastReviewedSHA = *p.LastReviewedSHA
	}
	if p.LastReviewedAt != nil {
		e.LastReviewedAt = p.LastReviewedAt
	}
	if p.LastVerifiedAt != nil {
		e.LastVerifiedAt = p.LastVerifiedAt
	}
	if p.ClosedAt != nil {
		e.ClosedAt = p.ClosedAt
	}
	if p.JiraKey != nil {
		e.JiraKey = *p.JiraKey
	}
	if p.JiraValidated != nil {
		e.JiraValidated = *p.JiraValidated
	}
	if p.DescriptionGenerated != nil {
		e.DescriptionGenerated = *p.DescriptionGenerated
	}
	if p.LabelsApplied != nil {
		e.LabelsApplied = *p.LabelsApplied
	}
	if p.AppendFeatureExecution != nil {
		e.FeatureExecutions = append(e.FeatureExecutions, *p.AppendFeatureExecution)
		if p.MaxFeatureExecutions > 0 && len(e.FeatureExecutions) > p.MaxFeatureExecutions {
			e.FeatureExecutions = e.FeatureExecutions[len(e.FeatureExecutions)-p.MaxFeatureExecutions:]
		}
	}
	if p.AppendReview != nil {
		e.AppendReview(*p.AppendReview, p.MaxReviewHistory)
	}
}

// SetStatus is a convenience wrapper over Update for the common case of
// changing only the status field.
func (s *StateStore) SetStatus(key string, status model.Status) (*model.PRState, error) {
	return s.Update(key, Patch{Status: &status})
}

// Delete removes a single entry and persists the change. A missing key is
// a no-op, not an error (cleanup sweeps may race with other deletions).
func (s *StateStore) Delete(key string) error {
	return s.DeleteMany([]string{key})
}

// DeleteMany removes multiple entries in a single persisted write.
func (s *StateStore) DeleteMany(keys []string) error {
	s.mu.Lock()
	changed := false
	for _, k := range keys {
		if _, ok := s.entries[k]; ok {
			delete(s.entries, k)
			changed = true
		}
	}
	if !changed {
		s.mu.Unlock()
		return nil
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snap)
}

// StatusCounts maps each status to the number of entries currently in it.
type StatusCounts map[model.Status]int

// GetStatusCounts returns a count of entries per status, for dashboard/
// operational telemetry.
func (s *StateStore) GetStatusCounts() StatusCounts {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(StatusCounts)
	for _, e := range s.entries {
		counts[e.Status]++
	}
	return counts
}

func (s *StateStore) snapshotLocked() snapshot {
	entries := make(map[string]*model.PRState, len(s.entries))
	for k, v := range s.entries {
		cp := *v
		entries[k] = &cp
	}
	return snapshot{Version: schemaVersion, Entries: entries}
}

// persist writes snap to disk via a temp-file-plus-atomic-rename, so a
// crash mid-write never leaves a half-written state.json behind.
func (s *StateStore) persist(snap snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStateWrite, "marshaling state snapshot", err, apperrors.KindTransient)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStateWrite, "creating state directory", err, apperrors.KindPermanent)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStateWrite, "creating temp state file", err, apperrors.KindTransient)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperrors.Wrap(apperrors.ErrCodeStateWrite, "writing temp state file", err, apperrors.KindTransient)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperrors.Wrap(apperrors.ErrCodeStateWrite, "syncing temp state file", err, apperrors.KindTransient)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperrors.Wrap(apperrors.ErrCodeStateWrite, "closing temp state file", err, apperrors.KindTransient)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		// Platforms without atomic rename across filesystems should fail
		// loudly here rather than silently degrade (§9).
		return apperrors.Wrap(apperrors.ErrCodeStateWrite, "renaming temp state file into place", err, apperrors.KindPermanent)
	}

	return nil
}
