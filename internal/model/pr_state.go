// Package model holds the data shapes shared by the review lifecycle
// engine: PRState, its ReviewRecord history, the LLM's StructuredReview
// output, and the canonical key used to index everything by
// (owner, repo, number).
package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of a tracked PR.
type Status string

const (
	StatusPendingReview  Status = "pending_review"
	StatusReviewing      Status = "reviewing"
	StatusReviewed       Status = "reviewed"
	StatusChangesPushed  Status = "changes_pushed"
	StatusSkipped        Status = "skipped"
	StatusError          Status = "error"
	StatusClosed         Status = "closed"
	StatusMerged         Status = "merged"
)

// Terminal reports whether the status is a sink state that never leaves
// (§3 invariant: "Status transitions are monotonic for terminal sink
// states").
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusMerged
}

// Verdict is the overall recommendation of a review.
type Verdict string

const (
	VerdictApprove        Verdict = "APPROVE"
	VerdictRequestChanges  Verdict = "REQUEST_CHANGES"
	VerdictComment         Verdict = "COMMENT"
	VerdictUnknown         Verdict = "unknown"
)

// Severity is a Finding's severity class.
type Severity string

const (
	SeverityIssue      Severity = "issue"
	SeveritySuggestion Severity = "suggestion"
	SeverityNitpick    Severity = "nitpick"
	SeverityQuestion   Severity = "question"
	SeverityPraise     Severity = "praise"
)

// ResolutionState is the outcome of a prior finding at re-review time.
type ResolutionState string

const (
	ResolutionResolved ResolutionState = "resolved"
	ResolutionWontFix  ResolutionState = "wont_fix"
	ResolutionOpen     ResolutionState = "open"
)

// ErrorKind classifies an error recorded against a PR (§7).
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
)

// CanonicalKey returns the "owner/repo#number" string used to index
// PRState and to correlate logs/metrics/audit events for one PR.
func CanonicalKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

// LastError records the most recent phase failure for a PR.
type LastError struct {
	Phase      string    `json:"phase"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	SHA        string    `json:"sha"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Finding is a single reviewer observation from a StructuredReview.
type Finding struct {
	Severity        Severity `json:"severity"`
	Blocking        bool     `json:"blocking"`
	Path            string   `json:"path"`
	Line            int      `json:"line"`
	Body            string   `json:"body"`
	Confidence      *float64 `json:"confidence,omitempty"`
	SecurityRelated bool     `json:"securityRelated,omitempty"`
	IsNew           bool     `json:"isNew,omitempty"`
}

// Key returns the "path:line:body" identity used to deduplicate findings
// across review iterations and to match resolutions against them.
func (f Finding) Key() string {
	return fmt.Sprintf("%s:%d:%s", f.Path, f.Line, f.Body)
}

// Resolution describes what happened to a specific prior finding on a
// re-review. Only present on re-reviews.
type Resolution struct {
	Path       string          `json:"path"`
	Line       int             `json:"line"`
	Body       string          `json:"body"`
	Resolution ResolutionState `json:"resolution"`
}

// Key returns the "path:line" identity a Resolution targets.
func (r Resolution) Key() string {
	return fmt.Sprintf("%s:%d", r.Path, r.Line)
}

// StructuredReview is the LLM's JSON-validated output (§3, §6).
type StructuredReview struct {
	Verdict     Verdict      `json:"verdict"`
	Summary     string       `json:"summary"`
	PRSummary   string       `json:"prSummary,omitempty"`
	Findings    []Finding    `json:"findings"`
	Resolutions []Resolution `json:"resolutions,omitempty"`
	Overall     string       `json:"overall,omitempty"`
}

// ReviewRecord is one entry in a PR's review history.
type ReviewRecord struct {
	SHA        string    `json:"sha"`
	ReviewedAt time.Time `json:"reviewedAt"`
	CommentID  *int64    `json:"commentId,omitempty"`
	ReviewID   *int64    `json:"reviewId,omitempty"`
	Verdict    Verdict   `json:"verdict"`
	Posted     bool      `json:"posted"`
	Findings   []Finding `json:"findings"`
}

// FeatureExecution is one FeatureRunner outcome recorded against a PR.
type FeatureExecution struct {
	Name      string        `json:"name"`
	Phase     string        `json:"phase"`
	Status    string        `json:"status"` // ok, skipped, error
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	RanAt     time.Time     `json:"ranAt"`
}

// PRState is the durable record for one tracked pull request, keyed by
// (owner, repo, number). StateStore owns all instances; every other
// component receives a snapshot or mutates through StateStore.update.
type PRState struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`

	Status Status `json:"status"`

	Title       string `json:"title"`
	HeadSHA     string `json:"headSha"`
	BaseBranch  string `json:"baseBranch"`
	HeadBranch  string `json:"headBranch"`
	IsDraft     bool   `json:"isDraft"`

	Reviews           []ReviewRecord `json:"reviews"`
	LastReviewedSHA   string         `json:"lastReviewedSha,omitempty"`
	LastReviewedAt    *time.Time     `json:"lastReviewedAt,omitempty"`

	SkipReason     string `json:"skipReason,omitempty"`
	SkipDiffLines  int    `json:"skipDiffLines,omitempty"`
	SkippedAtSHA   string `json:"skippedAtSha,omitempty"`

	LastError         *LastError `json:"lastError,omitempty"`
	ConsecutiveErrors int        `json:"consecutiveErrors"`

	CommentID *int64 `json:"commentId,omitempty"`
	ReviewID  *int64 `json:"reviewId,omitempty"`

	StatusCommentID *int64 `json:"statusCommentId,omitempty"` // transient "review started" comment

	LastVerifiedAt *time.Time `json:"lastVerifiedAt,omitempty"`

	JiraKey              string             `json:"jiraKey,omitempty"`
	JiraValidated        bool               `json:"jiraValidated,omitempty"`
	DescriptionGenerated bool               `json:"descriptionGenerated,omitempty"`
	LabelsApplied        []string           `json:"labelsApplied,omitempty"`
	FeatureExecutions    []FeatureExecution `json:"featureExecutions,omitempty"`

	FirstSeenAt time.Time  `json:"firstSeenAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`
	LastPushAt  *time.Time `json:"lastPushAt,omitempty"`
}

// Key returns this PR's canonical "owner/repo#number" key.
func (p *PRState) Key() string {
	return CanonicalKey(p.Owner, p.Repo, p.Number)
}

// LastReview returns the most recent ReviewRecord, or nil if none exists.
// This is "the previous review" referenced throughout §4.5.
func (p *PRState) LastReview() *ReviewRecord {
	if len(p.Reviews) == 0 {
		return nil
	}
	return &p.Reviews[len(p.Reviews)-1]
}

// AppendReview appends a ReviewRecord and truncates the history from the
// head once it exceeds maxHistory, per the §3 invariant.
func (p *PRState) AppendReview(rec ReviewRecord, maxHistory int) {
	p.Reviews = append(p.Reviews, rec)
	if maxHistory > 0 && len(p.Reviews) > maxHistory {
		p.Reviews = p.Reviews[len(p.Reviews)-maxHistory:]
	}
}

// PriorFindingsByKey returns the union of all findings across this PR's
// review history, indexed by Finding.Key(), most recent occurrence wins.
// Used to build re-review context and to detect unresolved blocking
// findings during verdict escalation (§4.5 Phase 6).
func (p *PRState) PriorFindingsByKey() map[string]Finding {
	out := make(map[string]Finding)
	for _, rec := range p.Reviews {
		for _, f := range rec.Findings {
			out[f.Key()] = f
		}
	}
	return out
}

// ParseCanonicalKey splits an "owner/repo#number" key back into parts.
func ParseCanonicalKey(key string) (owner, repo string, number int, err error) {
	hashIdx := -1
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '#' {
			hashIdx = i
			break
		}
	}
	if hashIdx < 0 {
		return "", "", 0, fmt.Errorf("malformed canonical key %q: missing '#'", key)
	}
	ownerRepo := key[:hashIdx]
	numStr := key[hashIdx+1:]
	slashIdx := -1
	for i := 0; i < len(ownerRepo); i++ {
		if ownerRepo[i] == '/' {
			slashIdx = i
			break
		}
	}
	if slashIdx < 0 {
		return "", "", 0, fmt.Errorf("malformed canonical key %q: missing '/'", key)
	}
	owner = ownerRepo[:slashIdx]
	repo = ownerRepo[slashIdx+1:]
	if _, err := fmt.Sscanf(numStr, "%d", &number); err != nil {
		return "", "", 0, fmt.Errorf("malformed canonical key %q: bad number: %w", key, err)
	}
	return owner, repo, number, nil
}
