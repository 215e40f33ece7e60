// Package cleanup implements the stale-entry sweep of spec §4.12: delete
// terminal/stale StateStore entries and prune worktrees/clones that no
// longer have a live tracked PR behind them.
package cleanup

import (
	"time"

	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/state"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

// WorktreeManager is the subset of worktree.Manager the sweep needs.
type WorktreeManager interface {
	PruneStaleWorktrees(maxAge time.Duration) error
	PruneUntracked(tracked map[string]bool) error
}

// Sweeper runs the §4.12 cleanup pass.
type Sweeper struct {
	state    *state.StateStore
	worktree WorktreeManager
	cfg      config.ReviewConfig
	log      *zap.Logger
}

// New constructs a Sweeper.
func New(st *state.StateStore, wt WorktreeManager, cfg config.ReviewConfig, log *zap.Logger) *Sweeper {
	if log == nil {
		log = logger.Get()
	}
	return &Sweeper{state: st, worktree: wt, cfg: cfg, log: log}
}

// worktreeStaleAge bounds how long an orphaned worktree directory is kept
// around after its PR entry stops being updated, independent of
// StaleClosedDays/StaleErrorDays (which govern StateStore entries, not the
// filesystem). A week comfortably outlives any in-flight review.
const worktreeStaleAge = 7 * 24 * time.Hour

// Run deletes eligible StateStore entries, then prunes worktrees/clones for
// whatever remains tracked. Eligible entries are deleted together in one
// DeleteMany write; a failure of that write, like a single worktree-prune
// failure, is logged, not fatal.
func (s *Sweeper) Run() {
	now := time.Now()
	staleClosed := time.Duration(s.cfg.StaleClosedDays) * 24 * time.Hour
	staleError := time.Duration(s.cfg.StaleErrorDays) * 24 * time.Hour

	all := s.state.GetAll()
	var toDelete []string
	for _, st := range all {
		if eligible(st, now, staleClosed, staleError, s.cfg.MaxRetries) {
			toDelete = append(toDelete, st.Key())
		}
	}

	if len(toDelete) > 0 {
		if err := s.state.DeleteMany(toDelete); err != nil {
			s.log.Warn("cleanup sweep failed to delete stale entries", zap.Error(err), zap.Int("count", len(toDelete)))
		} else {
			s.log.Info("cleanup sweep deleted stale entries", zap.Int("count", len(toDelete)))
		}
	}

	s.pruneWorktrees()
}

// eligible implements the two deletion rules of spec §4.12: terminal and
// older than staleClosed, or errored-out past maxRetries and older than
// staleError.
func eligible(st *model.PRState, now time.Time, staleClosed, staleError time.Duration, maxRetries int) bool {
	age := now.Sub(st.UpdatedAt)

	if st.Status.Terminal() {
		return age >= staleClosed
	}
	if st.Status == model.StatusError && st.ConsecutiveErrors >= maxRetries {
		return age >= staleError
	}
	return false
}

func (s *Sweeper) pruneWorktrees() {
	if s.worktree == nil {
		return
	}

	if err := s.worktree.PruneStaleWorktrees(worktreeStaleAge); err != nil {
		s.log.Warn("failed to prune stale worktrees", zap.Error(err))
	}

	tracked := make(map[string]bool)
	for _, st := range s.state.GetAll() {
		tracked[st.Owner+"/"+st.Repo] = true
	}
	if err := s.worktree.PruneUntracked(tracked); err != nil {
		s.log.Warn("failed to prune untracked clones", zap.Error(err))
	}
}
