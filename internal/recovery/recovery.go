// Package recovery implements StartupRecovery: a one-shot, boot-time scan
// that reconciles every tracked PR against current forge state before the
// regular poller/webhook ingresses start submitting work (§4.10).
package recovery

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/forge"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/state"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

// maxConcurrentRecoveries bounds how many forge lookups run at once during
// the boot-time scan (§4.10: "bounded batches, e.g. 3 concurrent").
const maxConcurrentRecoveries = 3

// Runner performs the boot-time reconciliation scan.
type Runner struct {
	state *state.StateStore
	forge forge.Forge
	repos map[string]bool // "owner/repo" canonical names currently tracked
	log   *zap.Logger
}

// New constructs a Runner scoped to the given tracked repos.
func New(st *state.StateStore, fg forge.Forge, repos []config.RepoConfig, log *zap.Logger) *Runner {
	if log == nil {
		log = logger.Get()
	}
	tracked := make(map[string]bool, len(repos))
	for _, r := range repos {
		tracked[r.CanonicalName()] = true
	}
	return &Runner{state: st, forge: fg, repos: tracked, log: log}
}

// Run scans every non-terminal, non-skipped entry for a tracked repo and
// reconciles it against current forge state. Entries for repos no longer
// tracked are left alone; an individual entry's forge-lookup failure is
// logged and does not stop the rest of the scan.
func (r *Runner) Run(ctx context.Context) error {
	var candidates []*model.PRState
	for _, st := range r.state.GetAll() {
		if !r.repos[st.Owner+"/"+st.Repo] {
			continue
		}
		if st.Status.Terminal() || st.Status == model.StatusReviewing || st.Status == model.StatusSkipped {
			continue
		}
		candidates = append(candidates, st)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRecoveries)

	for _, st := range candidates {
		st := st
		g.Go(func() error {
			if err := r.reconcileOne(gCtx, st); err != nil {
				r.log.Warn("startup recovery failed for entry", zap.String("key", st.Key()), zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

func (r *Runner) reconcileOne(ctx context.Context, st *model.PRState) error {
	pr, err := r.forge.GetPullRequest(ctx, st.Owner, st.Repo, st.Number)
	if err != nil {
		return err
	}

	key := st.Key()

	if pr.State == "closed" {
		terminal := model.StatusMerged
		if !pr.Merged {
			terminal = model.StatusClosed
		}
		_, err := r.state.Update(key, state.Patch{Status: &terminal})
		return err
	}

	if st.LastReviewedSHA != "" && pr.HeadSHA != st.LastReviewedSHA {
		pushed := model.StatusChangesPushed
		headSHA := pr.HeadSHA
		_, err := r.state.Update(key, state.Patch{Status: &pushed, HeadSHA: &headSHA})
		return err
	}

	// Anything already in pending_review/changes_pushed/error is already
	// eligible for DecisionEngine to pick up on the next poll; nothing
	// further to do here. A still-`reviewed` entry with no new commits is
	// genuinely caught up and is left alone too.
	return nil
}
