// Package poller implements PollerLoop: the interval-driven ingress that
// lists open PRs per tracked repo, submits each to ReviewCoordinator,
// reconciles orphaned StateStore entries against current forge state, and
// then runs VerificationLoop and the cleanup sweep (§4.7).
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/coordinator"
	"github.com/reviewbot/reviewbot/internal/forge"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/state"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

// listCapPerRepo bounds how many open PRs are listed per repo per tick, so
// one very busy repo never starves the others in the same poll.
const listCapPerRepo = 200

// Coordinator is the subset of coordinator.Coordinator the poller needs.
type Coordinator interface {
	ProcessPR(ctx context.Context, owner, repo string, pr *forge.PullRequest, opts coordinator.Options) (*coordinator.Result, error)
}

// Verifier is the subset of verify.Loop the poller runs after each tick.
type Verifier interface {
	Run(ctx context.Context)
}

// Cleaner is the subset of cleanup.Sweeper the poller runs after each tick.
type Cleaner interface {
	Run()
}

// Loop drives the interval poll via robfig/cron's "@every" descriptor.
type Loop struct {
	state   *state.StateStore
	forge   forge.Forge
	coord   Coordinator
	verify  Verifier
	cleanup Cleaner
	repos   []config.RepoConfig
	cron    *cron.Cron
	log     *zap.Logger
}

// New constructs a Loop. verify and cleanup may be nil in tests that only
// care about the poll-and-submit behavior.
func New(st *state.StateStore, fg forge.Forge, coord Coordinator, verify Verifier, cleanup Cleaner, repos []config.RepoConfig, log *zap.Logger) *Loop {
	if log == nil {
		log = logger.Get()
	}
	return &Loop{
		state:   st,
		forge:   fg,
		coord:   coord,
		verify:  verify,
		cleanup: cleanup,
		repos:   repos,
		cron:    cron.New(),
		log:     log,
	}
}

// Start schedules the poll on the given interval and runs one tick
// immediately in the background, mirroring the teacher's cleanup-service
// start sequence (schedule, start, kick off an immediate first run).
func (l *Loop) Start(ctx context.Context, interval time.Duration) error {
	spec := fmt.Sprintf("@every %s", interval)
	_, err := l.cron.AddFunc(spec, func() { l.tick(ctx) })
	if err != nil {
		return fmt.Errorf("scheduling poll: %w", err)
	}

	l.cron.Start()
	l.log.Info("poller loop started", zap.Duration("interval", interval), zap.Int("repos", len(l.repos)))

	go l.tick(ctx)
	return nil
}

// Stop halts the scheduler and waits for any in-flight scheduled tick to
// finish; the immediate first tick that Start runs in its own goroutine is
// not waited for.
func (l *Loop) Stop() {
	stopCtx := l.cron.Stop()
	<-stopCtx.Done()
}

// tick runs one poll: list-and-submit per repo (isolated per repo),
// orphan reconciliation, then VerificationLoop and cleanup.
func (l *Loop) tick(ctx context.Context) {
	seen := make(map[string]bool)

	for _, repo := range l.repos {
		keys, err := l.pollRepo(ctx, repo)
		if err != nil {
			l.log.Error("poll failed for repo", zap.String("repo", repo.CanonicalName()), zap.Error(err))
			continue
		}
		for _, k := range keys {
			seen[k] = true
		}
	}

	l.reconcileOrphans(ctx, seen)

	if l.verify != nil {
		l.verify.Run(ctx)
	}
	if l.cleanup != nil {
		l.cleanup.Run()
	}
}

// pollRepo lists one repo's open PRs and submits each to the coordinator,
// returning every canonical key it saw.
func (l *Loop) pollRepo(ctx context.Context, repo config.RepoConfig) ([]string, error) {
	prs, err := l.forge.ListOpenPullRequests(ctx, repo.Owner, repo.Repo, listCapPerRepo)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(prs))
	for _, pr := range prs {
		key := model.CanonicalKey(repo.Owner, repo.Repo, pr.Number)
		keys = append(keys, key)

		if _, err := l.coord.ProcessPR(ctx, repo.Owner, repo.Repo, pr, coordinator.Options{}); err != nil {
			l.log.Error("process PR failed", zap.String("key", key), zap.Error(err))
		}
	}
	return keys, nil
}

// reconcileOrphans handles StateStore entries for tracked repos that the
// poll did not see among open PRs: the PR has since merged or closed, and
// the forge's own record confirms which.
func (l *Loop) reconcileOrphans(ctx context.Context, seen map[string]bool) {
	tracked := make(map[string]bool, len(l.repos))
	for _, r := range l.repos {
		tracked[r.CanonicalName()] = true
	}

	for _, st := range l.state.GetAll() {
		if !tracked[st.Owner+"/"+st.Repo] {
			continue
		}
		if st.Status.Terminal() {
			continue
		}
		key := st.Key()
		if seen[key] {
			continue
		}

		pr, err := l.forge.GetPullRequest(ctx, st.Owner, st.Repo, st.Number)
		if err != nil {
			l.log.Warn("failed to reconcile orphaned entry", zap.String("key", key), zap.Error(err))
			continue
		}

		// An "open" result here means the entry merely fell outside this
		// tick's listCapPerRepo window, not that it actually closed —
		// leave it alone rather than misreporting it terminal.
		if pr.State != "closed" {
			continue
		}

		terminal := model.StatusClosed
		if pr.Merged {
			terminal = model.StatusMerged
		}
		if _, err := l.state.Update(key, state.Patch{Status: &terminal}); err != nil {
			l.log.Warn("failed to update orphaned entry", zap.String("key", key), zap.Error(err))
		}
	}
}
