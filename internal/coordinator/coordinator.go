// Package coordinator implements ReviewCoordinator: the per-PR phase
// pipeline that decides whether to review, fetches and filters the diff,
// prepares a worktree, invokes the LLM, and posts the resulting review
// (§4.5).
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/decision"
	"github.com/reviewbot/reviewbot/internal/forge"
	"github.com/reviewbot/reviewbot/internal/llmcli"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/ratelimit"
	"github.com/reviewbot/reviewbot/internal/state"
	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
	"github.com/reviewbot/reviewbot/pkg/logger"
	"github.com/reviewbot/reviewbot/pkg/telemetry"
)

// LLMClient is the subset of llmcli.Invoker that the coordinator needs,
// narrowed to an interface so tests can substitute a fake.
type LLMClient interface {
	Invoke(ctx context.Context, req llmcli.Request) (*llmcli.Envelope, error)
}

// WorktreeManager is the subset of worktree.Manager the coordinator needs.
type WorktreeManager interface {
	PrepareForPR(ctx context.Context, owner, repo string, number int, headSHA string) (string, error)
}

// FeatureRunner is the subset of feature.Runner the coordinator needs. It
// runs every registered feature scoped to phase and returns one
// FeatureExecution per feature that ran or was skipped.
type FeatureRunner interface {
	Run(ctx context.Context, phase string, st *model.PRState) []model.FeatureExecution
}

// Options carries the per-invocation overrides a webhook comment trigger
// or a forced poll can set (§4.8's `--max-turns=N`, `--skip-description`,
// `--skip-labels`, `--focus=...`).
type Options struct {
	ForceReview     bool
	MaxTurns        int
	SkipDescription bool
	SkipLabels      bool
	FocusPaths      []string
}

// Result is the outcome of one ProcessPR call.
type Result struct {
	Key      string
	Advanced bool
	Reason   string
	Posted   bool
}

// Coordinator implements the §4.5 phase pipeline, delegating to the
// sub-modules that own each concern: StateStore for persistence,
// DecisionEngine for the review/no-review call, the forge for PR I/O,
// WorktreeManager for codebase access, RateLimitGuard to throttle LLM
// calls, and the LLM client itself.
type Coordinator struct {
	state     *state.StateStore
	forge     forge.Forge
	worktree  WorktreeManager
	rateLimit *ratelimit.Guard
	llm       LLMClient
	features  FeatureRunner
	clock     decision.Clock

	cfg    config.ReviewConfig
	llmCfg config.LLMConfig

	log     *zap.Logger
	metrics *telemetry.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Coordinator. features may be nil, in which case
// Phase 3/Phase 7 feature runs are skipped entirely (useful for tests and
// for deployments that disable every feature plugin).
func New(
	st *state.StateStore,
	fg forge.Forge,
	wt WorktreeManager,
	rl *ratelimit.Guard,
	llm LLMClient,
	features FeatureRunner,
	cfg config.ReviewConfig,
	llmCfg config.LLMConfig,
	log *zap.Logger,
) *Coordinator {
	if log == nil {
		log = logger.Get()
	}
	return &Coordinator{
		state:     st,
		forge:     fg,
		worktree:  wt,
		rateLimit: rl,
		llm:       llm,
		features:  features,
		clock:     decision.RealClock{},
		cfg:       cfg,
		llmCfg:    llmCfg,
		log:       log,
		metrics:   telemetry.GetMetrics(),
		locks:     make(map[string]*sync.Mutex),
	}
}

// perPRLock returns the mutex serializing every ProcessPR call for key,
// creating it on first use. The map itself is never shrunk; one mutex per
// PR ever seen is an acceptable, bounded cost for the lifetime of a
// process (§4.5: "A caller that finds the key locked waits for release,
// then re-checks").
func (c *Coordinator) perPRLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// ProcessPR runs the full phase pipeline for one pull request. Concurrent
// callers for the same key serialize on a per-PR mutex; a caller that
// waits for the lock re-evaluates state from scratch once it acquires it,
// so a second webhook delivery for a PR already reviewed by the first
// simply finds nothing left to do (Phase 1's DecisionEngine call handles
// this naturally).
func (c *Coordinator) ProcessPR(ctx context.Context, owner, repo string, pr *forge.PullRequest, opts Options) (*Result, error) {
	key := model.CanonicalKey(owner, repo, pr.Number)

	lock := c.perPRLock(key)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "coordinator.ProcessPR",
		telemetry.WithTaskAttributes(key, owner+"/"+repo, pr.HeadBranch))
	defer span.End()

	start := time.Now()
	c.metrics.RecordReviewStarted(ctx, owner, repo)

	result, err := c.process(ctx, owner, repo, key, pr, opts)
	if err != nil {
		telemetry.SetSpanError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}

	reason := "error"
	if result != nil {
		reason = result.Reason
	}
	c.metrics.RecordReviewCompleted(ctx, reason, time.Since(start).Seconds())

	return result, err
}

func (c *Coordinator) process(ctx context.Context, owner, repo, key string, pr *forge.PullRequest, opts Options) (*Result, error) {
	st, proceed, reason, err := c.phaseInitialize(ctx, owner, repo, key, pr, opts)
	if err != nil {
		return nil, c.recordPhaseError(key, "initialize", err)
	}
	if !proceed {
		return &Result{Key: key, Advanced: false, Reason: reason}, nil
	}

	diff, proceed, reason, err := c.phaseFetchDiff(ctx, owner, repo, key, st, opts)
	if err != nil {
		return nil, c.recordPhaseError(key, "fetch_diff", err)
	}
	if !proceed {
		return &Result{Key: key, Advanced: false, Reason: reason}, nil
	}

	st = c.phasePreReviewFeatures(ctx, key, st)

	worktreeDir, err := c.phasePrepareWorktree(ctx, owner, repo, st)
	if err != nil {
		return nil, c.recordPhaseError(key, "clone_prepare", err)
	}

	env, structured, ok, err := c.phaseInvokeLLM(ctx, owner, repo, st, diff, worktreeDir, opts)
	if err != nil {
		return nil, c.recordPhaseError(key, "claude_review", err)
	}

	posted, record, err := c.phasePostReview(ctx, owner, repo, st, diff, env, structured, ok)
	if err != nil {
		return nil, c.recordPhaseError(key, "post_review", err)
	}

	if err := c.phaseFinalize(ctx, owner, repo, key, st, posted, record); err != nil {
		return nil, c.recordPhaseError(key, "finalize", err)
	}

	return &Result{Key: key, Advanced: true, Reason: "reviewed", Posted: posted}, nil
}

// recordPhaseError classifies err and bumps the PR's error bookkeeping
// before returning it to the caller (§4.5 "Error handling").
func (c *Coordinator) recordPhaseError(key, phase string, err error) error {
	kind := model.ErrorKindTransient
	if apperrors.IsPermanent(err) {
		kind = model.ErrorKindPermanent
	}

	st, ok := c.state.Get(key)
	if !ok {
		c.log.Error("phase error for unknown state entry", zap.String("key", key), zap.String("phase", phase), zap.Error(err))
		return err
	}

	next := st.ConsecutiveErrors + 1
	if kind == model.ErrorKindPermanent {
		next = c.cfg.MaxRetries
	}

	lastErr := &model.LastError{
		Phase:      phase,
		Kind:       kind,
		Message:    err.Error(),
		SHA:        st.HeadSHA,
		OccurredAt: time.Now(),
	}

	if _, uerr := c.state.Update(key, state.Patch{
		Status:            statusPtr(model.StatusError),
		LastError:         lastErr,
		ConsecutiveErrors: &next,
	}); uerr != nil {
		c.log.Error("failed to record phase error", zap.String("key", key), zap.Error(uerr))
	}

	c.log.Error("review phase failed",
		zap.String("key", key), zap.String("phase", phase),
		zap.String("kind", string(kind)), zap.Error(err))

	return err
}

func statusPtr(s model.Status) *model.Status { return &s }

func recordPhaseTiming(ctx context.Context, metrics *telemetry.Metrics, phase string, start time.Time) {
	metrics.RecordPhase(ctx, phase, time.Since(start).Seconds())
}
