// Package feature implements FeatureRunner: ordered dispatch of pluggable
// pre-review and post-review collaborators, with per-feature timing and
// error isolation (§4.9).
package feature

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/state"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

// maxFeatureExecutions bounds the rolling featureExecutions log per PR.
// Spec §4.9 calls for a "bounded" log but names no specific size; this
// mirrors the order of magnitude used for review history elsewhere.
const maxFeatureExecutions = 50

// Plugin is one pluggable FeatureRunner collaborator.
type Plugin interface {
	// Name identifies the plugin in FeatureExecution records and logs.
	Name() string

	// Phase reports when this plugin runs: "pre_review" or "post_review".
	Phase() string

	// ShouldRun reports whether this plugin applies to st right now.
	ShouldRun(ctx context.Context, st *model.PRState) bool

	// Execute performs the plugin's work. Any state mutation it wants to
	// persist must go through its own StateStore handle.
	Execute(ctx context.Context, st *model.PRState) error
}

// Runner dispatches registered plugins in registration order, filtered by
// phase, recording one FeatureExecution per plugin that ran or was
// skipped. A panicking plugin is recovered and recorded as an error so it
// never aborts the review.
type Runner struct {
	state   *state.StateStore
	plugins []Plugin
	log     *zap.Logger
}

// New constructs a Runner over plugins, dispatched in the given order.
func New(st *state.StateStore, plugins []Plugin, log *zap.Logger) *Runner {
	if log == nil {
		log = logger.Get()
	}
	return &Runner{state: st, plugins: plugins, log: log}
}

// Run executes every plugin registered for phase against st, in
// registration order, and returns the FeatureExecution records produced.
func (r *Runner) Run(ctx context.Context, phase string, st *model.PRState) []model.FeatureExecution {
	var execs []model.FeatureExecution

	for _, p := range r.plugins {
		if p.Phase() != phase {
			continue
		}
		exec := r.runOne(ctx, p, st)
		execs = append(execs, exec)
		r.record(st.Key(), exec)
	}

	return execs
}

func (r *Runner) runOne(ctx context.Context, p Plugin, st *model.PRState) (exec model.FeatureExecution) {
	childLog := r.log.With(zap.String("feature", p.Name()), zap.String("phase", p.Phase()))
	start := time.Now()

	exec = model.FeatureExecution{Name: p.Name(), Phase: p.Phase(), RanAt: start}

	defer func() {
		if rec := recover(); rec != nil {
			exec.Status = "error"
			exec.Error = fmt.Sprintf("panic: %v", rec)
			childLog.Error("feature panicked", zap.Any("recovered", rec))
		}
		exec.Duration = time.Since(start)
	}()

	if !p.ShouldRun(ctx, st) {
		exec.Status = "skipped"
		return exec
	}

	if err := p.Execute(ctx, st); err != nil {
		exec.Status = "error"
		exec.Error = err.Error()
		childLog.Warn("feature execution failed", zap.Error(err))
		return exec
	}

	exec.Status = "ok"
	return exec
}

// record appends exec to the PR's bounded featureExecutions log. A
// missing entry (e.g. deleted mid-run) is a silent no-op.
func (r *Runner) record(key string, exec model.FeatureExecution) {
	_, err := r.state.Update(key, state.Patch{
		AppendFeatureExecution: &exec,
		MaxFeatureExecutions:   maxFeatureExecutions,
	})
	if err != nil {
		r.log.Debug("failed to record feature execution", zap.String("key", key), zap.String("feature", exec.Name), zap.Error(err))
	}
}
