// Package telemetry provides OpenTelemetry integration for the application.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/pkg/logger"
)

// MeterName is the default meter name for the application.
const MeterName = "github.com/reviewbot/reviewbot"

// Metrics holds all application metrics.
type Metrics struct {
	// Review lifecycle metrics
	ReviewsTotal     metric.Int64Counter
	ReviewsByReason  metric.Int64Counter
	ReviewDuration   metric.Float64Histogram
	PhaseDuration    metric.Float64Histogram
	ActiveReviews    metric.Int64UpDownCounter
	FindingsTotal    metric.Int64Counter

	// Queue / concurrency metrics
	QueueDepth      metric.Int64UpDownCounter
	RateLimitState  metric.Int64UpDownCounter
	RateLimitEvents metric.Int64Counter

	// HTTP metrics (webhook ingress + dashboard)
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// LLM CLI metrics
	LLMInvocationsTotal metric.Int64Counter
	LLMInvocationErrors metric.Int64Counter
	LLMDuration         metric.Float64Histogram

	// Worktree / git metrics
	WorktreeOpsTotal    metric.Int64Counter
	WorktreeOpDuration  metric.Float64Histogram
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics returns the global metrics instance, initializing it if necessary.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		var err error
		globalMetrics, err = initMetrics()
		if err != nil {
			logger.Error("failed to initialize metrics", zap.Error(err))
			globalMetrics = &Metrics{}
		}
	})
	return globalMetrics
}

func initMetrics() (*Metrics, error) {
	meter := otel.Meter(MeterName)
	m := &Metrics{}

	var err error

	m.ReviewsTotal, err = meter.Int64Counter(
		"reviewbot_reviews_total",
		metric.WithDescription("Total number of PR reviews processed"),
		metric.WithUnit("{review}"),
	)
	if err != nil {
		return nil, err
	}

	m.ReviewsByReason, err = meter.Int64Counter(
		"reviewbot_reviews_by_reason_total",
		metric.WithDescription("Total number of processPR outcomes by terminal reason"),
		metric.WithUnit("{review}"),
	)
	if err != nil {
		return nil, err
	}

	m.ReviewDuration, err = meter.Float64Histogram(
		"reviewbot_review_duration_seconds",
		metric.WithDescription("Total duration of a processPR invocation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, err
	}

	m.PhaseDuration, err = meter.Float64Histogram(
		"reviewbot_phase_duration_seconds",
		metric.WithDescription("Duration of a single ReviewCoordinator phase"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveReviews, err = meter.Int64UpDownCounter(
		"reviewbot_active_reviews",
		metric.WithDescription("Number of reviews currently in flight"),
		metric.WithUnit("{review}"),
	)
	if err != nil {
		return nil, err
	}

	m.FindingsTotal, err = meter.Int64Counter(
		"reviewbot_findings_total",
		metric.WithDescription("Total number of findings returned by the LLM, by severity"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter(
		"reviewbot_queue_depth",
		metric.WithDescription("Number of PRs waiting on the review worker pool"),
		metric.WithUnit("{pr}"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitState, err = meter.Int64UpDownCounter(
		"reviewbot_rate_limit_state",
		metric.WithDescription("Current RateLimitGuard state (0=active,1=paused_rate_limit,2=paused_spending_limit)"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitEvents, err = meter.Int64Counter(
		"reviewbot_rate_limit_events_total",
		metric.WithDescription("Total number of rate-limit/spending-limit signals reported"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"reviewbot_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"reviewbot_http_request_duration_seconds",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.LLMInvocationsTotal, err = meter.Int64Counter(
		"reviewbot_llm_invocations_total",
		metric.WithDescription("Total number of LLM CLI subprocess invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMInvocationErrors, err = meter.Int64Counter(
		"reviewbot_llm_invocation_errors_total",
		metric.WithDescription("Total number of LLM CLI invocations that errored, timed out, or failed to parse"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMDuration, err = meter.Float64Histogram(
		"reviewbot_llm_duration_seconds",
		metric.WithDescription("Duration of LLM CLI subprocess invocations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	m.WorktreeOpsTotal, err = meter.Int64Counter(
		"reviewbot_worktree_ops_total",
		metric.WithDescription("Total number of worktree operations (clone, fetch, add, remove, prune)"),
		metric.WithUnit("{op}"),
	)
	if err != nil {
		return nil, err
	}

	m.WorktreeOpDuration, err = meter.Float64Histogram(
		"reviewbot_worktree_op_duration_seconds",
		metric.WithDescription("Duration of worktree git operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("metrics initialized")
	return m, nil
}

// RecordReviewStarted records that processPR has begun for a PR.
func (m *Metrics) RecordReviewStarted(ctx context.Context, owner, repo string) {
	if m.ReviewsTotal == nil {
		return
	}
	m.ReviewsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("owner", owner),
		attribute.String("repo", repo),
	))
	if m.ActiveReviews != nil {
		m.ActiveReviews.Add(ctx, 1)
	}
}

// RecordReviewCompleted records processPR's terminal reason and duration.
func (m *Metrics) RecordReviewCompleted(ctx context.Context, reason string, durationSeconds float64) {
	if m.ActiveReviews != nil {
		m.ActiveReviews.Add(ctx, -1)
	}
	if m.ReviewsByReason != nil {
		m.ReviewsByReason.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	if m.ReviewDuration != nil {
		m.ReviewDuration.Record(ctx, durationSeconds, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordPhase records the duration of a single ReviewCoordinator phase.
func (m *Metrics) RecordPhase(ctx context.Context, phase string, durationSeconds float64) {
	if m.PhaseDuration == nil {
		return
	}
	m.PhaseDuration.Record(ctx, durationSeconds, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordFindings records review findings by severity.
func (m *Metrics) RecordFindings(ctx context.Context, severity string, count int64) {
	if m.FindingsTotal == nil {
		return
	}
	m.FindingsTotal.Add(ctx, count, metric.WithAttributes(attribute.String("severity", severity)))
}

// RecordHTTPRequest records an HTTP request against the webhook or dashboard routes.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m.HTTPRequestsTotal != nil {
		m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.Int("status_code", statusCode),
		))
	}
	if m.HTTPRequestDuration != nil {
		m.HTTPRequestDuration.Record(ctx, durationSeconds, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
		))
	}
}

// RecordLLMInvocation records one LLM CLI subprocess invocation.
func (m *Metrics) RecordLLMInvocation(ctx context.Context, success bool, durationSeconds float64) {
	if m.LLMInvocationsTotal != nil {
		m.LLMInvocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	}
	if !success && m.LLMInvocationErrors != nil {
		m.LLMInvocationErrors.Add(ctx, 1)
	}
	if m.LLMDuration != nil {
		m.LLMDuration.Record(ctx, durationSeconds, metric.WithAttributes(attribute.Bool("success", success)))
	}
}

// RecordWorktreeOp records a git worktree/clone operation.
func (m *Metrics) RecordWorktreeOp(ctx context.Context, op string, success bool, durationSeconds float64) {
	if m.WorktreeOpsTotal != nil {
		m.WorktreeOpsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.Bool("success", success),
		))
	}
	if m.WorktreeOpDuration != nil {
		m.WorktreeOpDuration.Record(ctx, durationSeconds, metric.WithAttributes(attribute.String("op", op)))
	}
}

// SetQueueDepth adds delta to the ReviewCoordinator's queue-depth counter.
func (m *Metrics) SetQueueDepth(ctx context.Context, delta int64) {
	if m.QueueDepth == nil {
		return
	}
	m.QueueDepth.Add(ctx, delta)
}

// SetRateLimitState reports a RateLimitGuard state transition.
func (m *Metrics) SetRateLimitState(ctx context.Context, delta int64) {
	if m.RateLimitState == nil {
		return
	}
	m.RateLimitState.Add(ctx, delta)
}

// RecordRateLimitEvent records a rate-limit or spending-limit signal.
func (m *Metrics) RecordRateLimitEvent(ctx context.Context, kind string) {
	if m.RateLimitEvents == nil {
		return
	}
	m.RateLimitEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
