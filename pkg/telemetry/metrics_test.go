// Package telemetry provides OpenTelemetry integration for the application.
// This file contains unit tests for the metrics.
package telemetry

import (
	"context"
	"testing"
)

func TestGetMetrics(t *testing.T) {
	metrics := GetMetrics()
	if metrics == nil {
		t.Fatal("GetMetrics() returned nil")
	}

	metrics2 := GetMetrics()
	if metrics != metrics2 {
		t.Error("GetMetrics() returned different instances on subsequent calls")
	}
}

func TestMetricsRecordReviewStarted(t *testing.T) {
	metrics := GetMetrics()
	metrics.RecordReviewStarted(context.Background(), "acme", "widgets")
}

func TestMetricsRecordReviewCompleted(t *testing.T) {
	metrics := GetMetrics()
	metrics.RecordReviewCompleted(context.Background(), "reviewed", 10.5)
}

func TestMetricsRecordPhase(t *testing.T) {
	metrics := GetMetrics()
	metrics.RecordPhase(context.Background(), "invoke_llm", 45.2)
}

func TestMetricsRecordFindings(t *testing.T) {
	metrics := GetMetrics()
	metrics.RecordFindings(context.Background(), "issue", 5)
}

func TestMetricsRecordHTTPRequest(t *testing.T) {
	metrics := GetMetrics()
	ctx := context.Background()

	metrics.RecordHTTPRequest(ctx, "GET", "/api/v1/state", 200, 0.05)
	metrics.RecordHTTPRequest(ctx, "POST", "/webhook", 202, 0.1)
	metrics.RecordHTTPRequest(ctx, "GET", "/api/v1/state/999", 404, 0.01)
}

func TestMetricsRecordLLMInvocation(t *testing.T) {
	metrics := GetMetrics()
	ctx := context.Background()

	metrics.RecordLLMInvocation(ctx, true, 22.5)
	metrics.RecordLLMInvocation(ctx, false, 600.0)
}

func TestMetricsRecordWorktreeOp(t *testing.T) {
	metrics := GetMetrics()
	ctx := context.Background()

	metrics.RecordWorktreeOp(ctx, "clone", true, 5.5)
	metrics.RecordWorktreeOp(ctx, "add", false, 30.0)
}

func TestMetricsQueueAndRateLimit(t *testing.T) {
	metrics := GetMetrics()
	ctx := context.Background()

	metrics.SetQueueDepth(ctx, 3)
	metrics.SetQueueDepth(ctx, -1)
	metrics.SetRateLimitState(ctx, 1)
	metrics.RecordRateLimitEvent(ctx, "rate_limit")
}

func TestMetricsNilSafe(t *testing.T) {
	emptyMetrics := &Metrics{}
	ctx := context.Background()

	t.Run("RecordReviewStarted", func(t *testing.T) {
		emptyMetrics.RecordReviewStarted(ctx, "o", "r")
	})
	t.Run("RecordReviewCompleted", func(t *testing.T) {
		emptyMetrics.RecordReviewCompleted(ctx, "reviewed", 1.0)
	})
	t.Run("RecordPhase", func(t *testing.T) {
		emptyMetrics.RecordPhase(ctx, "init", 1.0)
	})
	t.Run("RecordFindings", func(t *testing.T) {
		emptyMetrics.RecordFindings(ctx, "test", 1)
	})
	t.Run("RecordHTTPRequest", func(t *testing.T) {
		emptyMetrics.RecordHTTPRequest(ctx, "GET", "/test", 200, 0.1)
	})
	t.Run("RecordLLMInvocation", func(t *testing.T) {
		emptyMetrics.RecordLLMInvocation(ctx, true, 1.0)
	})
	t.Run("RecordWorktreeOp", func(t *testing.T) {
		emptyMetrics.RecordWorktreeOp(ctx, "clone", true, 1.0)
	})
	t.Run("SetQueueDepth", func(t *testing.T) {
		emptyMetrics.SetQueueDepth(ctx, 1)
	})
	t.Run("SetRateLimitState", func(t *testing.T) {
		emptyMetrics.SetRateLimitState(ctx, 1)
	})
	t.Run("RecordRateLimitEvent", func(t *testing.T) {
		emptyMetrics.RecordRateLimitEvent(ctx, "spending_limit")
	})
}
