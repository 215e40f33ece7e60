// Package decision implements DecisionEngine: the pure function that
// decides whether a tracked PR should be reviewed right now (§4.2).
package decision

import (
	"strings"
	"time"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/model"
)

// Clock is injected so ShouldReview stays a pure function of its inputs,
// independent of wall-clock side effects.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock with time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Decision is the outcome of ShouldReview.
type Decision struct {
	Review bool
	Reason string
}

func yes(reason string) Decision { return Decision{Review: true, Reason: reason} }
func no(reason string) Decision  { return Decision{Review: false, Reason: reason} }

// ShouldReview applies the eight ordered rules of §4.2, first match wins.
// It never mutates state, performs I/O, or reads the wall clock directly.
func ShouldReview(state *model.PRState, cfg config.ReviewConfig, forceHint bool, clock Clock) Decision {
	// 1. Terminal statuses never leave.
	if state.Status.Terminal() {
		return no(string(state.Status))
	}

	// 2. Already in progress.
	if state.Status == model.StatusReviewing {
		return no("already_reviewing")
	}

	// 3. Draft / WIP skip policy.
	if cfg.SkipDrafts && state.IsDraft {
		return no("draft")
	}
	if cfg.SkipWip && strings.HasPrefix(strings.ToLower(state.Title), "wip") {
		return no("wip_title")
	}

	// 4. Explicitly skipped; only an external transition clears this.
	if state.Status == model.StatusSkipped {
		reason := state.SkipReason
		if reason == "" {
			reason = "skipped"
		}
		return no(reason)
	}

	// 5. Already reviewed at this sha.
	if state.Status == model.StatusReviewed && state.LastReviewedSHA == state.HeadSHA {
		if forceHint {
			return yes("forced")
		}
		return no("already_reviewed")
	}

	now := clock.Now()

	// 6. Debounce, unless forced, or the author kept pushing past the last
	// review, or changes were pushed since the last review.
	if state.LastPushAt != nil && cfg.DebouncePeriodSeconds > 0 {
		elapsed := now.Sub(*state.LastPushAt)
		debounceWindow := time.Duration(cfg.DebouncePeriodSeconds) * time.Second
		if elapsed < debounceWindow {
			if forceHint {
				return yes("forced")
			}
			if lastReview := state.LastReview(); lastReview != nil && lastReview.SHA != state.HeadSHA {
				return yes("pushed_after_review")
			}
			if state.Status == model.StatusChangesPushed {
				return yes("changes_pushed")
			}
			return no("debounced")
		}
	}

	// 7. Error backoff.
	if state.Status == model.StatusError && !forceHint {
		if cfg.MaxRetries > 0 && state.ConsecutiveErrors >= cfg.MaxRetries {
			return no("max_retries_exceeded")
		}
		if state.LastError != nil {
			backoff := errorBackoff(state.ConsecutiveErrors)
			readyAt := state.LastError.OccurredAt.Add(backoff)
			if now.Before(readyAt) {
				return no("error_backoff")
			}
		}
	}

	// 8. Otherwise, go.
	return yes(string(state.Status))
}

// errorBackoff implements 60s * 2^(n-1) for n >= 1; n <= 0 yields no wait.
func errorBackoff(consecutiveErrors int) time.Duration {
	if consecutiveErrors <= 0 {
		return 0
	}
	base := 60 * time.Second
	mult := int64(1) << uint(consecutiveErrors-1)
	return base * time.Duration(mult)
}
