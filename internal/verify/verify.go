// Package verify implements VerificationLoop: periodically re-probes the
// forge for PRs already reviewed, to catch a dismissed or deleted review
// (or, on the legacy freeform path, a deleted issue comment) and re-queue
// the PR for review (§4.11).
package verify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/decision"
	"github.com/reviewbot/reviewbot/internal/forge"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/state"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

// Loop re-probes reviewed PRs' posted artifacts on an interval.
type Loop struct {
	state *state.StateStore
	forge forge.Forge
	cfg   config.ReviewConfig
	clock decision.Clock
	log   *zap.Logger
}

// New constructs a Loop.
func New(st *state.StateStore, fg forge.Forge, cfg config.ReviewConfig, log *zap.Logger) *Loop {
	if log == nil {
		log = logger.Get()
	}
	return &Loop{state: st, forge: fg, cfg: cfg, clock: decision.RealClock{}, log: log}
}

// Run scans every `reviewed` entry due for verification (LastVerifiedAt
// unset, or older than commentVerifyIntervalMinutes), probes its posted
// artifact, and re-queues it on dismissal or deletion. One entry's error
// never aborts the scan.
func (l *Loop) Run(ctx context.Context) {
	interval := time.Duration(l.cfg.CommentVerifyIntervalMinutes) * time.Minute
	now := l.clock.Now()

	for _, st := range l.state.GetAll() {
		if st.Status != model.StatusReviewed {
			continue
		}
		if st.LastVerifiedAt != nil && now.Sub(*st.LastVerifiedAt) < interval {
			continue
		}
		if err := l.verifyOne(ctx, st); err != nil {
			l.log.Warn("verification probe failed", zap.String("key", st.Key()), zap.Error(err))
		}
	}
}

func (l *Loop) verifyOne(ctx context.Context, st *model.PRState) error {
	key := st.Key()
	stale, err := l.isArtifactGone(ctx, st)
	if err != nil {
		return err
	}

	now := l.clock.Now()
	if !stale {
		_, err := l.state.Update(key, state.Patch{LastVerifiedAt: &now})
		return err
	}

	l.log.Info("posted review artifact is gone, re-queueing for review",
		zap.String("key", key))

	pending := model.StatusPendingReview
	_, err = l.state.Update(key, state.Patch{
		Status:             &pending,
		LastVerifiedAt:     &now,
		ClearStatusComment: true,
	})
	return err
}

// isArtifactGone reports whether the most recent review's posted artifact
// (a structured review, or a freeform issue comment on the legacy path) no
// longer exists or has been dismissed.
func (l *Loop) isArtifactGone(ctx context.Context, st *model.PRState) (bool, error) {
	last := st.LastReview()
	if last == nil {
		return false, nil
	}

	if last.ReviewID != nil {
		status, err := l.forge.GetReviewStatus(ctx, st.Owner, st.Repo, st.Number, *last.ReviewID)
		if err != nil {
			return false, err
		}
		return !status.Exists || status.Dismissed, nil
	}

	if last.CommentID != nil {
		comments, err := l.forge.ListIssueComments(ctx, st.Owner, st.Repo, st.Number)
		if err != nil {
			return false, err
		}
		for _, c := range comments {
			if c.ID == *last.CommentID {
				return false, nil
			}
		}
		return true, nil
	}

	return false, nil
}
