package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/consts"
	"github.com/reviewbot/reviewbot/internal/decision"
	"github.com/reviewbot/reviewbot/internal/diffutil"
	"github.com/reviewbot/reviewbot/internal/forge"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/state"
)

// phaseInitialize is Phase 1: getOrCreate the state, reconcile metadata,
// apply auto-transitions and skip policies, then ask DecisionEngine
// whether to proceed.
func (c *Coordinator) phaseInitialize(ctx context.Context, owner, repo, key string, pr *forge.PullRequest, opts Options) (*model.PRState, bool, string, error) {
	defer recordPhaseTiming(ctx, c.metrics, "initialize", time.Now())

	st, err := c.state.GetOrCreate(owner, repo, pr.Number, model.PRState{
		Title:      pr.Title,
		HeadSHA:    pr.HeadSHA,
		BaseBranch: pr.BaseBranch,
		HeadBranch: pr.HeadBranch,
		IsDraft:    pr.IsDraft,
	})
	if err != nil {
		return nil, false, "", err
	}

	patch := state.Patch{}
	dirty := false

	if st.Title != pr.Title {
		patch.Title = &pr.Title
		dirty = true
	}
	if st.IsDraft != pr.IsDraft {
		patch.IsDraft = &pr.IsDraft
		dirty = true
	}
	if st.BaseBranch != pr.BaseBranch {
		patch.BaseBranch = &pr.BaseBranch
		dirty = true
	}
	if st.HeadBranch != pr.HeadBranch {
		patch.HeadBranch = &pr.HeadBranch
		dirty = true
	}
	if st.HeadSHA != pr.HeadSHA {
		patch.HeadSHA = &pr.HeadSHA
		now := time.Now()
		patch.LastPushAt = &now
		dirty = true
	}

	// Auto-transitions (§4.5 Phase 1).
	nextStatus := st.Status
	if st.Status == model.StatusReviewed && pr.HeadSHA != st.LastReviewedSHA {
		nextStatus = model.StatusChangesPushed
	}
	if st.Status == model.StatusSkipped && st.SkipReason == "" {
		nextStatus = model.StatusPendingReview
	}
	if nextStatus != st.Status {
		patch.Status = &nextStatus
		dirty = true
	}

	// Skip policies: draft/WIP title. Only applied going forward; a PR
	// already past this (e.g. reviewed before going WIP) is left alone by
	// DecisionEngine's own draft/wip rule, which re-evaluates every call.
	if dirty {
		st, err = c.state.Update(key, patch)
		if err != nil {
			return nil, false, "", err
		}
	}

	d := decision.ShouldReview(st, c.cfg, opts.ForceReview, c.clock)
	if !d.Review {
		return st, false, d.Reason, nil
	}

	return st, true, d.Reason, nil
}

// phaseFetchDiff is Phase 2: fetch and filter the diff, skip if too
// large, else transition to reviewing and post the transient status
// comment.
func (c *Coordinator) phaseFetchDiff(ctx context.Context, owner, repo, key string, st *model.PRState, opts Options) (string, bool, string, error) {
	defer recordPhaseTiming(ctx, c.metrics, "fetch_diff", time.Now())

	raw, err := c.forge.GetDiff(ctx, owner, repo, st.Number)
	if err != nil {
		return "", false, "", err
	}

	filtered := diffutil.FilterDiff(raw, c.cfg.ExcludePaths)
	lineCount := countDiffLines(filtered)

	if c.cfg.MaxDiffLines > 0 && lineCount > c.cfg.MaxDiffLines {
		reason := "diff_too_large"
		sha := st.HeadSHA
		lines := lineCount
		if _, err := c.state.Update(key, state.Patch{
			Status:        statusPtr(model.StatusSkipped),
			SkipReason:    &reason,
			SkipDiffLines: &lines,
			SkippedAtSHA:  &sha,
		}); err != nil {
			return "", false, "", err
		}
		return "", false, reason, nil
	}

	patch := state.Patch{Status: statusPtr(model.StatusReviewing)}

	if !c.cfg.DryRun {
		body := "Reviewing commit " + st.HeadSHA + "...\n\n" + consts.StatusCommentTag
		id, err := c.forge.PostIssueComment(ctx, owner, repo, st.Number, body)
		if err != nil {
			c.log.Warn("failed to post status comment", zap.String("key", key), zap.Error(err))
		} else {
			patch.StatusCommentID = &id
		}
	}

	if _, err := c.state.Update(key, patch); err != nil {
		return "", false, "", err
	}

	c.metrics.SetQueueDepth(ctx, 1)

	return filtered, true, "", nil
}

// phasePreReviewFeatures is Phase 3: run pre_review features, then
// re-read state since features may mutate it.
func (c *Coordinator) phasePreReviewFeatures(ctx context.Context, key string, st *model.PRState) *model.PRState {
	defer recordPhaseTiming(ctx, c.metrics, "pre_review_features", time.Now())

	if c.features != nil {
		c.features.Run(ctx, "pre_review", st)
	}

	if fresh, ok := c.state.Get(key); ok {
		return fresh
	}
	return st
}

// phasePrepareWorktree is Phase 4: clone/checkout the PR's head commit if
// codebase access is enabled.
func (c *Coordinator) phasePrepareWorktree(ctx context.Context, owner, repo string, st *model.PRState) (string, error) {
	defer recordPhaseTiming(ctx, c.metrics, "prepare_worktree", time.Now())

	if !c.cfg.UseWorktree || c.worktree == nil {
		return "", nil
	}

	return c.worktree.PrepareForPR(ctx, owner, repo, st.Number, st.HeadSHA)
}

func countDiffLines(diff string) int {
	if diff == "" {
		return 0
	}
	count := 1
	for i := 0; i < len(diff); i++ {
		if diff[i] == '\n' {
			count++
		}
	}
	return count
}

