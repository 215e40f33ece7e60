package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/consts"
	"github.com/reviewbot/reviewbot/internal/diffutil"
	"github.com/reviewbot/reviewbot/internal/forge"
	"github.com/reviewbot/reviewbot/internal/llmcli"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/state"
)

const maxSnapDistance = 3

// phaseInvokeLLM is Phase 5: build the prompt, acquire the rate-limit
// gate, invoke the LLM CLI, and extract its structured review.
func (c *Coordinator) phaseInvokeLLM(ctx context.Context, owner, repo string, st *model.PRState, diff, worktreeDir string, opts Options) (*llmcli.Envelope, *model.StructuredReview, bool, error) {
	defer recordPhaseTiming(ctx, c.metrics, "invoke_llm", time.Now())

	prompt := buildPrompt(st, diff, opts, c.cfg.SecurityPaths)

	if c.rateLimit != nil {
		if err := c.rateLimit.Acquire(ctx); err != nil {
			return nil, nil, false, err
		}
	}

	maxTurns := c.llmCfg.MaxTurns
	if opts.MaxTurns > 0 {
		maxTurns = opts.MaxTurns
	}

	req := llmcli.Request{
		Prompt:   prompt,
		WorkDir:  worktreeDir,
		MaxTurns: maxTurns,
		Timeout:  time.Duration(c.llmCfg.TimeoutSeconds) * time.Second,
	}

	start := time.Now()
	env, err := c.llm.Invoke(ctx, req)
	success := err == nil
	c.metrics.RecordLLMInvocation(ctx, success, time.Since(start).Seconds())
	if err != nil {
		return nil, nil, false, err
	}

	review, ok, err := llmcli.ExtractStructuredReview(env.Result)
	if err != nil {
		return env, nil, false, err
	}
	return env, review, ok, nil
}

// buildPrompt assembles the LLM prompt carrying PR title, re-review
// context (previous verdict/sha/deduplicated prior findings), the
// filtered diff, focus paths, and security paths (§4.5 Phase 5).
func buildPrompt(st *model.PRState, diff string, opts Options, securityGlobs []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "PR title: %s\n", st.Title)

	if last := st.LastReview(); last != nil {
		fmt.Fprintf(&b, "\nThis is a re-review. Previous verdict: %s at commit %s.\n", last.Verdict, last.SHA)
		b.WriteString("Prior findings (path:line:body):\n")
		prior := st.PriorFindingsByKey()
		keys := make([]string, 0, len(prior))
		for k := range prior {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s\n", k)
		}
	}

	if len(opts.FocusPaths) > 0 {
		fmt.Fprintf(&b, "\nFocus review on these paths: %s\n", strings.Join(opts.FocusPaths, ", "))
	}

	securityPaths := diffutil.FindSecurityPaths(diff, securityGlobs)
	if len(securityPaths) > 0 {
		fmt.Fprintf(&b, "\nThese changed paths are security-sensitive, review with extra scrutiny: %s\n", strings.Join(securityPaths, ", "))
	}

	b.WriteString("\nRespond with JSON matching this schema: ")
	b.WriteString(`{"verdict":"APPROVE|REQUEST_CHANGES|COMMENT","summary":"...","prSummary":"...","findings":[{"severity":"issue|suggestion|nitpick|question|praise","blocking":false,"path":"...","line":0,"body":"..."}],"resolutions":[{"path":"...","line":0,"body":"...","resolution":"resolved|wont_fix|open"}]}`)
	b.WriteString("\n\nDiff:\n")
	b.WriteString(diff)

	return b.String()
}

// phasePostReview is Phase 6: verdict escalation, snapping, composition,
// posting, and best-effort thread resolution.
func (c *Coordinator) phasePostReview(ctx context.Context, owner, repo string, st *model.PRState, diff string, env *llmcli.Envelope, review *model.StructuredReview, ok bool) (bool, *model.ReviewRecord, error) {
	defer recordPhaseTiming(ctx, c.metrics, "post_review", time.Now())

	if !ok || review == nil {
		return c.postFreeform(ctx, owner, repo, st, env)
	}

	commentable := diffutil.ParseCommentableLines(diff)
	prior := st.PriorFindingsByKey()

	verdict := review.Verdict
	if hasUnresolvedBlockingFinding(prior, review.Resolutions) {
		verdict = model.VerdictRequestChanges
	}

	var inline []inlineFinding
	var orphans []model.Finding
	for _, f := range review.Findings {
		if f.Severity == model.SeverityPraise {
			continue
		}
		lines, ok := commentable[f.Path]
		line := -1
		if ok {
			line = diffutil.FindNearestCommentable(lines, f.Line, maxSnapDistance)
		}
		if line < 0 {
			orphans = append(orphans, f)
			continue
		}
		inline = append(inline, inlineFinding{finding: f, line: line})
	}

	for _, f := range review.Findings {
		c.metrics.RecordFindings(ctx, string(f.Severity), 1)
	}

	body := composeReviewBody(review, orphans, st.HeadSHA)

	if c.cfg.DryRun {
		rec := reviewRecord(st.HeadSHA, verdict, review.Findings)
		return false, &rec, nil
	}

	comments := make([]forge.InlineComment, 0, len(inline))
	for _, i := range inline {
		comments = append(comments, forge.InlineComment{Path: i.finding.Path, Line: i.line, Body: i.finding.Body})
	}

	event := "COMMENT"
	if verdict == model.VerdictApprove {
		event = "APPROVE"
	}

	reviewID, err := c.forge.PostReview(ctx, owner, repo, st.Number, forge.ReviewInput{Body: body, Event: event, Comments: comments})
	if err != nil {
		return false, nil, err
	}

	c.resolveThreads(ctx, owner, repo, st, review.Resolutions)

	rec := reviewRecord(st.HeadSHA, verdict, review.Findings)
	id := reviewID
	rec.ReviewID = &id

	return true, &rec, nil
}

type inlineFinding struct {
	finding model.Finding
	line    int
}

// hasUnresolvedBlockingFinding reports whether any previously recorded
// blocking finding has no matching resolution, or one whose state is
// "open", in the current review (§4.5 Phase 6 "Verdict escalation").
func hasUnresolvedBlockingFinding(prior map[string]model.Finding, resolutions []model.Resolution) bool {
	resolved := make(map[string]model.ResolutionState, len(resolutions))
	for _, r := range resolutions {
		resolved[r.Key()] = r.Resolution
	}
	for _, f := range prior {
		if !f.Blocking {
			continue
		}
		resolutionState, found := resolved[f.Path+":"+itoa(f.Line)]
		if !found || resolutionState == model.ResolutionOpen {
			return true
		}
	}
	return false
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

func composeReviewBody(review *model.StructuredReview, orphans []model.Finding, headSHA string) string {
	var b strings.Builder

	b.WriteString(review.Summary)
	b.WriteString("\n\n")

	bySeverity := map[model.Severity][]model.Finding{}
	for _, f := range review.Findings {
		bySeverity[f.Severity] = append(bySeverity[f.Severity], f)
	}
	order := []model.Severity{model.SeverityIssue, model.SeveritySuggestion, model.SeverityNitpick, model.SeverityQuestion, model.SeverityPraise}
	for _, sev := range order {
		findings := bySeverity[sev]
		if len(findings) == 0 {
			continue
		}
		fmt.Fprintf(&b, "### %s\n", strings.ToUpper(string(sev)))
		for _, f := range findings {
			fmt.Fprintf(&b, "- `%s:%d` %s\n", f.Path, f.Line, f.Body)
		}
		b.WriteString("\n")
	}

	if len(orphans) > 0 {
		b.WriteString("### Additional notes (unplaced)\n")
		for _, f := range orphans {
			fmt.Fprintf(&b, "- `%s:%d` %s\n", f.Path, f.Line, f.Body)
		}
		b.WriteString("\n")
	}

	if len(review.Resolutions) > 0 {
		b.WriteString("### Prior findings\n")
		for _, r := range review.Resolutions {
			fmt.Fprintf(&b, "- `%s:%d` %s: %s\n", r.Path, r.Line, r.Resolution, r.Body)
		}
		b.WriteString("\n")
	}

	if review.PRSummary != "" {
		fmt.Fprintf(&b, "**TL;DR:** %s\n\n", review.PRSummary)
	}

	fmt.Fprintf(&b, "---\nReviewed at commit %s\n%s\n", headSHA, consts.CommentTag)

	return b.String()
}

// postFreeform handles an LLM response that could not be parsed into a
// StructuredReview: falls back to a single issue comment, created or
// updated by the commentTag marker.
func (c *Coordinator) postFreeform(ctx context.Context, owner, repo string, st *model.PRState, env *llmcli.Envelope) (bool, *model.ReviewRecord, error) {
	body := ""
	if env != nil {
		body = env.Result
	}
	body += "\n\n" + consts.CommentTag

	if c.cfg.DryRun {
		rec := reviewRecord(st.HeadSHA, model.VerdictComment, nil)
		return false, &rec, nil
	}

	existing, err := c.forge.ListIssueComments(ctx, owner, repo, st.Number)
	if err != nil {
		return false, nil, err
	}

	var commentID int64
	found := false
	for _, cm := range existing {
		if strings.Contains(cm.Body, consts.CommentTag) {
			commentID = cm.ID
			found = true
			break
		}
	}

	if found {
		if err := c.forge.UpdateIssueComment(ctx, owner, repo, commentID, body); err != nil {
			return false, nil, err
		}
	} else {
		id, err := c.forge.PostIssueComment(ctx, owner, repo, st.Number, body)
		if err != nil {
			return false, nil, err
		}
		commentID = id
	}

	rec := reviewRecord(st.HeadSHA, model.VerdictComment, nil)
	rec.CommentID = &commentID
	return true, &rec, nil
}

// resolveThreads is best-effort: for each resolution marked "resolved",
// resolve any review thread whose body matches any previously recorded
// finding body at the same path:line, tolerating LLM rephrasing across
// iterations.
func (c *Coordinator) resolveThreads(ctx context.Context, owner, repo string, st *model.PRState, resolutions []model.Resolution) {
	if len(resolutions) == 0 {
		return
	}

	resolved := make(map[string]bool)
	for _, r := range resolutions {
		if r.Resolution == model.ResolutionResolved {
			resolved[r.Key()] = true
		}
	}
	if len(resolved) == 0 {
		return
	}

	threads, err := c.forge.ListReviewThreads(ctx, owner, repo, st.Number)
	if err != nil {
		c.log.Warn("failed to list review threads for resolution", zap.String("key", st.Key()), zap.Error(err))
		return
	}

	priorBodies := make(map[string][]string)
	for _, f := range st.PriorFindingsByKey() {
		key := f.Path + ":" + itoa(f.Line)
		priorBodies[key] = append(priorBodies[key], f.Body)
	}

	for _, th := range threads {
		if th.IsResolved {
			continue
		}
		key := th.Path + ":" + itoa(th.Line)
		if !resolved[key] {
			continue
		}
		if !threadMatchesAnyBody(th.Comments, priorBodies[key]) {
			continue
		}
		if err := c.forge.ResolveReviewThread(ctx, th.ID); err != nil {
			c.log.Warn("failed to resolve review thread", zap.String("thread", th.ID), zap.Error(err))
		}
	}
}

func threadMatchesAnyBody(threadComments, findingBodies []string) bool {
	for _, tc := range threadComments {
		for _, fb := range findingBodies {
			if strings.Contains(tc, fb) || strings.Contains(fb, tc) {
				return true
			}
		}
	}
	return false
}

func reviewRecord(sha string, verdict model.Verdict, findings []model.Finding) model.ReviewRecord {
	return model.ReviewRecord{
		SHA:        sha,
		ReviewedAt: time.Now(),
		Verdict:    verdict,
		Findings:   findings,
	}
}

// phaseFinalize is Phase 7: re-read state, skip if it went terminal
// concurrently, else append the review record and reset error/skip
// bookkeeping; always delete the transient status comment.
func (c *Coordinator) phaseFinalize(ctx context.Context, owner, repo, key string, st *model.PRState, posted bool, rec *model.ReviewRecord) error {
	defer recordPhaseTiming(ctx, c.metrics, "finalize", time.Now())

	fresh, ok := c.state.Get(key)
	if !ok {
		return nil
	}

	if c.features != nil {
		// Post-review features (label-from-findings, description
		// templating) need to see the review just composed, even though
		// it is not persisted until after the terminal check below — hand
		// them an in-memory view with rec appended rather than the
		// persisted entry.
		reviewView := *fresh
		if rec != nil {
			reviewView.AppendReview(*rec, c.cfg.MaxReviewHistory)
		}
		c.features.Run(ctx, "post_review", &reviewView)
		if refreshed, ok := c.state.Get(key); ok {
			fresh = refreshed
		}
	}

	if fresh.Status.Terminal() {
		c.deleteStatusComment(ctx, owner, repo, fresh)
		return nil
	}

	now := time.Now()
	sha := st.HeadSHA

	patch := state.Patch{
		Status:           statusPtr(model.StatusReviewed),
		LastReviewedSHA:  &sha,
		LastReviewedAt:   &now,
		ClearLastError:   true,
		ClearSkip:        true,
		AppendReview:     rec,
		MaxReviewHistory: c.cfg.MaxReviewHistory,
	}
	if rec != nil && rec.ReviewID != nil {
		patch.ReviewID = rec.ReviewID
	}
	if rec != nil && rec.CommentID != nil {
		patch.CommentID = rec.CommentID
	}

	if rec != nil {
		rec.Posted = posted
	}

	if _, err := c.state.Update(key, patch); err != nil {
		return err
	}

	c.deleteStatusComment(ctx, owner, repo, fresh)
	c.metrics.SetQueueDepth(ctx, -1)

	return nil
}

func (c *Coordinator) deleteStatusComment(ctx context.Context, owner, repo string, st *model.PRState) {
	if st.StatusCommentID == nil {
		return
	}
	if err := c.forge.DeleteIssueComment(ctx, owner, repo, *st.StatusCommentID); err != nil {
		c.log.Warn("failed to delete transient status comment", zap.String("key", st.Key()), zap.Error(err))
	}
	if _, err := c.state.Update(st.Key(), state.Patch{ClearStatusComment: true}); err != nil {
		c.log.Warn("failed to clear status comment id", zap.String("key", st.Key()), zap.Error(err))
	}
}
