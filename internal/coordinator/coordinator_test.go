package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/forge"
	"github.com/reviewbot/reviewbot/internal/llmcli"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/ratelimit"
	"github.com/reviewbot/reviewbot/internal/state"
)

const testDiff = `diff --git a/main.go b/main.go
index 1111111..2222222 100644
--- a/main.go
+++ b/main.go
@@ -1,3 +1,4 @@
 package main

+import "fmt"
 func main() {}
`

type fakeForge struct {
	diff string

	issueComments   []forge.Comment
	nextCommentID   int64
	reviews         []forge.ReviewInput
	nextReviewID    int64
	reviewThreads   []forge.ReviewThread
	resolvedThreads []string

	postReviewErr error
	getDiffErr    error
}

func newFakeForge() *fakeForge {
	return &fakeForge{diff: testDiff, nextCommentID: 1, nextReviewID: 1}
}

func (f *fakeForge) GetPullRequest(ctx context.Context, owner, repo string, number int) (*forge.PullRequest, error) {
	return nil, nil
}

func (f *fakeForge) ListOpenPullRequests(ctx context.Context, owner, repo string, cap int) ([]*forge.PullRequest, error) {
	return nil, nil
}

func (f *fakeForge) GetDiff(ctx context.Context, owner, repo string, number int) (string, error) {
	if f.getDiffErr != nil {
		return "", f.getDiffErr
	}
	return f.diff, nil
}

func (f *fakeForge) GetPRBody(ctx context.Context, owner, repo string, number int) (string, error) {
	return "", nil
}
func (f *fakeForge) UpdatePRBody(ctx context.Context, owner, repo string, number int, body string) error {
	return nil
}
func (f *fakeForge) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	return nil
}
func (f *fakeForge) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	id := f.nextCommentID
	f.nextCommentID++
	f.issueComments = append(f.issueComments, forge.Comment{ID: id, Body: body})
	return id, nil
}

func (f *fakeForge) UpdateIssueComment(ctx context.Context, owner, repo string, commentID int64, body string) error {
	for i, c := range f.issueComments {
		if c.ID == commentID {
			f.issueComments[i].Body = body
			return nil
		}
	}
	return nil
}

func (f *fakeForge) DeleteIssueComment(ctx context.Context, owner, repo string, commentID int64) error {
	for i, c := range f.issueComments {
		if c.ID == commentID {
			f.issueComments = append(f.issueComments[:i], f.issueComments[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeForge) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]forge.Comment, error) {
	return f.issueComments, nil
}

func (f *fakeForge) PostReview(ctx context.Context, owner, repo string, number int, input forge.ReviewInput) (int64, error) {
	if f.postReviewErr != nil {
		return 0, f.postReviewErr
	}
	f.reviews = append(f.reviews, input)
	id := f.nextReviewID
	f.nextReviewID++
	return id, nil
}

func (f *fakeForge) ListReviewThreads(ctx context.Context, owner, repo string, number int) ([]forge.ReviewThread, error) {
	return f.reviewThreads, nil
}

func (f *fakeForge) ResolveReviewThread(ctx context.Context, threadID string) error {
	f.resolvedThreads = append(f.resolvedThreads, threadID)
	return nil
}

func (f *fakeForge) ValidateToken(ctx context.Context) error { return nil }

func (f *fakeForge) GetReviewStatus(ctx context.Context, owner, repo string, number int, reviewID int64) (forge.ReviewStatus, error) {
	return forge.ReviewStatus{Exists: true}, nil
}

type fakeLLM struct {
	envelope *llmcli.Envelope
	err      error
	calls    int
}

func (f *fakeLLM) Invoke(ctx context.Context, req llmcli.Request) (*llmcli.Envelope, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.envelope, nil
}

type fakeWorktree struct {
	dir string
	err error
}

func (f *fakeWorktree) PrepareForPR(ctx context.Context, owner, repo string, number int, headSHA string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.dir, nil
}

type fakeFeatures struct {
	runs []string
}

func (f *fakeFeatures) Run(ctx context.Context, phase string, st *model.PRState) []model.FeatureExecution {
	f.runs = append(f.runs, phase)
	return nil
}

func approveEnvelope() *llmcli.Envelope {
	return &llmcli.Envelope{Result: `{"verdict":"APPROVE","summary":"looks good","findings":[]}`}
}

func requestChangesEnvelope() *llmcli.Envelope {
	return &llmcli.Envelope{Result: `{"verdict":"REQUEST_CHANGES","summary":"needs work","findings":[{"severity":"issue","blocking":true,"path":"main.go","line":3,"body":"missing error check"}]}`}
}

func newTestStore(t *testing.T) *state.StateStore {
	t.Helper()
	path := t.TempDir() + "/state.json"
	st := state.New(path, zap.NewNop())
	require.NoError(t, st.Load())
	return st
}

func testReviewConfig() config.ReviewConfig {
	return config.ReviewConfig{
		MaxDiffLines:     5000,
		MaxRetries:       3,
		MaxReviewHistory: 20,
		UseWorktree:      true,
	}
}

func newCoordinator(t *testing.T, fg *fakeForge, llm *fakeLLM, wt *fakeWorktree, features FeatureRunner, cfg config.ReviewConfig) (*Coordinator, *state.StateStore) {
	t.Helper()
	st := newTestStore(t)
	rl := ratelimit.New(zap.NewNop())
	c := New(st, fg, wt, rl, llm, features, cfg, config.LLMConfig{TimeoutSeconds: 5, MaxTurns: 10}, zap.NewNop())
	return c, st
}

func testPR() *forge.PullRequest {
	return &forge.PullRequest{
		Number:     42,
		Title:      "Add feature",
		HeadSHA:    "abc123",
		HeadBranch: "feature",
		BaseBranch: "main",
	}
}

func TestProcessPR_HappyPathApprove(t *testing.T) {
	fg := newFakeForge()
	llm := &fakeLLM{envelope: approveEnvelope()}
	wt := &fakeWorktree{dir: "/tmp/worktree"}
	c, st := newCoordinator(t, fg, llm, wt, nil, testReviewConfig())

	result, err := c.ProcessPR(context.Background(), "acme", "widgets", testPR(), Options{})
	require.NoError(t, err)
	require.True(t, result.Advanced)
	require.True(t, result.Posted)
	require.Equal(t, 1, llm.calls)
	require.Len(t, fg.reviews, 1)
	require.Equal(t, "APPROVE", fg.reviews[0].Event)

	key := model.CanonicalKey("acme", "widgets", 42)
	got, ok := st.Get(key)
	require.True(t, ok)
	require.Equal(t, model.StatusReviewed, got.Status)
	require.Equal(t, "abc123", got.LastReviewedSHA)
	require.Len(t, got.Reviews, 1)
	require.Nil(t, got.StatusCommentID)
}

func TestProcessPR_DryRunSkipsPosting(t *testing.T) {
	fg := newFakeForge()
	llm := &fakeLLM{envelope: approveEnvelope()}
	wt := &fakeWorktree{dir: "/tmp/worktree"}
	cfg := testReviewConfig()
	cfg.DryRun = true
	c, st := newCoordinator(t, fg, llm, wt, nil, cfg)

	result, err := c.ProcessPR(context.Background(), "acme", "widgets", testPR(), Options{})
	require.NoError(t, err)
	require.True(t, result.Advanced)
	require.False(t, result.Posted)
	require.Empty(t, fg.reviews)
	require.Empty(t, fg.issueComments)

	key := model.CanonicalKey("acme", "widgets", 42)
	got, ok := st.Get(key)
	require.True(t, ok)
	require.Equal(t, model.StatusReviewed, got.Status)
	require.Len(t, got.Reviews, 1)
	require.False(t, got.Reviews[0].Posted)
}

func TestProcessPR_DiffTooLargeSkips(t *testing.T) {
	fg := newFakeForge()
	llm := &fakeLLM{envelope: approveEnvelope()}
	wt := &fakeWorktree{dir: "/tmp/worktree"}
	cfg := testReviewConfig()
	cfg.MaxDiffLines = 1
	c, st := newCoordinator(t, fg, llm, wt, nil, cfg)

	result, err := c.ProcessPR(context.Background(), "acme", "widgets", testPR(), Options{})
	require.NoError(t, err)
	require.False(t, result.Advanced)
	require.Equal(t, "diff_too_large", result.Reason)
	require.Equal(t, 0, llm.calls)

	key := model.CanonicalKey("acme", "widgets", 42)
	got, ok := st.Get(key)
	require.True(t, ok)
	require.Equal(t, model.StatusSkipped, got.Status)
	require.Equal(t, "diff_too_large", got.SkipReason)
}

func TestProcessPR_DraftSkipped(t *testing.T) {
	fg := newFakeForge()
	llm := &fakeLLM{envelope: approveEnvelope()}
	wt := &fakeWorktree{dir: "/tmp/worktree"}
	cfg := testReviewConfig()
	cfg.SkipDrafts = true
	c, _ := newCoordinator(t, fg, llm, wt, nil, cfg)

	pr := testPR()
	pr.IsDraft = true

	result, err := c.ProcessPR(context.Background(), "acme", "widgets", pr, Options{})
	require.NoError(t, err)
	require.False(t, result.Advanced)
	require.Equal(t, "draft", result.Reason)
	require.Equal(t, 0, llm.calls)
}

func TestProcessPR_VerdictEscalatesOnUnresolvedBlockingFinding(t *testing.T) {
	fg := newFakeForge()
	llm := &fakeLLM{envelope: requestChangesEnvelope()}
	wt := &fakeWorktree{dir: "/tmp/worktree"}
	c, st := newCoordinator(t, fg, llm, wt, nil, testReviewConfig())

	pr := testPR()
	_, err := c.ProcessPR(context.Background(), "acme", "widgets", pr, Options{})
	require.NoError(t, err)

	key := model.CanonicalKey("acme", "widgets", 42)
	require.Len(t, fg.reviews, 1)
	require.Equal(t, "COMMENT", fg.reviews[0].Event)
	require.Len(t, fg.reviews[0].Comments, 1)
	require.Equal(t, "main.go", fg.reviews[0].Comments[0].Path)

	// Re-review at a new sha with the LLM approving but the prior blocking
	// finding left unaddressed (no resolution): verdict escalates back to
	// REQUEST_CHANGES regardless of what this round's LLM said.
	llm.envelope = approveEnvelope()
	_, uerr := st.Update(key, state.Patch{HeadSHA: strPtr("def456")})
	require.NoError(t, uerr)

	pr2 := testPR()
	pr2.HeadSHA = "def456"
	_, err = c.ProcessPR(context.Background(), "acme", "widgets", pr2, Options{ForceReview: true})
	require.NoError(t, err)

	require.Len(t, fg.reviews, 2)
	require.Equal(t, "COMMENT", fg.reviews[1].Event)
}

func TestProcessPR_FreeformFallbackOnUnparseableResult(t *testing.T) {
	fg := newFakeForge()
	llm := &fakeLLM{envelope: &llmcli.Envelope{Result: "not json, just prose"}}
	wt := &fakeWorktree{dir: "/tmp/worktree"}
	c, st := newCoordinator(t, fg, llm, wt, nil, testReviewConfig())

	result, err := c.ProcessPR(context.Background(), "acme", "widgets", testPR(), Options{})
	require.NoError(t, err)
	require.True(t, result.Advanced)
	require.True(t, result.Posted)
	require.Empty(t, fg.reviews)
	require.Len(t, fg.issueComments, 1)
	require.Contains(t, fg.issueComments[0].Body, "not json, just prose")

	key := model.CanonicalKey("acme", "widgets", 42)
	got, ok := st.Get(key)
	require.True(t, ok)
	require.Equal(t, model.VerdictComment, got.Reviews[0].Verdict)
}

func TestProcessPR_FeatureRunnerInvokedPreAndPostReview(t *testing.T) {
	fg := newFakeForge()
	llm := &fakeLLM{envelope: approveEnvelope()}
	wt := &fakeWorktree{dir: "/tmp/worktree"}
	features := &fakeFeatures{}
	c, _ := newCoordinator(t, fg, llm, wt, features, testReviewConfig())

	_, err := c.ProcessPR(context.Background(), "acme", "widgets", testPR(), Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"pre_review", "post_review"}, features.runs)
}

// closeOnPostReview simulates the PR closing concurrently while the review
// is in flight: it flips the store's status to closed the moment Phase 7
// runs its post_review feature pass, so phaseFinalize's own terminal check
// (not DecisionEngine's) is what aborts the commit of the review record.
type closeOnPostReview struct {
	state *state.StateStore
}

func (c *closeOnPostReview) Run(ctx context.Context, phase string, st *model.PRState) []model.FeatureExecution {
	if phase == "post_review" {
		closed := model.StatusClosed
		_, _ = c.state.Update(st.Key(), state.Patch{Status: &closed})
	}
	return nil
}

func TestProcessPR_TerminalStatusAbortsAtFinalize(t *testing.T) {
	fg := newFakeForge()
	llm := &fakeLLM{envelope: approveEnvelope()}
	wt := &fakeWorktree{dir: "/tmp/worktree"}
	st := newTestStore(t)
	rl := ratelimit.New(zap.NewNop())
	features := &closeOnPostReview{state: st}
	c := New(st, fg, wt, rl, llm, features, testReviewConfig(), config.LLMConfig{TimeoutSeconds: 5, MaxTurns: 10}, zap.NewNop())

	pr := testPR()
	result, err := c.ProcessPR(context.Background(), "acme", "widgets", pr, Options{})
	require.NoError(t, err)
	require.True(t, result.Advanced)
	require.True(t, result.Posted)

	key := model.CanonicalKey("acme", "widgets", pr.Number)
	got, ok := st.Get(key)
	require.True(t, ok)
	require.Equal(t, model.StatusClosed, got.Status)
	require.Empty(t, got.Reviews)
}

func TestProcessPR_WorktreeErrorRecordedAsPhaseError(t *testing.T) {
	fg := newFakeForge()
	llm := &fakeLLM{envelope: approveEnvelope()}
	wt := &fakeWorktree{err: errBoom}
	c, st := newCoordinator(t, fg, llm, wt, nil, testReviewConfig())

	_, err := c.ProcessPR(context.Background(), "acme", "widgets", testPR(), Options{})
	require.Error(t, err)

	key := model.CanonicalKey("acme", "widgets", 42)
	got, ok := st.Get(key)
	require.True(t, ok)
	require.Equal(t, model.StatusError, got.Status)
	require.NotNil(t, got.LastError)
	require.Equal(t, "clone_prepare", got.LastError.Phase)
	require.Equal(t, 1, got.ConsecutiveErrors)
}

func TestProcessPR_ConcurrentCallsSerializePerPR(t *testing.T) {
	fg := newFakeForge()
	llm := &fakeLLM{envelope: approveEnvelope()}
	wt := &fakeWorktree{dir: "/tmp/worktree"}
	c, st := newCoordinator(t, fg, llm, wt, nil, testReviewConfig())

	pr := testPR()
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = c.ProcessPR(context.Background(), "acme", "widgets", pr, Options{})
			done <- struct{}{}
		}()
	}

	timeout := time.After(5 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-timeout:
			t.Fatal("timed out waiting for concurrent ProcessPR calls")
		}
	}

	// Only one of the two calls should have actually posted a review: the
	// second to acquire the lock re-evaluates DecisionEngine and finds the
	// PR already reviewed at this sha.
	require.Len(t, fg.reviews, 1)

	key := model.CanonicalKey("acme", "widgets", 42)
	got, ok := st.Get(key)
	require.True(t, ok)
	require.Len(t, got.Reviews, 1)
}

var errBoom = errors.New("worktree clone failed")

func strPtr(s string) *string { return &s }
