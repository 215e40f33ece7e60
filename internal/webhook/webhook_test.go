package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/coordinator"
	"github.com/reviewbot/reviewbot/internal/forge"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/state"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCoordinator struct {
	mu       sync.Mutex
	calls    []string
	opts     []coordinator.Options
	done     chan struct{}
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{done: make(chan struct{}, 10)}
}

func (f *fakeCoordinator) ProcessPR(ctx context.Context, owner, repo string, pr *forge.PullRequest, opts coordinator.Options) (*coordinator.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, model.CanonicalKey(owner, repo, pr.Number))
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	f.done <- struct{}{}
	return &coordinator.Result{Key: model.CanonicalKey(owner, repo, pr.Number)}, nil
}

func (f *fakeCoordinator) waitForCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async ProcessPR call")
	}
}

type fakeForge struct {
	byNumber map[int]*forge.PullRequest
}

func (f *fakeForge) GetPullRequest(ctx context.Context, owner, repo string, number int) (*forge.PullRequest, error) {
	return f.byNumber[number], nil
}
func (f *fakeForge) ListOpenPullRequests(ctx context.Context, owner, repo string, cap int) ([]*forge.PullRequest, error) {
	return nil, nil
}
func (f *fakeForge) GetDiff(ctx context.Context, owner, repo string, number int) (string, error) {
	return "", nil
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
	return 0, nil
}
func (f *fakeForge) UpdateIssueComment(ctx context.Context, owner, repo string, commentID int64, body string) error {
	return nil
}
func (f *fakeForge) DeleteIssueComment(ctx context.Context, owner, repo string, commentID int64) error {
	return nil
}
func (f *fakeForge) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]forge.Comment, error) {
	return nil, nil
}
func (f *fakeForge) PostReview(ctx context.Context, owner, repo string, number int, input forge.ReviewInput) (int64, error) {
	return 0, nil
}
func (f *fakeForge) GetReviewStatus(ctx context.Context, owner, repo string, number int, reviewID int64) (forge.ReviewStatus, error) {
	return forge.ReviewStatus{}, nil
}
func (f *fakeForge) ListReviewThreads(ctx context.Context, owner, repo string, number int) ([]forge.ReviewThread, error) {
	return nil, nil
}
func (f *fakeForge) ResolveReviewThread(ctx context.Context, threadID string) error { return nil }
func (f *fakeForge) ValidateToken(ctx context.Context) error                        { return nil }

func newTestStore(t *testing.T) *state.StateStore {
	t.Helper()
	st := state.New(t.TempDir()+"/state.json", zap.NewNop())
	require.NoError(t, st.Load())
	return st
}

func testWebhookConfig() config.WebhookConfig {
	return config.WebhookConfig{CommentTrigger: `(?i)^\s*/review\b`}
}

func testRepos() []config.RepoConfig {
	return []config.RepoConfig{{Owner: "acme", Repo: "widgets"}}
}

func newTestIngress(t *testing.T, st *state.StateStore, fg forge.Forge, coord Coordinator) (*Ingress, *gin.Engine) {
	t.Helper()
	in, err := New(st, fg, coord, testWebhookConfig(), testRepos(), zap.NewNop())
	require.NoError(t, err)
	r := gin.New()
	in.RegisterRoutes(r)
	return in, r
}

func postEvent(t *testing.T, r *gin.Engine, eventType string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func postEventSigned(t *testing.T, r *gin.Engine, eventType, secret string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-Hub-Signature-256", sig)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func strPtr(s string) *string { return &s }

func prEvent(action, owner, repo string, number int) *github.PullRequestEvent {
	return &github.PullRequestEvent{
		Action: strPtr(action),
		Repo: &github.Repository{
			Name:  strPtr(repo),
			Owner: &github.User{Login: strPtr(owner)},
		},
		PullRequest: &github.PullRequest{
			Number: github.Int(number),
			Title:  strPtr("add feature"),
			State:  strPtr("open"),
			Head:   &github.PullRequestBranch{SHA: strPtr("abc123"), Ref: strPtr("feature")},
			Base:   &github.PullRequestBranch{Ref: strPtr("main")},
			User:   &github.User{Login: strPtr("alice")},
		},
	}
}

func TestHandle_OpenedSubmitsAsync(t *testing.T) {
	st := newTestStore(t)
	coord := newFakeCoordinator()
	_, r := newTestIngress(t, st, &fakeForge{}, coord)

	w := postEvent(t, r, "pull_request", prEvent("opened", "acme", "widgets", 1))
	require.Equal(t, http.StatusAccepted, w.Code)

	coord.waitForCall(t)
	require.Equal(t, []string{"acme/widgets#1"}, coord.calls)
}

func TestHandle_UntrackedRepoDropsWith200(t *testing.T) {
	st := newTestStore(t)
	coord := newFakeCoordinator()
	_, r := newTestIngress(t, st, &fakeForge{}, coord)

	w := postEvent(t, r, "pull_request", prEvent("opened", "other", "repo", 1))
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case <-coord.done:
		t.Fatal("coordinator should not have been called for untracked repo")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandle_EditedWithoutTitleChangeDropsWith200(t *testing.T) {
	st := newTestStore(t)
	coord := newFakeCoordinator()
	_, r := newTestIngress(t, st, &fakeForge{}, coord)

	e := prEvent("edited", "acme", "widgets", 2)
	w := postEvent(t, r, "pull_request", e)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandle_EditedWithTitleChangeSubmits(t *testing.T) {
	st := newTestStore(t)
	coord := newFakeCoordinator()
	_, r := newTestIngress(t, st, &fakeForge{}, coord)

	e := prEvent("edited", "acme", "widgets", 3)
	e.Changes = &github.EditChange{Title: &github.EditTitle{From: strPtr("wip: add feature")}}
	w := postEvent(t, r, "pull_request", e)
	require.Equal(t, http.StatusAccepted, w.Code)

	coord.waitForCall(t)
	require.Equal(t, []string{"acme/widgets#3"}, coord.calls)
}

func TestHandle_ClosedMergedTransitionsStateDirectly(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetOrCreate("acme", "widgets", 4, model.PRState{Status: model.StatusPendingReview})
	require.NoError(t, err)

	coord := newFakeCoordinator()
	_, r := newTestIngress(t, st, &fakeForge{}, coord)

	e := prEvent("closed", "acme", "widgets", 4)
	e.PullRequest.Merged = github.Bool(true)
	w := postEvent(t, r, "pull_request", e)
	require.Equal(t, http.StatusOK, w.Code)

	got, ok := st.Get(model.CanonicalKey("acme", "widgets", 4))
	require.True(t, ok)
	require.Equal(t, model.StatusMerged, got.Status)

	select {
	case <-coord.done:
		t.Fatal("closed event must never invoke the LLM pipeline")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandle_ClosedWithoutMergeTransitionsToClosed(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetOrCreate("acme", "widgets", 5, model.PRState{Status: model.StatusPendingReview})
	require.NoError(t, err)

	coord := newFakeCoordinator()
	_, r := newTestIngress(t, st, &fakeForge{}, coord)

	e := prEvent("closed", "acme", "widgets", 5)
	e.PullRequest.Merged = github.Bool(false)
	w := postEvent(t, r, "pull_request", e)
	require.Equal(t, http.StatusOK, w.Code)

	got, ok := st.Get(model.CanonicalKey("acme", "widgets", 5))
	require.True(t, ok)
	require.Equal(t, model.StatusClosed, got.Status)
}

func TestHandle_ReopenedClearsTerminalStatus(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetOrCreate("acme", "widgets", 6, model.PRState{Status: model.StatusClosed})
	require.NoError(t, err)

	coord := newFakeCoordinator()
	_, r := newTestIngress(t, st, &fakeForge{}, coord)

	w := postEvent(t, r, "pull_request", prEvent("reopened", "acme", "widgets", 6))
	require.Equal(t, http.StatusAccepted, w.Code)
	coord.waitForCall(t)

	got, ok := st.Get(model.CanonicalKey("acme", "widgets", 6))
	require.True(t, ok)
	require.NotEqual(t, model.StatusClosed, got.Status)
}

func TestHandle_ConvertedToDraftMarksDraft(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetOrCreate("acme", "widgets", 7, model.PRState{Status: model.StatusPendingReview, IsDraft: false})
	require.NoError(t, err)

	coord := newFakeCoordinator()
	_, r := newTestIngress(t, st, &fakeForge{}, coord)

	w := postEvent(t, r, "pull_request", prEvent("converted_to_draft", "acme", "widgets", 7))
	require.Equal(t, http.StatusOK, w.Code)

	got, ok := st.Get(model.CanonicalKey("acme", "widgets", 7))
	require.True(t, ok)
	require.True(t, got.IsDraft)
}

func issueCommentEvent(owner, repo string, number int, body, authorType string) *github.IssueCommentEvent {
	return &github.IssueCommentEvent{
		Action: strPtr("created"),
		Repo: &github.Repository{
			Name:  strPtr(repo),
			Owner: &github.User{Login: strPtr(owner)},
		},
		Issue: &github.Issue{
			Number:           github.Int(number),
			PullRequestLinks: &github.PullRequestLinks{},
		},
		Comment: &github.IssueComment{
			Body: strPtr(body),
			User: &github.User{Login: strPtr("bob"), Type: strPtr(authorType)},
		},
	}
}

func TestHandle_CommentTriggerSubmitsWithOverrides(t *testing.T) {
	st := newTestStore(t)
	coord := newFakeCoordinator()
	fg := &fakeForge{byNumber: map[int]*forge.PullRequest{
		8: {Number: 8, HeadSHA: "deadbeef"},
	}}
	_, r := newTestIngress(t, st, fg, coord)

	e := issueCommentEvent("acme", "widgets", 8, "/review --max-turns=5 --skip-labels --focus=a.go,b.go", "User")
	w := postEvent(t, r, "issue_comment", e)
	require.Equal(t, http.StatusAccepted, w.Code)

	coord.waitForCall(t)
	require.Equal(t, []string{"acme/widgets#8"}, coord.calls)
	require.True(t, coord.opts[0].ForceReview)
	require.Equal(t, 5, coord.opts[0].MaxTurns)
	require.True(t, coord.opts[0].SkipLabels)
	require.False(t, coord.opts[0].SkipDescription)
	require.Equal(t, []string{"a.go", "b.go"}, coord.opts[0].FocusPaths)
}

func TestHandle_CommentWithoutTriggerDropsWith200(t *testing.T) {
	st := newTestStore(t)
	coord := newFakeCoordinator()
	_, r := newTestIngress(t, st, &fakeForge{}, coord)

	e := issueCommentEvent("acme", "widgets", 9, "looks good to me", "User")
	w := postEvent(t, r, "issue_comment", e)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandle_BotCommentDropsWith200(t *testing.T) {
	st := newTestStore(t)
	coord := newFakeCoordinator()
	_, r := newTestIngress(t, st, &fakeForge{}, coord)

	e := issueCommentEvent("acme", "widgets", 10, "/review", "Bot")
	w := postEvent(t, r, "issue_comment", e)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case <-coord.done:
		t.Fatal("bot-authored comments must never trigger a review")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandle_CommentOnPlainIssueIsIgnored(t *testing.T) {
	st := newTestStore(t)
	coord := newFakeCoordinator()
	_, r := newTestIngress(t, st, &fakeForge{}, coord)

	e := issueCommentEvent("acme", "widgets", 11, "/review", "User")
	e.Issue.PullRequestLinks = nil
	w := postEvent(t, r, "issue_comment", e)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandle_InvalidSignatureRejectedWith401(t *testing.T) {
	st := newTestStore(t)
	coord := newFakeCoordinator()
	in, err := New(st, &fakeForge{}, coord, config.WebhookConfig{Secret: "s3cr3t", CommentTrigger: `(?i)^\s*/review\b`}, testRepos(), zap.NewNop())
	require.NoError(t, err)
	r := gin.New()
	in.RegisterRoutes(r)

	w := postEventSigned(t, r, "pull_request", "wrong-secret", prEvent("opened", "acme", "widgets", 12))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandle_ValidSignatureAccepted(t *testing.T) {
	st := newTestStore(t)
	coord := newFakeCoordinator()
	in, err := New(st, &fakeForge{}, coord, config.WebhookConfig{Secret: "s3cr3t", CommentTrigger: `(?i)^\s*/review\b`}, testRepos(), zap.NewNop())
	require.NoError(t, err)
	r := gin.New()
	in.RegisterRoutes(r)

	w := postEventSigned(t, r, "pull_request", "s3cr3t", prEvent("opened", "acme", "widgets", 13))
	require.Equal(t, http.StatusAccepted, w.Code)
	coord.waitForCall(t)
}
