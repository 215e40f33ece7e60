// Package forge defines the hosted-Git-forge interface ReviewCoordinator,
// PollerLoop, WebhookIngress, and VerificationLoop depend on, independent
// of which concrete forge backs it (§6).
package forge

import (
	"context"
	"time"
)

// PullRequest is the subset of forge PR metadata needed to reconcile
// against PRState.
type PullRequest struct {
	Number     int
	Title      string
	State      string // "open" or "closed"; Merged disambiguates a closed PR that landed
	Merged     bool
	IsDraft    bool
	HeadSHA    string
	HeadBranch string
	BaseBranch string
	Author     string
	URL        string
}

// Comment is a plain issue/PR comment.
type Comment struct {
	ID        int64
	Body      string
	Author    string
	CreatedAt time.Time
	IsBot     bool
}

// ReviewThread is one review-thread resolution unit, fetched via GraphQL.
type ReviewThread struct {
	ID         string
	Path       string
	Line       int
	IsResolved bool
	Comments   []string
}

// InlineComment is one finding placed on a specific diff line.
type InlineComment struct {
	Path string
	Line int
	Body string
}

// ReviewInput is everything needed to post a structured review via the
// forge's reviews API.
type ReviewInput struct {
	Body     string
	Event    string // "APPROVE" or "COMMENT"
	Comments []InlineComment
}

// ReviewStatus is the outcome of probing a previously-posted review for
// VerificationLoop (§4.11).
type ReviewStatus struct {
	Exists    bool
	Dismissed bool
}

// Forge is the hosted-Git-forge abstraction. The github package provides
// the concrete implementation; a stub/fake implements it for tests.
type Forge interface {
	// GetPullRequest fetches one PR's current metadata.
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error)

	// ListOpenPullRequests lists open PRs for a repo, bounded by cap.
	ListOpenPullRequests(ctx context.Context, owner, repo string, cap int) ([]*PullRequest, error)

	// GetDiff fetches the unified diff for a PR.
	GetDiff(ctx context.Context, owner, repo string, number int) (string, error)

	// GetPRBody fetches the current PR description body.
	GetPRBody(ctx context.Context, owner, repo string, number int) (string, error)

	// UpdatePRBody overwrites the PR description body.
	UpdatePRBody(ctx context.Context, owner, repo string, number int, body string) error

	// AddLabels attaches labels to a PR, creating none that don't already
	// exist on the repo (the forge's own validation applies).
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error

	// PostIssueComment creates a plain issue comment and returns its id.
	PostIssueComment(ctx context.Context, owner, repo string, number int, body string) (int64, error)

	// UpdateIssueComment edits an existing issue comment.
	UpdateIssueComment(ctx context.Context, owner, repo string, commentID int64, body string) error

	// DeleteIssueComment removes an issue comment. Best-effort by callers.
	DeleteIssueComment(ctx context.Context, owner, repo string, commentID int64) error

	// ListIssueComments lists all issue comments on a PR.
	ListIssueComments(ctx context.Context, owner, repo string, number int) ([]Comment, error)

	// PostReview submits a structured review (inline comments + body +
	// event) and returns the created review's id.
	PostReview(ctx context.Context, owner, repo string, number int, input ReviewInput) (int64, error)

	// GetReviewStatus probes whether a previously-posted review still
	// exists and, if so, whether it has been dismissed. A deleted review
	// reports Exists=false rather than an error.
	GetReviewStatus(ctx context.Context, owner, repo string, number int, reviewID int64) (ReviewStatus, error)

	// ListReviewThreads fetches review threads for a PR via GraphQL,
	// paginated internally.
	ListReviewThreads(ctx context.Context, owner, repo string, number int) ([]ReviewThread, error)

	// ResolveReviewThread marks a review thread resolved.
	ResolveReviewThread(ctx context.Context, threadID string) error

	// ValidateToken checks the configured credential is usable.
	ValidateToken(ctx context.Context) error
}
