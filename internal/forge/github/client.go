// Package github implements forge.Forge against the GitHub REST and
// GraphQL v4 APIs (§6).
package github

import (
	"context"

	"github.com/google/go-github/v57/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/reviewbot/reviewbot/internal/forge"
	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

const defaultPerPage = 100

var _ forge.Forge = (*Client)(nil)

// Client implements forge.Forge backed by go-github (REST) and
// shurcooL/githubv4 (GraphQL, for review-thread resolution).
type Client struct {
	rest *github.Client
	gql  *githubv4.Client
	log  *zap.Logger
}

// New builds a Client authenticated with a personal access token. baseURL
// is empty for public GitHub or set for GitHub Enterprise.
func New(ctx context.Context, token, baseURL string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = logger.Get()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)

	var restClient *github.Client
	var err error
	if baseURL != "" {
		restClient, err = github.NewClient(httpClient).WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeForgeUnexpected, "creating enterprise GitHub client", err, apperrors.KindPermanent)
		}
	} else {
		restClient = github.NewClient(httpClient)
	}

	gqlClient := githubv4.NewClient(httpClient)

	return &Client{rest: restClient, gql: gqlClient, log: log}, nil
}

func classifyGitHubErr(code apperrors.ErrorCode, message string, resp *github.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case 401, 403:
			return apperrors.Wrap(apperrors.ErrCodeForgeAuth, message, err, apperrors.KindPermanent)
		case 404:
			return apperrors.Wrap(apperrors.ErrCodeForgeNotFound, message, err, apperrors.KindPermanent)
		case 422:
			return apperrors.Wrap(code, message, err, apperrors.KindPermanent)
		case 429:
			return apperrors.Wrap(apperrors.ErrCodeForgeRateLimit, message, err, apperrors.KindPermanent)
		}
	}
	if _, ok := err.(*github.RateLimitError); ok {
		return apperrors.Wrap(apperrors.ErrCodeForgeRateLimit, message, err, apperrors.KindPermanent)
	}
	if _, ok := err.(*github.AbuseRateLimitError); ok {
		return apperrors.Wrap(apperrors.ErrCodeForgeRateLimit, message, err, apperrors.KindPermanent)
	}
	return apperrors.Wrap(code, message, err, apperrors.KindTransient)
}

func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*forge.PullRequest, error) {
	pr, resp, err := c.rest.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		c.log.Error("failed to get pull request", zap.Error(err), zap.String("owner", owner), zap.String("repo", repo), zap.Int("number", number))
		return nil, classifyGitHubErr(apperrors.ErrCodeForgeUnexpected, "get pull request", resp, err)
	}
	return toForgePullRequest(pr), nil
}

func (c *Client) ListOpenPullRequests(ctx context.Context, owner, repo string, cap int) ([]*forge.PullRequest, error) {
	var out []*forge.PullRequest
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: defaultPerPage},
	}

	for {
		prs, resp, err := c.rest.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, classifyGitHubErr(apperrors.ErrCodeForgeUnexpected, "list pull requests", resp, err)
		}
		for _, pr := range prs {
			out = append(out, toForgePullRequest(pr))
			if cap > 0 && len(out) >= cap {
				return out, nil
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func toForgePullRequest(pr *github.PullRequest) *forge.PullRequest {
	return &forge.PullRequest{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		State:      pr.GetState(),
		Merged:     pr.GetMerged(),
		IsDraft:    pr.GetDraft(),
		HeadSHA:    pr.GetHead().GetSHA(),
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		Author:     pr.GetUser().GetLogin(),
		URL:        pr.GetHTMLURL(),
	}
}

func (c *Client) GetDiff(ctx context.Context, owner, repo string, number int) (string, error) {
	raw, resp, err := c.rest.PullRequests.GetRaw(ctx, owner, repo, number, github.RawOptions{Type: github.Diff})
	if err != nil {
		return "", classifyGitHubErr(apperrors.ErrCodeForgeUnexpected, "get pull request diff", resp, err)
	}
	return raw, nil
}

func (c *Client) GetPRBody(ctx context.Context, owner, repo string, number int) (string, error) {
	pr, resp, err := c.rest.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return "", classifyGitHubErr(apperrors.ErrCodeForgeUnexpected, "get pull request body", resp, err)
	}
	return pr.GetBody(), nil
}

func (c *Client) UpdatePRBody(ctx context.Context, owner, repo string, number int, body string) error {
	update := &github.PullRequest{Body: &body}
	_, resp, err := c.rest.PullRequests.Edit(ctx, owner, repo, number, update)
	if err != nil {
		return classifyGitHubErr(apperrors.ErrCodeForgeUnexpected, "update pull request body", resp, err)
	}
	return nil
}

func (c *Client) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	_, resp, err := c.rest.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
	if err != nil {
		return classifyGitHubErr(apperrors.ErrCodeForgeUnexpected, "add labels", resp, err)
	}
	return nil
}

func (c *Client) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	comment := &github.IssueComment{Body: &body}
	created, resp, err := c.rest.Issues.CreateComment(ctx, owner, repo, number, comment)
	if err != nil {
		return 0, classifyGitHubErr(apperrors.ErrCodeForgeUnexpected, "post issue comment", resp, err)
	}
	return created.GetID(), nil
}

func (c *Client) UpdateIssueComment(ctx context.Context, owner, repo string, commentID int64, body string) error {
	comment := &github.IssueComment{Body: &body}
	_, resp, err := c.rest.Issues.EditComment(ctx, owner, repo, commentID, comment)
	if err != nil {
		return classifyGitHubErr(apperrors.ErrCodeForgeUnexpected, "update issue comment", resp, err)
	}
	return nil
}

func (c *Client) DeleteIssueComment(ctx context.Context, owner, repo string, commentID int64) error {
	resp, err := c.rest.Issues.DeleteComment(ctx, owner, repo, commentID)
	if err != nil {
		return classifyGitHubErr(apperrors.ErrCodeForgeUnexpected, "delete issue comment", resp, err)
	}
	return nil
}

func (c *Client) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]forge.Comment, error) {
	var out []forge.Comment
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: defaultPerPage}}

	for {
		comments, resp, err := c.rest.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, classifyGitHubErr(apperrors.ErrCodeForgeUnexpected, "list issue comments", resp, err)
		}
		for _, cm := range comments {
			out = append(out, forge.Comment{
				ID:        cm.GetID(),
				Body:      cm.GetBody(),
				Author:    cm.GetUser().GetLogin(),
				CreatedAt: cm.GetCreatedAt().Time,
				IsBot:     cm.GetUser().GetType() == "Bot",
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *Client) PostReview(ctx context.Context, owner, repo string, number int, input forge.ReviewInput) (int64, error) {
	comments := make([]*github.DraftReviewComment, 0, len(input.Comments))
	for _, cm := range input.Comments {
		path := cm.Path
		line := cm.Line
		body := cm.Body
		comments = append(comments, &github.DraftReviewComment{
			Path: &path,
			Line: &line,
			Body: &body,
		})
	}

	req := &github.PullRequestReviewRequest{
		Body:     &input.Body,
		Event:    &input.Event,
		Comments: comments,
	}

	review, resp, err := c.rest.PullRequests.CreateReview(ctx, owner, repo, number, req)
	if err != nil {
		return 0, classifyGitHubErr(apperrors.ErrCodeReviewPosting, "create review", resp, err)
	}
	return review.GetID(), nil
}

func (c *Client) GetReviewStatus(ctx context.Context, owner, repo string, number int, reviewID int64) (forge.ReviewStatus, error) {
	review, resp, err := c.rest.PullRequests.GetReview(ctx, owner, repo, number, reviewID)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return forge.ReviewStatus{Exists: false}, nil
		}
		return forge.ReviewStatus{}, classifyGitHubErr(apperrors.ErrCodeForgeUnexpected, "get review status", resp, err)
	}
	return forge.ReviewStatus{Exists: true, Dismissed: review.GetState() == "DISMISSED"}, nil
}

func (c *Client) ValidateToken(ctx context.Context) error {
	_, resp, err := c.rest.Users.Get(ctx, "")
	if err != nil {
		return classifyGitHubErr(apperrors.ErrCodeForgeAuth, "validate token", resp, err)
	}
	return nil
}
