package github

import (
	"context"

	"github.com/shurcooL/githubv4"

	"github.com/reviewbot/reviewbot/internal/forge"
	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
)

const threadPageSize = 50

type reviewThreadsQuery struct {
	Repository struct {
		PullRequest struct {
			ReviewThreads struct {
				Nodes []struct {
					ID         githubv4.ID
					IsResolved bool
					Comments   struct {
						Nodes []struct {
							Body string
							Path string
							Line *int
						}
					} `graphql:"comments(first: 10)"`
				}
				PageInfo struct {
					HasNextPage bool
					EndCursor   githubv4.String
				}
			} `graphql:"reviewThreads(first: $pageSize, after: $cursor)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// ListReviewThreads fetches every review thread on a PR, paginated, via
// GraphQL. A thread's Path/Line are taken from its first comment.
func (c *Client) ListReviewThreads(ctx context.Context, owner, repo string, number int) ([]forge.ReviewThread, error) {
	var out []forge.ReviewThread

	vars := map[string]interface{}{
		"owner":    githubv4.String(owner),
		"name":     githubv4.String(repo),
		"number":   githubv4.Int(number),
		"pageSize": githubv4.Int(threadPageSize),
		"cursor":   (*githubv4.String)(nil),
	}

	for {
		var q reviewThreadsQuery
		if err := c.gql.Query(ctx, &q, vars); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeForgeUnexpected, "list review threads", err, apperrors.KindTransient)
		}

		for _, node := range q.Repository.PullRequest.ReviewThreads.Nodes {
			var path string
			var line int
			var bodies []string
			for _, cm := range node.Comments.Nodes {
				bodies = append(bodies, cm.Body)
				if path == "" {
					path = cm.Path
				}
				if cm.Line != nil && line == 0 {
					line = *cm.Line
				}
			}
			out = append(out, forge.ReviewThread{
				ID:         idToString(node.ID),
				Path:       path,
				Line:       line,
				IsResolved: node.IsResolved,
				Comments:   bodies,
			})
		}

		if !q.Repository.PullRequest.ReviewThreads.PageInfo.HasNextPage {
			break
		}
		vars["cursor"] = githubv4.NewString(q.Repository.PullRequest.ReviewThreads.PageInfo.EndCursor)
	}

	return out, nil
}

type resolveThreadMutation struct {
	ResolveReviewThread struct {
		Thread struct {
			ID githubv4.ID
		}
	} `graphql:"resolveReviewThread(input: $input)"`
}

// ResolveReviewThread marks a thread resolved via the resolveReviewThread
// mutation.
func (c *Client) ResolveReviewThread(ctx context.Context, threadID string) error {
	input := githubv4.ResolveReviewThreadInput{
		ThreadID: githubv4.ID(threadID),
	}

	var m resolveThreadMutation
	if err := c.gql.Mutate(ctx, &m, input, nil); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeForgeUnexpected, "resolve review thread", err, apperrors.KindTransient)
	}
	return nil
}

func idToString(id githubv4.ID) string {
	if s, ok := id.(string); ok {
		return s
	}
	return ""
}
