// Package webhook implements WebhookIngress: the Gin HTTP receiver for
// GitHub webhook deliveries, classifying events per §4.8 and submitting
// review-worthy ones to ReviewCoordinator asynchronously.
package webhook

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/coordinator"
	"github.com/reviewbot/reviewbot/internal/forge"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/state"
	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

// Coordinator is the subset of coordinator.Coordinator the ingress needs.
type Coordinator interface {
	ProcessPR(ctx context.Context, owner, repo string, pr *forge.PullRequest, opts coordinator.Options) (*coordinator.Result, error)
}

var (
	maxTurnsPattern = regexp.MustCompile(`--max-turns=(\d+)`)
	focusPattern    = regexp.MustCompile(`--focus=(\S+)`)
)

// Ingress receives and classifies GitHub webhook deliveries.
type Ingress struct {
	state   *state.StateStore
	forge   forge.Forge
	coord   Coordinator
	cfg     config.WebhookConfig
	repos   map[string]bool
	trigger *regexp.Regexp
	log     *zap.Logger
}

// New constructs an Ingress scoped to the given tracked repos. cfg.Secret
// empty disables signature verification (logged loudly, never silently).
func New(st *state.StateStore, fg forge.Forge, coord Coordinator, cfg config.WebhookConfig, repos []config.RepoConfig, log *zap.Logger) (*Ingress, error) {
	if log == nil {
		log = logger.Get()
	}
	tracked := make(map[string]bool, len(repos))
	for _, r := range repos {
		tracked[r.CanonicalName()] = true
	}

	trigger, err := regexp.Compile(cfg.CommentTrigger)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeConfigInvalid, "compiling comment trigger pattern", err, apperrors.KindPermanent)
	}

	return &Ingress{state: st, forge: fg, coord: coord, cfg: cfg, repos: tracked, trigger: trigger, log: log}, nil
}

// RegisterRoutes mounts the webhook endpoint on r.
func (in *Ingress) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhooks/github", in.handle)
}

func (in *Ingress) handle(c *gin.Context) {
	var secret []byte
	if in.cfg.Secret != "" {
		secret = []byte(in.cfg.Secret)
	} else {
		in.log.Warn("webhook secret not configured, signature validation skipped")
	}

	payload, err := github.ValidatePayload(c.Request, secret)
	if err != nil {
		in.log.Warn("webhook signature validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"code": apperrors.ErrCodeValidation, "message": "invalid webhook signature"})
		return
	}

	event, err := github.ParseWebHook(github.WebHookType(c.Request), payload)
	if err != nil {
		in.log.Warn("failed to parse webhook payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"code": apperrors.ErrCodeValidation, "message": "failed to parse webhook payload"})
		return
	}

	switch e := event.(type) {
	case *github.PullRequestEvent:
		in.handlePullRequestEvent(c, e)
	case *github.IssueCommentEvent:
		in.handleIssueCommentEvent(c, e)
	default:
		c.JSON(http.StatusOK, gin.H{"message": "event type not handled"})
	}
}

func (in *Ingress) tracked(owner, repo string) bool {
	return in.repos[owner+"/"+repo]
}

func (in *Ingress) handlePullRequestEvent(c *gin.Context, e *github.PullRequestEvent) {
	owner := e.GetRepo().GetOwner().GetLogin()
	repo := e.GetRepo().GetName()

	if !in.tracked(owner, repo) {
		c.JSON(http.StatusOK, gin.H{"message": "repo not tracked"})
		return
	}

	action := e.GetAction()

	switch action {
	case "opened", "synchronize", "reopened", "ready_for_review":
		pr := toForgePullRequest(e.GetPullRequest())
		if action == "reopened" {
			in.clearTerminalOnReopen(owner, repo, pr.Number)
		}
		in.submitAsync(owner, repo, pr, coordinator.Options{})
		c.JSON(http.StatusAccepted, gin.H{"message": "review queued"})

	case "edited":
		if e.GetChanges() == nil || e.GetChanges().Title == nil {
			c.JSON(http.StatusOK, gin.H{"message": "edit did not change title, skipping"})
			return
		}
		pr := toForgePullRequest(e.GetPullRequest())
		in.submitAsync(owner, repo, pr, coordinator.Options{})
		c.JSON(http.StatusAccepted, gin.H{"message": "review queued after title edit"})

	case "closed":
		in.applyLifecycleTransition(owner, repo, e.GetPullRequest().GetNumber(), e.GetPullRequest().GetMerged())
		c.JSON(http.StatusOK, gin.H{"message": "lifecycle event recorded"})

	case "converted_to_draft":
		in.markDraft(owner, repo, e.GetPullRequest().GetNumber())
		c.JSON(http.StatusOK, gin.H{"message": "lifecycle event recorded"})

	default:
		c.JSON(http.StatusOK, gin.H{"message": "action not handled", "action": action})
	}
}

func (in *Ingress) handleIssueCommentEvent(c *gin.Context, e *github.IssueCommentEvent) {
	if e.GetAction() != "created" {
		c.JSON(http.StatusOK, gin.H{"message": "comment action not handled"})
		return
	}
	if e.GetIssue().GetPullRequestLinks() == nil {
		c.JSON(http.StatusOK, gin.H{"message": "comment is not on a pull request"})
		return
	}
	if e.GetComment().GetUser().GetType() == "Bot" {
		c.JSON(http.StatusOK, gin.H{"message": "bot comment ignored"})
		return
	}

	owner := e.GetRepo().GetOwner().GetLogin()
	repo := e.GetRepo().GetName()
	if !in.tracked(owner, repo) {
		c.JSON(http.StatusOK, gin.H{"message": "repo not tracked"})
		return
	}

	body := e.GetComment().GetBody()
	if !in.trigger.MatchString(body) {
		c.JSON(http.StatusOK, gin.H{"message": "comment did not match trigger"})
		return
	}

	number := e.GetIssue().GetNumber()
	opts := parseOverrides(body)
	opts.ForceReview = true

	ctx := context.Background()
	go func() {
		pr, err := in.forge.GetPullRequest(ctx, owner, repo, number)
		if err != nil {
			in.log.Error("failed to fetch PR for comment trigger", zap.String("repo", owner+"/"+repo), zap.Int("number", number), zap.Error(err))
			return
		}
		in.process(ctx, owner, repo, pr, opts)
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "review queued from comment trigger"})
}

// submitAsync runs ProcessPR in the background so the webhook response is
// never blocked on the downstream review (§4.8).
func (in *Ingress) submitAsync(owner, repo string, pr *forge.PullRequest, opts coordinator.Options) {
	ctx := context.Background()
	go in.process(ctx, owner, repo, pr, opts)
}

func (in *Ingress) process(ctx context.Context, owner, repo string, pr *forge.PullRequest, opts coordinator.Options) {
	if _, err := in.coord.ProcessPR(ctx, owner, repo, pr, opts); err != nil {
		in.log.Error("webhook-triggered review failed", zap.String("repo", owner+"/"+repo), zap.Int("number", pr.Number), zap.Error(err))
	}
}

// applyLifecycleTransition mutates StateStore directly for a closed PR,
// without invoking the LLM pipeline at all.
func (in *Ingress) applyLifecycleTransition(owner, repo string, number int, merged bool) {
	key := model.CanonicalKey(owner, repo, number)
	status := model.StatusClosed
	if merged {
		status = model.StatusMerged
	}
	if _, err := in.state.Update(key, state.Patch{Status: &status}); err != nil {
		in.log.Debug("lifecycle transition skipped, entry not tracked", zap.String("key", key), zap.Error(err))
	}
}

func (in *Ingress) markDraft(owner, repo string, number int) {
	key := model.CanonicalKey(owner, repo, number)
	draft := true
	if _, err := in.state.Update(key, state.Patch{IsDraft: &draft}); err != nil {
		in.log.Debug("draft transition skipped, entry not tracked", zap.String("key", key), zap.Error(err))
	}
}

// clearTerminalOnReopen resets a closed/merged entry back to pending_review
// on reopen — the only external transition that legitimately leaves the
// §3 terminal sink state.
func (in *Ingress) clearTerminalOnReopen(owner, repo string, number int) {
	key := model.CanonicalKey(owner, repo, number)
	st, ok := in.state.Get(key)
	if !ok || !st.Status.Terminal() {
		return
	}
	pending := model.StatusPendingReview
	if _, err := in.state.Update(key, state.Patch{Status: &pending}); err != nil {
		in.log.Warn("failed to clear terminal status on reopen", zap.String("key", key), zap.Error(err))
	}
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

// parseOverrides extracts the §13 comment-trigger overrides
// (--max-turns=N, --skip-description, --skip-labels, --focus=path,path)
// from a triggering comment body.
func parseOverrides(body string) coordinator.Options {
	opts := coordinator.Options{}

	if m := maxTurnsPattern.FindStringSubmatch(body); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			opts.MaxTurns = n
		}
	}
	opts.SkipDescription = strings.Contains(body, "--skip-description")
	opts.SkipLabels = strings.Contains(body, "--skip-labels")
	if m := focusPattern.FindStringSubmatch(body); m != nil {
		opts.FocusPaths = strings.Split(m[1], ",")
	}

	return opts
}
