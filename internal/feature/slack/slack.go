// Package slack implements the post-review Slack notification feature
// plugin: posts a summary of the latest review to a configured incoming
// webhook.
package slack

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

// Plugin posts a review summary to Slack via an incoming webhook.
type Plugin struct {
	cfg  config.SlackFeatureConfig
	post func(url string, msg *slack.WebhookMessage) error
	log  *zap.Logger
}

func New(cfg config.SlackFeatureConfig, log *zap.Logger) *Plugin {
	if log == nil {
		log = logger.Get()
	}
	return &Plugin{cfg: cfg, post: slack.PostWebhook, log: log}
}

func (p *Plugin) Name() string  { return "slack" }
func (p *Plugin) Phase() string { return "post_review" }

func (p *Plugin) ShouldRun(ctx context.Context, st *model.PRState) bool {
	return p.cfg.Enabled && p.cfg.WebhookURL != "" && st.LastReview() != nil
}

func (p *Plugin) Execute(ctx context.Context, st *model.PRState) error {
	msg := p.buildMessage(st)
	if err := p.post(p.cfg.WebhookURL, msg); err != nil {
		return fmt.Errorf("posting slack webhook: %w", err)
	}
	return nil
}

func (p *Plugin) buildMessage(st *model.PRState) *slack.WebhookMessage {
	rec := st.LastReview()

	color := "good"
	if rec.Verdict == model.VerdictRequestChanges {
		color = "danger"
	} else if rec.Verdict == model.VerdictComment {
		color = "warning"
	}

	attachment := slack.Attachment{
		Color: color,
		Title: fmt.Sprintf("%s/%s#%d — %s", st.Owner, st.Repo, st.Number, st.Title),
		Text:  fmt.Sprintf("Verdict: %s (%d findings)", rec.Verdict, len(rec.Findings)),
		Fields: []slack.AttachmentField{
			{Title: "Commit", Value: rec.SHA, Short: true},
			{Title: "Reviewed at", Value: rec.ReviewedAt.Format("2006-01-02 15:04:05 MST"), Short: true},
		},
		Footer: "reviewbot",
		Ts:     json.Number(fmt.Sprintf("%d", rec.ReviewedAt.Unix())),
	}

	msg := &slack.WebhookMessage{Attachments: []slack.Attachment{attachment}}
	if p.cfg.Channel != "" {
		msg.Channel = p.cfg.Channel
	}
	return msg
}
