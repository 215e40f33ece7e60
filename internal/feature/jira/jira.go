// Package jira implements the Jira-key extraction/validation feature
// plugin: pulls a project key out of the PR title and, if a Jira base URL
// and token are configured, confirms the issue exists.
package jira

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/state"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

const validateTimeout = 5 * time.Second

// Plugin extracts and validates a Jira issue key from the PR title.
type Plugin struct {
	state   *state.StateStore
	cfg     config.JiraFeatureConfig
	pattern *regexp.Regexp
	client  *http.Client
	log     *zap.Logger
}

// New compiles cfg.KeyPattern once. cfg.Enabled false is handled by
// ShouldRun, not here, so the plugin can still be registered unconditionally.
func New(st *state.StateStore, cfg config.JiraFeatureConfig, log *zap.Logger) (*Plugin, error) {
	if log == nil {
		log = logger.Get()
	}
	pattern, err := regexp.Compile(cfg.KeyPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling jira key pattern: %w", err)
	}
	return &Plugin{
		state:   st,
		cfg:     cfg,
		pattern: pattern,
		client:  &http.Client{Timeout: validateTimeout},
		log:     log,
	}, nil
}

func (p *Plugin) Name() string  { return "jira" }
func (p *Plugin) Phase() string { return "pre_review" }

// ShouldRun fires once per PR: enabled, a key is extractable from the
// title, and it hasn't already been recorded.
func (p *Plugin) ShouldRun(ctx context.Context, st *model.PRState) bool {
	if !p.cfg.Enabled || st.JiraKey != "" {
		return false
	}
	return p.pattern.MatchString(st.Title)
}

func (p *Plugin) Execute(ctx context.Context, st *model.PRState) error {
	key := p.pattern.FindString(st.Title)

	validated := false
	if p.cfg.BaseURL != "" && p.cfg.Token != "" {
		var err error
		validated, err = p.issueExists(ctx, key)
		if err != nil {
			p.log.Warn("jira issue lookup failed, recording key unvalidated", zap.String("key", key), zap.Error(err))
		}
	}

	_, err := p.state.Update(st.Key(), state.Patch{
		JiraKey:       &key,
		JiraValidated: &validated,
	})
	return err
}

func (p *Plugin) issueExists(ctx context.Context, issueKey string) (bool, error) {
	url := fmt.Sprintf("%s/rest/api/2/issue/%s", p.cfg.BaseURL, issueKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}
