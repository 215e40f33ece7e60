// Package describe implements the auto-description feature plugin:
// templates a PR description from the review just composed, without
// invoking the LLM a second time.
package describe

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/forge"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/state"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

const marker = "<!-- reviewbot:auto-description -->"

// Plugin templates a PR body section from the latest review's summary and
// findings, inserted once per PR.
type Plugin struct {
	state *state.StateStore
	forge forge.Forge
	cfg   config.DescribeConfig
	log   *zap.Logger
}

func New(st *state.StateStore, fg forge.Forge, cfg config.DescribeConfig, log *zap.Logger) *Plugin {
	if log == nil {
		log = logger.Get()
	}
	return &Plugin{state: st, forge: fg, cfg: cfg, log: log}
}

func (p *Plugin) Name() string  { return "describe" }
func (p *Plugin) Phase() string { return "post_review" }

// ShouldRun fires once per PR: enabled, not already generated, and a
// review exists to template from.
func (p *Plugin) ShouldRun(ctx context.Context, st *model.PRState) bool {
	return p.cfg.Enabled && !st.DescriptionGenerated && st.LastReview() != nil
}

func (p *Plugin) Execute(ctx context.Context, st *model.PRState) error {
	rec := st.LastReview()

	body, err := p.forge.GetPRBody(ctx, st.Owner, st.Repo, st.Number)
	if err != nil {
		return fmt.Errorf("fetching pull request body: %w", err)
	}
	if strings.Contains(body, marker) {
		generated := true
		_, err := p.state.Update(st.Key(), state.Patch{DescriptionGenerated: &generated})
		return err
	}

	section := renderSection(rec)
	updated := strings.TrimRight(body, "\n") + "\n\n" + section

	if err := p.forge.UpdatePRBody(ctx, st.Owner, st.Repo, st.Number, updated); err != nil {
		return fmt.Errorf("updating pull request body: %w", err)
	}

	generated := true
	_, err = p.state.Update(st.Key(), state.Patch{DescriptionGenerated: &generated})
	return err
}

func renderSection(rec *model.ReviewRecord) string {
	var b strings.Builder
	b.WriteString(marker)
	b.WriteString("\n### Summary\n")

	counts := map[model.Severity]int{}
	for _, f := range rec.Findings {
		counts[f.Severity]++
	}
	if len(rec.Findings) == 0 {
		b.WriteString("No findings on the latest review.\n")
	} else {
		order := []model.Severity{model.SeverityIssue, model.SeveritySuggestion, model.SeverityNitpick, model.SeverityQuestion, model.SeverityPraise}
		for _, sev := range order {
			if n := counts[sev]; n > 0 {
				fmt.Fprintf(&b, "- %d %s\n", n, sev)
			}
		}
	}
	fmt.Fprintf(&b, "\nVerdict: %s\n", rec.Verdict)

	return b.String()
}
