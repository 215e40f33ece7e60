// Package label implements the auto-labeling feature plugin: maps the
// highest-severity finding in the latest review to a configured label and
// applies it to the PR.
package label

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/forge"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/state"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

// severityRank orders severities from most to least urgent so the
// highest-ranked finding decides which single label applies.
var severityRank = map[model.Severity]int{
	model.SeverityIssue:      0,
	model.SeveritySuggestion: 1,
	model.SeverityNitpick:    2,
	model.SeverityQuestion:   3,
	model.SeverityPraise:     4,
}

// Plugin applies a label named by cfg.Mapping[severity] for the most
// severe finding in the PR's latest review.
type Plugin struct {
	state *state.StateStore
	forge forge.Forge
	cfg   config.LabelFeatureConfig
	log   *zap.Logger
}

func New(st *state.StateStore, fg forge.Forge, cfg config.LabelFeatureConfig, log *zap.Logger) *Plugin {
	if log == nil {
		log = logger.Get()
	}
	return &Plugin{state: st, forge: fg, cfg: cfg, log: log}
}

func (p *Plugin) Name() string  { return "label" }
func (p *Plugin) Phase() string { return "post_review" }

func (p *Plugin) ShouldRun(ctx context.Context, st *model.PRState) bool {
	if !p.cfg.Enabled || len(p.cfg.Mapping) == 0 {
		return false
	}
	rec := st.LastReview()
	return rec != nil && len(rec.Findings) > 0
}

func (p *Plugin) Execute(ctx context.Context, st *model.PRState) error {
	rec := st.LastReview()

	sev := mostSevere(rec.Findings)
	name, ok := p.cfg.Mapping[string(sev)]
	if !ok || name == "" {
		return nil
	}
	if alreadyApplied(st.LabelsApplied, name) {
		return nil
	}

	if err := p.forge.AddLabels(ctx, st.Owner, st.Repo, st.Number, []string{name}); err != nil {
		return fmt.Errorf("applying label %q: %w", name, err)
	}

	applied := append(append([]string{}, st.LabelsApplied...), name)
	_, err := p.state.Update(st.Key(), state.Patch{LabelsApplied: &applied})
	return err
}

func mostSevere(findings []model.Finding) model.Severity {
	sorted := append([]model.Finding{}, findings...)
	sort.Slice(sorted, func(i, j int) bool {
		return severityRank[sorted[i].Severity] < severityRank[sorted[j].Severity]
	})
	return sorted[0].Severity
}

func alreadyApplied(applied []string, name string) bool {
	for _, a := range applied {
		if a == name {
			return true
		}
	}
	return false
}
