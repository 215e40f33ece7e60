package label

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/state"
)

func newTestStore(t *testing.T) *state.StateStore {
	t.Helper()
	st := state.New(t.TempDir()+"/state.json", zap.NewNop())
	require.NoError(t, st.Load())
	return st
}

type fakeForge struct {
	applied []string
	err     error
}

func (f *fakeForge) GetPRBody(ctx context.Context, owner, repo string, number int) (string, error) {
	return "", nil
}
func (f *fakeForge) UpdatePRBody(ctx context.Context, owner, repo string, number int, body string) error {
	return nil
}
func (f *fakeForge) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	f.applied = append(f.applied, labels...)
	return f.err
}

func withFindings(st *state.StateStore, key string, findings ...model.Finding) *model.PRState {
	fresh, _ := st.Get(key)
	fresh.AppendReview(model.ReviewRecord{SHA: "a1", Verdict: model.VerdictRequestChanges, Findings: findings}, 10)
	return fresh
}

func TestShouldRun_FalseWithoutFindings(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetOrCreate("acme", "widgets", 1, model.PRState{})
	require.NoError(t, err)

	fg := &fakeForge{}
	p := New(st, fg, config.LabelFeatureConfig{Enabled: true, Mapping: map[string]string{"issue": "needs-work"}}, zap.NewNop())

	fresh := withFindings(st, model.CanonicalKey("acme", "widgets", 1))
	require.False(t, p.ShouldRun(context.Background(), fresh))
}

func TestExecute_AppliesLabelForMostSevereFinding(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetOrCreate("acme", "widgets", 2, model.PRState{})
	require.NoError(t, err)

	fg := &fakeForge{}
	p := New(st, fg, config.LabelFeatureConfig{
		Enabled: true,
		Mapping: map[string]string{"issue": "needs-work", "nitpick": "minor"},
	}, zap.NewNop())

	fresh := withFindings(st, model.CanonicalKey("acme", "widgets", 2),
		model.Finding{Severity: model.SeverityNitpick},
		model.Finding{Severity: model.SeverityIssue},
	)
	require.True(t, p.ShouldRun(context.Background(), fresh))
	require.NoError(t, p.Execute(context.Background(), fresh))

	require.Equal(t, []string{"needs-work"}, fg.applied)

	got, _ := st.Get(model.CanonicalKey("acme", "widgets", 2))
	require.Equal(t, []string{"needs-work"}, got.LabelsApplied)
}

func TestExecute_SkipsWhenAlreadyApplied(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetOrCreate("acme", "widgets", 3, model.PRState{})
	require.NoError(t, err)
	applied := []string{"needs-work"}
	_, err = st.Update(model.CanonicalKey("acme", "widgets", 3), state.Patch{LabelsApplied: &applied})
	require.NoError(t, err)

	fg := &fakeForge{}
	p := New(st, fg, config.LabelFeatureConfig{Enabled: true, Mapping: map[string]string{"issue": "needs-work"}}, zap.NewNop())

	fresh := withFindings(st, model.CanonicalKey("acme", "widgets", 3), model.Finding{Severity: model.SeverityIssue})
	require.NoError(t, p.Execute(context.Background(), fresh))
	require.Empty(t, fg.applied)
}

func TestExecute_NoMappingForSeverityIsNoOp(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetOrCreate("acme", "widgets", 4, model.PRState{})
	require.NoError(t, err)

	fg := &fakeForge{}
	p := New(st, fg, config.LabelFeatureConfig{Enabled: true, Mapping: map[string]string{"issue": "needs-work"}}, zap.NewNop())

	fresh := withFindings(st, model.CanonicalKey("acme", "widgets", 4), model.Finding{Severity: model.SeverityPraise})
	require.NoError(t, p.Execute(context.Background(), fresh))
	require.Empty(t, fg.applied)
}
