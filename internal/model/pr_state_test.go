package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalKey(t *testing.T) {
	assert.Equal(t, "acme/widgets#42", CanonicalKey("acme", "widgets", 42))
}

func TestParseCanonicalKey(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		owner, repo, number, err := ParseCanonicalKey("acme/widgets#42")
		require.NoError(t, err)
		assert.Equal(t, "acme", owner)
		assert.Equal(t, "widgets", repo)
		assert.Equal(t, 42, number)
	})

	t.Run("missing hash", func(t *testing.T) {
		_, _, _, err := ParseCanonicalKey("acme/widgets")
		assert.Error(t, err)
	})

	t.Run("missing slash", func(t *testing.T) {
		_, _, _, err := ParseCanonicalKey("acmewidgets#42")
		assert.Error(t, err)
	})

	t.Run("bad number", func(t *testing.T) {
		_, _, _, err := ParseCanonicalKey("acme/widgets#notanumber")
		assert.Error(t, err)
	})
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusClosed.Terminal())
	assert.True(t, StatusMerged.Terminal())
	assert.False(t, StatusReviewed.Terminal())
	assert.False(t, StatusReviewing.Terminal())
}

func TestFindingKey(t *testing.T) {
	f := Finding{Path: "src/x.ts", Line: 10, Body: "missing null check"}
	assert.Equal(t, "src/x.ts:10:missing null check", f.Key())
}

func TestResolutionKey(t *testing.T) {
	r := Resolution{Path: "src/x.ts", Line: 10, Body: "fixed"}
	assert.Equal(t, "src/x.ts:10", r.Key())
}

func TestPRState_LastReview(t *testing.T) {
	t.Run("no reviews", func(t *testing.T) {
		p := &PRState{}
		assert.Nil(t, p.LastReview())
	})

	t.Run("returns most recent", func(t *testing.T) {
		p := &PRState{Reviews: []ReviewRecord{
			{SHA: "a1", Verdict: VerdictComment},
			{SHA: "b2", Verdict: VerdictApprove},
		}}
		last := p.LastReview()
		require.NotNil(t, last)
		assert.Equal(t, "b2", last.SHA)
	})
}

func TestPRState_AppendReview_TruncatesFromHead(t *testing.T) {
	p := &PRState{}
	for i := 0; i < 5; i++ {
		p.AppendReview(ReviewRecord{SHA: string(rune('a' + i))}, 3)
	}

	require.Len(t, p.Reviews, 3)
	assert.Equal(t, "c", p.Reviews[0].SHA)
	assert.Equal(t, "e", p.Reviews[2].SHA)
}

func TestPRState_AppendReview_NoLimit(t *testing.T) {
	p := &PRState{}
	p.AppendReview(ReviewRecord{SHA: "a"}, 0)
	p.AppendReview(ReviewRecord{SHA: "b"}, 0)
	assert.Len(t, p.Reviews, 2)
}

func TestPRState_PriorFindingsByKey(t *testing.T) {
	p := &PRState{
		Reviews: []ReviewRecord{
			{Findings: []Finding{{Path: "a.go", Line: 1, Body: "issue one", Severity: SeverityIssue}}},
			{Findings: []Finding{{Path: "a.go", Line: 1, Body: "issue one", Severity: SeverityIssue, Blocking: true}}},
			{Findings: []Finding{{Path: "b.go", Line: 5, Body: "issue two"}}},
		},
	}

	byKey := p.PriorFindingsByKey()
	require.Len(t, byKey, 2)

	latest := byKey["a.go:1:issue one"]
	assert.True(t, latest.Blocking, "most recent occurrence of a duplicated key should win")
}

func TestPRState_Key(t *testing.T) {
	p := &PRState{Owner: "acme", Repo: "widgets", Number: 7}
	assert.Equal(t, "acme/widgets#7", p.Key())
}

func TestLastError(t *testing.T) {
	now := time.Now()
	le := LastError{Phase: "fetch_diff", Kind: ErrorKindPermanent, Message: "404", SHA: "c3", OccurredAt: now}
	assert.Equal(t, ErrorKindPermanent, le.Kind)
}
