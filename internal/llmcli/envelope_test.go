package llmcli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewbot/reviewbot/internal/model"
	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
)

func TestParseEnvelope_Valid(t *testing.T) {
	raw := []byte(`{
		"result": "all good",
		"is_error": false,
		"session_id": "sess-1",
		"input_tokens": 100,
		"output_tokens": 50,
		"cache_creation_input_tokens": 10,
		"cache_read_input_tokens": 5,
		"cost_usd": 0.0123,
		"model": "claude",
		"num_turns": 3,
		"duration_ms": 1500,
		"duration_api_ms": 1200
	}`)

	env, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "all good", env.Result)
	assert.False(t, env.IsError)
	assert.Equal(t, "sess-1", env.SessionID)
	assert.Equal(t, 100, env.InputTokens)
	assert.Equal(t, 50, env.OutputTokens)
	assert.Equal(t, 0.0123, env.CostUSD)
	assert.Equal(t, 3, env.NumTurns)
	assert.Equal(t, int64(1500), env.DurationMS)
}

func TestParseEnvelope_Malformed(t *testing.T) {
	_, err := ParseEnvelope([]byte(`not json`))
	require.Error(t, err)
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeLLMParse, appErr.Code)
}

func TestExtractStructuredReview_DirectParse(t *testing.T) {
	result := `{"verdict":"APPROVE","summary":"looks fine","findings":[]}`

	review, ok, err := ExtractStructuredReview(result)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.VerdictApprove, review.Verdict)
	assert.Equal(t, "looks fine", review.Summary)
}

func TestExtractStructuredReview_FencedBlock(t *testing.T) {
	result := "Here is my review:\n```json\n{\"verdict\":\"COMMENT\",\"summary\":\"minor notes\",\"findings\":[{\"severity\":\"low\",\"path\":\"a.go\",\"line\":5,\"body\":\"nit\"}]}\n```\nThanks."

	review, ok, err := ExtractStructuredReview(result)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.VerdictComment, review.Verdict)
	require.Len(t, review.Findings, 1)
	assert.Equal(t, 5, review.Findings[0].Line)
}

func TestExtractStructuredReview_FencedBlockNoLanguageTag(t *testing.T) {
	result := "```\n{\"verdict\":\"REQUEST_CHANGES\",\"summary\":\"needs work\",\"findings\":[]}\n```"

	review, ok, err := ExtractStructuredReview(result)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.VerdictRequestChanges, review.Verdict)
}

func TestExtractStructuredReview_LastWellFormedObject(t *testing.T) {
	result := `Some preamble with a stray { that never closes.
Then some text and finally: {"verdict":"APPROVE","summary":"ok","findings":[{"severity":"high","path":"b.go","line":1,"body":"contains a brace { in the body }"}]}`

	review, ok, err := ExtractStructuredReview(result)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.VerdictApprove, review.Verdict)
	require.Len(t, review.Findings, 1)
	assert.Contains(t, review.Findings[0].Body, "brace")
}

func TestExtractStructuredReview_NothingValidFallsBackFreeform(t *testing.T) {
	result := "Just a freeform explanation, no JSON at all."

	review, ok, err := ExtractStructuredReview(result)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, review)
}

func TestExtractStructuredReview_InvalidVerdictRejected(t *testing.T) {
	result := `{"verdict":"MAYBE","summary":"unclear","findings":[]}`

	review, ok, err := ExtractStructuredReview(result)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, review)
}

func TestExtractStructuredReview_InvalidFindingLineRejected(t *testing.T) {
	result := `{"verdict":"APPROVE","summary":"ok","findings":[{"severity":"low","path":"a.go","line":0,"body":"bad"}]}`

	review, ok, err := ExtractStructuredReview(result)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, review)
}

func TestExtractFencedBlock(t *testing.T) {
	t.Run("with language tag", func(t *testing.T) {
		block, ok := extractFencedBlock("prefix\n```json\n{\"a\":1}\n```\nsuffix")
		require.True(t, ok)
		assert.Equal(t, `{"a":1}`, block)
	})

	t.Run("no fence present", func(t *testing.T) {
		_, ok := extractFencedBlock("no fences here")
		assert.False(t, ok)
	})

	t.Run("unterminated fence", func(t *testing.T) {
		_, ok := extractFencedBlock("```json\n{\"a\":1}")
		assert.False(t, ok)
	})
}

func TestLastWellFormedObject(t *testing.T) {
	t.Run("picks the last balanced object", func(t *testing.T) {
		obj, ok := lastWellFormedObject(`{"first":true} some text {"second":true}`)
		require.True(t, ok)
		assert.Equal(t, `{"second":true}`, obj)
	})

	t.Run("ignores unbalanced leading brace", func(t *testing.T) {
		obj, ok := lastWellFormedObject(`{ unbalanced then {"ok":true}`)
		require.True(t, ok)
		assert.Equal(t, `{"ok":true}`, obj)
	})

	t.Run("tolerates braces inside string literals", func(t *testing.T) {
		obj, ok := lastWellFormedObject(`{"body":"contains { and } inside a string"}`)
		require.True(t, ok)
		assert.Equal(t, `{"body":"contains { and } inside a string"}`, obj)
	})

	t.Run("no object present", func(t *testing.T) {
		_, ok := lastWellFormedObject("no braces at all")
		assert.False(t, ok)
	})
}

func TestIsValidStructuredReview(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		r := &model.StructuredReview{Verdict: model.VerdictApprove, Findings: []model.Finding{{Line: 1}}}
		assert.True(t, isValidStructuredReview(r))
	})

	t.Run("invalid verdict", func(t *testing.T) {
		r := &model.StructuredReview{Verdict: "bogus"}
		assert.False(t, isValidStructuredReview(r))
	})

	t.Run("invalid finding line", func(t *testing.T) {
		r := &model.StructuredReview{Verdict: model.VerdictComment, Findings: []model.Finding{{Line: 0}}}
		assert.False(t, isValidStructuredReview(r))
	})
}
