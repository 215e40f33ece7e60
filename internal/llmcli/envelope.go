// Package llmcli wraps the LLM CLI subprocess contract: stdin prompt in,
// a JSON envelope out, parsed with a forgiving three-tier strategy since
// the CLI may emit mixed text around the JSON payload (§6).
package llmcli

import (
	"encoding/json"
	"strings"

	"github.com/reviewbot/reviewbot/internal/model"
	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
)

// Envelope is the JSON object the LLM CLI prints to stdout.
type Envelope struct {
	Result                   string  `json:"result"`
	IsError                   bool    `json:"is_error"`
	SessionID                 string  `json:"session_id"`
	InputTokens                int     `json:"input_tokens"`
	OutputTokens               int     `json:"output_tokens"`
	CacheCreationInputTokens   int     `json:"cache_creation_input_tokens"`
	CacheReadInputTokens       int     `json:"cache_read_input_tokens"`
	CostUSD                    float64 `json:"cost_usd"`
	Model                      string  `json:"model"`
	NumTurns                   int     `json:"num_turns"`
	DurationMS                 int64   `json:"duration_ms"`
	DurationAPIMS              int64   `json:"duration_api_ms"`
}

// ParseEnvelope unmarshals the CLI's top-level JSON envelope from raw
// stdout. Unlike Result's inner content, the envelope itself is expected
// to be well-formed JSON with no surrounding text.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeLLMParse, "parsing LLM CLI envelope", err, apperrors.KindTransient)
	}
	return &env, nil
}

// ExtractStructuredReview applies the three-tier JSON extraction strategy
// to env.Result and validates it against the StructuredReview shape:
//  1. the whole string is valid JSON
//  2. a fenced ```json ... ``` (or bare ```) code block contains valid JSON
//  3. scan for the last well-formed {...} object in mixed output
//
// Returns (review, true, nil) on success, or (nil, false, nil) when no
// tier yields a valid StructuredReview — the caller should fall back to
// freeform handling rather than treating this as an error.
func ExtractStructuredReview(result string) (*model.StructuredReview, bool, error) {
	if review, ok := tryParseStructuredReview(result); ok {
		return review, true, nil
	}

	if block, ok := extractFencedBlock(result); ok {
		if review, ok := tryParseStructuredReview(block); ok {
			return review, true, nil
		}
	}

	if obj, ok := lastWellFormedObject(result); ok {
		if review, ok := tryParseStructuredReview(obj); ok {
			return review, true, nil
		}
	}

	return nil, false, nil
}

func tryParseStructuredReview(s string) (*model.StructuredReview, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] != '{' {
		return nil, false
	}
	var review model.StructuredReview
	if err := json.Unmarshal([]byte(s), &review); err != nil {
		return nil, false
	}
	if !isValidStructuredReview(&review) {
		return nil, false
	}
	return &review, true
}

func isValidStructuredReview(r *model.StructuredReview) bool {
	switch r.Verdict {
	case model.VerdictApprove, model.VerdictRequestChanges, model.VerdictComment, model.VerdictUnknown:
	default:
		return false
	}
	for _, f := range r.Findings {
		if f.Line < 1 {
			return false
		}
	}
	return true
}

// extractFencedBlock finds the first fenced code block (```json ... ``` or
// ``` ... ```) and returns its inner content.
func extractFencedBlock(s string) (string, bool) {
	const fence = "```"
	start := strings.Index(s, fence)
	if start < 0 {
		return "", false
	}
	rest := s[start+len(fence):]
	// Skip an optional language tag on the same line (e.g. "json\n").
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := rest[:nl]
		if !strings.Contains(firstLine, "{") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, fence)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// lastWellFormedObject scans s for the last {...} object with balanced
// braces, tolerant of braces embedded in string literals and of an earlier
// '{' that never closes.
func lastWellFormedObject(s string) (string, bool) {
	var candidates []string

	var starts []int
	inString := false
	escaped := false

	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			inString = true
		case '{':
			starts = append(starts, i)
		case '}':
			if len(starts) > 0 {
				start := starts[len(starts)-1]
				starts = starts[:len(starts)-1]
				candidates = append(candidates, s[start:i+1])
			}
		}
	}

	if len(candidates) == 0 {
		return "", false
	}
	return candidates[len(candidates)-1], true
}
