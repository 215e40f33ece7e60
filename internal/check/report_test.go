package check

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalculateSummary_NoIssues(t *testing.T) {
	r := NewReport()
	r.AddFileResult(FileCheckResult{Path: "config.yaml", Exists: true})
	r.AddValidationResult(ValidationResult{Path: "config.yaml", Valid: true})

	s := r.calculateSummary()
	require.False(t, s.hasErrors)
	require.Zero(t, s.filesMissing)
	require.Zero(t, s.validationFails)
}

func TestCalculateSummary_TracksMissingAndInvalid(t *testing.T) {
	r := NewReport()
	r.AddFileResult(FileCheckResult{Path: "config.yaml", Exists: false})
	r.AddValidationResult(ValidationResult{Path: "config.yaml", Valid: false, Error: errors.New("bad")})

	s := r.calculateSummary()
	require.True(t, s.hasErrors)
	require.Equal(t, 1, s.filesMissing)
	require.Equal(t, 1, s.validationFails)
}
