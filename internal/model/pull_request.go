package model

// PullRequest is the normalized shape both PollerLoop and WebhookIngress
// hand to ReviewCoordinator.processPR, independent of which producer
// observed it.
type PullRequest struct {
	Owner      string
	Repo       string
	Number     int
	Title      string
	IsDraft    bool
	HeadSHA    string
	HeadBranch string
	BaseBranch string

	// ForceReview is set by the comment-trigger path (§4.8) to bypass
	// DecisionEngine's debounce/already-reviewed rules.
	ForceReview bool

	// Overrides carries comment-trigger parameters threaded through to
	// ReviewCoordinator (§13 SUPPLEMENTED FEATURES).
	Overrides ReviewOverrides
}

// ReviewOverrides are per-request parameters parsed from a /review
// comment-trigger body, e.g. "/review --max-turns=20 --focus=src/auth".
type ReviewOverrides struct {
	MaxTurns       int
	SkipDescription bool
	SkipLabels     bool
	FocusPaths     []string
}
