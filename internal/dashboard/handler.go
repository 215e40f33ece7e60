package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/reviewbot/reviewbot/internal/dashstore"
	"github.com/reviewbot/reviewbot/internal/model"
	"github.com/reviewbot/reviewbot/internal/ratelimit"
	"github.com/reviewbot/reviewbot/internal/state"
	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
)

const defaultRecentLimit = 100

// handler serves the read-only dashboard API over StateStore, the
// dashstore mirror, and RateLimitGuard. It never mutates any of them.
type handler struct {
	state *state.StateStore
	audit *dashstore.Store
	guard *ratelimit.Guard
}

// prSummary is the JSON shape returned for one tracked PR, trimmed to
// what the dashboard needs rather than the full internal PRState.
type prSummary struct {
	Owner             string `json:"owner"`
	Repo              string `json:"repo"`
	Number            int    `json:"number"`
	Status            string `json:"status"`
	Title             string `json:"title"`
	LastReviewedSHA   string `json:"lastReviewedSha,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors"`
	ReviewCount       int    `json:"reviewCount"`
}

func toSummary(p *model.PRState) prSummary {
	return prSummary{
		Owner:             p.Owner,
		Repo:              p.Repo,
		Number:            p.Number,
		Status:            string(p.Status),
		Title:             p.Title,
		LastReviewedSHA:   p.LastReviewedSHA,
		ConsecutiveErrors: p.ConsecutiveErrors,
		ReviewCount:       len(p.Reviews),
	}
}

// listPullRequests handles GET /api/v1/prs.
func (h *handler) listPullRequests(c *gin.Context) {
	entries := h.state.GetAll()
	out := make([]prSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, toSummary(e))
	}
	c.JSON(http.StatusOK, gin.H{"prs": out})
}

// getPullRequest handles GET /api/v1/prs/:owner/:repo/:number.
func (h *handler) getPullRequest(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": apperrors.ErrCodeValidation, "message": "invalid PR number"})
		return
	}

	key := model.CanonicalKey(c.Param("owner"), c.Param("repo"), number)
	entry, ok := h.state.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": apperrors.ErrCodeNotFound, "message": "PR not tracked"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// statusCounts handles GET /api/v1/status-counts.
func (h *handler) statusCounts(c *gin.Context) {
	c.JSON(http.StatusOK, h.state.GetStatusCounts())
}

// rateLimitStatus handles GET /api/v1/rate-limit.
func (h *handler) rateLimitStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.guard.Status())
}

// recentEvents handles GET /api/v1/audit?limit=&type=&key=.
func (h *handler) recentEvents(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	rows, err := h.audit.Recent(limit, c.Query("type"), c.Query("key"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": apperrors.ErrCodeDBQuery, "message": "querying audit events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}

// health handles GET /health, unauthenticated.
func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
