package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
)

// maxTrackCount bounds the calls one track request may report.
const maxTrackCount = 10_000

type trackUsageRequest struct {
	Endpoint string `json:"endpoint"`
	Count    int64  `json:"count"`
}

// GetUsageSummary returns the ledger for ?period=YYYY-MM, defaulting to the
// current month, plus the live quota status.
func (s *Server) GetUsageSummary(c *gin.Context) {
	var query struct {
		Period string `form:"period"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	period := s.usageSvc.CurrentPeriod()
	if raw := strings.TrimSpace(query.Period); raw != "" {
		parsed, err := usagedomain.ParsePeriod(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		period = parsed
	}

	ctx := c.Request.Context()
	orgID := orgIDFrom(c)
	summary, err := s.usageSvc.Summary(ctx, orgID, period)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status, err := s.quotaSvc.CheckQuota(ctx, orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"usage": summary,
		"quota": status,
	}})
}

// TrackUsage records calls made by an AI-backed service after they succeed.
func (s *Server) TrackUsage(c *gin.Context) {
	var req trackUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count > maxTrackCount {
		AbortWithError(c, usagedomain.ErrInvalidCount)
		return
	}

	endpoint := usagedomain.Endpoint(strings.TrimSpace(req.Endpoint))
	c.Set(contextAIEndpointKey, string(endpoint))
	total, err := s.usageSvc.TrackUsage(c.Request.Context(), orgIDFrom(c), endpoint, req.Count)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"endpoint":     endpoint,
		"count":        req.Count,
		"currentUsage": total,
	}})
}
