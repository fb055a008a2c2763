package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	quotadomain "github.com/SyncHire/sync-hire-sub000/internal/quota/domain"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
)

type checkQuotaRequest struct {
	Endpoint       string `json:"endpoint"`
	EstimatedCount int64  `json:"estimatedCount"`
}

type setTierRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) GetQuota(c *gin.Context) {
	status, err := s.quotaSvc.CheckQuota(c.Request.Context(), orgIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

// CheckQuota lets an AI-backed caller ask before spending. A denial renders
// as 402 with the quota details.
func (s *Server) CheckQuota(c *gin.Context) {
	var req checkQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	endpoint := usagedomain.Endpoint(strings.TrimSpace(req.Endpoint))
	if _, ok := usagedomain.LookupEndpoint(endpoint); !ok {
		AbortWithError(c, newValidationError("endpoint", "invalid_endpoint", "unknown endpoint"))
		return
	}
	if req.EstimatedCount < 0 {
		AbortWithError(c, newValidationError("estimatedCount", "invalid_estimate", "estimatedCount must not be negative"))
		return
	}

	c.Set(contextAIEndpointKey, string(endpoint))
	ctx := c.Request.Context()
	orgID := orgIDFrom(c)
	if denial := s.quotaSvc.WithQuota(ctx, orgID, endpoint, quotadomain.CheckOptions{EstimatedCount: req.EstimatedCount}); denial != nil {
		AbortWithError(c, denial)
		return
	}

	status, err := s.quotaSvc.CheckQuota(ctx, orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) SetQuotaTier(c *gin.Context) {
	var req setTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tier, err := quotadomain.ParseTier(req.Tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	quota, err := s.quotaSvc.SetTier(c.Request.Context(), orgIDFrom(c), tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"organizationId":          quota.OrgID,
		"tier":                    quota.Tier,
		"monthlyLimit":            quota.MonthlyLimit,
		"warningThresholdPercent": quota.WarningThresholdPercent,
		"updatedAt":               quota.UpdatedAt,
	}})
}
