package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	matchingdomain "github.com/SyncHire/sync-hire-sub000/internal/matching/domain"
	"github.com/SyncHire/sync-hire-sub000/internal/observability/logger"
	"github.com/SyncHire/sync-hire-sub000/internal/ratelimit"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
	"github.com/SyncHire/sync-hire-sub000/pkg/db/pagination"
)

type createJobRequest struct {
	Title               string   `json:"title"`
	Company             string   `json:"company"`
	Location            string   `json:"location"`
	Description         string   `json:"description"`
	Requirements        []string `json:"requirements"`
	FixedQuestions      []string `json:"fixedQuestions"`
	AIMatchingEnabled   bool     `json:"aiMatchingEnabled"`
	AIMatchingThreshold *int     `json:"aiMatchingThreshold"`
}

type matchingSettingsRequest struct {
	Enabled   *bool `json:"enabled"`
	Threshold *int  `json:"threshold"`
}

func (s *Server) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	c.Set(contextAIEndpointKey, string(usagedomain.EndpointJobsCreate))
	job, trigger, err := s.matchingSvc.CreateJob(c.Request.Context(), orgIDFrom(c), "user:"+userIDFrom(c), matchingdomain.CreateJobRequest{
		Title:               strings.TrimSpace(req.Title),
		Company:             strings.TrimSpace(req.Company),
		Location:            strings.TrimSpace(req.Location),
		Description:         strings.TrimSpace(req.Description),
		Requirements:        req.Requirements,
		FixedQuestions:      req.FixedQuestions,
		AIMatchingEnabled:   req.AIMatchingEnabled,
		AIMatchingThreshold: req.AIMatchingThreshold,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{
		"job":      job,
		"matching": trigger,
	}})
}

func (s *Server) GetJob(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	job, err := s.matchingSvc.GetJob(c.Request.Context(), orgIDFrom(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (s *Server) UpdateMatchingSettings(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req matchingSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		AbortWithError(c, newValidationError("enabled", "invalid_enabled", "enabled is required"))
		return
	}

	ctx := c.Request.Context()
	if *req.Enabled {
		c.Set(contextAIEndpointKey, string(usagedomain.EndpointJobsMatch))
		lease, ok := s.lockTrigger(c, id.String())
		if !ok {
			return
		}
		defer releaseLease(c, lease)
	}

	job, trigger, err := s.matchingSvc.SetMatchingSettings(ctx, orgIDFrom(c), id, matchingdomain.MatchingSettingsRequest{
		Enabled:   *req.Enabled,
		Threshold: req.Threshold,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"job":      job,
		"matching": trigger,
	}})
}

// TriggerMatching starts a matching run and answers 202 without waiting for
// it.
func (s *Server) TriggerMatching(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(contextAIEndpointKey, string(usagedomain.EndpointJobsMatch))
	ctx := c.Request.Context()
	lease, ok := s.lockTrigger(c, id.String())
	if !ok {
		return
	}
	defer releaseLease(c, lease)

	result, err := s.matchingSvc.TriggerMatching(ctx, orgIDFrom(c), id, usagedomain.EndpointJobsMatch)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": result})
}

func (s *Server) ListJobApplications(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query struct {
		pagination.Pagination
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var status matchingdomain.ApplicationStatus
	if raw := strings.TrimSpace(query.Status); raw != "" {
		parsed, err := matchingdomain.ParseApplicationStatus(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		status = parsed
	}

	resp, err := s.matchingSvc.ListApplications(c.Request.Context(), orgIDFrom(c), matchingdomain.ListApplicationsRequest{
		JobID:      id,
		Status:     status,
		Pagination: query.Pagination,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Applications,
		"page_info": resp.PageInfo,
	})
}

// lockTrigger aborts with 409 while another trigger for the job is in
// flight. A lock backend failure lets the request through.
func (s *Server) lockTrigger(c *gin.Context, jobID string) (*ratelimit.Lease, bool) {
	lease, err := s.aiLimiter.LockTrigger(c.Request.Context(), jobID)
	switch {
	case err == nil:
		return lease, true
	case errors.Is(err, ratelimit.ErrLocked):
		AbortWithError(c, err)
		return nil, false
	default:
		logger.FromContext(c.Request.Context()).Warn("matching trigger lock unavailable, continuing", zap.Error(err))
		return nil, true
	}
}

func releaseLease(c *gin.Context, lease *ratelimit.Lease) {
	if err := lease.Release(c.Request.Context()); err != nil {
		logger.FromContext(c.Request.Context()).Warn("failed to release matching trigger lock", zap.Error(err))
	}
}
