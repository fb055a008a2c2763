package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	matchingdomain "github.com/SyncHire/sync-hire-sub000/internal/matching/domain"
)

type createProfileRequest struct {
	CandidateID string         `json:"candidateId"`
	Name        string         `json:"name"`
	Data        map[string]any `json:"data"`
}

func (s *Server) CreateCandidateProfile(c *gin.Context) {
	var req createProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	candidateID := strings.TrimSpace(req.CandidateID)
	if candidateID == "" {
		candidateID = userIDFrom(c)
	}

	profile, err := s.matchingSvc.CreateProfile(c.Request.Context(), matchingdomain.CreateProfileRequest{
		CandidateID: candidateID,
		Name:        strings.TrimSpace(req.Name),
		Data:        req.Data,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": profile})
}

func (s *Server) GetApplication(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	detail, err := s.matchingSvc.GetApplication(c.Request.Context(), orgIDFrom(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": detail})
}

// RetryQuestionGeneration restarts generation for a FAILED application. The
// route is gated on questions/generate.
func (s *Server) RetryQuestionGeneration(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	app, err := s.matchingSvc.RetryQuestionGeneration(c.Request.Context(), orgIDFrom(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": app})
}

func (s *Server) CompleteApplication(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	app, err := s.matchingSvc.CompleteApplication(c.Request.Context(), orgIDFrom(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": app})
}
