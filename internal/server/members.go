package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/SyncHire/sync-hire-sub000/internal/authorization"
)

type setMemberRequest struct {
	Role string `json:"role"`
}

func (s *Server) SetMember(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	if userID == "" {
		AbortWithError(c, newValidationError("userId", "invalid_user", "userId is required"))
		return
	}

	var req setMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	role, err := authorization.ParseRole(strings.ToLower(strings.TrimSpace(req.Role)))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	orgID := orgIDFrom(c)
	if err := s.authzSvc.SetMember(c.Request.Context(), orgID, userID, role); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"organizationId": orgID,
		"userId":         userID,
		"role":           role,
	}})
}
