package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	obscontext "github.com/SyncHire/sync-hire-sub000/internal/observability/context"
	"github.com/SyncHire/sync-hire-sub000/internal/observability/logger"
	"github.com/SyncHire/sync-hire-sub000/internal/orgcontext"
	quotadomain "github.com/SyncHire/sync-hire-sub000/internal/quota/domain"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
)

// Identity is verified by the gateway in front of this service, which
// forwards the session's user and active organization as headers.
const (
	HeaderOrg  = "X-Org-ID"
	HeaderUser = "X-User-ID"

	contextAIEndpointKey = "ai_endpoint"
)

// Identity copies the forwarded identity into the request context.
func (s *Server) Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUser))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		orgID := strings.TrimSpace(c.GetHeader(HeaderOrg))
		if orgID == "" {
			AbortWithError(c, ErrOrgRequired)
			return
		}

		ctx := c.Request.Context()
		ctx = orgcontext.WithOrgID(ctx, orgID)
		ctx = orgcontext.WithUserID(ctx, userID)
		ctx = obscontext.WithOrgID(ctx, orgID)
		ctx = obscontext.WithActor(ctx, "user", userID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) authorizeOrgAction(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		orgID, ok := orgcontext.OrgIDFromContext(ctx)
		if !ok {
			AbortWithError(c, ErrOrgRequired)
			return
		}
		userID, ok := orgcontext.UserIDFromContext(ctx)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(ctx, "user:"+userID, orgID, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// AIRateLimit throttles AI-backed routes per organization. An unavailable
// limiter lets the request through, like the quota gate.
func (s *Server) AIRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.aiLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		orgID, _ := orgcontext.OrgIDFromContext(ctx)
		res, err := s.aiLimiter.AllowOrg(ctx, orgID)
		if err != nil {
			logger.FromContext(ctx).Warn("ai rate limit check failed, allowing request", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			s.obsMetrics.IncRateLimitDenied(routeOf(c))
			logger.FromContext(ctx).Warn("ai rate limit exceeded", zap.String("route", routeOf(c)))
			retry := int(res.RetryAfter.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retry))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

// QuotaGate rejects the request with 402 when the organization cannot afford
// one call of endpoint.
func (s *Server) QuotaGate(endpoint usagedomain.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(contextAIEndpointKey, string(endpoint))
		ctx := c.Request.Context()
		orgID, _ := orgcontext.OrgIDFromContext(ctx)
		if denial := s.quotaSvc.WithQuota(ctx, orgID, endpoint, quotadomain.CheckOptions{}); denial != nil {
			AbortWithError(c, denial)
			return
		}
		c.Next()
	}
}

func orgIDFrom(c *gin.Context) string {
	orgID, _ := orgcontext.OrgIDFromContext(c.Request.Context())
	return orgID
}

func userIDFrom(c *gin.Context) string {
	userID, _ := orgcontext.UserIDFromContext(c.Request.Context())
	return userID
}

func routeOf(c *gin.Context) string {
	route := strings.TrimSpace(c.FullPath())
	if route == "" {
		route = "unknown"
	}
	return route
}
