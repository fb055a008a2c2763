package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/SyncHire/sync-hire-sub000/internal/authorization"
	"github.com/SyncHire/sync-hire-sub000/internal/config"
	matchingdomain "github.com/SyncHire/sync-hire-sub000/internal/matching/domain"
	obslogger "github.com/SyncHire/sync-hire-sub000/internal/observability/logger"
	obsmetrics "github.com/SyncHire/sync-hire-sub000/internal/observability/metrics"
	obstracing "github.com/SyncHire/sync-hire-sub000/internal/observability/tracing"
	quotadomain "github.com/SyncHire/sync-hire-sub000/internal/quota/domain"
	"github.com/SyncHire/sync-hire-sub000/internal/ratelimit"
	"github.com/SyncHire/sync-hire-sub000/internal/tasks"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(m *obsmetrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(m.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, m *obsmetrics.Metrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(m)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	authzSvc    authorization.Service
	quotaSvc    quotadomain.Service
	usageSvc    usagedomain.Service
	matchingSvc matchingdomain.Service
	runner      *tasks.Runner
	aiLimiter   *ratelimit.AILimiter
	obsMetrics  *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	AuthzSvc    authorization.Service
	QuotaSvc    quotadomain.Service
	UsageSvc    usagedomain.Service
	MatchingSvc matchingdomain.Service
	Runner      *tasks.Runner
	AILimiter   *ratelimit.AILimiter `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics  `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		authzSvc:    p.AuthzSvc,
		quotaSvc:    p.QuotaSvc,
		usageSvc:    p.UsageSvc,
		matchingSvc: p.MatchingSvc,
		runner:      p.Runner,
		aiLimiter:   p.AILimiter,
		obsMetrics:  p.ObsMetrics,
	}
	svc.registerAPIRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")
	api.Use(s.Identity())

	// -------- Quota & usage --------
	api.GET("/quota", s.authorizeOrgAction(authorization.ObjectQuota, authorization.ActionQuotaView), s.GetQuota)
	api.POST("/quota/check", s.authorizeOrgAction(authorization.ObjectQuota, authorization.ActionQuotaView), s.CheckQuota)
	api.PUT("/quota/tier", s.authorizeOrgAction(authorization.ObjectQuota, authorization.ActionQuotaManage), s.SetQuotaTier)
	api.GET("/usage", s.authorizeOrgAction(authorization.ObjectUsage, authorization.ActionUsageView), s.GetUsageSummary)
	api.POST("/usage/track", s.authorizeOrgAction(authorization.ObjectUsage, authorization.ActionUsageTrack), s.TrackUsage)

	// -------- Jobs & matching --------
	api.POST("/jobs", s.authorizeOrgAction(authorization.ObjectJob, authorization.ActionJobCreate), s.AIRateLimit(), s.CreateJob)
	api.GET("/jobs/:id", s.authorizeOrgAction(authorization.ObjectJob, authorization.ActionJobView), s.GetJob)
	api.PUT("/jobs/:id/matching", s.authorizeOrgAction(authorization.ObjectJob, authorization.ActionJobManage), s.AIRateLimit(), s.UpdateMatchingSettings)
	api.POST("/jobs/:id/matching", s.authorizeOrgAction(authorization.ObjectJob, authorization.ActionJobMatch), s.AIRateLimit(), s.TriggerMatching)
	api.GET("/jobs/:id/applications", s.authorizeOrgAction(authorization.ObjectApplication, authorization.ActionApplicationView), s.ListJobApplications)

	// -------- Candidates & applications --------
	api.POST("/candidate-profiles", s.authorizeOrgAction(authorization.ObjectProfile, authorization.ActionProfileCreate), s.CreateCandidateProfile)
	api.GET("/applications/:id", s.authorizeOrgAction(authorization.ObjectApplication, authorization.ActionApplicationView), s.GetApplication)
	api.POST("/applications/:id/retry",
		s.authorizeOrgAction(authorization.ObjectApplication, authorization.ActionApplicationManage),
		s.AIRateLimit(),
		s.QuotaGate(usagedomain.EndpointQuestionsGenerate),
		s.RetryQuestionGeneration,
	)
	api.POST("/applications/:id/complete", s.authorizeOrgAction(authorization.ObjectApplication, authorization.ActionApplicationManage), s.CompleteApplication)

	// -------- Operations --------
	api.GET("/tasks", s.authorizeOrgAction(authorization.ObjectTask, authorization.ActionTaskView), s.ListTasks)
	api.PUT("/members/:userId", s.authorizeOrgAction(authorization.ObjectMember, authorization.ActionMemberManage), s.SetMember)
}
