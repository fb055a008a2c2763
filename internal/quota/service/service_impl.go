package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/SyncHire/sync-hire-sub000/internal/cache"
	"github.com/SyncHire/sync-hire-sub000/internal/config"
	obsmetrics "github.com/SyncHire/sync-hire-sub000/internal/observability/metrics"
	"github.com/SyncHire/sync-hire-sub000/internal/observability/tracing"
	quotadomain "github.com/SyncHire/sync-hire-sub000/internal/quota/domain"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	quotaCacheTTL = 30 * time.Second
	holdTTL       = 15 * time.Minute
)

type ServiceParam struct {
	fx.In

	Log     *zap.Logger
	Repo    quotadomain.Repository
	Usage   usagedomain.Service
	Quotas  *config.QuotaConfigHolder
	Redis   *redis.Client       `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	repo    quotadomain.Repository
	usage   usagedomain.Service
	quotas  *config.QuotaConfigHolder
	metrics *obsmetrics.Metrics

	redis         *redis.Client
	holdScript    *redis.Script
	releaseScript *redis.Script

	quotaCache cache.Cache[string, quotadomain.TenantQuota]
}

func NewService(p ServiceParam) quotadomain.Service {
	return &Service{
		log:           p.Log.Named("quota.service"),
		repo:          p.Repo,
		usage:         p.Usage,
		quotas:        p.Quotas,
		metrics:       p.Metrics,
		redis:         p.Redis,
		holdScript:    redis.NewScript(holdScript),
		releaseScript: redis.NewScript(releaseScript),
		quotaCache:    cache.NewTTLCache[string, quotadomain.TenantQuota](),
	}
}

// GetQuota returns the organization's quota, creating it with the default
// tier on first use.
func (s *Service) GetQuota(ctx context.Context, orgID string) (*quotadomain.TenantQuota, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, quotadomain.ErrInvalidOrganization
	}
	if q, ok := s.quotaCache.Get(orgID); ok {
		return &q, nil
	}

	cfg := s.quotas.Get()
	q, err := s.repo.FindOrCreate(ctx, orgID, s.defaultsFor(quotadomain.Tier(cfg.DefaultTier)))
	if err != nil {
		return nil, fmt.Errorf("load tenant quota: %w", err)
	}
	s.quotaCache.Set(orgID, *q, quotaCacheTTL)
	return q, nil
}

func (s *Service) CheckQuota(ctx context.Context, orgID string) (*quotadomain.Status, error) {
	ctx, span := tracing.Start(ctx, "synchire/quota", "quota.check", attribute.String("org_id", orgID))
	defer span.End()

	q, err := s.GetQuota(ctx, orgID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	period := s.usage.CurrentPeriod()
	current, err := s.usage.GetCurrentUsage(ctx, q.OrgID, period)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read current usage: %w", err)
	}

	decision := quotadomain.Evaluate(*q, current)
	status := &quotadomain.Status{
		Allowed:          decision.Allowed,
		CurrentUsage:     current,
		Remaining:        decision.Remaining,
		Tier:             q.Tier,
		WarningThreshold: decision.Warning,
		PeriodKey:        period.Key,
		ResetDate:        period.ResetAt(),
	}
	if !q.Unlimited() {
		status.Limit = q.MonthlyLimit
	}
	span.SetAttributes(attribute.Bool("quota.allowed", status.Allowed), attribute.Int64("quota.usage", current))
	return status, nil
}

func (s *Service) WithQuota(ctx context.Context, orgID string, endpoint usagedomain.Endpoint, opts quotadomain.CheckOptions) *quotadomain.Denial {
	status, err := s.CheckQuota(ctx, orgID)
	if err != nil {
		s.failOpen(orgID, endpoint, err)
		return nil
	}

	if !status.Allowed {
		return s.deny(orgID, endpoint, status, 0, "monthly AI quota exhausted")
	}

	if opts.EstimatedCount > 0 && status.Remaining != nil {
		units := s.weighted(endpoint, opts.EstimatedCount)
		if units > *status.Remaining {
			return s.deny(orgID, endpoint, status, units, "estimated usage exceeds remaining quota")
		}
	}

	s.allowed(orgID, endpoint, status)
	return nil
}

func (s *Service) SetTier(ctx context.Context, orgID string, tier quotadomain.Tier) (*quotadomain.TenantQuota, error) {
	tier, err := quotadomain.ParseTier(string(tier))
	if err != nil {
		return nil, err
	}
	q, err := s.GetQuota(ctx, orgID)
	if err != nil {
		return nil, err
	}

	defaults := s.defaultsFor(tier)
	q.Tier = tier
	q.MonthlyLimit = defaults.MonthlyLimit
	q.WarningThresholdPercent = defaults.WarningThresholdPercent
	if err := s.repo.Save(ctx, q); err != nil {
		return nil, fmt.Errorf("save tenant quota: %w", err)
	}
	s.quotaCache.Delete(q.OrgID)

	s.log.Info("quota tier changed", zap.String("org_id", q.OrgID), zap.String("tier", string(tier)))
	return q, nil
}

// defaultsFor resolves a tier's budget from the quota config, falling back
// to the built-in table for tiers the config file leaves out.
func (s *Service) defaultsFor(tier quotadomain.Tier) quotadomain.TenantQuota {
	limits, ok := s.quotas.Get().Lookup(string(tier))
	if !ok {
		limits, ok = config.DefaultQuotaConfig().Lookup(string(tier))
	}
	if !ok {
		tier = quotadomain.TierFree
		limits, _ = config.DefaultQuotaConfig().Lookup(string(tier))
	}

	q := quotadomain.TenantQuota{
		Tier:                    quotadomain.Tier(strings.ToUpper(limits.Tier)),
		WarningThresholdPercent: limits.WarningThresholdPercent,
	}
	if limits.MonthlyLimit != nil && q.Tier != quotadomain.TierEnterprise {
		v := *limits.MonthlyLimit
		q.MonthlyLimit = &v
	}
	return q
}

// weighted converts an estimate into units. An estimate too large to weigh
// saturates so it can never fit the remaining budget.
func (s *Service) weighted(endpoint usagedomain.Endpoint, count int64) int64 {
	units, err := usagedomain.WeightedCount(endpoint, count)
	switch {
	case errors.Is(err, usagedomain.ErrInvalidCount):
		return math.MaxInt64
	case err != nil:
		return count
	}
	return units
}

func (s *Service) deny(orgID string, endpoint usagedomain.Endpoint, status *quotadomain.Status, estimate int64, msg string) *quotadomain.Denial {
	s.metrics.RecordQuotaDecision(string(status.Tier), obsmetrics.QuotaResultDenied)
	s.log.Warn("ai quota exceeded",
		zap.String("org_id", orgID),
		zap.String("endpoint", string(endpoint)),
		zap.String("tier", string(status.Tier)),
		zap.Int64("usage", status.CurrentUsage),
		zap.Int64("estimated", estimate),
	)
	return &quotadomain.Denial{
		Code:           quotadomain.CodeQuotaExceeded,
		Message:        msg,
		Tier:           status.Tier,
		CurrentUsage:   status.CurrentUsage,
		Limit:          status.Limit,
		PeriodKey:      status.PeriodKey,
		ResetDate:      status.ResetDate,
		Endpoint:       endpoint,
		EstimatedCount: estimate,
	}
}

func (s *Service) allowed(orgID string, endpoint usagedomain.Endpoint, status *quotadomain.Status) {
	if status.WarningThreshold {
		s.metrics.RecordQuotaDecision(string(status.Tier), obsmetrics.QuotaResultWarning)
		s.log.Warn("ai quota warning threshold reached",
			zap.String("org_id", orgID),
			zap.String("endpoint", string(endpoint)),
			zap.String("tier", string(status.Tier)),
			zap.Int64("usage", status.CurrentUsage),
		)
		return
	}
	s.metrics.RecordQuotaDecision(string(status.Tier), obsmetrics.QuotaResultAllowed)
}

func (s *Service) failOpen(orgID string, endpoint usagedomain.Endpoint, err error) {
	s.metrics.RecordQuotaDecision("", obsmetrics.QuotaResultFailOpen)
	s.log.Warn("quota check failed, allowing request",
		zap.String("org_id", orgID),
		zap.String("endpoint", string(endpoint)),
		zap.Error(err),
	)
}
