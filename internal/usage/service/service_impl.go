package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/SyncHire/sync-hire-sub000/internal/clock"
	"github.com/SyncHire/sync-hire-sub000/internal/config"
	obsmetrics "github.com/SyncHire/sync-hire-sub000/internal/observability/metrics"
	"github.com/SyncHire/sync-hire-sub000/internal/tasks"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultCacheTTLBuffer = 24 * time.Hour
	ledgerMergeTimeout    = 10 * time.Second
)

type ServiceParam struct {
	fx.In

	Log     *zap.Logger
	Config  config.Config
	Clock   clock.Clock
	Ledger  usagedomain.Repository
	Cache   usagedomain.Cache   `optional:"true"`
	Runner  *tasks.Runner       `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	clock   clock.Clock
	ledger  usagedomain.Repository
	cache   usagedomain.Cache
	runner  *tasks.Runner
	metrics *obsmetrics.Metrics

	ttlBuffer time.Duration
}

func NewService(p ServiceParam) usagedomain.Service {
	buffer := p.Config.Usage.CacheTTLBuffer
	if buffer <= 0 {
		buffer = defaultCacheTTLBuffer
	}
	return &Service{
		log:       p.Log.Named("usage.service"),
		clock:     p.Clock,
		ledger:    p.Ledger,
		cache:     p.Cache,
		runner:    p.Runner,
		metrics:   p.Metrics,
		ttlBuffer: buffer,
	}
}

func (s *Service) CurrentPeriod() usagedomain.Period {
	return usagedomain.PeriodFor(s.clock.Now())
}

// GetCurrentUsage reads the cached counter, falling back to the ledger on a
// miss or cache error. A ledger read repopulates the cache.
func (s *Service) GetCurrentUsage(ctx context.Context, orgID string, period usagedomain.Period) (int64, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return 0, usagedomain.ErrInvalidOrganization
	}

	if s.cache != nil {
		v, found, err := s.cache.Get(ctx, orgID, period.Key)
		switch {
		case err != nil:
			s.cacheFailed("get", orgID, err)
		case found:
			return v, nil
		}
	}

	total, err := s.ledgerTotal(ctx, orgID, period)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		if _, err := s.cache.SetIfAbsent(ctx, orgID, period.Key, total, period.CacheExpiry(s.ttlBuffer)); err != nil {
			s.cacheFailed("set", orgID, err)
		}
	}
	return total, nil
}

// Increment adds weightedCount to the period. With a cache the counter is
// bumped there and the ledger merge runs in the background; without one, or
// when the cache fails, the ledger is updated before returning.
func (s *Service) Increment(ctx context.Context, orgID string, period usagedomain.Period, endpoint usagedomain.Endpoint, weightedCount int64) (int64, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return 0, usagedomain.ErrInvalidOrganization
	}
	if _, ok := usagedomain.LookupEndpoint(endpoint); !ok {
		return 0, fmt.Errorf("%w: %s", usagedomain.ErrUnknownEndpoint, endpoint)
	}
	if weightedCount <= 0 {
		return 0, usagedomain.ErrInvalidCount
	}

	if s.cache != nil {
		total, err := s.incrementCached(ctx, orgID, period, weightedCount)
		if err == nil {
			s.mergeAsync(orgID, period, endpoint, weightedCount)
			s.recorded(orgID, period, endpoint, weightedCount, total, "cache")
			return total, nil
		}
		s.cacheFailed("incr", orgID, err)
	}

	rec, err := s.ledger.Merge(ctx, orgID, period.Key, endpoint, weightedCount)
	if err != nil {
		return 0, fmt.Errorf("merge usage ledger: %w", err)
	}
	s.recorded(orgID, period, endpoint, weightedCount, rec.UsageCount, "ledger")
	return rec.UsageCount, nil
}

func (s *Service) incrementCached(ctx context.Context, orgID string, period usagedomain.Period, amount int64) (int64, error) {
	total, ok, err := s.cache.IncrIfPresent(ctx, orgID, period.Key, amount)
	if err != nil || ok {
		return total, err
	}

	// seed from the ledger so the cached counter never starts below it
	base, err := s.ledgerTotal(ctx, orgID, period)
	if err != nil {
		return 0, err
	}
	set, err := s.cache.SetIfAbsent(ctx, orgID, period.Key, base+amount, period.CacheExpiry(s.ttlBuffer))
	if err != nil {
		return 0, err
	}
	if set {
		return base + amount, nil
	}

	total, ok, err = s.cache.IncrIfPresent(ctx, orgID, period.Key, amount)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("usage counter for %s/%s vanished during seed", orgID, period.Key)
	}
	return total, nil
}

// mergeAsync writes the increment to the ledger off the caller's path. If
// the runner cannot take the work it is merged synchronously instead. The
// merge outlives runner cancellation since the cache already counted it.
func (s *Service) mergeAsync(orgID string, period usagedomain.Period, endpoint usagedomain.Endpoint, amount int64) {
	merge := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerMergeTimeout)
		defer cancel()

		_, err := s.ledger.Merge(ctx, orgID, period.Key, endpoint, amount)
		if err != nil {
			s.log.Error("usage ledger merge failed",
				zap.String("org_id", orgID),
				zap.String("period", period.Key),
				zap.String("endpoint", string(endpoint)),
				zap.Int64("amount", amount),
				zap.Error(err),
			)
		}
		return err
	}

	if s.runner != nil {
		_, err := s.runner.Go(tasks.KindUsageMerge, orgID, merge)
		if err == nil {
			return
		}
		s.log.Warn("usage merge not scheduled, merging inline", zap.String("org_id", orgID), zap.Error(err))
	}
	s.metrics.IncUsageSyncMerge()
	_ = merge(context.Background())
}

func (s *Service) TrackUsage(ctx context.Context, orgID string, endpoint usagedomain.Endpoint, callCount int64) (int64, error) {
	amount, err := usagedomain.WeightedCount(endpoint, callCount)
	if err != nil {
		return 0, err
	}
	return s.Increment(ctx, orgID, s.CurrentPeriod(), endpoint, amount)
}

// Summary reports the ledger view of a period. The total is taken from the
// cache when it is ahead of pending ledger merges.
func (s *Service) Summary(ctx context.Context, orgID string, period usagedomain.Period) (*usagedomain.Summary, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, usagedomain.ErrInvalidOrganization
	}

	rec, err := s.ledger.Get(ctx, orgID, period.Key)
	if err != nil {
		return nil, err
	}
	summary := &usagedomain.Summary{
		OrgID:     orgID,
		PeriodKey: period.Key,
		Breakdown: map[string]int64{},
		ResetAt:   period.ResetAt(),
	}
	if rec != nil {
		summary.TotalUsage = rec.UsageCount
		summary.Breakdown = rec.Breakdown()
	}

	current, err := s.GetCurrentUsage(ctx, orgID, period)
	if err == nil && current > summary.TotalUsage {
		summary.TotalUsage = current
	}
	return summary, nil
}

func (s *Service) ledgerTotal(ctx context.Context, orgID string, period usagedomain.Period) (int64, error) {
	rec, err := s.ledger.Get(ctx, orgID, period.Key)
	if err != nil {
		return 0, fmt.Errorf("read usage ledger: %w", err)
	}
	if rec == nil {
		return 0, nil
	}
	return rec.UsageCount, nil
}

func (s *Service) cacheFailed(op, orgID string, err error) {
	s.metrics.IncUsageCacheError(op)
	s.log.Warn("usage cache unavailable, using ledger",
		zap.String("op", op),
		zap.String("org_id", orgID),
		zap.Error(err),
	)
}

func (s *Service) recorded(orgID string, period usagedomain.Period, endpoint usagedomain.Endpoint, amount, total int64, via string) {
	s.metrics.AddUsageUnits(string(endpoint), amount)
	s.log.Info("ai usage recorded",
		zap.String("org_id", orgID),
		zap.String("period", period.Key),
		zap.String("endpoint", string(endpoint)),
		zap.Int64("amount", amount),
		zap.Int64("total", total),
		zap.String("via", via),
	)
}
