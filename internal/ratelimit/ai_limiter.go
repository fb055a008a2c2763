package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/SyncHire/sync-hire-sub000/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyAIOrg      = "synchire:ratelimit:ai:%s"
	keyTriggerJob = "synchire:lock:matching:%s"

	triggerLockTTL = 30 * time.Second
)

// AILimiter throttles AI-backed requests per organization and serializes
// matching triggers per job. A nil limiter allows everything.
type AILimiter struct {
	bucket *TokenBucket
	locker *Locker

	rate  float64
	burst int
}

func NewAILimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *AILimiter {
	if !cfg.AI.RateLimitEnabled {
		return nil
	}
	if client == nil {
		log.Warn("ai rate limit enabled without redis, requests are not throttled")
		return nil
	}
	if cfg.AI.RatePerSecond <= 0 || cfg.AI.RateBurst <= 0 {
		log.Warn("ai rate limit disabled, rate and burst must be positive",
			zap.Float64("rate", cfg.AI.RatePerSecond),
			zap.Int("burst", cfg.AI.RateBurst),
		)
		return nil
	}
	return &AILimiter{
		bucket: NewTokenBucket(client),
		locker: NewLocker(client),
		rate:   cfg.AI.RatePerSecond,
		burst:  cfg.AI.RateBurst,
	}
}

func (l *AILimiter) Enabled() bool {
	return l != nil
}

func (l *AILimiter) AllowOrg(ctx context.Context, orgID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyAIOrg, strings.TrimSpace(orgID)), l.rate, l.burst)
}

// LockTrigger keeps concurrent trigger requests for one job from holding
// quota twice. It returns a nil lease when the limiter is disabled.
func (l *AILimiter) LockTrigger(ctx context.Context, jobID string) (*Lease, error) {
	if !l.Enabled() {
		return nil, nil
	}
	return l.locker.Acquire(ctx, fmt.Sprintf(keyTriggerJob, strings.TrimSpace(jobID)), triggerLockTTL)
}
