package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	quotadomain "github.com/SyncHire/sync-hire-sub000/internal/quota/domain"
	usagecache "github.com/SyncHire/sync-hire-sub000/internal/usage/cache"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
	"go.uber.org/zap"
)

// holdScript admits a hold only when committed usage plus outstanding holds
// plus the request still fits the limit. ARGV[1] is the ledger total used
// when the usage counter is not cached.
const holdScript = `
local used = tonumber(redis.call("GET", KEYS[1]) or ARGV[1])
local held = tonumber(redis.call("GET", KEYS[2]) or "0")
local want = tonumber(ARGV[3])
if used + held + want > tonumber(ARGV[2]) then
  return {0, used, held}
end
local total = redis.call("INCRBY", KEYS[2], want)
redis.call("EXPIRE", KEYS[2], ARGV[4])
return {1, used, total}
`

const releaseScript = `
local v = redis.call("DECRBY", KEYS[1], ARGV[1])
if v <= 0 then
  redis.call("DEL", KEYS[1])
end
return v
`

// HeldKey is the Redis key of an organization's outstanding holds.
func HeldKey(orgID, periodKey string) string {
	return fmt.Sprintf("synchire:quota:held:%s:%s", orgID, periodKey)
}

func (s *Service) Reserve(ctx context.Context, orgID string, endpoint usagedomain.Endpoint, estimatedCount int64) (quotadomain.Reservation, *quotadomain.Denial, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, nil, quotadomain.ErrInvalidOrganization
	}
	if estimatedCount <= 0 {
		return nil, nil, quotadomain.ErrInvalidEstimate
	}
	units, err := usagedomain.WeightedCount(endpoint, estimatedCount)
	if err != nil {
		return nil, nil, err
	}

	status, err := s.CheckQuota(ctx, orgID)
	if err != nil {
		s.failOpen(orgID, endpoint, err)
		return s.advisory(orgID, endpoint), nil, nil
	}
	if !status.Allowed {
		return nil, s.deny(orgID, endpoint, status, units, "monthly AI quota exhausted"), nil
	}
	if status.Limit == nil {
		s.allowed(orgID, endpoint, status)
		return s.advisory(orgID, endpoint), nil, nil
	}

	if s.redis == nil {
		if units > *status.Remaining {
			return nil, s.deny(orgID, endpoint, status, units, "estimated usage exceeds remaining quota"), nil
		}
		s.allowed(orgID, endpoint, status)
		return s.advisory(orgID, endpoint), nil, nil
	}

	keys := []string{usagecache.UsageKey(orgID, status.PeriodKey), HeldKey(orgID, status.PeriodKey)}
	res, err := s.holdScript.Run(ctx, s.redis, keys,
		status.CurrentUsage, *status.Limit, units, int64(holdTTL.Seconds())).Int64Slice()
	if err == nil && len(res) != 3 {
		err = errors.New("invalid quota hold script response")
	}
	if err != nil {
		s.failOpen(orgID, endpoint, err)
		return s.advisory(orgID, endpoint), nil, nil
	}
	if res[0] == 0 {
		denied := *status
		denied.CurrentUsage = res[1]
		return nil, s.deny(orgID, endpoint, &denied, units, "estimated usage exceeds remaining quota"), nil
	}

	s.allowed(orgID, endpoint, status)
	return &reservation{
		svc:       s,
		orgID:     orgID,
		endpoint:  endpoint,
		periodKey: status.PeriodKey,
		held:      units,
	}, nil, nil
}

// advisory returns a reservation that only tracks usage on commit.
func (s *Service) advisory(orgID string, endpoint usagedomain.Endpoint) *reservation {
	return &reservation{svc: s, orgID: orgID, endpoint: endpoint}
}

type reservation struct {
	svc       *Service
	orgID     string
	endpoint  usagedomain.Endpoint
	periodKey string
	held      int64

	once sync.Once
}

func (r *reservation) Commit(ctx context.Context, callCount int64) error {
	var err error
	r.once.Do(func() {
		if callCount > 0 {
			_, err = r.svc.usage.TrackUsage(ctx, r.orgID, r.endpoint, callCount)
		}
		r.release(ctx)
	})
	return err
}

func (r *reservation) Release(ctx context.Context) {
	r.once.Do(func() { r.release(ctx) })
}

func (r *reservation) release(ctx context.Context) {
	if r.held <= 0 || r.svc.redis == nil {
		return
	}
	key := HeldKey(r.orgID, r.periodKey)
	if err := r.svc.releaseScript.Run(context.WithoutCancel(ctx), r.svc.redis, []string{key}, r.held).Err(); err != nil {
		r.svc.log.Warn("quota hold release failed",
			zap.String("org_id", r.orgID),
			zap.String("endpoint", string(r.endpoint)),
			zap.Int64("units", r.held),
			zap.Error(err),
		)
	}
}
