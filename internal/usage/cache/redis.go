package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
	redis "github.com/redis/go-redis/v9"
)

const incrIfPresentScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return {1, redis.call("INCRBY", KEYS[1], ARGV[1])}
end
return {0, 0}
`

const setIfAbsentScript = `
if redis.call("SET", KEYS[1], ARGV[1], "NX") then
  redis.call("EXPIREAT", KEYS[1], ARGV[2])
  return 1
end
return 0
`

// UsageKey is the Redis key of an organization's period counter.
func UsageKey(orgID, periodKey string) string {
	return fmt.Sprintf("synchire:usage:%s:%s", orgID, periodKey)
}

type redisCache struct {
	client     *redis.Client
	incrScript *redis.Script
	seedScript *redis.Script
}

// NewRedisCache returns nil when client is nil so the usage service runs
// in ledger-only mode.
func NewRedisCache(client *redis.Client) usagedomain.Cache {
	if client == nil {
		return nil
	}
	return &redisCache{
		client:     client,
		incrScript: redis.NewScript(incrIfPresentScript),
		seedScript: redis.NewScript(setIfAbsentScript),
	}
}

func (c *redisCache) Get(ctx context.Context, orgID, periodKey string) (int64, bool, error) {
	v, err := c.client.Get(ctx, UsageKey(orgID, periodKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (c *redisCache) SetIfAbsent(ctx context.Context, orgID, periodKey string, value int64, expireAt time.Time) (bool, error) {
	n, err := c.seedScript.Run(ctx, c.client, []string{UsageKey(orgID, periodKey)}, value, expireAt.Unix()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *redisCache) IncrIfPresent(ctx context.Context, orgID, periodKey string, amount int64) (int64, bool, error) {
	res, err := c.incrScript.Run(ctx, c.client, []string{UsageKey(orgID, periodKey)}, amount).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, errors.New("invalid usage increment script response")
	}
	return res[1], res[0] == 1, nil
}
