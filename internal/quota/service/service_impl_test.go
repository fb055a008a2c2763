package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/SyncHire/sync-hire-sub000/internal/clock"
	"github.com/SyncHire/sync-hire-sub000/internal/config"
	quotadomain "github.com/SyncHire/sync-hire-sub000/internal/quota/domain"
	quotarepo "github.com/SyncHire/sync-hire-sub000/internal/quota/repository"
	usagecache "github.com/SyncHire/sync-hire-sub000/internal/usage/cache"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
	usagerepo "github.com/SyncHire/sync-hire-sub000/internal/usage/repository"
	usageservice "github.com/SyncHire/sync-hire-sub000/internal/usage/service"
)

type quotaFixture struct {
	svc    quotadomain.Service
	usage  usagedomain.Service
	ledger usagedomain.Repository
	mr     *miniredis.Miniredis
}

func setupQuotaService(t *testing.T, withRedis bool) quotaFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&usagedomain.UsageRecord{}, &quotadomain.TenantQuota{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	var (
		mr     *miniredis.Miniredis
		client *redis.Client
	)
	if withRedis {
		mr = miniredis.RunT(t)
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
	}

	ledger := usagerepo.Provide(db, node)
	usage := usageservice.NewService(usageservice.ServiceParam{
		Log:    zap.NewNop(),
		Config: config.Config{Usage: config.UsageConfig{CacheTTLBuffer: time.Hour}},
		Clock:  clock.NewFakeClock(time.Now()),
		Ledger: ledger,
		Cache:  usagecache.NewRedisCache(client),
	})

	svc := NewService(ServiceParam{
		Log:    zap.NewNop(),
		Repo:   quotarepo.Provide(db, node),
		Usage:  usage,
		Quotas: config.NewStaticQuotaConfigHolder(config.DefaultQuotaConfig()),
		Redis:  client,
	})
	return quotaFixture{svc: svc, usage: usage, ledger: ledger, mr: mr}
}

type usageMock struct {
	mock.Mock
}

func (m *usageMock) CurrentPeriod() usagedomain.Period {
	return usagedomain.PeriodFor(time.Now())
}

func (m *usageMock) GetCurrentUsage(ctx context.Context, orgID string, period usagedomain.Period) (int64, error) {
	args := m.Called(ctx, orgID, period)
	return args.Get(0).(int64), args.Error(1)
}

func (m *usageMock) Increment(context.Context, string, usagedomain.Period, usagedomain.Endpoint, int64) (int64, error) {
	return 0, nil
}
func (m *usageMock) TrackUsage(context.Context, string, usagedomain.Endpoint, int64) (int64, error) {
	return 0, nil
}
func (m *usageMock) Summary(context.Context, string, usagedomain.Period) (*usagedomain.Summary, error) {
	return nil, nil
}

func observeLogs(svc *Service) *observer.ObservedLogs {
	core, logs := observer.New(zap.InfoLevel)
	svc.log = zap.New(core)
	return logs
}

func TestNewOrganizationGetsFreeTier(t *testing.T) {
	f := setupQuotaService(t, false)

	status, err := f.svc.CheckQuota(context.Background(), "org-new")
	require.NoError(t, err)
	assert.True(t, status.Allowed)
	assert.Equal(t, quotadomain.TierFree, status.Tier)
	assert.Zero(t, status.CurrentUsage)
	require.NotNil(t, status.Limit)
	assert.EqualValues(t, 100, *status.Limit)
	require.NotNil(t, status.Remaining)
	assert.EqualValues(t, 100, *status.Remaining)
	assert.False(t, status.WarningThreshold)
	assert.Equal(t, f.usage.CurrentPeriod().Key, status.PeriodKey)
}

func TestFreeTierOverrunIsDeniedAfterwards(t *testing.T) {
	f := setupQuotaService(t, true)
	ctx := context.Background()
	period := f.usage.CurrentPeriod()

	_, err := f.ledger.Merge(ctx, "org-1", period.Key, usagedomain.EndpointCVExtract, 99)
	require.NoError(t, err)

	status, err := f.svc.CheckQuota(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, status.Allowed)
	assert.True(t, status.WarningThreshold)
	assert.EqualValues(t, 1, *status.Remaining)

	// the gate admits the batch; the batch charges three calls
	assert.Nil(t, f.svc.WithQuota(ctx, "org-1", usagedomain.EndpointJobsMatch, quotadomain.CheckOptions{}))
	total, err := f.usage.TrackUsage(ctx, "org-1", usagedomain.EndpointJobsMatch, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 102, total)

	status, err = f.svc.CheckQuota(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, status.Allowed)
	assert.EqualValues(t, 102, status.CurrentUsage)
	assert.EqualValues(t, 0, *status.Remaining)

	denial := f.svc.WithQuota(ctx, "org-1", usagedomain.EndpointCVExtract, quotadomain.CheckOptions{})
	require.NotNil(t, denial)
	assert.Equal(t, quotadomain.CodeQuotaExceeded, denial.Code)
	assert.Equal(t, quotadomain.TierFree, denial.Tier)
	assert.EqualValues(t, 102, denial.CurrentUsage)
	assert.EqualValues(t, 100, *denial.Limit)
	assert.Equal(t, period.Key, denial.PeriodKey)
	assert.Equal(t, period.End, denial.ResetDate)
}

func TestEnterpriseTierIsUnlimited(t *testing.T) {
	f := setupQuotaService(t, false)
	ctx := context.Background()

	q, err := f.svc.SetTier(ctx, "org-1", quotadomain.TierEnterprise)
	require.NoError(t, err)
	assert.Nil(t, q.MonthlyLimit)
	assert.Equal(t, 90, q.WarningThresholdPercent)

	_, err = f.usage.TrackUsage(ctx, "org-1", usagedomain.EndpointInterviewAnalyze, 10_000)
	require.NoError(t, err)

	status, err := f.svc.CheckQuota(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, status.Allowed)
	assert.Nil(t, status.Limit)
	assert.Nil(t, status.Remaining)
	assert.False(t, status.WarningThreshold)
	assert.EqualValues(t, 30_000, status.CurrentUsage)
	assert.Nil(t, f.svc.WithQuota(ctx, "org-1", usagedomain.EndpointJobsMatch, quotadomain.CheckOptions{EstimatedCount: 1_000_000}))
}

func TestSetTierAppliesConfiguredLimits(t *testing.T) {
	f := setupQuotaService(t, false)
	ctx := context.Background()

	q, err := f.svc.SetTier(ctx, "org-1", quotadomain.Tier("professional"))
	require.NoError(t, err)
	assert.Equal(t, quotadomain.TierProfessional, q.Tier)
	assert.EqualValues(t, 5_000, *q.MonthlyLimit)
	assert.Equal(t, 85, q.WarningThresholdPercent)

	reloaded, err := f.svc.GetQuota(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, quotadomain.TierProfessional, reloaded.Tier)

	_, err = f.svc.SetTier(ctx, "org-1", quotadomain.Tier("platinum"))
	assert.ErrorIs(t, err, quotadomain.ErrInvalidTier)
}

func TestWithQuotaFailsOpen(t *testing.T) {
	f := setupQuotaService(t, false)
	svc := f.svc.(*Service)
	usage := new(usageMock)
	usage.On("GetCurrentUsage", mock.Anything, "org-1", mock.Anything).Return(int64(0), errors.New("ledger unreachable"))
	svc.usage = usage
	logs := observeLogs(svc)
	ctx := context.Background()

	_, err := svc.CheckQuota(ctx, "org-1")
	require.Error(t, err)
	assert.Zero(t, logs.Len())

	for i := 1; i <= 5; i++ {
		assert.Nil(t, svc.WithQuota(ctx, "org-1", usagedomain.EndpointCVExtract, quotadomain.CheckOptions{}))
		assert.Equal(t, i, logs.FilterMessage("quota check failed, allowing request").Len())
	}

	res, denial, err := svc.Reserve(ctx, "org-1", usagedomain.EndpointJobsMatch, 5)
	require.NoError(t, err)
	assert.Nil(t, denial)
	require.NotNil(t, res)

	failOpen := logs.FilterMessage("quota check failed, allowing request")
	assert.Equal(t, 6, failOpen.Len())
	for _, entry := range failOpen.All() {
		assert.Equal(t, zap.WarnLevel, entry.Level)
		assert.Equal(t, "org-1", entry.ContextMap()["org_id"])
	}
	usage.AssertExpectations(t)
	usage.AssertNumberOfCalls(t, "GetCurrentUsage", 7)
}

func TestWithQuotaDeniesOversizedEstimate(t *testing.T) {
	f := setupQuotaService(t, false)
	logs := observeLogs(f.svc.(*Service))
	ctx := context.Background()

	_, err := f.usage.TrackUsage(ctx, "org-1", usagedomain.EndpointCVExtract, 90)
	require.NoError(t, err)

	denial := f.svc.WithQuota(ctx, "org-1", usagedomain.EndpointJobsMatch, quotadomain.CheckOptions{EstimatedCount: 20})
	require.NotNil(t, denial)
	assert.EqualValues(t, 20, denial.EstimatedCount)
	assert.Equal(t, usagedomain.EndpointJobsMatch, denial.Endpoint)

	assert.Nil(t, f.svc.WithQuota(ctx, "org-1", usagedomain.EndpointJobsMatch, quotadomain.CheckOptions{EstimatedCount: 10}))

	// two question generations cost four units
	denial = f.svc.WithQuota(ctx, "org-1", usagedomain.EndpointQuestionsGenerate, quotadomain.CheckOptions{EstimatedCount: 6})
	require.NotNil(t, denial)
	assert.EqualValues(t, 12, denial.EstimatedCount)

	// an estimate that overflows when weighed is still denied
	denial = f.svc.WithQuota(ctx, "org-1", usagedomain.EndpointInterviewAnalyze, quotadomain.CheckOptions{EstimatedCount: 6148914691236517206})
	require.NotNil(t, denial)

	exceeded := logs.FilterMessage("ai quota exceeded")
	assert.Equal(t, 3, exceeded.Len())
	for _, entry := range exceeded.All() {
		assert.Equal(t, zap.WarnLevel, entry.Level)
	}
	assert.Zero(t, logs.FilterLevelExact(zap.ErrorLevel).Len())
}

func TestReserveHoldsBudgetUntilCommit(t *testing.T) {
	f := setupQuotaService(t, true)
	ctx := context.Background()
	period := f.usage.CurrentPeriod()

	_, err := f.ledger.Merge(ctx, "org-1", period.Key, usagedomain.EndpointCVExtract, 90)
	require.NoError(t, err)

	first, denial, err := f.svc.Reserve(ctx, "org-1", usagedomain.EndpointJobsMatch, 6)
	require.NoError(t, err)
	require.Nil(t, denial)
	require.NotNil(t, first)

	held, err := f.mr.Get(HeldKey("org-1", period.Key))
	require.NoError(t, err)
	assert.Equal(t, "6", held)

	// 90 used + 6 held + 6 wanted exceeds 100
	_, denial, err = f.svc.Reserve(ctx, "org-1", usagedomain.EndpointJobsMatch, 6)
	require.NoError(t, err)
	require.NotNil(t, denial)
	assert.EqualValues(t, 90, denial.CurrentUsage)

	require.NoError(t, first.Commit(ctx, 4))
	assert.False(t, f.mr.Exists(HeldKey("org-1", period.Key)))

	current, err := f.usage.GetCurrentUsage(ctx, "org-1", period)
	require.NoError(t, err)
	assert.EqualValues(t, 94, current)

	second, denial, err := f.svc.Reserve(ctx, "org-1", usagedomain.EndpointJobsMatch, 6)
	require.NoError(t, err)
	require.Nil(t, denial)
	second.Release(ctx)
	second.Release(ctx)
	assert.False(t, f.mr.Exists(HeldKey("org-1", period.Key)))
}

func TestReserveWithoutRedisChecksRemaining(t *testing.T) {
	f := setupQuotaService(t, false)
	ctx := context.Background()

	_, err := f.usage.TrackUsage(ctx, "org-1", usagedomain.EndpointCVExtract, 95)
	require.NoError(t, err)

	_, denial, err := f.svc.Reserve(ctx, "org-1", usagedomain.EndpointJobsMatch, 6)
	require.NoError(t, err)
	require.NotNil(t, denial)

	res, denial, err := f.svc.Reserve(ctx, "org-1", usagedomain.EndpointJobsMatch, 5)
	require.NoError(t, err)
	require.Nil(t, denial)
	require.NoError(t, res.Commit(ctx, 5))

	current, err := f.usage.GetCurrentUsage(ctx, "org-1", f.usage.CurrentPeriod())
	require.NoError(t, err)
	assert.EqualValues(t, 100, current)
}

func TestReserveRejectsBadInput(t *testing.T) {
	f := setupQuotaService(t, false)
	ctx := context.Background()

	_, _, err := f.svc.Reserve(ctx, "org-1", usagedomain.EndpointJobsMatch, 0)
	assert.ErrorIs(t, err, quotadomain.ErrInvalidEstimate)

	_, _, err = f.svc.Reserve(ctx, "", usagedomain.EndpointJobsMatch, 1)
	assert.ErrorIs(t, err, quotadomain.ErrInvalidOrganization)

	_, _, err = f.svc.Reserve(ctx, "org-1", usagedomain.Endpoint("nope"), 1)
	assert.ErrorIs(t, err, usagedomain.ErrUnknownEndpoint)

	_, _, err = f.svc.Reserve(ctx, "org-1", usagedomain.EndpointInterviewAnalyze, 6148914691236517206)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidCount)
}
