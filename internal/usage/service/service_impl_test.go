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
	"gorm.io/gorm"

	"github.com/SyncHire/sync-hire-sub000/internal/clock"
	"github.com/SyncHire/sync-hire-sub000/internal/config"
	"github.com/SyncHire/sync-hire-sub000/internal/tasks"
	usagecache "github.com/SyncHire/sync-hire-sub000/internal/usage/cache"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
	"github.com/SyncHire/sync-hire-sub000/internal/usage/repository"
)

var errCacheDown = errors.New("cache down")

type cacheMock struct {
	mock.Mock
}

func (m *cacheMock) Get(ctx context.Context, orgID, periodKey string) (int64, bool, error) {
	args := m.Called(ctx, orgID, periodKey)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *cacheMock) SetIfAbsent(ctx context.Context, orgID, periodKey string, value int64, expireAt time.Time) (bool, error) {
	args := m.Called(ctx, orgID, periodKey, value, expireAt)
	return args.Bool(0), args.Error(1)
}

func (m *cacheMock) IncrIfPresent(ctx context.Context, orgID, periodKey string, amount int64) (int64, bool, error) {
	args := m.Called(ctx, orgID, periodKey, amount)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

type usageFixture struct {
	svc    usagedomain.Service
	ledger usagedomain.Repository
	db     *gorm.DB
	runner *tasks.Runner
	clock  *clock.FakeClock
}

func setupUsageService(t *testing.T, cache usagedomain.Cache, withRunner bool) usageFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&usagedomain.UsageRecord{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	var runner *tasks.Runner
	if withRunner {
		runner = tasks.NewRunner(tasks.Config{DefaultLimit: 8}, zap.NewNop(), nil)
	}

	fc := clock.NewFakeClock(time.Now())
	ledger := repository.Provide(db, node)
	svc := NewService(ServiceParam{
		Log:    zap.NewNop(),
		Config: config.Config{Usage: config.UsageConfig{CacheTTLBuffer: time.Hour}},
		Clock:  fc,
		Ledger: ledger,
		Cache:  cache,
		Runner: runner,
	})
	return usageFixture{svc: svc, ledger: ledger, db: db, runner: runner, clock: fc}
}

func newMiniredisCache(t *testing.T) (*miniredis.Miniredis, usagedomain.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, usagecache.NewRedisCache(client)
}

func drain(t *testing.T, r *tasks.Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
}

func TestTrackUsageAppliesWeightLedgerOnly(t *testing.T) {
	f := setupUsageService(t, nil, false)
	ctx := context.Background()

	total, err := f.svc.TrackUsage(ctx, "org-1", usagedomain.EndpointQuestionsGenerate, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	rec, err := f.ledger.Get(ctx, "org-1", f.svc.CurrentPeriod().Key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.EqualValues(t, 2, rec.UsageCount)
	assert.EqualValues(t, 2, rec.Breakdown()[string(usagedomain.EndpointQuestionsGenerate)])
}

func TestTrackUsageWithCacheMergesLedgerInBackground(t *testing.T) {
	mr, cache := newMiniredisCache(t)
	f := setupUsageService(t, cache, true)
	ctx := context.Background()
	period := f.svc.CurrentPeriod()

	total, err := f.svc.TrackUsage(ctx, "org-1", usagedomain.EndpointQuestionsGenerate, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	total, err = f.svc.TrackUsage(ctx, "org-1", usagedomain.EndpointCVExtract, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)

	drain(t, f.runner)

	rec, err := f.ledger.Get(ctx, "org-1", period.Key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.EqualValues(t, 5, rec.UsageCount)
	assert.Equal(t, map[string]int64{"questions/generate": 2, "cv/extract": 3}, rec.Breakdown())

	cached, err := mr.Get(usagecache.UsageKey("org-1", period.Key))
	require.NoError(t, err)
	assert.Equal(t, "5", cached)
	assert.Greater(t, mr.TTL(usagecache.UsageKey("org-1", period.Key)), time.Duration(0))
}

func TestIncrementSeedsCacheFromLedger(t *testing.T) {
	_, cache := newMiniredisCache(t)
	f := setupUsageService(t, cache, true)
	ctx := context.Background()
	period := f.svc.CurrentPeriod()

	_, err := f.ledger.Merge(ctx, "org-1", period.Key, usagedomain.EndpointCVExtract, 99)
	require.NoError(t, err)

	total, err := f.svc.TrackUsage(ctx, "org-1", usagedomain.EndpointJobsCreate, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 102, total)

	drain(t, f.runner)
	current, err := f.svc.GetCurrentUsage(ctx, "org-1", period)
	require.NoError(t, err)
	assert.EqualValues(t, 102, current)

	rec, err := f.ledger.Get(ctx, "org-1", period.Key)
	require.NoError(t, err)
	assert.EqualValues(t, 102, rec.UsageCount)
}

func TestGetCurrentUsageRepopulatesCache(t *testing.T) {
	mr, cache := newMiniredisCache(t)
	f := setupUsageService(t, cache, false)
	ctx := context.Background()
	period := f.svc.CurrentPeriod()

	_, err := f.ledger.Merge(ctx, "org-1", period.Key, usagedomain.EndpointJDExtract, 7)
	require.NoError(t, err)

	current, err := f.svc.GetCurrentUsage(ctx, "org-1", period)
	require.NoError(t, err)
	assert.EqualValues(t, 7, current)

	key := usagecache.UsageKey("org-1", period.Key)
	cached, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "7", cached)
	assert.Greater(t, mr.TTL(key), time.Until(period.End))
}

func TestCacheFailureFallsBackToLedger(t *testing.T) {
	cache := new(cacheMock)
	f := setupUsageService(t, cache, true)
	ctx := context.Background()
	period := f.svc.CurrentPeriod()

	cache.On("IncrIfPresent", mock.Anything, "org-1", period.Key, int64(3)).Return(int64(0), false, errCacheDown).Once()
	cache.On("Get", mock.Anything, "org-1", period.Key).Return(int64(0), false, errCacheDown).Once()
	cache.On("SetIfAbsent", mock.Anything, "org-1", period.Key, int64(3), mock.AnythingOfType("time.Time")).Return(false, errCacheDown).Once()

	total, err := f.svc.Increment(ctx, "org-1", period, usagedomain.EndpointInterviewAnalyze, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	// merged synchronously, nothing pending in the runner
	assert.Empty(t, f.runner.List())
	current, err := f.svc.GetCurrentUsage(ctx, "org-1", period)
	require.NoError(t, err)
	assert.EqualValues(t, 3, current)
	cache.AssertExpectations(t)
}

func TestMergeRunsInlineWhenRunnerClosed(t *testing.T) {
	_, cache := newMiniredisCache(t)
	f := setupUsageService(t, cache, true)
	drain(t, f.runner)

	ctx := context.Background()
	period := f.svc.CurrentPeriod()
	_, err := f.svc.Increment(ctx, "org-1", period, usagedomain.EndpointCVExtract, 4)
	require.NoError(t, err)

	rec, err := f.ledger.Get(ctx, "org-1", period.Key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.EqualValues(t, 4, rec.UsageCount)
}

type slowLedger struct {
	usagedomain.Repository
	delay time.Duration
}

func (l slowLedger) Merge(ctx context.Context, orgID, periodKey string, endpoint usagedomain.Endpoint, amount int64) (*usagedomain.UsageRecord, error) {
	time.Sleep(l.delay)
	return l.Repository.Merge(ctx, orgID, periodKey, endpoint, amount)
}

func TestBackgroundMergeSurvivesShutdownDeadline(t *testing.T) {
	_, cache := newMiniredisCache(t)
	f := setupUsageService(t, cache, true)
	svc := f.svc.(*Service)
	svc.ledger = slowLedger{Repository: f.ledger, delay: 200 * time.Millisecond}
	ctx := context.Background()
	period := f.svc.CurrentPeriod()

	total, err := f.svc.TrackUsage(ctx, "org-1", usagedomain.EndpointQuestionsGenerate, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	shutdownCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.NoError(t, f.runner.Shutdown(shutdownCtx))

	rec, err := f.ledger.Get(ctx, "org-1", period.Key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.EqualValues(t, 2, rec.UsageCount)
}

func TestTrackUsageRejectsBadInput(t *testing.T) {
	f := setupUsageService(t, nil, false)
	ctx := context.Background()

	_, err := f.svc.TrackUsage(ctx, "org-1", usagedomain.Endpoint("video/render"), 1)
	assert.ErrorIs(t, err, usagedomain.ErrUnknownEndpoint)

	_, err = f.svc.TrackUsage(ctx, "org-1", usagedomain.EndpointCVExtract, 0)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidCount)

	_, err = f.svc.TrackUsage(ctx, " ", usagedomain.EndpointCVExtract, 1)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidOrganization)
}

func TestSummaryReportsBreakdown(t *testing.T) {
	f := setupUsageService(t, nil, false)
	ctx := context.Background()

	_, err := f.svc.TrackUsage(ctx, "org-1", usagedomain.EndpointCVExtract, 2)
	require.NoError(t, err)
	_, err = f.svc.TrackUsage(ctx, "org-1", usagedomain.EndpointInterviewAnalyze, 1)
	require.NoError(t, err)

	period := f.svc.CurrentPeriod()
	summary, err := f.svc.Summary(ctx, "org-1", period)
	require.NoError(t, err)
	assert.EqualValues(t, 5, summary.TotalUsage)
	assert.EqualValues(t, 2, summary.Breakdown["cv/extract"])
	assert.EqualValues(t, 3, summary.Breakdown["interview/analyze"])
	assert.Equal(t, period.End, summary.ResetAt)
}

func TestPeriodRollsOverWithClock(t *testing.T) {
	f := setupUsageService(t, nil, false)
	ctx := context.Background()

	_, err := f.svc.TrackUsage(ctx, "org-1", usagedomain.EndpointCVExtract, 5)
	require.NoError(t, err)

	f.clock.Set(f.svc.CurrentPeriod().End.Add(time.Minute))
	current, err := f.svc.GetCurrentUsage(ctx, "org-1", f.svc.CurrentPeriod())
	require.NoError(t, err)
	assert.Zero(t, current)
}
