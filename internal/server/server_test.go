package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/SyncHire/sync-hire-sub000/internal/ai"
	"github.com/SyncHire/sync-hire-sub000/internal/authorization"
	"github.com/SyncHire/sync-hire-sub000/internal/clock"
	"github.com/SyncHire/sync-hire-sub000/internal/config"
	matchingrepo "github.com/SyncHire/sync-hire-sub000/internal/matching/repository"
	matchingservice "github.com/SyncHire/sync-hire-sub000/internal/matching/service"
	"github.com/SyncHire/sync-hire-sub000/internal/migration"
	quotarepo "github.com/SyncHire/sync-hire-sub000/internal/quota/repository"
	quotaservice "github.com/SyncHire/sync-hire-sub000/internal/quota/service"
	"github.com/SyncHire/sync-hire-sub000/internal/ratelimit"
	"github.com/SyncHire/sync-hire-sub000/internal/tasks"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
	usagerepo "github.com/SyncHire/sync-hire-sub000/internal/usage/repository"
	usageservice "github.com/SyncHire/sync-hire-sub000/internal/usage/service"
)

const (
	testOrg       = "org-1"
	testOwner     = "u-owner"
	testRecruiter = "u-recruiter"
	testMember    = "u-member"
)

type scorerMock struct {
	mock.Mock
}

func (m *scorerMock) Score(ctx context.Context, job ai.JobSummary, candidate ai.CandidateSummary) (*ai.MatchResult, error) {
	args := m.Called(ctx, job, candidate)
	res, _ := args.Get(0).(*ai.MatchResult)
	return res, args.Error(1)
}

type questionsMock struct {
	mock.Mock
}

func (m *questionsMock) Generate(ctx context.Context, req ai.QuestionRequest) ([]ai.Question, error) {
	args := m.Called(ctx, req)
	questions, _ := args.Get(0).([]ai.Question)
	return questions, args.Error(1)
}

type testServer struct {
	srv    *Server
	usage  usagedomain.Service
	runner *tasks.Runner
	redis  *miniredis.Miniredis
}

// setupServer wires the real services over an in-memory database. The AI
// limiter is enabled when burst is positive.
func setupServer(t *testing.T, burst int) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(migration.Models()...))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{
		Matching: config.MatchingConfig{DefaultThreshold: 70},
		Usage:    config.UsageConfig{CacheTTLBuffer: time.Hour},
		AI: config.AIConfig{
			RateLimitEnabled: burst > 0,
			RatePerSecond:    0.01,
			RateBurst:        burst,
		},
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	usage := usageservice.NewService(usageservice.ServiceParam{
		Log:    zap.NewNop(),
		Config: cfg,
		Clock:  clock.New(),
		Ledger: usagerepo.Provide(db, node),
	})
	quota := quotaservice.NewService(quotaservice.ServiceParam{
		Log:    zap.NewNop(),
		Repo:   quotarepo.Provide(db, node),
		Usage:  usage,
		Quotas: config.NewStaticQuotaConfigHolder(config.DefaultQuotaConfig()),
	})

	runner := tasks.NewRunner(tasks.Config{DefaultLimit: 4}, zap.NewNop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})

	score := 90.0
	scorer := new(scorerMock)
	scorer.On("Score", mock.Anything, mock.Anything, mock.Anything).
		Return(&ai.MatchResult{MatchScore: &score, MatchReasons: []string{"strong fit"}}, nil)
	questions := new(questionsMock)
	questions.On("Generate", mock.Anything, mock.Anything).
		Return([]ai.Question{{Text: "Describe a system you scaled.", Origin: ai.OriginAISuggested}}, nil)

	matching := matchingservice.NewService(matchingservice.ServiceParam{
		Log:       zap.NewNop(),
		Config:    cfg,
		Clock:     clock.New(),
		GenID:     node,
		Repo:      matchingrepo.Provide(db),
		Quota:     quota,
		Usage:     usage,
		Runner:    runner,
		Scorer:    scorer,
		Questions: questions,
	})

	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{DB: db, Log: zap.NewNop(), Enforcer: enforcer})
	ctx := context.Background()
	require.NoError(t, authz.SetMember(ctx, testOrg, testOwner, authorization.RoleOwner))
	require.NoError(t, authz.SetMember(ctx, testOrg, testRecruiter, authorization.RoleRecruiter))
	require.NoError(t, authz.SetMember(ctx, testOrg, testMember, authorization.RoleMember))

	srv := NewServer(ServerParams{
		Gin:         NewEngine(nil),
		AuthzSvc:    authz,
		QuotaSvc:    quota,
		UsageSvc:    usage,
		MatchingSvc: matching,
		Runner:      runner,
		AILimiter:   ratelimit.NewAILimiter(cfg, rdb, zap.NewNop()),
	})

	return testServer{srv: srv, usage: usage, runner: runner, redis: mr}
}

func (ts testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUser, user)
		req.Header.Set(HeaderOrg, testOrg)
	}
	w := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(w, req)
	return w
}

func (ts testServer) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(ts.runner.List()) == 0 }, 5*time.Second, 5*time.Millisecond)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	payload, ok := decode(t, w)["error"].(map[string]any)
	require.True(t, ok, w.Body.String())
	return payload["type"].(string)
}

func TestHealth(t *testing.T) {
	ts := setupServer(t, 0)
	w := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIdentityHeadersAreRequired(t *testing.T) {
	ts := setupServer(t, 0)

	w := ts.do(t, http.MethodGet, "/api/v1/quota", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quota", nil)
	req.Header.Set(HeaderUser, testOwner)
	w = httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNonMemberIsForbidden(t *testing.T) {
	ts := setupServer(t, 0)
	w := ts.do(t, http.MethodGet, "/api/v1/quota", "u-stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestQuotaStatusAndTierChange(t *testing.T) {
	ts := setupServer(t, 0)

	w := ts.do(t, http.MethodGet, "/api/v1/quota", testMember, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "FREE", data["tier"])
	assert.Equal(t, true, data["allowed"])
	assert.EqualValues(t, 100, data["limit"])

	w = ts.do(t, http.MethodPut, "/api/v1/quota/tier", testRecruiter, gin.H{"tier": "STARTER"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/quota/tier", testOwner, gin.H{"tier": "starter"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1000, decode(t, w)["data"].(map[string]any)["monthlyLimit"])

	w = ts.do(t, http.MethodPut, "/api/v1/quota/tier", testOwner, gin.H{"tier": "PLATINUM"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQuotaCheckDeniesWith402(t *testing.T) {
	ts := setupServer(t, 0)

	_, err := ts.usage.TrackUsage(context.Background(), testOrg, usagedomain.EndpointInterviewAnalyze, 33)
	require.NoError(t, err)

	w := ts.do(t, http.MethodPost, "/api/v1/quota/check", testRecruiter, gin.H{"endpoint": "cv/extract"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/v1/quota/check", testRecruiter, gin.H{"endpoint": "questions/generate", "estimatedCount": 1})
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	payload := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "quota_exceeded", payload["type"])
	quota := payload["quota"].(map[string]any)
	assert.Equal(t, "QUOTA_EXCEEDED", quota["code"])
	assert.EqualValues(t, 99, quota["currentUsage"])
	assert.EqualValues(t, 100, quota["limit"])
	assert.Equal(t, "FREE", quota["tier"])

	w = ts.do(t, http.MethodPost, "/api/v1/quota/check", testRecruiter, gin.H{"endpoint": "cv/unknown"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTrackUsageAndSummary(t *testing.T) {
	ts := setupServer(t, 0)

	w := ts.do(t, http.MethodPost, "/api/v1/usage/track", testRecruiter, gin.H{"endpoint": "questions/generate", "count": 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 4, decode(t, w)["data"].(map[string]any)["currentUsage"])

	w = ts.do(t, http.MethodPost, "/api/v1/usage/track", testRecruiter, gin.H{"endpoint": "nope", "count": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/usage/track", testRecruiter, gin.H{"endpoint": "interview/analyze", "count": int64(6148914691236517206)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/usage/track", testRecruiter, gin.H{"endpoint": "cv/extract", "count": maxTrackCount + 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/usage", testMember, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]any)
	usage := data["usage"].(map[string]any)
	assert.EqualValues(t, 4, usage["totalUsage"])
	assert.EqualValues(t, 4, usage["endpointBreakdown"].(map[string]any)["questions/generate"])
	assert.EqualValues(t, 4, data["quota"].(map[string]any)["currentUsage"])

	w = ts.do(t, http.MethodGet, "/api/v1/usage?period=2024-13", testMember, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/usage?period=2020-01", testMember, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 0, decode(t, w)["data"].(map[string]any)["usage"].(map[string]any)["totalUsage"])
}

func TestCreateJobRunsMatching(t *testing.T) {
	ts := setupServer(t, 0)

	w := ts.do(t, http.MethodPost, "/api/v1/candidate-profiles", testRecruiter, gin.H{
		"candidateId": "cand-1",
		"name":        "Ada",
		"data":        gin.H{"skills": []string{"Go", "Postgres"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/v1/jobs", testRecruiter, gin.H{
		"title":             "Backend Engineer",
		"description":       "Build the hiring pipeline.",
		"fixedQuestions":    []string{"Why us?"},
		"aiMatchingEnabled": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]any)
	job := data["job"].(map[string]any)
	jobID := job["id"].(string)
	assert.Equal(t, "SCANNING", job["aiMatchingStatus"])
	assert.EqualValues(t, 1, data["matching"].(map[string]any)["candidates"])

	ts.waitIdle(t)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, testMember, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "COMPLETE", decode(t, w)["data"].(map[string]any)["aiMatchingStatus"])

	w = ts.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/applications?status=ready", testMember, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	apps := decode(t, w)["data"].([]any)
	require.Len(t, apps, 1)
	app := apps[0].(map[string]any)
	assert.Equal(t, "cand-1", app["candidateId"])
	assert.Equal(t, "AI_MATCH", app["source"])

	w = ts.do(t, http.MethodGet, "/api/v1/applications/"+app["id"].(string), testMember, nil)
	require.Equal(t, http.StatusOK, w.Code)
	bundle := decode(t, w)["data"].(map[string]any)["questionBundle"].(map[string]any)
	assert.Len(t, bundle["questions"], 2)

	w = ts.do(t, http.MethodPost, "/api/v1/applications/"+app["id"].(string)+"/retry", testRecruiter, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/applications/"+app["id"].(string)+"/complete", testRecruiter, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "COMPLETED", decode(t, w)["data"].(map[string]any)["status"])

	w = ts.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/applications?status=SCANNING", testMember, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerOnDisabledJobConflicts(t *testing.T) {
	ts := setupServer(t, 0)

	w := ts.do(t, http.MethodPost, "/api/v1/jobs", testRecruiter, gin.H{
		"title":       "Designer",
		"description": "Design things.",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	jobID := decode(t, w)["data"].(map[string]any)["job"].(map[string]any)["id"].(string)

	w = ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/matching", testRecruiter, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "matching_disabled", errorType(t, w))

	w = ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/matching", testMember, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/jobs/not-a-number/matching", testRecruiter, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs/12345", testRecruiter, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConcurrentTriggerIsLocked(t *testing.T) {
	ts := setupServer(t, 100)

	w := ts.do(t, http.MethodPost, "/api/v1/jobs", testRecruiter, gin.H{
		"title":       "SRE",
		"description": "Keep it running.",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	jobID := decode(t, w)["data"].(map[string]any)["job"].(map[string]any)["id"].(string)

	require.NoError(t, ts.redis.Set("synchire:lock:matching:"+jobID, "other-holder"))

	w = ts.do(t, http.MethodPut, "/api/v1/jobs/"+jobID+"/matching", testRecruiter, gin.H{"enabled": true})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, "matching_in_progress", errorType(t, w))

	ts.redis.Del("synchire:lock:matching:" + jobID)
	w = ts.do(t, http.MethodPut, "/api/v1/jobs/"+jobID+"/matching", testRecruiter, gin.H{"enabled": true, "threshold": 80})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	job := decode(t, w)["data"].(map[string]any)["job"].(map[string]any)
	assert.Equal(t, "COMPLETE", job["aiMatchingStatus"])
	assert.EqualValues(t, 80, job["aiMatchingThreshold"])
	assert.False(t, ts.redis.Exists("synchire:lock:matching:"+jobID))
}

func TestAIRateLimitReturns429(t *testing.T) {
	ts := setupServer(t, 1)
	body := gin.H{"title": "QA", "description": "Break things."}

	w := ts.do(t, http.MethodPost, "/api/v1/jobs", testRecruiter, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/v1/jobs", testRecruiter, body)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", errorType(t, w))
}

func TestTasksAndMembers(t *testing.T) {
	ts := setupServer(t, 0)

	w := ts.do(t, http.MethodGet, "/api/v1/tasks", testRecruiter, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/members/"+testRecruiter, testOwner, gin.H{"role": "admin"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/tasks", testRecruiter, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, decode(t, w)["data"])

	w = ts.do(t, http.MethodPut, "/api/v1/members/u-new", testOwner, gin.H{"role": "emperor"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/members/u-new", testRecruiter, gin.H{"role": "member"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
