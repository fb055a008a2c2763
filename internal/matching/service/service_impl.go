package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/SyncHire/sync-hire-sub000/internal/ai"
	"github.com/SyncHire/sync-hire-sub000/internal/clock"
	"github.com/SyncHire/sync-hire-sub000/internal/config"
	matchingdomain "github.com/SyncHire/sync-hire-sub000/internal/matching/domain"
	obsmetrics "github.com/SyncHire/sync-hire-sub000/internal/observability/metrics"
	quotadomain "github.com/SyncHire/sync-hire-sub000/internal/quota/domain"
	"github.com/SyncHire/sync-hire-sub000/internal/tasks"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
	"github.com/SyncHire/sync-hire-sub000/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const tracerName = "synchire/matching"

type ServiceParam struct {
	fx.In

	Log       *zap.Logger
	Config    config.Config
	Clock     clock.Clock
	GenID     *snowflake.Node
	Repo      matchingdomain.Repository
	Quota     quotadomain.Service
	Usage     usagedomain.Service
	Runner    *tasks.Runner
	Scorer    ai.Scorer
	Questions ai.QuestionGenerator
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log              *zap.Logger
	clock            clock.Clock
	genID            *snowflake.Node
	repo             matchingdomain.Repository
	quota            quotadomain.Service
	usage            usagedomain.Service
	runner           *tasks.Runner
	scorer           ai.Scorer
	questions        ai.QuestionGenerator
	metrics          *obsmetrics.Metrics
	defaultThreshold int
}

func NewService(p ServiceParam) matchingdomain.Service {
	return &Service{
		log:              p.Log.Named("matching.service"),
		clock:            p.Clock,
		genID:            p.GenID,
		repo:             p.Repo,
		quota:            p.Quota,
		usage:            p.Usage,
		runner:           p.Runner,
		scorer:           p.Scorer,
		questions:        p.Questions,
		metrics:          p.Metrics,
		defaultThreshold: p.Config.Matching.DefaultThreshold,
	}
}

func (s *Service) CreateJob(ctx context.Context, orgID, actor string, req matchingdomain.CreateJobRequest) (*matchingdomain.Job, *matchingdomain.TriggerResult, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, nil, matchingdomain.ErrInvalidOrganization
	}
	title := strings.TrimSpace(req.Title)
	description := strings.TrimSpace(req.Description)
	if title == "" || description == "" {
		return nil, nil, matchingdomain.ErrInvalidJob
	}
	if err := validateThreshold(req.AIMatchingThreshold); err != nil {
		return nil, nil, err
	}

	now := s.clock.Now()
	job := &matchingdomain.Job{
		ID:                  s.genID.Generate(),
		OrgID:               orgID,
		Title:               title,
		Company:             strings.TrimSpace(req.Company),
		Location:            strings.TrimSpace(req.Location),
		Description:         description,
		Requirements:        cleanList(req.Requirements),
		FixedQuestions:      cleanList(req.FixedQuestions),
		AIMatchingEnabled:   req.AIMatchingEnabled,
		AIMatchingThreshold: req.AIMatchingThreshold,
		AIMatchingStatus:    matchingdomain.MatchingDisabled,
		CreatedBy:           strings.TrimSpace(actor),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if !job.AIMatchingEnabled {
		if err := s.repo.CreateJob(ctx, job); err != nil {
			return nil, nil, fmt.Errorf("create job: %w", err)
		}
		return job, nil, nil
	}

	// Budget is held before the job exists so a denied creation leaves
	// nothing behind.
	candidates, reservation, err := s.reserve(ctx, orgID, usagedomain.EndpointJobsCreate)
	if err != nil {
		return nil, nil, err
	}
	if candidates == 0 {
		job.AIMatchingStatus = matchingdomain.MatchingComplete
	} else {
		job.AIMatchingStatus = matchingdomain.MatchingScanning
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		if reservation != nil {
			reservation.Release(ctx)
		}
		return nil, nil, fmt.Errorf("create job: %w", err)
	}

	if candidates == 0 {
		s.log.Info("no scoreable candidates, matching complete", zap.String("job_id", job.ID.String()))
		s.metrics.RecordMatchingRun(string(matchingdomain.MatchingComplete))
		return job, &matchingdomain.TriggerResult{JobID: job.ID, Status: job.AIMatchingStatus}, nil
	}

	result, err := s.schedule(ctx, job, usagedomain.EndpointJobsCreate, candidates, reservation)
	if err != nil {
		job.AIMatchingStatus = matchingdomain.MatchingFailed
		return job, nil, err
	}
	return job, result, nil
}

func (s *Service) GetJob(ctx context.Context, orgID string, jobID snowflake.ID) (*matchingdomain.Job, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, matchingdomain.ErrInvalidOrganization
	}
	job, err := s.repo.GetJob(ctx, orgID, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, matchingdomain.ErrJobNotFound
	}
	return job, nil
}

func (s *Service) SetMatchingSettings(ctx context.Context, orgID string, jobID snowflake.ID, req matchingdomain.MatchingSettingsRequest) (*matchingdomain.Job, *matchingdomain.TriggerResult, error) {
	if err := validateThreshold(req.Threshold); err != nil {
		return nil, nil, err
	}
	job, err := s.GetJob(ctx, orgID, jobID)
	if err != nil {
		return nil, nil, err
	}

	if !req.Enabled {
		if job.AIMatchingStatus == matchingdomain.MatchingScanning {
			return nil, nil, matchingdomain.ErrMatchingInProgress
		}
		if job.AIMatchingStatus != matchingdomain.MatchingDisabled {
			if err := s.transitionJob(ctx, job.ID, matchingdomain.MatchingDisabled); err != nil {
				return nil, nil, err
			}
		}
		job.AIMatchingEnabled = false
		job.AIMatchingThreshold = req.Threshold
		job.AIMatchingStatus = matchingdomain.MatchingDisabled
		if err := s.repo.UpdateJobSettings(ctx, job); err != nil {
			return nil, nil, err
		}
		return job, nil, nil
	}

	wasEnabled := job.AIMatchingEnabled
	job.AIMatchingEnabled = true
	job.AIMatchingThreshold = req.Threshold
	if err := s.repo.UpdateJobSettings(ctx, job); err != nil {
		return nil, nil, err
	}
	if wasEnabled {
		return job, nil, nil
	}

	result, err := s.TriggerMatching(ctx, orgID, job.ID, usagedomain.EndpointJobsMatch)
	if err != nil {
		// the job is enabled but never scanned; leave it retriable
		if _, terr := s.repo.TransitionJob(ctx, job.ID, matchingdomain.MatchingComplete, []matchingdomain.MatchingStatus{matchingdomain.MatchingDisabled}); terr != nil {
			s.log.Warn("failed to leave disabled status", zap.String("job_id", job.ID.String()), zap.Error(terr))
		}
		return nil, nil, err
	}

	reloaded, err := s.GetJob(ctx, orgID, job.ID)
	if err != nil {
		return nil, nil, err
	}
	return reloaded, result, nil
}

// TriggerMatching admits a run against the quota, moves the job to SCANNING
// and hands the run to the task runner. A job with nothing to score goes
// straight to COMPLETE.
func (s *Service) TriggerMatching(ctx context.Context, orgID string, jobID snowflake.ID, endpoint usagedomain.Endpoint) (*matchingdomain.TriggerResult, error) {
	if cost, ok := usagedomain.LookupEndpoint(endpoint); !ok || !cost.Dynamic {
		return nil, matchingdomain.ErrInvalidEndpoint
	}
	job, err := s.GetJob(ctx, orgID, jobID)
	if err != nil {
		return nil, err
	}
	if !job.AIMatchingEnabled {
		return nil, matchingdomain.ErrMatchingDisabled
	}
	if job.AIMatchingStatus == matchingdomain.MatchingScanning {
		return nil, matchingdomain.ErrMatchingInProgress
	}

	candidates, reservation, err := s.reserve(ctx, job.OrgID, endpoint)
	if err != nil {
		return nil, err
	}

	if candidates == 0 {
		if job.AIMatchingStatus != matchingdomain.MatchingComplete {
			if err := s.transitionJob(ctx, job.ID, matchingdomain.MatchingComplete); err != nil {
				return nil, err
			}
		}
		s.log.Info("no scoreable candidates, matching complete", zap.String("job_id", job.ID.String()))
		s.metrics.RecordMatchingRun(string(matchingdomain.MatchingComplete))
		return &matchingdomain.TriggerResult{JobID: job.ID, Status: matchingdomain.MatchingComplete}, nil
	}

	if err := s.transitionJob(ctx, job.ID, matchingdomain.MatchingScanning); err != nil {
		reservation.Release(ctx)
		if errors.Is(err, matchingdomain.ErrInvalidTransition) {
			return nil, matchingdomain.ErrMatchingInProgress
		}
		return nil, err
	}

	return s.schedule(ctx, job, endpoint, candidates, reservation)
}

// reserve counts the candidate pool and holds that many calls of endpoint.
// A quota denial is returned as the error.
func (s *Service) reserve(ctx context.Context, orgID string, endpoint usagedomain.Endpoint) (int64, quotadomain.Reservation, error) {
	candidates, err := s.repo.CountScoreableProfiles(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("count candidate profiles: %w", err)
	}
	if candidates == 0 {
		return 0, nil, nil
	}

	reservation, denial, err := s.quota.Reserve(ctx, orgID, endpoint, candidates)
	if err != nil {
		return 0, nil, err
	}
	if denial != nil {
		return 0, nil, denial
	}
	return candidates, reservation, nil
}

// schedule starts the detached run for a job already in SCANNING. When the
// runner refuses the task the run never starts, so this is the one place a
// job is resolved to FAILED.
func (s *Service) schedule(ctx context.Context, job *matchingdomain.Job, endpoint usagedomain.Endpoint, candidates int64, reservation quotadomain.Reservation) (*matchingdomain.TriggerResult, error) {
	jobID := job.ID
	handle, err := s.runner.Go(tasks.KindMatchingRun, jobID.String(), func(taskCtx context.Context) error {
		return s.run(taskCtx, jobID, endpoint, reservation)
	})
	if err != nil {
		s.log.Error("matching run not scheduled",
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
		reservation.Release(ctx)
		if terr := s.transitionJob(context.WithoutCancel(ctx), jobID, matchingdomain.MatchingFailed); terr != nil {
			s.log.Error("failed to mark job matching failed", zap.String("job_id", jobID.String()), zap.Error(terr))
		}
		s.metrics.RecordMatchingRun(string(matchingdomain.MatchingFailed))
		return nil, fmt.Errorf("%w: %v", matchingdomain.ErrSchedulingFailed, err)
	}

	s.log.Info("matching run scheduled",
		zap.String("job_id", jobID.String()),
		zap.String("org_id", job.OrgID),
		zap.String("task_id", handle.Info().ID),
		zap.Int64("candidates", candidates),
	)
	return &matchingdomain.TriggerResult{
		JobID:      jobID,
		Status:     matchingdomain.MatchingScanning,
		Candidates: candidates,
		TaskID:     handle.Info().ID,
	}, nil
}

// transitionJob applies a guarded status change. It is a no-op when the job
// already has the target status.
func (s *Service) transitionJob(ctx context.Context, jobID snowflake.ID, to matchingdomain.MatchingStatus) error {
	ok, err := s.repo.TransitionJob(ctx, jobID, to, matchingdomain.JobSources(to))
	if err != nil {
		return fmt.Errorf("transition job to %s: %w", to, err)
	}
	if ok {
		return nil
	}

	current, err := s.repo.GetJob(ctx, "", jobID)
	if err != nil {
		return err
	}
	if current == nil {
		return matchingdomain.ErrJobNotFound
	}
	if current.AIMatchingStatus == to {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", matchingdomain.ErrInvalidTransition, current.AIMatchingStatus, to)
}

func (s *Service) CreateProfile(ctx context.Context, req matchingdomain.CreateProfileRequest) (*matchingdomain.CandidateProfile, error) {
	candidateID := strings.TrimSpace(req.CandidateID)
	if candidateID == "" || len(req.Data) == 0 {
		return nil, matchingdomain.ErrInvalidProfile
	}

	now := s.clock.Now()
	profile := &matchingdomain.CandidateProfile{
		ID:        s.genID.Generate(),
		OwnerID:   candidateID,
		Name:      strings.TrimSpace(req.Name),
		Data:      req.Data,
		Scoreable: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateProfile(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

func (s *Service) ListApplications(ctx context.Context, orgID string, req matchingdomain.ListApplicationsRequest) (*matchingdomain.ListApplicationsResponse, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, matchingdomain.ErrInvalidOrganization
	}

	rows, err := s.repo.ListApplications(ctx, orgID, req)
	if err != nil {
		return nil, err
	}
	rows, pageInfo, err := pagination.Trim(rows, req.Limit(), func(a *matchingdomain.Application) pagination.Cursor {
		return pagination.Cursor{ID: a.ID.String(), CreatedAt: a.CreatedAt}
	})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*matchingdomain.Application{}
	}
	return &matchingdomain.ListApplicationsResponse{Applications: rows, PageInfo: pageInfo}, nil
}

func (s *Service) GetApplication(ctx context.Context, orgID string, applicationID snowflake.ID) (*matchingdomain.ApplicationDetail, error) {
	app, err := s.loadApplication(ctx, orgID, applicationID)
	if err != nil {
		return nil, err
	}
	bundle, err := s.repo.GetQuestionBundle(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	return &matchingdomain.ApplicationDetail{Application: app, Questions: bundle}, nil
}

func (s *Service) CompleteApplication(ctx context.Context, orgID string, applicationID snowflake.ID) (*matchingdomain.Application, error) {
	app, err := s.loadApplication(ctx, orgID, applicationID)
	if err != nil {
		return nil, err
	}
	if err := s.applyApplicationStatus(ctx, app, matchingdomain.ApplicationCompleted, nil); err != nil {
		return nil, err
	}
	return app, nil
}

func (s *Service) loadApplication(ctx context.Context, orgID string, applicationID snowflake.ID) (*matchingdomain.Application, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, matchingdomain.ErrInvalidOrganization
	}
	app, err := s.repo.GetApplication(ctx, orgID, applicationID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, matchingdomain.ErrApplicationNotFound
	}
	return app, nil
}

func validateThreshold(threshold *int) error {
	if threshold != nil && (*threshold < 0 || *threshold > 100) {
		return matchingdomain.ErrInvalidThreshold
	}
	return nil
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
