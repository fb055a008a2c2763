package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/SyncHire/sync-hire-sub000/internal/ai"
	matchingdomain "github.com/SyncHire/sync-hire-sub000/internal/matching/domain"
	"github.com/SyncHire/sync-hire-sub000/internal/observability/tracing"
	"github.com/SyncHire/sync-hire-sub000/internal/tasks"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	stepGenerateQuestions = "generate_questions"
	stepPersistQuestions  = "persist_questions"
	stepScheduleQuestions = "schedule_questions"
)

const (
	questionStatusReady  = "ready"
	questionStatusFailed = "failed"
)

// startQuestionGeneration hands the application to the runner without
// waiting for the result. The call blocks only while every question slot is
// taken.
func (s *Service) startQuestionGeneration(ctx context.Context, app *matchingdomain.Application, job *matchingdomain.Job, profile *matchingdomain.CandidateProfile) {
	appID := app.ID
	_, err := s.runner.GoWait(ctx, tasks.KindQuestionGeneration, appID.String(), func(taskCtx context.Context) error {
		return s.generateQuestions(taskCtx, appID, job, profile)
	})
	if err == nil {
		return
	}

	s.log.Warn("question generation not scheduled",
		zap.String("application_id", appID.String()),
		zap.Error(err),
	)
	s.failApplication(context.WithoutCancel(ctx), appID, matchingdomain.FailureInfo{
		Code:      matchingdomain.CodeQuestionGenerationNotScheduled,
		Message:   err.Error(),
		Step:      stepScheduleQuestions,
		Retryable: true,
		Details:   failureDetails(app.CandidateID, job.ID, appID),
	})
}

// generateQuestions is the body of one detached generation task. Every
// error leaves the application FAILED; it is reported to the runner only.
func (s *Service) generateQuestions(ctx context.Context, appID snowflake.ID, job *matchingdomain.Job, profile *matchingdomain.CandidateProfile) error {
	ctx, span := tracing.Start(ctx, tracerName, "matching.questions",
		attribute.String("application_id", appID.String()),
		attribute.String("job_id", job.ID.String()),
	)
	defer span.End()

	questions, err := s.questions.Generate(ctx, ai.QuestionRequest{
		Job:            summarizeJob(job),
		Candidate:      summarizeProfile(profile),
		FixedQuestions: job.FixedQuestions,
	})
	if err == nil || errors.Is(err, ai.ErrInvalidResponse) {
		s.chargeQuestions(context.WithoutCancel(ctx), job.OrgID)
	}
	if err != nil {
		span.RecordError(err)
		s.questionsFailed(ctx, appID, job, profile, matchingdomain.CodeQuestionGenerationFailed, stepGenerateQuestions, err)
		return err
	}

	if err := s.persistQuestions(ctx, appID, job, profile, questions); err != nil {
		span.RecordError(err)
		s.questionsFailed(ctx, appID, job, profile, matchingdomain.CodeQuestionPersistFailed, stepPersistQuestions, err)
		return err
	}

	s.metrics.RecordQuestionGeneration(questionStatusReady)
	s.log.Info("interview questions ready",
		zap.String("application_id", appID.String()),
		zap.Int("questions", len(job.FixedQuestions)+len(questions)),
	)
	return nil
}

// persistQuestions stores the bundle and moves the application to READY.
func (s *Service) persistQuestions(ctx context.Context, appID snowflake.ID, job *matchingdomain.Job, profile *matchingdomain.CandidateProfile, questions []ai.Question) error {
	err := s.repo.SaveQuestionBundle(ctx, &matchingdomain.QuestionBundle{
		ID:            s.genID.Generate(),
		ApplicationID: appID,
		JobID:         job.ID,
		CandidateID:   profile.OwnerID,
		Questions:     buildBundle(job.FixedQuestions, questions),
		GeneratedAt:   s.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("save question bundle: %w", err)
	}

	app, err := s.repo.GetApplication(ctx, "", appID)
	if err != nil {
		return fmt.Errorf("reload application: %w", err)
	}
	if app == nil {
		return matchingdomain.ErrApplicationNotFound
	}
	return s.applyApplicationStatus(ctx, app, matchingdomain.ApplicationReady, nil)
}

func (s *Service) questionsFailed(ctx context.Context, appID snowflake.ID, job *matchingdomain.Job, profile *matchingdomain.CandidateProfile, code, step string, err error) {
	s.metrics.RecordQuestionGeneration(questionStatusFailed)
	s.log.Error("question generation failed",
		zap.String("application_id", appID.String()),
		zap.String("job_id", job.ID.String()),
		zap.String("candidate_id", profile.OwnerID),
		zap.String("step", step),
		zap.Error(err),
	)
	s.failApplication(context.WithoutCancel(ctx), appID, matchingdomain.FailureInfo{
		Code:      code,
		Message:   err.Error(),
		Step:      step,
		Retryable: true,
		Details:   failureDetails(profile.OwnerID, job.ID, appID),
	})
}

// chargeQuestions records the generation call. The run was admitted by the
// matching reservation, so usage is tracked without a second gate.
func (s *Service) chargeQuestions(ctx context.Context, orgID string) {
	if _, err := s.usage.TrackUsage(ctx, orgID, usagedomain.EndpointQuestionsGenerate, 1); err != nil {
		s.log.Warn("failed to track question generation usage", zap.String("org_id", orgID), zap.Error(err))
	}
}

// failApplication reloads the application and moves it to FAILED. Errors
// are logged; there is no caller to report them to.
func (s *Service) failApplication(ctx context.Context, appID snowflake.ID, info matchingdomain.FailureInfo) {
	app, err := s.repo.GetApplication(ctx, "", appID)
	if err != nil || app == nil {
		s.log.Error("failed to reload application for failure",
			zap.String("application_id", appID.String()),
			zap.Error(err),
		)
		return
	}
	info.OccurredAt = s.clock.Now()
	if err := s.applyApplicationStatus(ctx, app, matchingdomain.ApplicationFailed, &info); err != nil {
		s.log.Error("failed to mark application failed",
			zap.String("application_id", appID.String()),
			zap.String("code", info.Code),
			zap.Error(err),
		)
	}
}

// applyApplicationStatus performs a guarded transition on app and updates
// it in place on success.
func (s *Service) applyApplicationStatus(ctx context.Context, app *matchingdomain.Application, to matchingdomain.ApplicationStatus, failure *matchingdomain.FailureInfo) error {
	if !matchingdomain.ApplicationTransitionAllowed(app.Status, to) {
		return fmt.Errorf("%w: %s -> %s", matchingdomain.ErrInvalidTransition, app.Status, to)
	}

	next := *app
	next.Status = to
	next.UpdatedAt = s.clock.Now()
	if failure != nil {
		info := datatypes.NewJSONType(*failure)
		next.FailureInfo = &info
	}

	ok, err := s.repo.TransitionApplication(ctx, &next, matchingdomain.ApplicationSources(to))
	if err != nil {
		return fmt.Errorf("transition application to %s: %w", to, err)
	}
	if !ok {
		return fmt.Errorf("%w: application %s changed concurrently", matchingdomain.ErrInvalidTransition, app.ID)
	}
	*app = next
	return nil
}

func (s *Service) RetryQuestionGeneration(ctx context.Context, orgID string, applicationID snowflake.ID) (*matchingdomain.Application, error) {
	app, err := s.loadApplication(ctx, orgID, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != matchingdomain.ApplicationFailed {
		return nil, fmt.Errorf("%w: application is %s", matchingdomain.ErrInvalidTransition, app.Status)
	}
	if failure := app.Failure(); failure == nil || !failure.Retryable {
		return nil, matchingdomain.ErrNotRetryable
	}

	job, err := s.repo.GetJob(ctx, app.OrgID, app.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, matchingdomain.ErrJobNotFound
	}
	profile, err := s.repo.GetProfile(ctx, app.ProfileID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, matchingdomain.ErrProfileNotFound
	}

	if err := s.applyApplicationStatus(ctx, app, matchingdomain.ApplicationGeneratingQuestions, nil); err != nil {
		return nil, err
	}

	appID := app.ID
	_, err = s.runner.Go(tasks.KindQuestionGeneration, appID.String(), func(taskCtx context.Context) error {
		return s.generateQuestions(taskCtx, appID, job, profile)
	})
	if err != nil {
		s.failApplication(context.WithoutCancel(ctx), appID, matchingdomain.FailureInfo{
			Code:      matchingdomain.CodeQuestionGenerationNotScheduled,
			Message:   err.Error(),
			Step:      stepScheduleQuestions,
			Retryable: true,
			Details:   failureDetails(app.CandidateID, job.ID, appID),
		})
		return nil, fmt.Errorf("%w: %v", matchingdomain.ErrSchedulingFailed, err)
	}

	s.log.Info("question generation retried",
		zap.String("application_id", appID.String()),
		zap.String("org_id", app.OrgID),
	)
	return app, nil
}

// buildBundle puts the job's fixed questions first, then the personalized
// ones.
func buildBundle(fixed []string, suggested []ai.Question) datatypes.JSONSlice[matchingdomain.InterviewQuestion] {
	out := make([]matchingdomain.InterviewQuestion, 0, len(fixed)+len(suggested))
	for _, q := range fixed {
		out = append(out, matchingdomain.InterviewQuestion{Text: q, Origin: matchingdomain.QuestionFixed})
	}
	for _, q := range suggested {
		out = append(out, matchingdomain.InterviewQuestion{
			Text:      q.Text,
			Origin:    matchingdomain.QuestionAISuggested,
			Category:  q.Category,
			Rationale: q.Rationale,
		})
	}
	return out
}

func failureDetails(candidateID string, jobID, appID snowflake.ID) map[string]string {
	return map[string]string{
		"candidateId":   candidateID,
		"jobId":         jobID.String(),
		"applicationId": appID.String(),
	}
}
