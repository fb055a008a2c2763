package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/SyncHire/sync-hire-sub000/internal/ai"
	matchingdomain "github.com/SyncHire/sync-hire-sub000/internal/matching/domain"
	obsmetrics "github.com/SyncHire/sync-hire-sub000/internal/observability/metrics"
	"github.com/SyncHire/sync-hire-sub000/internal/observability/tracing"
	quotadomain "github.com/SyncHire/sync-hire-sub000/internal/quota/domain"
	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type runStats struct {
	scored  int64
	matched []string
	skipped int
	failed  int
}

// run scores every scoreable profile against the job, one at a time, and
// creates an application for each match. Whatever happens inside, the job
// leaves SCANNING before run returns and the profiles scored are charged
// once to endpoint.
func (s *Service) run(ctx context.Context, jobID snowflake.ID, endpoint usagedomain.Endpoint, reservation quotadomain.Reservation) (err error) {
	ctx, span := tracing.Start(ctx, tracerName, "matching.run", attribute.String("job_id", jobID.String()))
	log := s.log.With(zap.String("job_id", jobID.String()))
	stats := &runStats{}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("matching run panicked: %v", rec)
			log.Error("matching run panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
		}
		if err != nil {
			span.RecordError(err)
			log.Error("matching run failed, completing job anyway", zap.Error(err))
		}

		// the run context may already be cancelled by shutdown
		finalCtx := context.WithoutCancel(ctx)
		s.settle(finalCtx, log, reservation, stats.scored)

		if terr := s.transitionJob(finalCtx, jobID, matchingdomain.MatchingComplete); terr != nil {
			log.Error("failed to mark job matching complete", zap.Error(terr))
		} else {
			s.metrics.RecordMatchingRun(string(matchingdomain.MatchingComplete))
		}
		span.SetAttributes(
			attribute.Int64("matching.scored", stats.scored),
			attribute.Int("matching.matched", len(stats.matched)),
		)
		span.End()
	}()

	job, err := s.repo.GetJob(ctx, "", jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		log.Warn("job disappeared before matching started")
		return nil
	}

	profiles, err := s.repo.ListScoreableProfiles(ctx)
	if err != nil {
		return fmt.Errorf("list candidate profiles: %w", err)
	}

	threshold := job.Threshold(s.defaultThreshold)
	jobSummary := summarizeJob(job)
	log = log.With(zap.String("org_id", job.OrgID), zap.Int("threshold", threshold))
	log.Info("matching run started", zap.Int("profiles", len(profiles)))

	for _, profile := range profiles {
		if ctx.Err() != nil {
			log.Warn("matching run interrupted", zap.Int64("scored", stats.scored), zap.Error(ctx.Err()))
			break
		}
		s.matchProfile(ctx, log, job, jobSummary, profile, threshold, stats)
	}

	log.Info("matching run finished",
		zap.Int("profiles", len(profiles)),
		zap.Int64("scored", stats.scored),
		zap.Int("matched", len(stats.matched)),
		zap.Strings("matched_candidates", stats.matched),
		zap.Int("skipped", stats.skipped),
		zap.Int("failed", stats.failed),
	)
	return nil
}

func (s *Service) matchProfile(
	ctx context.Context,
	log *zap.Logger,
	job *matchingdomain.Job,
	jobSummary ai.JobSummary,
	profile *matchingdomain.CandidateProfile,
	threshold int,
	stats *runStats,
) {
	log = log.With(zap.String("candidate_id", profile.OwnerID))

	exists, err := s.repo.HasApplication(ctx, job.ID, profile.OwnerID)
	if err != nil {
		log.Warn("application lookup failed, skipping candidate", zap.Error(err))
		stats.failed++
		s.metrics.RecordCandidate(obsmetrics.CandidateScoringFailed)
		return
	}
	if exists {
		stats.skipped++
		s.metrics.RecordCandidate(obsmetrics.CandidateSkipped)
		return
	}

	// only profiles sent to the scorer are charged; deduplicated ones cost nothing
	stats.scored++
	result, err := s.scorer.Score(ctx, jobSummary, summarizeProfile(profile))
	if err != nil {
		log.Warn("candidate scoring failed, skipping", zap.Error(err))
		stats.failed++
		s.metrics.RecordCandidate(obsmetrics.CandidateScoringFailed)
		return
	}

	score := result.Score()
	if score < float64(threshold) {
		log.Debug("candidate below threshold", zap.Float64("score", score))
		s.metrics.RecordCandidate(obsmetrics.CandidateBelowThreshold)
		return
	}

	now := s.clock.Now()
	app := &matchingdomain.Application{
		ID:           s.genID.Generate(),
		OrgID:        job.OrgID,
		JobID:        job.ID,
		CandidateID:  profile.OwnerID,
		ProfileID:    profile.ID,
		Source:       matchingdomain.SourceAIMatch,
		MatchScore:   score,
		MatchReasons: result.MatchReasons,
		SkillGaps:    result.SkillGaps,
		Status:       matchingdomain.ApplicationGeneratingQuestions,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateApplication(ctx, app); err != nil {
		if errors.Is(err, matchingdomain.ErrApplicationExists) {
			stats.skipped++
			s.metrics.RecordCandidate(obsmetrics.CandidateSkipped)
			return
		}
		log.Warn("failed to create application", zap.Error(err))
		stats.failed++
		return
	}

	stats.matched = append(stats.matched, displayName(profile))
	s.metrics.RecordCandidate(obsmetrics.CandidateMatched)
	log.Info("candidate matched",
		zap.String("application_id", app.ID.String()),
		zap.Float64("score", score),
	)

	s.startQuestionGeneration(ctx, app, job, profile)
}

// settle charges the scored profiles against the reservation, or frees it
// when nothing was scored. Profiles skipped because they already hold an
// application are not part of scored and are never billed.
func (s *Service) settle(ctx context.Context, log *zap.Logger, reservation quotadomain.Reservation, scored int64) {
	if reservation == nil {
		return
	}
	if scored == 0 {
		reservation.Release(ctx)
		return
	}
	if err := reservation.Commit(ctx, scored); err != nil {
		log.Error("failed to record matching usage", zap.Int64("scored", scored), zap.Error(err))
	}
}

func summarizeJob(job *matchingdomain.Job) ai.JobSummary {
	return ai.JobSummary{
		ID:           job.ID.String(),
		Title:        job.Title,
		Company:      job.Company,
		Location:     job.Location,
		Description:  job.Description,
		Requirements: job.Requirements,
	}
}

func summarizeProfile(p *matchingdomain.CandidateProfile) ai.CandidateSummary {
	return ai.CandidateSummary{
		CandidateID: p.OwnerID,
		Name:        p.Name,
		Data:        p.Data,
	}
}

func displayName(p *matchingdomain.CandidateProfile) string {
	if p.Name != "" {
		return p.Name
	}
	return p.OwnerID
}
