package repository

import (
	"context"
	"time"

	matchingdomain "github.com/SyncHire/sync-hire-sub000/internal/matching/domain"
	"github.com/SyncHire/sync-hire-sub000/pkg/db"
	"github.com/SyncHire/sync-hire-sub000/pkg/db/pagination"
	"github.com/SyncHire/sync-hire-sub000/pkg/repository"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type matchingRepo struct {
	db           *gorm.DB
	jobs         repository.Repository[matchingdomain.Job]
	profiles     repository.Repository[matchingdomain.CandidateProfile]
	applications repository.Repository[matchingdomain.Application]
	bundles      repository.Repository[matchingdomain.QuestionBundle]
}

func Provide(conn *gorm.DB) matchingdomain.Repository {
	return &matchingRepo{
		db:           conn,
		jobs:         repository.ProvideStore[matchingdomain.Job](conn),
		profiles:     repository.ProvideStore[matchingdomain.CandidateProfile](conn),
		applications: repository.ProvideStore[matchingdomain.Application](conn),
		bundles:      repository.ProvideStore[matchingdomain.QuestionBundle](conn),
	}
}

func (r *matchingRepo) CreateJob(ctx context.Context, job *matchingdomain.Job) error {
	return r.jobs.Create(ctx, job)
}

func (r *matchingRepo) GetJob(ctx context.Context, orgID string, id snowflake.ID) (*matchingdomain.Job, error) {
	if id == 0 {
		return nil, nil
	}
	query := &matchingdomain.Job{ID: id, OrgID: orgID}
	return r.jobs.FindOne(ctx, query)
}

func (r *matchingRepo) UpdateJobSettings(ctx context.Context, job *matchingdomain.Job) error {
	job.UpdatedAt = time.Now().UTC()
	return r.jobs.Update(ctx, job.ID, map[string]any{
		"ai_matching_enabled":   job.AIMatchingEnabled,
		"ai_matching_threshold": job.AIMatchingThreshold,
		"updated_at":            job.UpdatedAt,
	})
}

func (r *matchingRepo) TransitionJob(ctx context.Context, id snowflake.ID, to matchingdomain.MatchingStatus, from []matchingdomain.MatchingStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	res := r.db.WithContext(ctx).
		Model(&matchingdomain.Job{}).
		Where("id = ? AND ai_matching_status IN ?", id, from).
		Updates(map[string]any{
			"ai_matching_status": to,
			"version":            gorm.Expr("version + 1"),
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *matchingRepo) CreateProfile(ctx context.Context, p *matchingdomain.CandidateProfile) error {
	if err := r.profiles.Create(ctx, p); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return matchingdomain.ErrProfileExists
		}
		return err
	}
	return nil
}

func (r *matchingRepo) GetProfile(ctx context.Context, id snowflake.ID) (*matchingdomain.CandidateProfile, error) {
	if id == 0 {
		return nil, nil
	}
	return r.profiles.FindOne(ctx, &matchingdomain.CandidateProfile{ID: id})
}

func (r *matchingRepo) ListScoreableProfiles(ctx context.Context) ([]*matchingdomain.CandidateProfile, error) {
	return r.profiles.Find(ctx, &matchingdomain.CandidateProfile{},
		repository.WithWhere("scoreable = ?", true),
		repository.WithOrder("id ASC"),
	)
}

func (r *matchingRepo) CountScoreableProfiles(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&matchingdomain.CandidateProfile{}).
		Where("scoreable = ?", true).
		Count(&count).Error
	return count, err
}

func (r *matchingRepo) HasApplication(ctx context.Context, jobID snowflake.ID, candidateID string) (bool, error) {
	count, err := r.applications.Count(ctx, &matchingdomain.Application{JobID: jobID, CandidateID: candidateID})
	return count > 0, err
}

func (r *matchingRepo) CreateApplication(ctx context.Context, app *matchingdomain.Application) error {
	if err := r.applications.Create(ctx, app); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return matchingdomain.ErrApplicationExists
		}
		return err
	}
	return nil
}

func (r *matchingRepo) GetApplication(ctx context.Context, orgID string, id snowflake.ID) (*matchingdomain.Application, error) {
	if id == 0 {
		return nil, nil
	}
	return r.applications.FindOne(ctx, &matchingdomain.Application{ID: id, OrgID: orgID})
}

func (r *matchingRepo) ListApplications(ctx context.Context, orgID string, req matchingdomain.ListApplicationsRequest) ([]*matchingdomain.Application, error) {
	opts := []repository.QueryOption{
		repository.WithOrder("created_at DESC, id DESC"),
		repository.WithLimit(req.Limit() + 1),
	}

	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return nil, err
	}
	if cursor != nil {
		cursorID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		opts = append(opts, repository.WithWhere(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursorID,
		))
	}

	query := &matchingdomain.Application{OrgID: orgID, JobID: req.JobID, Status: req.Status}
	return r.applications.Find(ctx, query, opts...)
}

func (r *matchingRepo) TransitionApplication(ctx context.Context, app *matchingdomain.Application, from []matchingdomain.ApplicationStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	updates := map[string]any{
		"status":     app.Status,
		"version":    gorm.Expr("version + 1"),
		"updated_at": app.UpdatedAt,
	}
	if app.FailureInfo != nil {
		updates["failure_info"] = app.FailureInfo
	}

	res := r.db.WithContext(ctx).
		Model(&matchingdomain.Application{}).
		Where("id = ? AND version = ? AND status IN ?", app.ID, app.Version, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	app.Version++
	return true, nil
}

func (r *matchingRepo) SaveQuestionBundle(ctx context.Context, bundle *matchingdomain.QuestionBundle) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "application_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"questions", "generated_at"}),
		}).
		Create(bundle).Error
}

func (r *matchingRepo) GetQuestionBundle(ctx context.Context, applicationID snowflake.ID) (*matchingdomain.QuestionBundle, error) {
	if applicationID == 0 {
		return nil, nil
	}
	return r.bundles.FindOne(ctx, &matchingdomain.QuestionBundle{ApplicationID: applicationID})
}
