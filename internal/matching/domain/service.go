package domain

import (
	"context"
	"errors"

	"github.com/SyncHire/sync-hire-sub000/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"

	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
)

type CreateJobRequest struct {
	Title               string   `json:"title"`
	Company             string   `json:"company"`
	Location            string   `json:"location"`
	Description         string   `json:"description"`
	Requirements        []string `json:"requirements"`
	FixedQuestions      []string `json:"fixedQuestions"`
	AIMatchingEnabled   bool     `json:"aiMatchingEnabled"`
	AIMatchingThreshold *int     `json:"aiMatchingThreshold"`
}

type MatchingSettingsRequest struct {
	Enabled   bool `json:"enabled"`
	Threshold *int `json:"threshold"`
}

type CreateProfileRequest struct {
	CandidateID string         `json:"candidateId"`
	Name        string         `json:"name"`
	Data        map[string]any `json:"data"`
}

// TriggerResult describes a matching run that was accepted. TaskID is empty
// when the run finished synchronously because there was nothing to score.
type TriggerResult struct {
	JobID      snowflake.ID   `json:"jobId"`
	Status     MatchingStatus `json:"status"`
	Candidates int64          `json:"candidates"`
	TaskID     string         `json:"taskId,omitempty"`
}

type ListApplicationsRequest struct {
	JobID  snowflake.ID
	Status ApplicationStatus
	pagination.Pagination
}

type ListApplicationsResponse struct {
	Applications []*Application      `json:"applications"`
	PageInfo     pagination.PageInfo `json:"pageInfo"`
}

// ApplicationDetail is an application with its question bundle, when one
// has been generated.
type ApplicationDetail struct {
	*Application
	Questions *QuestionBundle `json:"questionBundle,omitempty"`
}

// Service runs candidate matching and owns the job and application state
// machines. Every org-scoped call requires a non-empty orgID.
type Service interface {
	CreateJob(ctx context.Context, orgID, actor string, req CreateJobRequest) (*Job, *TriggerResult, error)
	GetJob(ctx context.Context, orgID string, jobID snowflake.ID) (*Job, error)
	// SetMatchingSettings enables or disables matching. Enabling starts a run.
	SetMatchingSettings(ctx context.Context, orgID string, jobID snowflake.ID, req MatchingSettingsRequest) (*Job, *TriggerResult, error)
	// TriggerMatching starts a detached run charged to endpoint.
	TriggerMatching(ctx context.Context, orgID string, jobID snowflake.ID, endpoint usagedomain.Endpoint) (*TriggerResult, error)

	CreateProfile(ctx context.Context, req CreateProfileRequest) (*CandidateProfile, error)

	ListApplications(ctx context.Context, orgID string, req ListApplicationsRequest) (*ListApplicationsResponse, error)
	GetApplication(ctx context.Context, orgID string, applicationID snowflake.ID) (*ApplicationDetail, error)
	// RetryQuestionGeneration moves a retryable FAILED application back to
	// GENERATING_QUESTIONS and starts generation again.
	RetryQuestionGeneration(ctx context.Context, orgID string, applicationID snowflake.ID) (*Application, error)
	CompleteApplication(ctx context.Context, orgID string, applicationID snowflake.ID) (*Application, error)
}

type Repository interface {
	CreateJob(ctx context.Context, job *Job) error
	// GetJob returns (nil, nil) when absent. An empty orgID matches any org.
	GetJob(ctx context.Context, orgID string, id snowflake.ID) (*Job, error)
	UpdateJobSettings(ctx context.Context, job *Job) error
	// TransitionJob moves the job to status when its current status is one
	// of from and reports whether the row changed.
	TransitionJob(ctx context.Context, id snowflake.ID, to MatchingStatus, from []MatchingStatus) (bool, error)

	CreateProfile(ctx context.Context, p *CandidateProfile) error
	GetProfile(ctx context.Context, id snowflake.ID) (*CandidateProfile, error)
	ListScoreableProfiles(ctx context.Context) ([]*CandidateProfile, error)
	CountScoreableProfiles(ctx context.Context) (int64, error)

	HasApplication(ctx context.Context, jobID snowflake.ID, candidateID string) (bool, error)
	// CreateApplication fails with ErrApplicationExists on a duplicate
	// (job, candidate) pair.
	CreateApplication(ctx context.Context, app *Application) error
	GetApplication(ctx context.Context, orgID string, id snowflake.ID) (*Application, error)
	ListApplications(ctx context.Context, orgID string, req ListApplicationsRequest) ([]*Application, error)
	// TransitionApplication applies app.Status and app.FailureInfo when the
	// stored row still has the version and one of the from statuses.
	TransitionApplication(ctx context.Context, app *Application, from []ApplicationStatus) (bool, error)

	SaveQuestionBundle(ctx context.Context, bundle *QuestionBundle) error
	GetQuestionBundle(ctx context.Context, applicationID snowflake.ID) (*QuestionBundle, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidJob          = errors.New("invalid_job")
	ErrInvalidThreshold    = errors.New("invalid_threshold")
	ErrInvalidProfile      = errors.New("invalid_profile")
	ErrInvalidEndpoint     = errors.New("invalid_endpoint")
	ErrJobNotFound         = errors.New("job_not_found")
	ErrApplicationNotFound = errors.New("application_not_found")
	ErrProfileNotFound     = errors.New("profile_not_found")
	ErrApplicationExists   = errors.New("application_exists")
	ErrProfileExists       = errors.New("profile_exists")
	ErrMatchingDisabled    = errors.New("matching_disabled")
	ErrMatchingInProgress  = errors.New("matching_in_progress")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrNotRetryable        = errors.New("not_retryable")
	ErrSchedulingFailed    = errors.New("scheduling_failed")
)
