package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type MatchingStatus string

const (
	MatchingDisabled MatchingStatus = "DISABLED"
	MatchingScanning MatchingStatus = "SCANNING"
	MatchingComplete MatchingStatus = "COMPLETE"
	MatchingFailed   MatchingStatus = "FAILED"
)

type ApplicationStatus string

const (
	ApplicationGeneratingQuestions ApplicationStatus = "GENERATING_QUESTIONS"
	ApplicationReady               ApplicationStatus = "READY"
	ApplicationCompleted           ApplicationStatus = "COMPLETED"
	ApplicationFailed              ApplicationStatus = "FAILED"
)

var ErrInvalidStatus = errors.New("invalid_status")

func ParseApplicationStatus(raw string) (ApplicationStatus, error) {
	switch st := ApplicationStatus(strings.ToUpper(strings.TrimSpace(raw))); st {
	case ApplicationGeneratingQuestions, ApplicationReady, ApplicationCompleted, ApplicationFailed:
		return st, nil
	default:
		return "", ErrInvalidStatus
	}
}

const (
	SourceAIMatch = "AI_MATCH"

	DefaultMatchThreshold = 70
)

// Job is an open position owned by an organization. AIMatchingStatus is
// DISABLED exactly when AIMatchingEnabled is false.
type Job struct {
	ID                  snowflake.ID                `gorm:"primaryKey" json:"id"`
	OrgID               string                      `gorm:"type:varchar(64);not null;index" json:"organizationId"`
	Title               string                      `gorm:"type:text;not null" json:"title"`
	Company             string                      `gorm:"type:text" json:"company,omitempty"`
	Location            string                      `gorm:"type:text" json:"location,omitempty"`
	Description         string                      `gorm:"type:text;not null" json:"description"`
	Requirements        datatypes.JSONSlice[string] `json:"requirements"`
	FixedQuestions      datatypes.JSONSlice[string] `json:"fixedQuestions"`
	AIMatchingEnabled   bool                        `gorm:"not null;default:false" json:"aiMatchingEnabled"`
	AIMatchingThreshold *int                        `json:"aiMatchingThreshold"`
	AIMatchingStatus    MatchingStatus              `gorm:"type:varchar(16);not null" json:"aiMatchingStatus"`
	Version             int64                       `gorm:"not null;default:0" json:"version"`
	CreatedBy           string                      `gorm:"type:varchar(64)" json:"createdBy,omitempty"`
	CreatedAt           time.Time                   `gorm:"not null" json:"createdAt"`
	UpdatedAt           time.Time                   `gorm:"not null" json:"updatedAt"`
}

func (Job) TableName() string { return "jobs" }

// Threshold returns the job's match threshold, or def when unset.
func (j Job) Threshold(def int) int {
	if j.AIMatchingThreshold != nil {
		return *j.AIMatchingThreshold
	}
	if def <= 0 {
		return DefaultMatchThreshold
	}
	return def
}

// CandidateProfile is a candidate's extracted CV. OwnerID is the candidate's
// user id.
type CandidateProfile struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	OwnerID   string            `gorm:"type:varchar(64);not null;uniqueIndex" json:"candidateId"`
	Name      string            `gorm:"type:text" json:"name"`
	Data      datatypes.JSONMap `gorm:"not null" json:"data"`
	Scoreable bool              `gorm:"not null;index" json:"scoreable"`
	CreatedAt time.Time         `gorm:"not null" json:"createdAt"`
	UpdatedAt time.Time         `gorm:"not null" json:"updatedAt"`
}

func (CandidateProfile) TableName() string { return "candidate_profiles" }

// FailureInfo explains why an application reached FAILED. It is kept after
// the application leaves FAILED.
type FailureInfo struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Step       string            `json:"step"`
	Retryable  bool              `json:"retryable"`
	OccurredAt time.Time         `json:"occurredAt"`
	Details    map[string]string `json:"details,omitempty"`
}

const (
	CodeQuestionGenerationFailed       = "QUESTION_GENERATION_FAILED"
	CodeQuestionGenerationNotScheduled = "QUESTION_GENERATION_NOT_SCHEDULED"
	CodeQuestionPersistFailed          = "QUESTION_PERSIST_FAILED"
)

// Application is one candidate's candidacy for one job, unique per
// (JobID, CandidateID).
type Application struct {
	ID           snowflake.ID                     `gorm:"primaryKey" json:"id"`
	OrgID        string                           `gorm:"type:varchar(64);not null;index" json:"organizationId"`
	JobID        snowflake.ID                     `gorm:"not null;uniqueIndex:ux_applications_job_candidate,priority:1" json:"jobId"`
	CandidateID  string                           `gorm:"type:varchar(64);not null;uniqueIndex:ux_applications_job_candidate,priority:2" json:"candidateId"`
	ProfileID    snowflake.ID                     `gorm:"not null" json:"profileId"`
	Source       string                           `gorm:"type:varchar(32);not null" json:"source"`
	MatchScore   float64                          `gorm:"not null" json:"matchScore"`
	MatchReasons datatypes.JSONSlice[string]      `json:"matchReasons"`
	SkillGaps    datatypes.JSONSlice[string]      `json:"skillGaps"`
	Status       ApplicationStatus                `gorm:"type:varchar(32);not null;index" json:"status"`
	FailureInfo  *datatypes.JSONType[FailureInfo] `json:"failureInfo,omitempty"`
	Version      int64                            `gorm:"not null;default:0" json:"version"`
	CreatedAt    time.Time                        `gorm:"not null" json:"createdAt"`
	UpdatedAt    time.Time                        `gorm:"not null" json:"updatedAt"`
}

func (Application) TableName() string { return "applications" }

// Failure returns the recorded failure, if any.
func (a Application) Failure() *FailureInfo {
	if a.FailureInfo == nil {
		return nil
	}
	info := a.FailureInfo.Data()
	return &info
}

type QuestionOrigin string

const (
	QuestionFixed       QuestionOrigin = "FIXED"
	QuestionAISuggested QuestionOrigin = "AI_SUGGESTED"
)

type InterviewQuestion struct {
	Text      string         `json:"text"`
	Origin    QuestionOrigin `json:"origin"`
	Category  string         `json:"category,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
}

// QuestionBundle is the interview script generated for an application.
type QuestionBundle struct {
	ID            snowflake.ID                           `gorm:"primaryKey" json:"id"`
	ApplicationID snowflake.ID                           `gorm:"not null;uniqueIndex" json:"applicationId"`
	JobID         snowflake.ID                           `gorm:"not null;index" json:"jobId"`
	CandidateID   string                                 `gorm:"type:varchar(64);not null" json:"candidateId"`
	Questions     datatypes.JSONSlice[InterviewQuestion] `json:"questions"`
	GeneratedAt   time.Time                              `gorm:"not null" json:"generatedAt"`
}

func (QuestionBundle) TableName() string { return "question_bundles" }
