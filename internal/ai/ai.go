// Package ai defines the contracts of the external scoring and question
// generation calls used by candidate matching.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotConfigured   = errors.New("ai_not_configured")
	ErrInvalidResponse = errors.New("invalid_ai_response")
)

// JobSummary is the job side of a scoring or generation prompt.
type JobSummary struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Company      string   `json:"company,omitempty"`
	Location     string   `json:"location,omitempty"`
	Description  string   `json:"description"`
	Requirements []string `json:"requirements,omitempty"`
}

// CandidateSummary is the candidate side of a prompt. Data holds the
// extracted CV fields as stored.
type CandidateSummary struct {
	CandidateID string         `json:"candidateId"`
	Name        string         `json:"name,omitempty"`
	Data        map[string]any `json:"data"`
}

type MatchResult struct {
	MatchScore   *float64 `json:"matchScore" validate:"required,gte=0,lte=100"`
	MatchReasons []string `json:"matchReasons" validate:"required,dive,required"`
	SkillGaps    []string `json:"skillGaps" validate:"required"`
}

// Score returns the validated score.
func (r MatchResult) Score() float64 {
	if r.MatchScore == nil {
		return 0
	}
	return *r.MatchScore
}

type QuestionOrigin string

const (
	OriginFixed       QuestionOrigin = "FIXED"
	OriginAISuggested QuestionOrigin = "AI_SUGGESTED"
)

type Question struct {
	Text      string         `json:"text" validate:"required"`
	Origin    QuestionOrigin `json:"origin" validate:"required,oneof=FIXED AI_SUGGESTED"`
	Category  string         `json:"category,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
}

type QuestionRequest struct {
	Job            JobSummary
	Candidate      CandidateSummary
	FixedQuestions []string
}

type Scorer interface {
	Score(ctx context.Context, job JobSummary, candidate CandidateSummary) (*MatchResult, error)
}

// QuestionGenerator returns the personalized questions for a candidate.
// Fixed questions are echoed back only when the model rewrites them.
type QuestionGenerator interface {
	Generate(ctx context.Context, req QuestionRequest) ([]Question, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateMatchResult enforces the scoring response contract.
func ValidateMatchResult(r *MatchResult) error {
	if r == nil {
		return fmt.Errorf("%w: empty match result", ErrInvalidResponse)
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// ValidateQuestions enforces the generation response contract. AI-suggested
// questions must carry a rationale.
func ValidateQuestions(questions []Question) error {
	for i := range questions {
		q := &questions[i]
		if err := validate.Struct(q); err != nil {
			return fmt.Errorf("%w: question %d: %v", ErrInvalidResponse, i, err)
		}
		if q.Origin == OriginAISuggested && strings.TrimSpace(q.Rationale) == "" {
			return fmt.Errorf("%w: question %d: missing rationale", ErrInvalidResponse, i)
		}
	}
	return nil
}

type disabled struct{}

// Disabled is used when no AI credentials are configured. Every call fails
// with ErrNotConfigured.
func Disabled() interface {
	Scorer
	QuestionGenerator
} {
	return disabled{}
}

func (disabled) Score(context.Context, JobSummary, CandidateSummary) (*MatchResult, error) {
	return nil, ErrNotConfigured
}

func (disabled) Generate(context.Context, QuestionRequest) ([]Question, error) {
	return nil, ErrNotConfigured
}
