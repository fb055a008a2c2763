package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	_ "embed"

	"github.com/SyncHire/sync-hire-sub000/internal/ai"
	"go.uber.org/zap"
)

//go:embed score_prompt.md
var scorePromptTemplate string

const defaultMaxLogLength = 200

// Scorer rates a candidate against a job through Gemini.
type Scorer struct {
	generator      contentGenerator
	logger         *zap.Logger
	maxPromptChars int
}

func NewScorer(generator contentGenerator, logger *zap.Logger, maxPromptChars int) *Scorer {
	if maxPromptChars <= 0 {
		maxPromptChars = defaultMaxPromptChars
	}
	return &Scorer{
		generator:      generator,
		logger:         logger.Named("ai.scorer"),
		maxPromptChars: maxPromptChars,
	}
}

func (s *Scorer) Score(ctx context.Context, job ai.JobSummary, candidate ai.CandidateSummary) (*ai.MatchResult, error) {
	// each side gets half of the prompt budget
	jobJSON, err := boundedJSON(job, s.maxPromptChars/2)
	if err != nil {
		return nil, err
	}
	candidateJSON, err := boundedJSON(candidate, s.maxPromptChars/2)
	if err != nil {
		return nil, err
	}

	prompt := render(scorePromptTemplate, map[string]string{
		"JOB_JSON":       jobJSON,
		"CANDIDATE_JSON": candidateJSON,
	})

	s.logger.Debug("gemini score request",
		zap.String("job_id", job.ID),
		zap.String("candidate_id", candidate.CandidateID),
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
	)

	raw, err := s.generator.GenerateJSON(ctx, prompt)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("gemini score response",
		zap.String("job_id", job.ID),
		zap.String("candidate_id", candidate.CandidateID),
		zap.String("response_preview", truncate(raw, defaultMaxLogLength)),
	)

	return parseMatchResult(raw)
}

func parseMatchResult(raw string) (*ai.MatchResult, error) {
	var result ai.MatchResult
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ai.ErrInvalidResponse, err)
	}
	if err := ai.ValidateMatchResult(&result); err != nil {
		return nil, err
	}
	return &result, nil
}
