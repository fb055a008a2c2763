package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "embed"

	"github.com/SyncHire/sync-hire-sub000/internal/ai"
	"go.uber.org/zap"
)

//go:embed questions_prompt.md
var questionsPromptTemplate string

const maxSuggestedQuestions = 5

type QuestionGenerator struct {
	generator      contentGenerator
	logger         *zap.Logger
	maxPromptChars int
}

func NewQuestionGenerator(generator contentGenerator, logger *zap.Logger, maxPromptChars int) *QuestionGenerator {
	if maxPromptChars <= 0 {
		maxPromptChars = defaultMaxPromptChars
	}
	return &QuestionGenerator{
		generator:      generator,
		logger:         logger.Named("ai.questions"),
		maxPromptChars: maxPromptChars,
	}
}

type questionsResponse struct {
	Questions []ai.Question `json:"questions"`
}

func (g *QuestionGenerator) Generate(ctx context.Context, req ai.QuestionRequest) ([]ai.Question, error) {
	jobJSON, err := boundedJSON(req.Job, g.maxPromptChars/2)
	if err != nil {
		return nil, err
	}
	candidateJSON, err := boundedJSON(req.Candidate, g.maxPromptChars/2)
	if err != nil {
		return nil, err
	}

	fixed := "(none)"
	if len(req.FixedQuestions) > 0 {
		var b strings.Builder
		for i, q := range req.FixedQuestions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, q)
		}
		fixed = strings.TrimSpace(b.String())
	}

	prompt := render(questionsPromptTemplate, map[string]string{
		"JOB_JSON":        jobJSON,
		"CANDIDATE_JSON":  candidateJSON,
		"FIXED_QUESTIONS": fixed,
		"MAX_QUESTIONS":   strconv.Itoa(maxSuggestedQuestions),
	})

	raw, err := g.generator.GenerateJSON(ctx, prompt)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("gemini questions response",
		zap.String("job_id", req.Job.ID),
		zap.String("candidate_id", req.Candidate.CandidateID),
		zap.String("response_preview", truncate(raw, defaultMaxLogLength)),
	)

	var resp questionsResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ai.ErrInvalidResponse, err)
	}
	if len(resp.Questions) == 0 {
		return nil, fmt.Errorf("%w: no questions returned", ai.ErrInvalidResponse)
	}
	if len(resp.Questions) > maxSuggestedQuestions {
		resp.Questions = resp.Questions[:maxSuggestedQuestions]
	}
	for i := range resp.Questions {
		resp.Questions[i].Text = strings.TrimSpace(resp.Questions[i].Text)
		resp.Questions[i].Origin = ai.OriginAISuggested
	}
	if err := ai.ValidateQuestions(resp.Questions); err != nil {
		return nil, err
	}
	return resp.Questions, nil
}
