package gemini

import (
	"context"

	"github.com/SyncHire/sync-hire-sub000/internal/ai"
	"github.com/SyncHire/sync-hire-sub000/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ai.gemini",
	fx.Provide(provideClients),
)

func provideClients(cfg config.Config, log *zap.Logger) (ai.Clients, error) {
	if cfg.AI.APIKey == "" {
		log.Warn("GEMINI_API_KEY not set, AI scoring and question generation are disabled")
		return ai.DisabledClients(), nil
	}

	gen, err := NewGenerator(context.Background(), cfg.AI.APIKey, cfg.AI.Model)
	if err != nil {
		return ai.Clients{}, err
	}
	log.Info("gemini client ready", zap.String("model", gen.Model()))

	return ai.Clients{
		Scorer:    NewScorer(gen, log, cfg.AI.MaxPromptChars),
		Questions: NewQuestionGenerator(gen, log, cfg.AI.MaxPromptChars),
	}, nil
}
