package tasks

import (
	"context"

	"github.com/SyncHire/sync-hire-sub000/internal/config"
	"github.com/SyncHire/sync-hire-sub000/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tasks",
	fx.Provide(provideRunner),
)

func provideRunner(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, m *metrics.Metrics) *Runner {
	runner := NewRunner(Config{
		Limits: map[Kind]int64{
			KindMatchingRun:        int64(cfg.Tasks.MaxConcurrentRuns),
			KindQuestionGeneration: int64(cfg.Tasks.MaxConcurrentQuestions),
			KindUsageMerge:         int64(cfg.Tasks.MaxConcurrentMerges),
		},
	}, log, m)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			drainCtx, cancel := context.WithTimeout(ctx, cfg.Tasks.DrainTimeout)
			defer cancel()
			return runner.Shutdown(drainCtx)
		},
	})
	return runner
}
