package observability

import (
	"github.com/SyncHire/sync-hire-sub000/internal/config"
	"github.com/SyncHire/sync-hire-sub000/internal/observability/logger"
	"github.com/SyncHire/sync-hire-sub000/internal/observability/metrics"
	"github.com/SyncHire/sync-hire-sub000/internal/observability/tracing"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		provideLoggerConfig,
		logger.New,
	),
	metrics.Module,
	tracing.Module,
)

func provideLoggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.AppName,
		Environment:         cfg.Environment,
		Version:             cfg.AppVersion,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		IncludeStackOnError: !cfg.IsProduction(),
	}
}
