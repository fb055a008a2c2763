package metrics

import (
	"github.com/SyncHire/sync-hire-sub000/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

var Module = fx.Module("observability.metrics",
	fx.Provide(func(cfg config.Config) (*Metrics, error) {
		return New(prometheus.DefaultRegisterer, Config{
			ServiceName: cfg.AppName,
			Environment: cfg.Environment,
		})
	}),
)
