package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/SyncHire/sync-hire-sub000/internal/cache"
	"github.com/SyncHire/sync-hire-sub000/internal/clock"
	"github.com/SyncHire/sync-hire-sub000/internal/config"
	"github.com/SyncHire/sync-hire-sub000/internal/observability"
	"github.com/SyncHire/sync-hire-sub000/pkg/db"
)

const app = "synchire"

var rootCmd = &cobra.Command{
	Use:          app,
	Short:        "synchire runs AI quota accounting and candidate matching",
	SilenceUsage: true,
}

// coreModules are shared by every command that touches the database.
func coreModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		cache.Module,
		clock.Module,
	)
}
