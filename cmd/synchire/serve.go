package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/SyncHire/sync-hire-sub000/internal/ai/gemini"
	"github.com/SyncHire/sync-hire-sub000/internal/authorization"
	"github.com/SyncHire/sync-hire-sub000/internal/matching"
	"github.com/SyncHire/sync-hire-sub000/internal/migration"
	"github.com/SyncHire/sync-hire-sub000/internal/quota"
	"github.com/SyncHire/sync-hire-sub000/internal/ratelimit"
	"github.com/SyncHire/sync-hire-sub000/internal/server"
	"github.com/SyncHire/sync-hire-sub000/internal/tasks"
	"github.com/SyncHire/sync-hire-sub000/internal/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background matching runner",
	Run: func(cmd *cobra.Command, _ []string) {
		fx.New(
			coreModules(),
			migration.Module,

			tasks.Module,
			usage.Module,
			quota.Module,
			gemini.Module,
			matching.Module,
			authorization.Module,
			ratelimit.Module,

			server.Module,
		).Run()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
