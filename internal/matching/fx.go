package matching

import (
	"github.com/SyncHire/sync-hire-sub000/internal/matching/repository"
	"github.com/SyncHire/sync-hire-sub000/internal/matching/service"
	"go.uber.org/fx"
)

var Module = fx.Module("matching.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
