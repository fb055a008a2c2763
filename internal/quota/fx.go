package quota

import (
	"github.com/SyncHire/sync-hire-sub000/internal/quota/repository"
	"github.com/SyncHire/sync-hire-sub000/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
