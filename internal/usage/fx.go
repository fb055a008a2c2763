package usage

import (
	usagecache "github.com/SyncHire/sync-hire-sub000/internal/usage/cache"
	"github.com/SyncHire/sync-hire-sub000/internal/usage/repository"
	"github.com/SyncHire/sync-hire-sub000/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(usagecache.NewRedisCache),
	fx.Provide(service.NewService),
)
