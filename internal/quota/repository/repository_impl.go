package repository

import (
	"context"
	"time"

	quotadomain "github.com/SyncHire/sync-hire-sub000/internal/quota/domain"
	"github.com/SyncHire/sync-hire-sub000/pkg/db"
	"github.com/SyncHire/sync-hire-sub000/pkg/repository"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type quotaRepo struct {
	store repository.Repository[quotadomain.TenantQuota]
	genID *snowflake.Node
}

func Provide(conn *gorm.DB, genID *snowflake.Node) quotadomain.Repository {
	return &quotaRepo{
		store: repository.ProvideStore[quotadomain.TenantQuota](conn),
		genID: genID,
	}
}

func (r *quotaRepo) FindOrCreate(ctx context.Context, orgID string, defaults quotadomain.TenantQuota) (*quotadomain.TenantQuota, error) {
	existing, err := r.store.FindOne(ctx, &quotadomain.TenantQuota{OrgID: orgID})
	if err != nil || existing != nil {
		return existing, err
	}

	now := time.Now().UTC()
	q := defaults
	q.ID = r.genID.Generate()
	q.OrgID = orgID
	q.CreatedAt = now
	q.UpdatedAt = now
	if err := r.store.Create(ctx, &q); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return r.store.FindOne(ctx, &quotadomain.TenantQuota{OrgID: orgID})
		}
		return nil, err
	}
	return &q, nil
}

func (r *quotaRepo) Save(ctx context.Context, q *quotadomain.TenantQuota) error {
	q.UpdatedAt = time.Now().UTC()
	return r.store.Update(ctx, q.ID, map[string]any{
		"tier":                      q.Tier,
		"monthly_limit":             q.MonthlyLimit,
		"warning_threshold_percent": q.WarningThresholdPercent,
		"updated_at":                q.UpdatedAt,
	})
}
