package repository

import (
	"context"
	"errors"
	"time"

	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
	"github.com/SyncHire/sync-hire-sub000/pkg/db"
	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ledgerRepo struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func Provide(conn *gorm.DB, genID *snowflake.Node) usagedomain.Repository {
	return &ledgerRepo{db: conn, genID: genID}
}

func (r *ledgerRepo) Get(ctx context.Context, orgID, periodKey string) (*usagedomain.UsageRecord, error) {
	var rec usagedomain.UsageRecord
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND period_key = ?", orgID, periodKey).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *ledgerRepo) Merge(ctx context.Context, orgID, periodKey string, endpoint usagedomain.Endpoint, amount int64) (*usagedomain.UsageRecord, error) {
	rec, err := r.merge(ctx, orgID, periodKey, endpoint, amount)
	if err != nil && db.IsDuplicateKeyErr(err) {
		// lost the race to create the period's record; it exists now
		rec, err = r.merge(ctx, orgID, periodKey, endpoint, amount)
	}
	return rec, err
}

func (r *ledgerRepo) merge(ctx context.Context, orgID, periodKey string, endpoint usagedomain.Endpoint, amount int64) (*usagedomain.UsageRecord, error) {
	var out usagedomain.UsageRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var rec usagedomain.UsageRecord
		err := q.Where("org_id = ? AND period_key = ?", orgID, periodKey).First(&rec).Error
		now := time.Now().UTC()

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = usagedomain.UsageRecord{
				ID:                r.genID.Generate(),
				OrgID:             orgID,
				PeriodKey:         periodKey,
				UsageCount:        amount,
				EndpointBreakdown: datatypes.NewJSONType(map[string]int64{string(endpoint): amount}),
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			breakdown := rec.Breakdown()
			breakdown[string(endpoint)] += amount
			rec.UsageCount += amount
			rec.EndpointBreakdown = datatypes.NewJSONType(breakdown)
			rec.UpdatedAt = now
			if err := tx.Model(&usagedomain.UsageRecord{}).
				Where("id = ?", rec.ID).
				Updates(map[string]any{
					"usage_count":        rec.UsageCount,
					"endpoint_breakdown": rec.EndpointBreakdown,
					"updated_at":         rec.UpdatedAt,
				}).Error; err != nil {
				return err
			}
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
