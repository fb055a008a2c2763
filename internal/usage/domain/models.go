// Package domain holds the per-tenant, per-month AI usage ledger model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageRecord is the durable counter of weighted AI calls an organization
// made in one billing period. It is the source of truth behind the cache.
type UsageRecord struct {
	ID                snowflake.ID                         `gorm:"primaryKey"`
	OrgID             string                               `gorm:"type:varchar(64);not null;uniqueIndex:ux_ai_usage_org_period,priority:1"`
	PeriodKey         string                               `gorm:"type:varchar(7);not null;uniqueIndex:ux_ai_usage_org_period,priority:2"`
	UsageCount        int64                                `gorm:"not null;default:0"`
	EndpointBreakdown datatypes.JSONType[map[string]int64] `gorm:"not null"`
	CreatedAt         time.Time                            `gorm:"not null"`
	UpdatedAt         time.Time                            `gorm:"not null"`
}

func (UsageRecord) TableName() string { return "ai_usage_records" }

// Breakdown returns a copy of the per-endpoint counts.
func (r UsageRecord) Breakdown() map[string]int64 {
	data := r.EndpointBreakdown.Data()
	out := make(map[string]int64, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
