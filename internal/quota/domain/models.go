package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Tier string

const (
	TierFree         Tier = "FREE"
	TierStarter      Tier = "STARTER"
	TierProfessional Tier = "PROFESSIONAL"
	TierEnterprise   Tier = "ENTERPRISE"
)

var tiers = []Tier{TierFree, TierStarter, TierProfessional, TierEnterprise}

func ParseTier(raw string) (Tier, error) {
	candidate := Tier(strings.ToUpper(strings.TrimSpace(raw)))
	for _, t := range tiers {
		if t == candidate {
			return t, nil
		}
	}
	return "", ErrInvalidTier
}

// TenantQuota is an organization's monthly AI budget. A nil MonthlyLimit
// means the organization is not limited.
type TenantQuota struct {
	ID                      snowflake.ID `gorm:"primaryKey"`
	OrgID                   string       `gorm:"type:varchar(64);not null;uniqueIndex"`
	Tier                    Tier         `gorm:"type:varchar(32);not null"`
	MonthlyLimit            *int64
	WarningThresholdPercent int       `gorm:"not null;default:80"`
	CreatedAt               time.Time `gorm:"not null"`
	UpdatedAt               time.Time `gorm:"not null"`
}

func (TenantQuota) TableName() string { return "tenant_quotas" }

func (q TenantQuota) Unlimited() bool {
	return q.Tier == TierEnterprise || q.MonthlyLimit == nil
}

// Status is the result of a quota check for the current period.
type Status struct {
	Allowed          bool      `json:"allowed"`
	CurrentUsage     int64     `json:"currentUsage"`
	Limit            *int64    `json:"limit"`
	Remaining        *int64    `json:"remaining"`
	Tier             Tier      `json:"tier"`
	WarningThreshold bool      `json:"warningThreshold"`
	PeriodKey        string    `json:"periodKey"`
	ResetDate        time.Time `json:"resetDate"`
}
