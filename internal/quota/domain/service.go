package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	usagedomain "github.com/SyncHire/sync-hire-sub000/internal/usage/domain"
)

const CodeQuotaExceeded = "QUOTA_EXCEEDED"

// Denial is returned when an organization has no budget left for a request.
// It doubles as an error so handlers can abort with it and render a 402.
type Denial struct {
	Code           string               `json:"code"`
	Message        string               `json:"message"`
	Tier           Tier                 `json:"tier"`
	CurrentUsage   int64                `json:"currentUsage"`
	Limit          *int64               `json:"limit"`
	PeriodKey      string               `json:"periodKey"`
	ResetDate      time.Time            `json:"resetDate"`
	Endpoint       usagedomain.Endpoint `json:"endpoint,omitempty"`
	EstimatedCount int64                `json:"estimatedCount,omitempty"`
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

type CheckOptions struct {
	// EstimatedCount is the caller's estimate of billable units for
	// operations whose true cost is known only after they run.
	EstimatedCount int64
}

// Reservation holds budget for an operation until its real cost is known.
type Reservation interface {
	// Commit charges callCount calls to the reserved endpoint and frees the hold.
	Commit(ctx context.Context, callCount int64) error
	// Release frees the hold without charging.
	Release(ctx context.Context)
}

// Service is the quota gate consulted before external AI calls.
type Service interface {
	CheckQuota(ctx context.Context, orgID string) (*Status, error)
	// WithQuota returns nil when the request may proceed, including when the
	// check itself failed.
	WithQuota(ctx context.Context, orgID string, endpoint usagedomain.Endpoint, opts CheckOptions) *Denial
	// Reserve atomically holds estimatedCount calls of endpoint against the
	// remaining budget.
	Reserve(ctx context.Context, orgID string, endpoint usagedomain.Endpoint, estimatedCount int64) (Reservation, *Denial, error)
	GetQuota(ctx context.Context, orgID string) (*TenantQuota, error)
	SetTier(ctx context.Context, orgID string, tier Tier) (*TenantQuota, error)
}

type Repository interface {
	// FindOrCreate returns the organization's quota, inserting defaults on
	// first use.
	FindOrCreate(ctx context.Context, orgID string, defaults TenantQuota) (*TenantQuota, error)
	Save(ctx context.Context, q *TenantQuota) error
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidTier         = errors.New("invalid_tier")
	ErrInvalidEstimate     = errors.New("invalid_estimate")
)
