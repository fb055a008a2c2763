package domain

import (
	"context"
	"errors"
	"time"
)

type Summary struct {
	OrgID      string           `json:"organizationId"`
	PeriodKey  string           `json:"periodKey"`
	TotalUsage int64            `json:"totalUsage"`
	Breakdown  map[string]int64 `json:"endpointBreakdown"`
	ResetAt    time.Time        `json:"resetDate"`
}

// Service is the usage ledger facade used by the quota gate and by the
// code paths that charge AI calls.
type Service interface {
	CurrentPeriod() Period
	GetCurrentUsage(ctx context.Context, orgID string, period Period) (int64, error)
	Increment(ctx context.Context, orgID string, period Period, endpoint Endpoint, weightedCount int64) (int64, error)
	// TrackUsage charges callCount calls of endpoint to the current period.
	TrackUsage(ctx context.Context, orgID string, endpoint Endpoint, callCount int64) (int64, error)
	Summary(ctx context.Context, orgID string, period Period) (*Summary, error)
}

// Repository is the durable ledger.
type Repository interface {
	// Get returns (nil, nil) when the period has no record yet.
	Get(ctx context.Context, orgID, periodKey string) (*UsageRecord, error)
	// Merge adds amount to the total and to the endpoint's breakdown,
	// creating the record on first use of the period.
	Merge(ctx context.Context, orgID, periodKey string, endpoint Endpoint, amount int64) (*UsageRecord, error)
}

// Cache mirrors the current-period total. Implementations never create a
// counter on increment; callers seed it from the ledger first.
type Cache interface {
	Get(ctx context.Context, orgID, periodKey string) (int64, bool, error)
	// SetIfAbsent stores value unless a counter already exists.
	SetIfAbsent(ctx context.Context, orgID, periodKey string, value int64, expireAt time.Time) (bool, error)
	// IncrIfPresent adds amount when the counter exists and reports the new total.
	IncrIfPresent(ctx context.Context, orgID, periodKey string, amount int64) (int64, bool, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrUnknownEndpoint     = errors.New("unknown_endpoint")
	ErrInvalidCount        = errors.New("invalid_count")
	ErrInvalidPeriod       = errors.New("invalid_period")
)
