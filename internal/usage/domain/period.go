package domain

import (
	"fmt"
	"time"
)

const periodLayout = "2006-01"

// Period is one calendar-month billing window in UTC, [Start, End).
type Period struct {
	Key   string
	Start time.Time
	End   time.Time
}

func PeriodFor(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{
		Key:   start.Format(periodLayout),
		Start: start,
		End:   start.AddDate(0, 1, 0),
	}
}

func ParsePeriod(key string) (Period, error) {
	t, err := time.ParseInLocation(periodLayout, key, time.UTC)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, key)
	}
	return PeriodFor(t), nil
}

// ResetAt is the instant the next period's budget becomes available.
func (p Period) ResetAt() time.Time { return p.End }

// CacheExpiry is when a cached counter for this period must be gone.
func (p Period) CacheExpiry(buffer time.Duration) time.Time {
	return p.End.Add(buffer)
}
