package domain

// Decision is the pure outcome of applying a tier budget to a usage count.
type Decision struct {
	Allowed   bool
	Remaining *int64
	Warning   bool
}

// Evaluate applies the quota policy. Unlimited quotas are always allowed,
// have no remaining count and never warn.
func Evaluate(q TenantQuota, currentUsage int64) Decision {
	if q.Unlimited() {
		return Decision{Allowed: true}
	}

	limit := *q.MonthlyLimit
	remaining := limit - currentUsage
	if remaining < 0 {
		remaining = 0
	}
	// integer form of usage >= limit * percent / 100
	warning := currentUsage*100 >= limit*int64(q.WarningThresholdPercent)

	return Decision{
		Allowed:   currentUsage < limit,
		Remaining: &remaining,
		Warning:   warning,
	}
}
