package billing

import "time"

// RetryPolicy decides dunning transitions and retry eligibility
type RetryPolicy struct {
	MaxFailures   int
	GracePeriod   time.Duration
	RetryInterval time.Duration
}

// DefaultRetryPolicy is three attempts, a 7 day grace window and 3 days between retries
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxFailures:   3,
		GracePeriod:   7 * 24 * time.Hour,
		RetryInterval: 3 * 24 * time.Hour,
	}
}

// Dunning is the failure-tracking state of a subscription
type Dunning struct {
	Status         SubscriptionStatus
	FailureCount   int
	GracePeriodEnd *time.Time
	NextRetryDate  *time.Time
	LastError      *string
}

// DunningOf extracts the dunning state of a subscription
func DunningOf(s *Subscription) Dunning {
	return Dunning{
		Status:         s.Status,
		FailureCount:   s.PaymentFailureCount,
		GracePeriodEnd: cloneTime(s.GracePeriodEnd),
		NextRetryDate:  cloneTime(s.NextRetryDate),
		LastError:      cloneString(s.LastPaymentError),
	}
}

// OnFailure returns the state after one more failed attempt. The grace
// window is anchored to the first failure of the cycle and is never moved
// once set.
func (p RetryPolicy) OnFailure(d Dunning, reason string, now time.Time) Dunning {
	next := Dunning{
		FailureCount:   d.FailureCount + 1,
		GracePeriodEnd: cloneTime(d.GracePeriodEnd),
		LastError:      stringPtr(reason),
	}
	if next.GracePeriodEnd == nil {
		grace := now.Add(p.GracePeriod)
		next.GracePeriodEnd = &grace
	}
	retry := now.Add(p.RetryInterval)
	next.NextRetryDate = &retry

	if next.FailureCount >= p.MaxFailures {
		next.Status = SubscriptionStatusUnpaid
	} else {
		next.Status = SubscriptionStatusPastDue
	}
	return next
}

// Due reports whether an active subscription has reached its period end
func (p RetryPolicy) Due(s *Subscription, now time.Time) bool {
	return s.Status == SubscriptionStatusActive &&
		!s.CancelAtPeriodEnd &&
		!s.PaymentPending &&
		!s.CurrentPeriodEnd.After(now)
}

// RetryEligible reports whether a past-due subscription may be retried now
func (p RetryPolicy) RetryEligible(s *Subscription, now time.Time) bool {
	return s.Status == SubscriptionStatusPastDue &&
		!s.PaymentPending &&
		s.NextRetryDate != nil && !s.NextRetryDate.After(now) &&
		s.GracePeriodEnd != nil && !s.GracePeriodEnd.Before(now) &&
		s.PaymentFailureCount < p.MaxFailures
}
