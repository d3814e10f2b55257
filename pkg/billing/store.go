package billing

import (
	"context"
	"time"
)

// Store is the persistence boundary of the billing engine
type Store interface {
	// ListDue returns active subscriptions not set to cancel, with no
	// pending payment and current_period_end <= now.
	ListDue(ctx context.Context, now time.Time) ([]*Subscription, error)
	// ListRetryCandidates returns past_due subscriptions with no pending
	// payment, next_retry_date <= now, grace_period_end >= now and fewer
	// than maxFailures failures.
	ListRetryCandidates(ctx context.Context, now time.Time, maxFailures int) ([]*Subscription, error)
	// ListByAccount returns every subscription of an account that is not canceled.
	ListByAccount(ctx context.Context, accountID string) ([]*Subscription, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetAccountConfig(ctx context.Context, accountID string) (*AccountPaymentConfig, error)
	GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*Payment, error)
	// RecordOutcome writes sub and payments atomically. The subscription
	// update applies only if the stored row still matches guard, otherwise
	// nothing is written and ErrConflict is returned. Payments with a
	// gateway id are upserted on it.
	RecordOutcome(ctx context.Context, guard Guard, sub *Subscription, payments []*Payment) error
}

// Locker serializes charge attempts per subscription
type Locker interface {
	// TryLock acquires key for ttl without blocking. acquired is false when
	// another holder has it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, acquired bool, err error)
}

// ChargeLockKey is the lock key guarding charges for one subscription
func ChargeLockKey(subscriptionID string) string {
	return "billrun:charge:" + subscriptionID
}
