package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/billrun/pkg/observability"
)

// Ledger is the single writer of payment outcomes. It is the source of
// truth for whether a gateway transaction has already been recorded.
type Ledger struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewLedger creates a ledger over store
func NewLedger(store Store, logger *observability.Logger, metrics *observability.Metrics) *Ledger {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Ledger{store: store, logger: logger, metrics: metrics}
}

// RecordOutcome persists a subscription transition and its payment rows in
// one transaction, guarded on the pre-attempt state.
func (l *Ledger) RecordOutcome(ctx context.Context, guard Guard, sub *Subscription, payments []*Payment) error {
	now := sub.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	for _, p := range payments {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
	}

	start := time.Now()
	err := l.store.RecordOutcome(ctx, guard, sub, payments)
	l.metrics.RecordLedgerWrite("record_outcome", ignoreConflict(err), start)

	if err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to record outcome for subscription %s: %w", sub.ID, err)
	}
	return nil
}

// MarkUnpaid applies the payment-less transition to unpaid for accounts
// with no automated processor.
func (l *Ledger) MarkUnpaid(ctx context.Context, guard Guard, sub *Subscription) error {
	start := time.Now()
	err := l.store.RecordOutcome(ctx, guard, sub, nil)
	l.metrics.RecordLedgerWrite("mark_unpaid", ignoreConflict(err), start)

	if err != nil && !errors.Is(err, ErrConflict) {
		return fmt.Errorf("failed to mark subscription %s unpaid: %w", sub.ID, err)
	}
	return err
}

// Subscription returns the stored state of a subscription
func (l *Ledger) Subscription(ctx context.Context, id string) (*Subscription, error) {
	sub, err := l.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription %s: %w", id, err)
	}
	return sub, nil
}

// Lookup returns the payment recorded for a gateway transaction, or nil
func (l *Ledger) Lookup(ctx context.Context, gatewayPaymentID string) (*Payment, error) {
	if gatewayPaymentID == "" {
		return nil, nil
	}
	p, err := l.store.GetPaymentByGatewayID(ctx, gatewayPaymentID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up payment %s: %w", gatewayPaymentID, err)
	}
	return p, nil
}

func ignoreConflict(err error) error {
	if errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}
