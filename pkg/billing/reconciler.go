package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/billrun/pkg/gateway"
	"github.com/platinummonkey/billrun/pkg/observability"
)

// ReconcileAction is what the reconciler did with an event
type ReconcileAction string

const (
	ActionApplied   ReconcileAction = "applied"
	ActionIgnored   ReconcileAction = "ignored"
	ActionNoop      ReconcileAction = "noop"
	ActionDiscarded ReconcileAction = "discarded"
)

// Reconcile reasons
const (
	ReasonNonTerminal         = "non_terminal"
	ReasonMissingTransaction  = "missing_transaction"
	ReasonStatusConflict      = "status_conflict"
	ReasonUnknownSubscription = "unknown_subscription"
	ReasonStaleTransaction    = "stale_transaction"
	ReasonPeriodMismatch      = "period_mismatch"
	ReasonSettled             = "settled"
	ReasonSettlementFailed    = "settlement_failed"
	ReasonRecordedOnly        = "recorded_only"
)

// ReconcileResult reports how one gateway event was handled
type ReconcileResult struct {
	EventID        string             `json:"event_id"`
	TransactionID  string             `json:"transaction_id"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	Action         ReconcileAction    `json:"action"`
	Reason         string             `json:"reason"`
	Status         SubscriptionStatus `json:"status,omitempty"`
}

// Reconciler applies asynchronous gateway notifications to subscriptions
type Reconciler struct {
	store   Store
	ledger  *Ledger
	locker  Locker
	policy  RetryPolicy
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewReconciler creates a reconciler. The locker should be the one the
// orchestrator uses; while a charge holds a subscription's lock, events for
// that subscription are refused with ErrChargeInFlight. A nil locker
// disables the check.
func NewReconciler(store Store, ledger *Ledger, locker Locker, policy RetryPolicy, logger *observability.Logger, metrics *observability.Metrics) *Reconciler {
	if policy.MaxFailures == 0 {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Reconciler{
		store:   store,
		ledger:  ledger,
		locker:  locker,
		policy:  policy,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
		tracer:  observability.Tracer("billing"),
	}
}

// Reconcile applies ev. Discarded events are not errors; an error is
// returned when the ledger could not be read or written, or with
// ErrChargeInFlight while a charge for the subscription runs, so the
// gateway redelivers.
func (r *Reconciler) Reconcile(ctx context.Context, ev *gateway.Event) (*ReconcileResult, error) {
	ctx, span := r.tracer.Start(ctx, "billing.Reconcile", trace.WithAttributes(
		attribute.String("gateway.event_id", ev.ID),
		attribute.String("gateway.transaction_id", ev.TransactionID),
		attribute.String("gateway.status", string(ev.Status)),
	))
	defer span.End()

	traced := observability.UpdateLoggerWithTraceContext(ctx, r.logger)
	res, err := r.reconcile(ctx, ev)
	if err != nil {
		span.RecordError(err)
		logger := traced.WithFields(map[string]interface{}{
			"event_id":       ev.ID,
			"transaction_id": ev.TransactionID,
		}).WithError(err)
		if errors.Is(err, ErrChargeInFlight) {
			r.metrics.RecordWebhook("deferred")
			logger.Warn("webhook deferred until the running charge is recorded")
		} else {
			r.metrics.RecordWebhook("error")
			logger.Error("webhook reconciliation failed")
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.String("billing.action", string(res.Action)),
		attribute.String("billing.reason", res.Reason),
	)
	r.metrics.RecordWebhook(res.Reason)

	logger := traced.WithFields(map[string]interface{}{
		"event_id":        res.EventID,
		"transaction_id":  res.TransactionID,
		"subscription_id": res.SubscriptionID,
		"action":          string(res.Action),
		"reason":          res.Reason,
	})
	if res.Action == ActionDiscarded {
		logger.Warn("webhook event discarded")
	} else {
		logger.Info("webhook event reconciled")
	}
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, ev *gateway.Event) (*ReconcileResult, error) {
	res := &ReconcileResult{EventID: ev.ID, TransactionID: ev.TransactionID}
	done := func(action ReconcileAction, reason string) (*ReconcileResult, error) {
		res.Action = action
		res.Reason = reason
		return res, nil
	}

	if !ev.Status.Terminal() {
		return done(ActionIgnored, ReasonNonTerminal)
	}
	if ev.TransactionID == "" {
		return done(ActionDiscarded, ReasonMissingTransaction)
	}
	status := PaymentStatus(ev.Status)

	existing, err := r.ledger.Lookup(ctx, ev.TransactionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		res.SubscriptionID = existing.SubscriptionID
		if existing.Status == status {
			return done(ActionNoop, ReasonAlreadyRecorded)
		}
		if existing.Status.Terminal() {
			return done(ActionDiscarded, ReasonStatusConflict)
		}
	}

	subID := ev.SubscriptionID
	if existing != nil {
		subID = existing.SubscriptionID
	}
	if subID == "" {
		return done(ActionDiscarded, ReasonUnknownSubscription)
	}
	res.SubscriptionID = subID

	if r.locker != nil {
		unlock, acquired, err := r.locker.TryLock(ctx, ChargeLockKey(subID), persistTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to lock subscription %s: %w", subID, err)
		}
		if !acquired {
			return nil, fmt.Errorf("%w: subscription %s", ErrChargeInFlight, subID)
		}
		defer func() {
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
			defer cancel()
			if err := unlock(unlockCtx); err != nil {
				r.logger.WithError(err).WithField("subscription_id", subID).Warn("failed to release charge lock")
			}
		}()
	}

	sub, err := r.store.GetSubscription(ctx, subID)
	if errors.Is(err, ErrNotFound) {
		return done(ActionDiscarded, ReasonUnknownSubscription)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription %s: %w", subID, err)
	}
	res.Status = sub.Status

	// A transaction the ledger has not seen is judged by the billing period
	// it was created for. latest_payment_id only identifies superseded
	// charges once they are recorded.
	currentPeriod := false
	if existing == nil && ev.PeriodEnd != "" {
		periodEnd, err := time.Parse(time.RFC3339, ev.PeriodEnd)
		if err != nil || !periodEnd.Equal(sub.CurrentPeriodEnd.Truncate(time.Second)) {
			return done(ActionDiscarded, ReasonPeriodMismatch)
		}
		currentPeriod = true
	}
	if !currentPeriod && sub.LatestPaymentID != nil && *sub.LatestPaymentID != ev.TransactionID {
		return done(ActionDiscarded, ReasonStaleTransaction)
	}

	now := r.now()
	payment := r.paymentFor(ev, existing, sub, status, now)
	guard := GuardFor(sub)

	var (
		next   *Subscription
		reason string
	)
	switch {
	case status == PaymentStatusSucceeded:
		next = applySuccess(sub, ev.TransactionID, now)
		reason = ReasonSettled
	case existing != nil || equalStringPtr(sub.LatestPaymentID, &ev.TransactionID):
		failure := ev.FailureReason
		if failure == "" {
			failure = gateway.ReasonDeclined
		}
		next = applyFailure(r.policy, sub, ev.TransactionID, failure, now)
		reason = ReasonSettlementFailed
	default:
		// A failure for a charge this subscription never recorded as its
		// current attempt is kept for audit only.
		next = sub
		reason = ReasonRecordedOnly
	}

	err = r.ledger.RecordOutcome(ctx, guard, next, []*Payment{payment})
	if errors.Is(err, ErrConflict) {
		return done(ActionDiscarded, ReasonConflict)
	}
	if err != nil {
		return nil, err
	}
	res.Status = next.Status
	return done(ActionApplied, reason)
}

// paymentFor builds the payment row the event settles, updating the pending
// row when one exists.
func (r *Reconciler) paymentFor(ev *gateway.Event, existing *Payment, sub *Subscription, status PaymentStatus, now time.Time) *Payment {
	var p *Payment
	if existing != nil {
		cp := *existing
		p = &cp
	} else {
		p = &Payment{
			SubscriptionID:   sub.ID,
			AccountID:        sub.AccountID,
			Amount:           gateway.FromMinorUnits(ev.AmountMinor, ev.Currency),
			Currency:         strings.ToLower(ev.Currency),
			GatewayPaymentID: stringPtr(ev.TransactionID),
			PeriodEnd:        sub.CurrentPeriodEnd,
			CreatedAt:        now,
		}
		if ev.Method != "" {
			method := ev.Method
			p.PaymentMethod = &method
		}
	}
	p.Status = status
	p.UpdatedAt = now
	switch status {
	case PaymentStatusSucceeded:
		p.PaidAt = &now
		p.FailureReason = nil
	case PaymentStatusFailed:
		reason := ev.FailureReason
		if reason == "" {
			reason = gateway.ReasonDeclined
		}
		p.FailureReason = stringPtr(reason)
	}
	return p
}
