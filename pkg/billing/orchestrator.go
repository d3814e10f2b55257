package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/billrun/pkg/gateway"
	"github.com/platinummonkey/billrun/pkg/observability"
)

const persistTimeout = 10 * time.Second

// OrchestratorConfig configures charge orchestration
type OrchestratorConfig struct {
	Policy         RetryPolicy
	GatewayTimeout time.Duration
	// LockTTL bounds how long a crashed process can block a subscription.
	LockTTL time.Duration
	Now     func() time.Time
}

// Orchestrator collects payment for one subscription at a time
type Orchestrator struct {
	gateways       *gateway.Registry
	ledger         *Ledger
	locker         Locker
	policy         RetryPolicy
	gatewayTimeout time.Duration
	lockTTL        time.Duration
	now            func() time.Time
	logger         *observability.Logger
	metrics        *observability.Metrics
	tracer         trace.Tracer
}

// NewOrchestrator creates an orchestrator. A nil locker disables the
// per-subscription in-flight lock.
func NewOrchestrator(gateways *gateway.Registry, ledger *Ledger, locker Locker, cfg OrchestratorConfig, logger *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2*cfg.GatewayTimeout + persistTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Policy.MaxFailures == 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Orchestrator{
		gateways:       gateways,
		ledger:         ledger,
		locker:         locker,
		policy:         cfg.Policy,
		gatewayTimeout: cfg.GatewayTimeout,
		lockTTL:        cfg.LockTTL,
		now:            cfg.Now,
		logger:         logger,
		metrics:        metrics,
		tracer:         observability.Tracer("billing"),
	}
}

// Charge attempts to collect the current period of sub. It never returns
// nil and never panics on gateway or storage errors; every problem is
// reported in the outcome.
func (o *Orchestrator) Charge(ctx context.Context, sub *Subscription, account *AccountPaymentConfig, trigger Trigger) *Outcome {
	ctx, span := o.tracer.Start(ctx, "billing.Charge", trace.WithAttributes(
		attribute.String("subscription.id", sub.ID),
		attribute.String("account.id", sub.AccountID),
		attribute.String("billing.trigger", string(trigger)),
	))
	defer span.End()

	logger := observability.UpdateLoggerWithTraceContext(ctx, o.logger).
		WithSubscription(sub.ID, sub.AccountID).
		WithField("trigger", string(trigger))
	out := o.charge(ctx, logger, sub, account, trigger)

	span.SetAttributes(
		attribute.String("billing.result", string(out.Result)),
		attribute.String("billing.reason", out.Reason),
	)
	if out.Result == OutcomeFailed {
		span.SetStatus(codes.Error, out.Reason)
	}
	o.metrics.RecordChargeOutcome(out.Reason)

	logger = logger.WithFields(map[string]interface{}{
		"result":         string(out.Result),
		"reason":         out.Reason,
		"transaction_id": out.TransactionID,
	})
	switch out.Result {
	case OutcomeFailed:
		logger.Warnf("charge failed: %s", out.Message)
	case OutcomeSkipped:
		logger.Debug("charge skipped")
	default:
		logger.Info("charge completed")
	}
	return out
}

func (o *Orchestrator) charge(ctx context.Context, logger *observability.Logger, sub *Subscription, account *AccountPaymentConfig, trigger Trigger) *Outcome {
	now := o.now()
	out := newOutcome(sub, trigger)

	switch {
	case sub.Status == SubscriptionStatusCanceled:
		return out.skip(ReasonCanceled)
	case sub.PaymentPending:
		return out.skip(ReasonPaymentPending)
	case !trigger.bypassesDueCheck() && sub.CurrentPeriodEnd.After(now):
		return out.skip(ReasonNotDue)
	}

	if o.locker != nil {
		unlock, acquired, err := o.locker.TryLock(ctx, ChargeLockKey(sub.ID), o.lockTTL)
		if err != nil {
			return out.fail(ReasonLockUnavailable, err.Error())
		}
		if !acquired {
			return out.skip(ReasonInFlight)
		}
		defer func() {
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
			defer cancel()
			if err := unlock(unlockCtx); err != nil {
				logger.WithError(err).Warn("failed to release charge lock")
			}
		}()
	}

	guard := GuardFor(sub)

	if account == nil || !account.Gateway.Automated() {
		if sub.Status == SubscriptionStatusUnpaid {
			return out.fail(ReasonManualPayment, ErrManualPayment.Error())
		}
		next := applyManualRequired(sub, now)
		return o.commit(ctx, logger, out, next, nil, OutcomeFailed, ReasonManualPayment, ErrManualPayment.Error(), func(ctx context.Context) error {
			return o.ledger.MarkUnpaid(ctx, guard, next)
		})
	}

	adapter, ok := o.gateways.Adapter(account.Gateway)
	if !ok {
		return out.fail(ReasonUnsupportedGateway, fmt.Sprintf("no adapter registered for gateway %q", account.Gateway))
	}

	amount := sub.ChargeAmount()
	attempts := account.methodOrder()

	if len(attempts) == 0 {
		payment := newPayment(sub, amount, nil, "", now)
		payment.Status = PaymentStatusFailed
		payment.FailureReason = stringPtr(ErrNoPaymentMethod.Error())
		next := applyFailure(o.policy, sub, "", ErrNoPaymentMethod.Error(), now)
		return o.record(ctx, logger, out, guard, next, []*Payment{payment}, OutcomeFailed, ReasonNoPaymentMethod, ErrNoPaymentMethod.Error())
	}

	minor := gateway.MinorUnits(amount, sub.Currency)
	if minor <= 0 {
		payment := newPayment(sub, amount, nil, "", now)
		payment.Status = PaymentStatusSucceeded
		payment.PaidAt = &now
		next := applySuccess(sub, "", now)
		return o.record(ctx, logger, out, guard, next, []*Payment{payment}, OutcomeSucceeded, ReasonNoChargeDue, "")
	}

	var (
		payments []*Payment
		last     *gateway.ChargeResult
	)
	for _, a := range attempts {
		key := IdempotencyKey(sub.ID, sub.CurrentPeriodEnd, sub.PaymentFailureCount, a.method)
		res := o.attempt(ctx, adapter, sub, account, a, minor, key)

		method := a.method
		payment := newPayment(sub, amount, &method, key, now)
		applyChargeResult(payment, res, now)
		payments = append(payments, payment)

		last = res
		out.Method = a.method
		out.TransactionID = res.TransactionID

		if res.Status != gateway.StatusFailed {
			break
		}
		logger.WithField("method", string(a.method)).Infof("charge attempt rejected: %s", res.Reason)
	}

	if last.TransactionID != "" {
		existing, err := o.ledger.Lookup(ctx, last.TransactionID)
		if err != nil {
			return out.fail(ReasonPersistenceError, err.Error())
		}
		// A settlement webhook can land before a pending result is written.
		if existing != nil && last.Status == gateway.StatusPending && existing.Status.Terminal() {
			logger.WithField("transaction_id", last.TransactionID).Info("pending charge already settled by its webhook")
			last.Status = gateway.ChargeStatus(existing.Status)
			if existing.FailureReason != nil {
				last.Reason = *existing.FailureReason
			}
			applyChargeResult(payments[len(payments)-1], last, now)
		}
		if existing != nil && last.Status.Terminal() && existing.Status == PaymentStatus(last.Status) &&
			equalStringPtr(sub.LatestPaymentID, existing.GatewayPaymentID) {
			return out.skip(ReasonAlreadyRecorded)
		}
	}

	switch last.Status {
	case gateway.StatusSucceeded:
		next := applySuccess(sub, last.TransactionID, now)
		return o.record(ctx, logger, out, guard, next, payments, OutcomeSucceeded, ReasonCharged, "")
	case gateway.StatusPending:
		next := applyPending(sub, last.TransactionID, now)
		return o.record(ctx, logger, out, guard, next, payments, OutcomePending, ReasonPending, "")
	default:
		reason := ReasonDeclined
		if last.Transient {
			reason = ReasonGatewayUnavailable
		}
		next := applyFailure(o.policy, sub, last.TransactionID, last.Reason, now)
		return o.record(ctx, logger, out, guard, next, payments, OutcomeFailed, reason, last.Reason)
	}
}

// attempt performs one gateway call bounded by the gateway timeout. An
// adapter that does not return in time is reported as unavailable.
func (o *Orchestrator) attempt(ctx context.Context, adapter gateway.Adapter, sub *Subscription, account *AccountPaymentConfig, a methodAttempt, minor int64, key string) *gateway.ChargeResult {
	ctx, span := o.tracer.Start(ctx, "gateway.Charge", trace.WithAttributes(
		attribute.String("gateway.name", adapter.Name()),
		attribute.String("payment.method", string(a.method)),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, o.gatewayTimeout)
	defer cancel()

	req := &gateway.ChargeRequest{
		AccountRef:       account.ExternalAccountID,
		PaymentMethodRef: a.ref,
		Method:           a.method,
		AmountMinor:      minor,
		Currency:         strings.ToLower(sub.Currency),
		IdempotencyKey:   key,
		Description:      fmt.Sprintf("%s subscription %s", sub.BillingCycle, sub.ID),
		Metadata: map[string]string{
			gateway.MetadataSubscriptionID: sub.ID,
			gateway.MetadataAccountID:      sub.AccountID,
			gateway.MetadataPeriodEnd:      sub.CurrentPeriodEnd.UTC().Format(time.RFC3339),
		},
	}

	start := time.Now()
	resCh := make(chan *gateway.ChargeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.WithField("panic", r).Error("gateway adapter panicked")
				resCh <- gateway.Unavailable("")
			}
		}()
		resCh <- adapter.Charge(callCtx, req)
	}()

	var res *gateway.ChargeResult
	select {
	case res = <-resCh:
	case <-callCtx.Done():
		res = gateway.Unavailable("")
	}
	if res == nil {
		res = gateway.Unavailable("")
	}

	o.metrics.ObserveGateway(adapter.Name(), string(a.method), start)
	o.metrics.RecordChargeAttempt(string(a.method), string(res.Status))
	span.SetAttributes(attribute.String("gateway.status", string(res.Status)))
	return res
}

// record persists the transition with its payment rows
func (o *Orchestrator) record(ctx context.Context, logger *observability.Logger, out *Outcome, guard Guard, next *Subscription, payments []*Payment, result OutcomeResult, reason, message string) *Outcome {
	return o.commit(ctx, logger, out, next, payments, result, reason, message, func(ctx context.Context) error {
		return o.ledger.RecordOutcome(ctx, guard, next, payments)
	})
}

// commit runs write detached from run cancellation so a completed charge is
// not lost to a shutdown.
func (o *Orchestrator) commit(ctx context.Context, logger *observability.Logger, out *Outcome, next *Subscription, payments []*Payment, result OutcomeResult, reason, message string, write func(context.Context) error) *Outcome {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	err := write(writeCtx)
	switch {
	case errors.Is(err, ErrConflict):
		return o.resolveConflict(writeCtx, logger, out, payments)
	case err != nil:
		return out.fail(ReasonPersistenceError, err.Error())
	}

	out.Status = next.Status
	return out.finish(result, reason, message)
}

// resolveConflict handles a guard miss. Without a gateway transaction nothing
// was charged and the attempt is skipped. A transaction the stored
// subscription already points at was settled by its webhook while the charge
// ran; the attempt rows not yet in the ledger are added. Any other
// transaction is reported as failed and left unrecorded, so its webhook can
// still apply it to the current period.
func (o *Orchestrator) resolveConflict(ctx context.Context, logger *observability.Logger, out *Outcome, payments []*Payment) *Outcome {
	if out.TransactionID == "" {
		return out.skip(ReasonConflict)
	}
	logger = logger.WithField("transaction_id", out.TransactionID)

	current, err := o.ledger.Subscription(ctx, out.SubscriptionID)
	if err != nil {
		return out.fail(ReasonPersistenceError, err.Error())
	}
	if !equalStringPtr(current.LatestPaymentID, &out.TransactionID) {
		logger.Error("charge result not applied: subscription changed concurrently")
		return out.fail(ReasonConflict, fmt.Sprintf("subscription changed concurrently; transaction %s awaits reconciliation", out.TransactionID))
	}

	recorded, err := o.ledger.Lookup(ctx, out.TransactionID)
	if err != nil {
		return out.fail(ReasonPersistenceError, err.Error())
	}
	var missing []*Payment
	for _, p := range payments {
		if p.GatewayPaymentID != nil && *p.GatewayPaymentID == out.TransactionID {
			continue
		}
		if p.GatewayPaymentID != nil {
			known, err := o.ledger.Lookup(ctx, *p.GatewayPaymentID)
			if err != nil {
				return out.fail(ReasonPersistenceError, err.Error())
			}
			if known != nil {
				continue
			}
		}
		missing = append(missing, p)
	}
	if len(missing) > 0 {
		if err := o.ledger.RecordOutcome(ctx, GuardFor(current), current, missing); err != nil {
			return out.fail(ReasonPersistenceError, err.Error())
		}
	}

	logger.Info("charge already settled by its webhook")
	out.Status = current.Status
	result := OutcomePending
	if recorded != nil {
		switch recorded.Status {
		case PaymentStatusSucceeded:
			result = OutcomeSucceeded
		case PaymentStatusFailed:
			result = OutcomeFailed
		}
	}
	return out.finish(result, ReasonAlreadyRecorded, "")
}

func newPayment(sub *Subscription, amount decimal.Decimal, method *gateway.Method, key string, now time.Time) *Payment {
	return &Payment{
		SubscriptionID: sub.ID,
		AccountID:      sub.AccountID,
		Amount:         amount,
		Currency:       strings.ToLower(sub.Currency),
		PaymentMethod:  method,
		IdempotencyKey: key,
		PeriodEnd:      sub.CurrentPeriodEnd,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func applyChargeResult(p *Payment, res *gateway.ChargeResult, now time.Time) {
	p.Status = PaymentStatus(res.Status)
	if res.TransactionID != "" {
		p.GatewayPaymentID = stringPtr(res.TransactionID)
	}
	if res.ReceiptURL != "" {
		p.ReceiptURL = stringPtr(res.ReceiptURL)
	}
	switch res.Status {
	case gateway.StatusSucceeded:
		p.PaidAt = &now
	case gateway.StatusFailed:
		p.FailureReason = stringPtr(res.Reason)
	}
}
