package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billrun/pkg/gateway"
	"github.com/platinummonkey/billrun/pkg/observability"
)

func TestCharge_SuccessAdvancesFromPeriodEnd(t *testing.T) {
	f := newFixture(t)
	f.add(newTestSubscription("sub_1"), stripeAccount("acct_sub_1"))

	out := f.charge(t, "sub_1", TriggerScheduled)

	assert.Equal(t, OutcomeSucceeded, out.Result)
	assert.Equal(t, ReasonCharged, out.Reason)
	assert.Equal(t, gateway.MethodBankTransfer, out.Method)
	assert.Equal(t, "tx_mock_1", out.TransactionID)
	assert.Equal(t, SubscriptionStatusActive, out.Status)

	sub := f.sub(t, "sub_1")
	assert.Equal(t, date(2024, 1, 1), sub.CurrentPeriodStart)
	assert.Equal(t, date(2024, 2, 1), sub.CurrentPeriodEnd)
	assert.Equal(t, 0, sub.PaymentFailureCount)
	assert.Equal(t, SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.LatestPaymentID)
	assert.Equal(t, "tx_mock_1", *sub.LatestPaymentID)
	assert.Nil(t, sub.GracePeriodEnd)
	assert.Nil(t, sub.NextRetryDate)

	payments := f.store.Payments("sub_1")
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentStatusSucceeded, payments[0].Status)
	assert.True(t, decimal.RequireFromString("29.00").Equal(payments[0].Amount))
	require.NotNil(t, payments[0].PaidAt)
	assert.Equal(t, testNow, *payments[0].PaidAt)
	assert.NotEmpty(t, payments[0].ID)

	calls := f.gw.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(2900), calls[0].AmountMinor)
	assert.Equal(t, "usd", calls[0].Currency)
	assert.Equal(t, "pm_bank", calls[0].PaymentMethodRef)
	assert.Equal(t, "cus_acct_sub_1", calls[0].AccountRef)
	assert.Equal(t, "sub_1", calls[0].Metadata[gateway.MetadataSubscriptionID])
	assert.Equal(t, "2024-01-01T00:00:00Z", calls[0].Metadata[gateway.MetadataPeriodEnd])
	assert.Equal(t, IdempotencyKey("sub_1", date(2024, 1, 1), 0, gateway.MethodBankTransfer), calls[0].IdempotencyKey)
}

func TestCharge_YearlyCycle(t *testing.T) {
	f := newFixture(t)
	sub := newTestSubscription("sub_1")
	sub.BillingCycle = BillingCycleYearly
	f.add(sub, cardOnlyAccount("acct_sub_1"))

	out := f.charge(t, "sub_1", TriggerScheduled)

	require.Equal(t, OutcomeSucceeded, out.Result)
	assert.Equal(t, date(2025, 1, 1), f.sub(t, "sub_1").CurrentPeriodEnd)
}

func TestCharge_PendingBankTransferDoesNotFallBack(t *testing.T) {
	f := newFixture(t)
	f.add(newTestSubscription("sub_1"), stripeAccount("acct_sub_1"))
	f.gw.Script(gateway.MethodBankTransfer, &gateway.ChargeResult{TransactionID: "pi_ach", Status: gateway.StatusPending})

	out := f.charge(t, "sub_1", TriggerScheduled)

	assert.Equal(t, OutcomePending, out.Result)
	assert.Equal(t, ReasonPending, out.Reason)
	assert.Len(t, f.gw.Calls(), 1)

	sub := f.sub(t, "sub_1")
	assert.True(t, sub.PaymentPending)
	assert.Equal(t, date(2024, 1, 1), sub.CurrentPeriodEnd)
	assert.Equal(t, SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.LatestPaymentID)
	assert.Equal(t, "pi_ach", *sub.LatestPaymentID)

	payments := f.store.Payments("sub_1")
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentStatusPending, payments[0].Status)
	assert.Nil(t, payments[0].PaidAt)

	again := f.charge(t, "sub_1", TriggerManual)
	assert.Equal(t, OutcomeSkipped, again.Result)
	assert.Equal(t, ReasonPaymentPending, again.Reason)
	assert.Len(t, f.gw.Calls(), 1)
}

func TestCharge_BankDeclinedFallsBackToCard(t *testing.T) {
	f := newFixture(t)
	f.add(newTestSubscription("sub_1"), stripeAccount("acct_sub_1"))
	f.gw.Script(gateway.MethodBankTransfer, &gateway.ChargeResult{TransactionID: "pi_bank", Status: gateway.StatusFailed, Reason: "account closed"})
	f.gw.Script(gateway.MethodCard, &gateway.ChargeResult{TransactionID: "pi_card", Status: gateway.StatusSucceeded})

	out := f.charge(t, "sub_1", TriggerScheduled)

	assert.Equal(t, OutcomeSucceeded, out.Result)
	assert.Equal(t, gateway.MethodCard, out.Method)
	assert.Equal(t, "pi_card", out.TransactionID)

	calls := f.gw.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, gateway.MethodBankTransfer, calls[0].Method)
	assert.Equal(t, gateway.MethodCard, calls[1].Method)
	assert.NotEqual(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)

	payments := f.store.Payments("sub_1")
	require.Len(t, payments, 2)
	assert.Equal(t, PaymentStatusFailed, payments[0].Status)
	require.NotNil(t, payments[0].FailureReason)
	assert.Equal(t, "account closed", *payments[0].FailureReason)
	assert.Equal(t, PaymentStatusSucceeded, payments[1].Status)

	sub := f.sub(t, "sub_1")
	assert.Equal(t, 0, sub.PaymentFailureCount)
	assert.Equal(t, "pi_card", *sub.LatestPaymentID)
}

func TestCharge_AllMethodsDeclined(t *testing.T) {
	f := newFixture(t)
	f.add(newTestSubscription("sub_1"), stripeAccount("acct_sub_1"))
	f.gw.Script(gateway.MethodBankTransfer, &gateway.ChargeResult{TransactionID: "pi_bank", Status: gateway.StatusFailed, Reason: "R01"})
	f.gw.Script(gateway.MethodCard, &gateway.ChargeResult{TransactionID: "pi_card", Status: gateway.StatusFailed, Reason: "card_declined"})

	out := f.charge(t, "sub_1", TriggerScheduled)

	assert.Equal(t, OutcomeFailed, out.Result)
	assert.Equal(t, ReasonDeclined, out.Reason)
	assert.Equal(t, "card_declined", out.Message)
	assert.Equal(t, SubscriptionStatusPastDue, out.Status)

	sub := f.sub(t, "sub_1")
	assert.Equal(t, SubscriptionStatusPastDue, sub.Status)
	assert.Equal(t, 1, sub.PaymentFailureCount)
	require.NotNil(t, sub.GracePeriodEnd)
	assert.Equal(t, testNow.Add(7*24*time.Hour), *sub.GracePeriodEnd)
	require.NotNil(t, sub.NextRetryDate)
	assert.Equal(t, testNow.Add(3*24*time.Hour), *sub.NextRetryDate)
	require.NotNil(t, sub.LastPaymentError)
	assert.Equal(t, "card_declined", *sub.LastPaymentError)
	assert.Equal(t, "pi_card", *sub.LatestPaymentID)
	assert.Equal(t, date(2024, 1, 1), sub.CurrentPeriodEnd)

	payments := f.store.Payments("sub_1")
	require.Len(t, payments, 2)
	for _, p := range payments {
		assert.Equal(t, PaymentStatusFailed, p.Status)
	}
}

func TestCharge_GatewayTimeout(t *testing.T) {
	f := newFixture(t)
	f.orch.gatewayTimeout = 20 * time.Millisecond
	f.add(newTestSubscription("sub_1"), cardOnlyAccount("acct_sub_1"))
	f.gw.Hook = func(ctx context.Context, _ *gateway.ChargeRequest) {
		<-ctx.Done()
	}

	out := f.charge(t, "sub_1", TriggerScheduled)

	assert.Equal(t, OutcomeFailed, out.Result)
	assert.Equal(t, ReasonGatewayUnavailable, out.Reason)

	sub := f.sub(t, "sub_1")
	assert.Equal(t, SubscriptionStatusPastDue, sub.Status)
	assert.Equal(t, 1, sub.PaymentFailureCount)
	assert.Nil(t, sub.LatestPaymentID)

	payments := f.store.Payments("sub_1")
	require.Len(t, payments, 1)
	assert.Nil(t, payments[0].GatewayPaymentID)
	assert.Equal(t, gateway.ReasonUnavailable, *payments[0].FailureReason)
}

func TestCharge_NoPaymentMethod(t *testing.T) {
	f := newFixture(t)
	account := stripeAccount("acct_sub_1")
	account.BankAccountID = ""
	account.DefaultPaymentMethodID = ""
	f.add(newTestSubscription("sub_1"), account)

	out := f.charge(t, "sub_1", TriggerScheduled)

	assert.Equal(t, OutcomeFailed, out.Result)
	assert.Equal(t, ReasonNoPaymentMethod, out.Reason)
	assert.Empty(t, f.gw.Calls())

	sub := f.sub(t, "sub_1")
	assert.Equal(t, SubscriptionStatusPastDue, sub.Status)
	assert.Equal(t, 1, sub.PaymentFailureCount)
	assert.Equal(t, ErrNoPaymentMethod.Error(), *sub.LastPaymentError)

	payments := f.store.Payments("sub_1")
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentStatusFailed, payments[0].Status)
	assert.Nil(t, payments[0].GatewayPaymentID)
	assert.Nil(t, payments[0].PaymentMethod)
}

func TestCharge_ManualPaymentRequired(t *testing.T) {
	tests := []struct {
		name    string
		account *AccountPaymentConfig
	}{
		{"no account configuration", nil},
		{"manual gateway", &AccountPaymentConfig{AccountID: "acct_sub_1", Gateway: gateway.KindManual}},
		{"gateway unset", &AccountPaymentConfig{AccountID: "acct_sub_1", DefaultPaymentMethodID: "pm_card"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.add(newTestSubscription("sub_1"), tt.account)

			out := f.charge(t, "sub_1", TriggerScheduled)

			assert.Equal(t, OutcomeFailed, out.Result)
			assert.Equal(t, ReasonManualPayment, out.Reason)
			assert.Equal(t, SubscriptionStatusUnpaid, out.Status)
			assert.Empty(t, f.gw.Calls())
			assert.Empty(t, f.store.Payments("sub_1"))

			sub := f.sub(t, "sub_1")
			assert.Equal(t, SubscriptionStatusUnpaid, sub.Status)
			assert.Equal(t, 0, sub.PaymentFailureCount)

			again := f.charge(t, "sub_1", TriggerManual)
			assert.Equal(t, ReasonManualPayment, again.Reason)
			assert.Equal(t, sub, f.sub(t, "sub_1"))
		})
	}
}

func TestCharge_ManualPaymentMarksUnpaid(t *testing.T) {
	f := newFixture(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f.orch.ledger = NewLedger(f.store, nil, metrics)
	f.add(newTestSubscription("sub_1"), nil)

	out := f.charge(t, "sub_1", TriggerScheduled)
	require.Equal(t, ReasonManualPayment, out.Reason)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LedgerWritesTotal.WithLabelValues("mark_unpaid", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.LedgerWritesTotal.WithLabelValues("record_outcome", "success")))

	sub := newTestSubscription("sub_1")
	sub.PaymentFailureCount = 1
	f.store.PutSubscription(sub)
	stale := f.orch.Charge(context.Background(), newTestSubscription("sub_1"), nil, TriggerScheduled)
	assert.Equal(t, OutcomeSkipped, stale.Result)
	assert.Equal(t, ReasonConflict, stale.Reason)
	assert.Equal(t, SubscriptionStatusActive, f.sub(t, "sub_1").Status)
}

func TestCharge_NotDue(t *testing.T) {
	f := newFixture(t)
	sub := newTestSubscription("sub_1")
	sub.CurrentPeriodStart = date(2024, 1, 1)
	sub.CurrentPeriodEnd = date(2024, 2, 1)
	f.add(sub, cardOnlyAccount("acct_sub_1"))

	out := f.charge(t, "sub_1", TriggerScheduled)
	assert.Equal(t, OutcomeSkipped, out.Result)
	assert.Equal(t, ReasonNotDue, out.Reason)
	assert.Empty(t, f.gw.Calls())

	out = f.charge(t, "sub_1", TriggerManual)
	assert.Equal(t, OutcomeSucceeded, out.Result)
	assert.Equal(t, date(2024, 3, 1), f.sub(t, "sub_1").CurrentPeriodEnd)
}

func TestCharge_CanceledSkipped(t *testing.T) {
	f := newFixture(t)
	sub := newTestSubscription("sub_1")
	sub.Status = SubscriptionStatusCanceled
	f.add(sub, cardOnlyAccount("acct_sub_1"))

	out := f.charge(t, "sub_1", TriggerManual)

	assert.Equal(t, OutcomeSkipped, out.Result)
	assert.Equal(t, ReasonCanceled, out.Reason)
	assert.Empty(t, f.gw.Calls())
}

func TestCharge_ProrationChargedAndCleared(t *testing.T) {
	f := newFixture(t)
	sub := newTestSubscription("sub_1")
	sub.ProrationAmount = decimal.NewNullDecimal(decimal.RequireFromString("12.50"))
	sub.CancelAtPeriodEnd = true
	f.add(sub, cardOnlyAccount("acct_sub_1"))

	out := f.charge(t, "sub_1", TriggerManual)

	require.Equal(t, OutcomeSucceeded, out.Result)
	assert.Equal(t, int64(1250), f.gw.Calls()[0].AmountMinor)

	after := f.sub(t, "sub_1")
	assert.False(t, after.ProrationAmount.Valid)
	assert.False(t, after.CancelAtPeriodEnd)
	assert.True(t, decimal.RequireFromString("12.50").Equal(f.store.Payments("sub_1")[0].Amount))
}

func TestCharge_ZeroAmount(t *testing.T) {
	f := newFixture(t)
	sub := newTestSubscription("sub_1")
	sub.Amount = decimal.Zero
	f.add(sub, cardOnlyAccount("acct_sub_1"))

	out := f.charge(t, "sub_1", TriggerScheduled)

	assert.Equal(t, OutcomeSucceeded, out.Result)
	assert.Equal(t, ReasonNoChargeDue, out.Reason)
	assert.Empty(t, f.gw.Calls())
	assert.Equal(t, date(2024, 2, 1), f.sub(t, "sub_1").CurrentPeriodEnd)

	payments := f.store.Payments("sub_1")
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentStatusSucceeded, payments[0].Status)
	assert.Nil(t, payments[0].GatewayPaymentID)
}

func TestCharge_UnsupportedGateway(t *testing.T) {
	f := newFixture(t)
	account := cardOnlyAccount("acct_sub_1")
	account.Gateway = gateway.Kind("braintree")
	f.add(newTestSubscription("sub_1"), account)
	before := f.sub(t, "sub_1")

	out := f.charge(t, "sub_1", TriggerScheduled)

	assert.Equal(t, OutcomeFailed, out.Result)
	assert.Equal(t, ReasonUnsupportedGateway, out.Reason)
	assert.Equal(t, before, f.sub(t, "sub_1"))
}

func TestCharge_ConcurrentUpdateIsConflict(t *testing.T) {
	f := newFixture(t)
	f.add(newTestSubscription("sub_1"), cardOnlyAccount("acct_sub_1"))
	f.gw.Hook = func(context.Context, *gateway.ChargeRequest) {
		changed := newTestSubscription("sub_1")
		changed.PaymentFailureCount = 2
		f.store.PutSubscription(changed)
	}

	out := f.charge(t, "sub_1", TriggerScheduled)

	assert.Equal(t, OutcomeFailed, out.Result)
	assert.Equal(t, ReasonConflict, out.Reason)
	assert.Equal(t, "tx_mock_1", out.TransactionID)
	assert.Contains(t, out.Message, "tx_mock_1")
	assert.Equal(t, 2, f.sub(t, "sub_1").PaymentFailureCount)
	assert.Empty(t, f.store.Payments("sub_1"))

	// the unrecorded charge is still applied by its webhook
	res, err := f.reconciler().Reconcile(context.Background(), settlementEvent("tx_mock_1", gateway.StatusSucceeded))
	require.NoError(t, err)
	assert.Equal(t, ActionApplied, res.Action)
	assert.Equal(t, ReasonSettled, res.Reason)

	sub := f.sub(t, "sub_1")
	assert.Equal(t, 0, sub.PaymentFailureCount)
	assert.Equal(t, date(2024, 2, 1), sub.CurrentPeriodEnd)
	assert.Equal(t, "tx_mock_1", *sub.LatestPaymentID)
	require.Len(t, f.store.Payments("sub_1"), 1)
}

func TestCharge_ConflictWithChargeAlreadySettled(t *testing.T) {
	f := newFixture(t)
	f.add(newTestSubscription("sub_1"), stripeAccount("acct_sub_1"))
	f.gw.Script(gateway.MethodBankTransfer, &gateway.ChargeResult{TransactionID: "pi_bank", Status: gateway.StatusFailed, Reason: "account_closed"})
	f.gw.Script(gateway.MethodCard, &gateway.ChargeResult{TransactionID: "pi_card", Status: gateway.StatusSucceeded})
	f.gw.Hook = func(ctx context.Context, req *gateway.ChargeRequest) {
		if req.Method != gateway.MethodCard {
			return
		}
		_, err := f.reconciler().Reconcile(ctx, settlementEvent("pi_card", gateway.StatusSucceeded))
		require.NoError(t, err)
	}

	out := f.charge(t, "sub_1", TriggerScheduled)

	assert.Equal(t, OutcomeSucceeded, out.Result)
	assert.Equal(t, ReasonAlreadyRecorded, out.Reason)
	assert.Equal(t, SubscriptionStatusActive, out.Status)

	payments := f.store.Payments("sub_1")
	require.Len(t, payments, 2)
	statuses := map[string]PaymentStatus{}
	for _, p := range payments {
		statuses[*p.GatewayPaymentID] = p.Status
	}
	assert.Equal(t, map[string]PaymentStatus{"pi_card": PaymentStatusSucceeded, "pi_bank": PaymentStatusFailed}, statuses)
	assert.Equal(t, date(2024, 2, 1), f.sub(t, "sub_1").CurrentPeriodEnd)
}

func TestCharge_PersistenceError(t *testing.T) {
	f := newFixture(t)
	f.add(newTestSubscription("sub_1"), cardOnlyAccount("acct_sub_1"))
	f.store.failWrites = errors.New("connection reset")

	out := f.charge(t, "sub_1", TriggerScheduled)

	assert.Equal(t, OutcomeFailed, out.Result)
	assert.Equal(t, ReasonPersistenceError, out.Reason)
	assert.Contains(t, out.Message, "connection reset")
}

func TestCharge_RepeatedTransactionRecordedOnce(t *testing.T) {
	f := newFixture(t)
	f.add(newTestSubscription("sub_1"), cardOnlyAccount("acct_sub_1"))
	original := f.sub(t, "sub_1")
	f.gw.Default = &gateway.ChargeResult{TransactionID: "pi_same", Status: gateway.StatusSucceeded}

	first := f.charge(t, "sub_1", TriggerScheduled)
	require.Equal(t, OutcomeSucceeded, first.Result)

	second := f.charge(t, "sub_1", TriggerManual)
	assert.Equal(t, OutcomeSkipped, second.Result)
	assert.Equal(t, ReasonAlreadyRecorded, second.Reason)

	stale := f.orch.Charge(context.Background(), original, cardOnlyAccount("acct_sub_1"), TriggerScheduled)
	assert.Equal(t, OutcomeSucceeded, stale.Result)
	assert.Equal(t, ReasonAlreadyRecorded, stale.Reason)

	payments := f.store.Payments("sub_1")
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentStatusSucceeded, payments[0].Status)
	assert.Equal(t, date(2024, 2, 1), f.sub(t, "sub_1").CurrentPeriodEnd)
}

func TestCharge_RepeatedTransactionTakesLatestStatus(t *testing.T) {
	f := newFixture(t)
	f.add(newTestSubscription("sub_1"), cardOnlyAccount("acct_sub_1"))
	f.gw.Script(gateway.MethodCard,
		&gateway.ChargeResult{TransactionID: "pi_same", Status: gateway.StatusFailed, Reason: "try again"},
		&gateway.ChargeResult{TransactionID: "pi_same", Status: gateway.StatusSucceeded},
	)

	require.Equal(t, OutcomeFailed, f.charge(t, "sub_1", TriggerScheduled).Result)
	require.Equal(t, OutcomeSucceeded, f.charge(t, "sub_1", TriggerRetry).Result)

	payments := f.store.Payments("sub_1")
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentStatusSucceeded, payments[0].Status)
	assert.Nil(t, payments[0].FailureReason)

	sub := f.sub(t, "sub_1")
	assert.Equal(t, SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 0, sub.PaymentFailureCount)
}

func TestCharge_InFlightLock(t *testing.T) {
	f := newFixture(t)
	locker := newFakeLocker()
	f.orch.locker = locker
	f.add(newTestSubscription("sub_1"), cardOnlyAccount("acct_sub_1"))

	locker.held[ChargeLockKey("sub_1")] = true
	out := f.charge(t, "sub_1", TriggerScheduled)
	assert.Equal(t, OutcomeSkipped, out.Result)
	assert.Equal(t, ReasonInFlight, out.Reason)
	assert.Empty(t, f.gw.Calls())

	delete(locker.held, ChargeLockKey("sub_1"))
	out = f.charge(t, "sub_1", TriggerScheduled)
	assert.Equal(t, OutcomeSucceeded, out.Result)
	assert.Equal(t, 1, locker.unlocks)
	assert.Empty(t, locker.held)

	locker.err = errors.New("redis: connection refused")
	out = f.charge(t, "sub_1", TriggerManual)
	assert.Equal(t, OutcomeFailed, out.Result)
	assert.Equal(t, ReasonLockUnavailable, out.Reason)
}
