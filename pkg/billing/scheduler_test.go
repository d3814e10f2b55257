package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billrun/pkg/auth"
	"github.com/platinummonkey/billrun/pkg/gateway"
	"github.com/platinummonkey/billrun/pkg/observability"
)

type stubCharger struct {
	mu    sync.Mutex
	calls map[string][]Trigger
	fn    func(sub *Subscription, trigger Trigger) *Outcome
}

func newStubCharger() *stubCharger {
	return &stubCharger{calls: make(map[string][]Trigger)}
}

func (c *stubCharger) Charge(_ context.Context, sub *Subscription, _ *AccountPaymentConfig, trigger Trigger) *Outcome {
	c.mu.Lock()
	c.calls[sub.ID] = append(c.calls[sub.ID], trigger)
	c.mu.Unlock()
	if c.fn != nil {
		return c.fn(sub, trigger)
	}
	return newOutcome(sub, trigger).finish(OutcomeSucceeded, ReasonCharged, "")
}

type accountErrorStore struct {
	*MemoryStore
	err error
}

func (s accountErrorStore) GetAccountConfig(context.Context, string) (*AccountPaymentConfig, error) {
	return nil, s.err
}

func systemRun() RunRequest {
	return RunRequest{Caller: auth.SystemCaller()}
}

func seedSelection(store *MemoryStore) {
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)

	due := newTestSubscription("sub_due")
	retry := newTestSubscription("sub_retry")
	retry.Status = SubscriptionStatusPastDue
	retry.PaymentFailureCount = 1
	retry.NextRetryDate = &past
	retry.GracePeriodEnd = &future
	notDue := newTestSubscription("sub_not_due")
	notDue.CurrentPeriodEnd = future
	canceling := newTestSubscription("sub_canceling")
	canceling.CancelAtPeriodEnd = true
	unpaid := newTestSubscription("sub_unpaid")
	unpaid.Status = SubscriptionStatusUnpaid
	pending := newTestSubscription("sub_pending")
	pending.PaymentPending = true
	waiting := newTestSubscription("sub_waiting")
	waiting.Status = SubscriptionStatusPastDue
	waiting.PaymentFailureCount = 1
	waiting.NextRetryDate = &future
	waiting.GracePeriodEnd = &future

	for _, s := range []*Subscription{due, retry, notDue, canceling, unpaid, pending, waiting} {
		store.PutSubscription(s)
	}
}

func TestScheduler_SelectsEachDueSubscriptionOnce(t *testing.T) {
	store := NewMemoryStore()
	seedSelection(store)
	charger := newStubCharger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := NewScheduler(store, charger, SchedulerConfig{Workers: 3, Now: func() time.Time { return testNow }}, nil, metrics)

	summary, err := s.Run(context.Background(), systemRun())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, map[string][]Trigger{
		"sub_due":   {TriggerScheduled},
		"sub_retry": {TriggerRetry},
	}, charger.calls)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, "system:cron", summary.Caller)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SchedulerRunsTotal.WithLabelValues("system")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SchedulerSelected))
}

func TestScheduler_SummaryCounts(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 4; i++ {
		store.PutSubscription(newTestSubscription(fmt.Sprintf("sub_%d", i)))
	}
	charger := newStubCharger()
	charger.fn = func(sub *Subscription, trigger Trigger) *Outcome {
		out := newOutcome(sub, trigger)
		switch sub.ID {
		case "sub_0":
			return out.finish(OutcomeSucceeded, ReasonCharged, "")
		case "sub_1":
			return out.finish(OutcomePending, ReasonPending, "")
		case "sub_2":
			return out.fail(ReasonDeclined, "card_declined")
		default:
			return out.skip(ReasonInFlight)
		}
	}
	s := NewScheduler(store, charger, SchedulerConfig{Now: func() time.Time { return testNow }}, nil, nil)

	summary, err := s.Run(context.Background(), systemRun())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, summary.Results, 4)
	for i, r := range summary.Results {
		assert.Equal(t, fmt.Sprintf("sub_%d", i), r.SubscriptionID)
	}
}

func TestScheduler_PanicIsolatedToOneSubscription(t *testing.T) {
	store := NewMemoryStore()
	for _, id := range []string{"sub_a", "sub_b", "sub_c"} {
		store.PutSubscription(newTestSubscription(id))
	}
	charger := newStubCharger()
	charger.fn = func(sub *Subscription, trigger Trigger) *Outcome {
		if sub.ID == "sub_b" {
			panic("nil map write")
		}
		return newOutcome(sub, trigger).finish(OutcomeSucceeded, ReasonCharged, "")
	}
	s := NewScheduler(store, charger, SchedulerConfig{Workers: 2, Now: func() time.Time { return testNow }}, nil, nil)

	summary, err := s.Run(context.Background(), systemRun())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "sub_b", summary.Results[1].SubscriptionID)
	assert.Equal(t, ReasonUnexpectedError, summary.Results[1].Reason)
	assert.Contains(t, summary.Results[1].Message, "nil map write")
}

func TestScheduler_AccountConfigError(t *testing.T) {
	mem := NewMemoryStore()
	mem.PutSubscription(newTestSubscription("sub_1"))
	store := accountErrorStore{MemoryStore: mem, err: errors.New("pq: too many connections")}
	charger := newStubCharger()
	s := NewScheduler(store, charger, SchedulerConfig{Now: func() time.Time { return testNow }}, nil, nil)

	summary, err := s.Run(context.Background(), systemRun())
	require.NoError(t, err)

	require.Len(t, summary.Results, 1)
	assert.Equal(t, OutcomeFailed, summary.Results[0].Result)
	assert.Equal(t, ReasonAccountConfigError, summary.Results[0].Reason)
	assert.Empty(t, charger.calls)
}

func TestScheduler_BoundedConcurrency(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 12; i++ {
		store.PutSubscription(newTestSubscription(fmt.Sprintf("sub_%02d", i)))
	}
	var inFlight, peak int32
	charger := newStubCharger()
	charger.fn = func(sub *Subscription, trigger Trigger) *Outcome {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return newOutcome(sub, trigger).finish(OutcomeSucceeded, ReasonCharged, "")
	}
	s := NewScheduler(store, charger, SchedulerConfig{Workers: 3, Now: func() time.Time { return testNow }}, nil, nil)

	summary, err := s.Run(context.Background(), systemRun())
	require.NoError(t, err)

	assert.Equal(t, 12, summary.Succeeded)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestScheduler_RejectsRequests(t *testing.T) {
	s := NewScheduler(NewMemoryStore(), newStubCharger(), SchedulerConfig{}, nil, nil)
	ctx := context.Background()

	_, err := s.Run(ctx, RunRequest{})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = s.Run(ctx, RunRequest{Caller: auth.Caller{Kind: auth.CallerOperator}})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = s.Run(ctx, RunRequest{Caller: auth.SchedulerCaller(), SubscriptionID: "sub_1", AccountID: "acct_1"})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = s.Run(ctx, RunRequest{Caller: auth.SchedulerCaller(), SubscriptionID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduler_SubscriptionTargetIsManual(t *testing.T) {
	f := newFixture(t)
	sub := newTestSubscription("sub_1")
	sub.CurrentPeriodStart = date(2024, 1, 1)
	sub.CurrentPeriodEnd = date(2024, 2, 1)
	f.add(sub, cardOnlyAccount("acct_sub_1"))
	s := NewScheduler(f.store, f.orch, SchedulerConfig{Now: func() time.Time { return f.now }}, nil, nil)

	operator := auth.Caller{Kind: auth.CallerOperator, Subject: "ops@example.com", Roles: []string{"billing-operator"}}
	summary, err := s.Run(context.Background(), RunRequest{Caller: operator, SubscriptionID: "sub_1"})
	require.NoError(t, err)

	require.Len(t, summary.Results, 1)
	assert.Equal(t, TriggerManual, summary.Results[0].Trigger)
	assert.Equal(t, OutcomeSucceeded, summary.Results[0].Result)
	assert.Equal(t, "operator:ops@example.com", summary.Caller)
	assert.Equal(t, date(2024, 3, 1), f.sub(t, "sub_1").CurrentPeriodEnd)
}

func TestScheduler_AccountTarget(t *testing.T) {
	f := newFixture(t)
	due := newTestSubscription("sub_due")
	due.AccountID = "acct_1"
	notDue := newTestSubscription("sub_later")
	notDue.AccountID = "acct_1"
	notDue.CurrentPeriodEnd = date(2024, 2, 1)
	other := newTestSubscription("sub_other")
	f.add(due, cardOnlyAccount("acct_1"))
	f.add(notDue, nil)
	f.add(other, cardOnlyAccount("acct_sub_other"))
	s := NewScheduler(f.store, f.orch, SchedulerConfig{Now: func() time.Time { return f.now }}, nil, nil)

	summary, err := s.Run(context.Background(), RunRequest{Caller: auth.SchedulerCaller(), AccountID: "acct_1"})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Skipped)
	byID := map[string]*Outcome{}
	for _, r := range summary.Results {
		byID[r.SubscriptionID] = r
	}
	assert.Equal(t, ReasonCharged, byID["sub_due"].Reason)
	assert.Equal(t, ReasonNotDue, byID["sub_later"].Reason)
	assert.Equal(t, date(2024, 1, 1), f.sub(t, "sub_other").CurrentPeriodEnd)
}

func TestScheduler_ThreeFailuresEndInUnpaid(t *testing.T) {
	f := newFixture(t)
	f.add(newTestSubscription("sub_1"), cardOnlyAccount("acct_sub_1"))
	f.gw.Default = &gateway.ChargeResult{Status: gateway.StatusFailed, Reason: "card_declined"}
	s := NewScheduler(f.store, f.orch, SchedulerConfig{Now: func() time.Time { return f.now }}, nil, nil)
	ctx := context.Background()
	firstFailure := f.now

	wantStatus := []SubscriptionStatus{SubscriptionStatusPastDue, SubscriptionStatusPastDue, SubscriptionStatusUnpaid}
	for i, want := range wantStatus {
		summary, err := s.Run(ctx, systemRun())
		require.NoError(t, err)
		require.Equal(t, 1, summary.Failed, "run %d", i+1)

		sub := f.sub(t, "sub_1")
		assert.Equal(t, want, sub.Status, "run %d", i+1)
		assert.Equal(t, i+1, sub.PaymentFailureCount)
		assert.Equal(t, firstFailure.Add(7*24*time.Hour), *sub.GracePeriodEnd)

		f.now = f.now.Add(3 * 24 * time.Hour)
	}

	summary, err := s.Run(ctx, systemRun())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Len(t, f.gw.Calls(), 3)
	assert.Len(t, f.store.Payments("sub_1"), 3)
}
