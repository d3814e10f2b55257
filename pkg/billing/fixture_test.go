package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billrun/pkg/gateway"
)

var testNow = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newTestSubscription(id string) *Subscription {
	return &Subscription{
		ID:                 id,
		AccountID:          "acct_" + id,
		Status:             SubscriptionStatusActive,
		BillingCycle:       BillingCycleMonthly,
		Amount:             decimal.RequireFromString("29.00"),
		Currency:           "usd",
		CurrentPeriodStart: date(2023, 12, 1),
		CurrentPeriodEnd:   date(2024, 1, 1),
		CreatedAt:          date(2023, 12, 1),
		UpdatedAt:          date(2023, 12, 1),
	}
}

func stripeAccount(accountID string) *AccountPaymentConfig {
	return &AccountPaymentConfig{
		AccountID:              accountID,
		Gateway:                gateway.KindStripe,
		ExternalAccountID:      "cus_" + accountID,
		DefaultPaymentMethodID: "pm_card",
		BankAccountID:          "pm_bank",
	}
}

func cardOnlyAccount(accountID string) *AccountPaymentConfig {
	a := stripeAccount(accountID)
	a.BankAccountID = ""
	return a
}

type fixture struct {
	store  *MemoryStore
	gw     *gateway.MockAdapter
	ledger *Ledger
	locker Locker
	orch   *Orchestrator
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newLockedFixture(t, nil)
}

// newLockedFixture shares locker between the orchestrator and the reconciler
func newLockedFixture(t *testing.T, locker Locker) *fixture {
	t.Helper()
	f := &fixture{
		store:  NewMemoryStore(),
		gw:     gateway.NewMockAdapter(),
		locker: locker,
		now:    testNow,
	}
	registry := gateway.NewRegistry()
	require.NoError(t, registry.Register(gateway.KindStripe, f.gw))
	f.ledger = NewLedger(f.store, nil, nil)
	f.orch = NewOrchestrator(registry, f.ledger, locker, OrchestratorConfig{
		Policy:         DefaultRetryPolicy(),
		GatewayTimeout: time.Second,
		Now:            func() time.Time { return f.now },
	}, nil, nil)
	return f
}

func (f *fixture) add(sub *Subscription, account *AccountPaymentConfig) {
	f.store.PutSubscription(sub)
	if account != nil {
		f.store.PutAccountConfig(account)
	}
}

func (f *fixture) sub(t *testing.T, id string) *Subscription {
	t.Helper()
	sub, err := f.store.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (f *fixture) charge(t *testing.T, id string, trigger Trigger) *Outcome {
	t.Helper()
	sub := f.sub(t, id)
	account, err := f.store.GetAccountConfig(context.Background(), sub.AccountID)
	if errors.Is(err, ErrNotFound) {
		account = nil
	} else {
		require.NoError(t, err)
	}
	return f.orch.Charge(context.Background(), sub, account, trigger)
}

type fakeLocker struct {
	mu      sync.Mutex
	held    map[string]bool
	err     error
	unlocks int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(context.Context) error, bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.unlocks++
		return nil
	}, true, nil
}
