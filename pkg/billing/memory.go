package billing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs the memory storage driver
// and the package tests.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]*Subscription
	accounts      map[string]*AccountPaymentConfig
	payments      []*Payment
	byGatewayID   map[string]int

	// failWrites, when set, is returned by RecordOutcome
	failWrites error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*Subscription),
		accounts:      make(map[string]*AccountPaymentConfig),
		byGatewayID:   make(map[string]int),
	}
}

// PutSubscription inserts or replaces a subscription
func (m *MemoryStore) PutSubscription(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.ID] = sub.Clone()
}

// PutAccountConfig inserts or replaces an account configuration
func (m *MemoryStore) PutAccountConfig(cfg *AccountPaymentConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cfg
	m.accounts[cfg.AccountID] = &c
}

// Payments returns copies of every payment of a subscription in insertion order
func (m *MemoryStore) Payments(subscriptionID string) []*Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.SubscriptionID == subscriptionID {
			out = append(out, clonePayment(p))
		}
	}
	return out
}

func (m *MemoryStore) list(keep func(*Subscription) bool) []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, s := range m.subscriptions {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListDue implements Store
func (m *MemoryStore) ListDue(_ context.Context, now time.Time) ([]*Subscription, error) {
	return m.list(func(s *Subscription) bool {
		return s.Status == SubscriptionStatusActive &&
			!s.CancelAtPeriodEnd &&
			!s.PaymentPending &&
			!s.CurrentPeriodEnd.After(now)
	}), nil
}

// ListRetryCandidates implements Store
func (m *MemoryStore) ListRetryCandidates(_ context.Context, now time.Time, maxFailures int) ([]*Subscription, error) {
	return m.list(func(s *Subscription) bool {
		return s.Status == SubscriptionStatusPastDue &&
			!s.PaymentPending &&
			s.NextRetryDate != nil && !s.NextRetryDate.After(now) &&
			s.GracePeriodEnd != nil && !s.GracePeriodEnd.Before(now) &&
			s.PaymentFailureCount < maxFailures
	}), nil
}

// ListByAccount implements Store
func (m *MemoryStore) ListByAccount(_ context.Context, accountID string) ([]*Subscription, error) {
	return m.list(func(s *Subscription) bool {
		return s.AccountID == accountID && s.Status != SubscriptionStatusCanceled
	}), nil
}

// GetSubscription implements Store
func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// GetAccountConfig implements Store
func (m *MemoryStore) GetAccountConfig(_ context.Context, accountID string) (*AccountPaymentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// GetPaymentByGatewayID implements Store
func (m *MemoryStore) GetPaymentByGatewayID(_ context.Context, gatewayPaymentID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byGatewayID[gatewayPaymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayment(m.payments[i]), nil
}

// RecordOutcome implements Store
func (m *MemoryStore) RecordOutcome(_ context.Context, guard Guard, sub *Subscription, payments []*Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return m.failWrites
	}

	current, ok := m.subscriptions[sub.ID]
	if !ok {
		return ErrNotFound
	}
	if !guard.Matches(current) {
		return ErrConflict
	}

	m.subscriptions[sub.ID] = sub.Clone()
	for _, p := range payments {
		cp := clonePayment(p)
		if cp.GatewayPaymentID != nil {
			if i, ok := m.byGatewayID[*cp.GatewayPaymentID]; ok {
				cp.ID = m.payments[i].ID
				cp.CreatedAt = m.payments[i].CreatedAt
				m.payments[i] = cp
				continue
			}
			m.byGatewayID[*cp.GatewayPaymentID] = len(m.payments)
		}
		m.payments = append(m.payments, cp)
	}
	return nil
}

func clonePayment(p *Payment) *Payment {
	c := *p
	c.GatewayPaymentID = cloneString(p.GatewayPaymentID)
	c.FailureReason = cloneString(p.FailureReason)
	c.ReceiptURL = cloneString(p.ReceiptURL)
	c.PaidAt = cloneTime(p.PaidAt)
	if p.PaymentMethod != nil {
		method := *p.PaymentMethod
		c.PaymentMethod = &method
	}
	return &c
}
