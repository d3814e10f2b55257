package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/billrun/pkg/gateway"
)

// SubscriptionStatus represents the lifecycle status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid   SubscriptionStatus = "unpaid"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// BillingCycle is the length of one billing period
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

// Advance returns the end of the period that starts at start. Month ends are
// clamped, so Jan 31 advances to the last day of February.
func (c BillingCycle) Advance(start time.Time) time.Time {
	months := 1
	if c == BillingCycleYearly {
		months = 12
	}
	return addMonthsClamped(start, months)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := target.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(target.Year(), target.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// Subscription is a recurring billing agreement for one account
type Subscription struct {
	ID                  string              `json:"id"`
	AccountID           string              `json:"account_id"`
	Status              SubscriptionStatus  `json:"status"`
	BillingCycle        BillingCycle        `json:"billing_cycle"`
	Amount              decimal.Decimal     `json:"amount"`
	Currency            string              `json:"currency"`
	CurrentPeriodStart  time.Time           `json:"current_period_start"`
	CurrentPeriodEnd    time.Time           `json:"current_period_end"`
	CancelAtPeriodEnd   bool                `json:"cancel_at_period_end"`
	PaymentFailureCount int                 `json:"payment_failure_count"`
	GracePeriodEnd      *time.Time          `json:"grace_period_end,omitempty"`
	NextRetryDate       *time.Time          `json:"next_retry_date,omitempty"`
	LastPaymentError    *string             `json:"last_payment_error,omitempty"`
	ProrationAmount     decimal.NullDecimal `json:"proration_amount"`
	// LatestPaymentID is the gateway transaction most recently applied to
	// this subscription. Webhooks for any other transaction are stale.
	LatestPaymentID *string `json:"latest_payment_id,omitempty"`
	// PaymentPending is set while an accepted bank transfer awaits settlement.
	PaymentPending bool      `json:"payment_pending"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a deep copy
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.GracePeriodEnd = cloneTime(s.GracePeriodEnd)
	c.NextRetryDate = cloneTime(s.NextRetryDate)
	c.LastPaymentError = cloneString(s.LastPaymentError)
	c.LatestPaymentID = cloneString(s.LatestPaymentID)
	return &c
}

// ChargeAmount is the amount due for the next attempt
func (s *Subscription) ChargeAmount() decimal.Decimal {
	if s.ProrationAmount.Valid {
		return s.ProrationAmount.Decimal
	}
	return s.Amount
}

// PaymentStatus is the status of a payment record
type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusPending   PaymentStatus = "pending"
)

// Terminal reports whether the payment is settled either way
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusFailed
}

// Payment is the audit record of one charge attempt. Payments are never deleted.
type Payment struct {
	ID               string          `json:"id"`
	SubscriptionID   string          `json:"subscription_id"`
	AccountID        string          `json:"account_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	GatewayPaymentID *string         `json:"gateway_payment_id,omitempty"`
	Status           PaymentStatus   `json:"status"`
	PaymentMethod    *gateway.Method `json:"payment_method,omitempty"`
	FailureReason    *string         `json:"failure_reason,omitempty"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	PeriodEnd        time.Time       `json:"period_end"`
	ReceiptURL       *string         `json:"receipt_url,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// AccountPaymentConfig is an account's processor configuration. It is read-only during a charge.
type AccountPaymentConfig struct {
	AccountID              string       `json:"account_id"`
	Gateway                gateway.Kind `json:"gateway"`
	ExternalAccountID      string       `json:"external_account_id,omitempty"`
	DefaultPaymentMethodID string       `json:"default_payment_method_id,omitempty"`
	BankAccountID          string       `json:"bank_account_id,omitempty"`
}

type methodAttempt struct {
	method gateway.Method
	ref    string
}

// methodOrder is bank transfer first when linked, then the default card
func (c *AccountPaymentConfig) methodOrder() []methodAttempt {
	var attempts []methodAttempt
	if c.BankAccountID != "" {
		attempts = append(attempts, methodAttempt{method: gateway.MethodBankTransfer, ref: c.BankAccountID})
	}
	if c.DefaultPaymentMethodID != "" {
		attempts = append(attempts, methodAttempt{method: gateway.MethodCard, ref: c.DefaultPaymentMethodID})
	}
	return attempts
}

// Guard is the pre-attempt state a conditional subscription write requires
type Guard struct {
	Status          SubscriptionStatus
	PeriodEnd       time.Time
	FailureCount    int
	LatestPaymentID *string
}

// GuardFor captures the guard for a subscription as read
func GuardFor(s *Subscription) Guard {
	return Guard{
		Status:          s.Status,
		PeriodEnd:       s.CurrentPeriodEnd,
		FailureCount:    s.PaymentFailureCount,
		LatestPaymentID: cloneString(s.LatestPaymentID),
	}
}

// Matches reports whether s still satisfies the guard
func (g Guard) Matches(s *Subscription) bool {
	return s.Status == g.Status &&
		s.CurrentPeriodEnd.Equal(g.PeriodEnd) &&
		s.PaymentFailureCount == g.FailureCount &&
		equalStringPtr(s.LatestPaymentID, g.LatestPaymentID)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func stringPtr(s string) *string {
	return &s
}
