package gateway

import (
	"context"
	"errors"
)

// Kind identifies which processor an account is configured for
type Kind string

const (
	KindNone   Kind = ""
	KindManual Kind = "manual"
	KindStripe Kind = "stripe"
)

// Automated reports whether charges for this kind go through an adapter
func (k Kind) Automated() bool {
	return k != KindNone && k != KindManual
}

// Method is the payment method class of a charge
type Method string

const (
	MethodBankTransfer Method = "bank_transfer"
	MethodCard         Method = "card"
)

// ChargeStatus is the processor's verdict on a charge
type ChargeStatus string

const (
	StatusSucceeded ChargeStatus = "succeeded"
	StatusPending   ChargeStatus = "pending"
	StatusFailed    ChargeStatus = "failed"
)

// Terminal reports whether the status is final
func (s ChargeStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ReasonUnavailable is the failure reason for transport-level errors
const ReasonUnavailable = "gateway unavailable"

// ReasonDeclined is used when the processor rejects without a message
const ReasonDeclined = "declined"

var (
	// ErrInvalidSignature is returned when a webhook signature does not verify
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent is returned when a verified webhook cannot be decoded
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// ChargeRequest is a single charge against one payment method
type ChargeRequest struct {
	AccountRef       string
	PaymentMethodRef string
	Method           Method
	AmountMinor      int64
	Currency         string
	IdempotencyKey   string
	Description      string
	Metadata         map[string]string
}

// ChargeResult is the outcome of one charge request
type ChargeResult struct {
	TransactionID string
	Status        ChargeStatus
	Reason        string
	ReceiptURL    string
	// Transient marks failures caused by timeouts, 5xx responses or
	// connection errors rather than an explicit rejection.
	Transient bool
}

// Unavailable builds the result reported for transport failures
func Unavailable(transactionID string) *ChargeResult {
	return &ChargeResult{
		TransactionID: transactionID,
		Status:        StatusFailed,
		Reason:        ReasonUnavailable,
		Transient:     true,
	}
}

// Adapter charges a payment method through an external processor
type Adapter interface {
	Name() string
	Charge(ctx context.Context, req *ChargeRequest) *ChargeResult
}

// Event is a normalized asynchronous charge notification
type Event struct {
	ID             string       `json:"id"`
	Type           string       `json:"type"`
	TransactionID  string       `json:"transaction_id"`
	Status         ChargeStatus `json:"status"`
	AmountMinor    int64        `json:"amount"`
	Currency       string       `json:"currency"`
	Method         Method       `json:"payment_method"`
	AccountRef     string       `json:"account_ref"`
	SubscriptionID string       `json:"subscription_id"`
	AccountID      string       `json:"account_id"`
	PeriodEnd      string       `json:"period_end,omitempty"`
	FailureReason  string       `json:"failure_reason,omitempty"`
}

// EventParser verifies and decodes webhook deliveries
type EventParser interface {
	ParseEvent(payload []byte, signature string) (*Event, error)
	SignatureHeader() string
}
