package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/billrun/pkg/observability"
)

// StripeConfig configures the Stripe adapter
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// APIURL overrides the Stripe API base URL (stripe-mock, tests).
	APIURL     string
	HTTPClient *http.Client
	Logger     *observability.Logger
}

// StripeAdapter charges through Stripe PaymentIntents
type StripeAdapter struct {
	intents       paymentintent.Client
	webhookSecret string
}

// NewStripeAdapter creates a Stripe adapter with its own backend. Network
// retries inside stripe-go are disabled; one call is one attempt.
func NewStripeAdapter(cfg StripeConfig) *StripeAdapter {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 80 * time.Second}
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	if cfg.Logger != nil {
		backendCfg.LeveledLogger = cfg.Logger
	}

	return &StripeAdapter{
		intents: paymentintent.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
		webhookSecret: cfg.WebhookSecret,
	}
}

// Name returns the gateway name
func (s *StripeAdapter) Name() string {
	return string(KindStripe)
}

// SignatureHeader is the header Stripe signs deliveries with
func (s *StripeAdapter) SignatureHeader() string {
	return "Stripe-Signature"
}

// Charge creates and confirms an off-session PaymentIntent
func (s *StripeAdapter) Charge(ctx context.Context, req *ChargeRequest) *ChargeResult {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.AmountMinor),
		Currency:           stripe.String(req.Currency),
		Customer:           stripe.String(req.AccountRef),
		PaymentMethod:      stripe.String(req.PaymentMethodRef),
		PaymentMethodTypes: stripe.StringSlice([]string{stripeMethodType(req.Method)}),
		Confirm:            stripe.Bool(true),
		OffSession:         stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := s.intents.New(params)
	if err != nil {
		return chargeResultFromError(ctx, err)
	}
	return chargeResultFromIntent(pi)
}

func stripeMethodType(m Method) string {
	if m == MethodBankTransfer {
		return "us_bank_account"
	}
	return "card"
}

func methodFromStripe(t string) Method {
	if t == "us_bank_account" {
		return MethodBankTransfer
	}
	return MethodCard
}

func chargeResultFromIntent(pi *stripe.PaymentIntent) *ChargeResult {
	result := &ChargeResult{TransactionID: pi.ID}
	if pi.LatestCharge != nil {
		result.ReceiptURL = pi.LatestCharge.ReceiptURL
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		result.Status = StatusSucceeded
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		result.Status = StatusPending
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		result.Status = StatusFailed
		result.Reason = "authentication required"
	default:
		result.Status = StatusFailed
		result.Reason = ReasonDeclined
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			result.Reason = pi.LastPaymentError.Msg
		}
	}
	return result
}

func chargeResultFromError(ctx context.Context, err error) *ChargeResult {
	if ctx.Err() != nil {
		return Unavailable("")
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// Connection refused, DNS, TLS and client timeouts.
		return Unavailable("")
	}

	transactionID := ""
	if stripeErr.PaymentIntent != nil {
		transactionID = stripeErr.PaymentIntent.ID
	}

	if stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
		stripeErr.Type == stripe.ErrorTypeAPI {
		return Unavailable(transactionID)
	}

	reason := stripeErr.Msg
	if reason == "" {
		reason = ReasonDeclined
	}
	return &ChargeResult{
		TransactionID: transactionID,
		Status:        StatusFailed,
		Reason:        reason,
	}
}

// ParseEvent verifies a Stripe webhook delivery and normalizes PaymentIntent events.
// Event types other than payment_intent.* come back with an empty Status.
func (s *StripeAdapter) ParseEvent(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	ev := &Event{ID: event.ID, Type: string(event.Type)}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		ev.Status = StatusSucceeded
	case stripe.EventTypePaymentIntentPaymentFailed:
		ev.Status = StatusFailed
	case stripe.EventTypePaymentIntentProcessing:
		ev.Status = StatusPending
	default:
		return ev, nil
	}

	if event.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("%w: payment intent has no id", ErrMalformedEvent)
	}

	ev.TransactionID = pi.ID
	ev.AmountMinor = pi.Amount
	ev.Currency = string(pi.Currency)
	if len(pi.PaymentMethodTypes) > 0 {
		ev.Method = methodFromStripe(pi.PaymentMethodTypes[0])
	}
	if pi.Customer != nil {
		ev.AccountRef = pi.Customer.ID
	}
	ev.SubscriptionID = pi.Metadata[MetadataSubscriptionID]
	ev.AccountID = pi.Metadata[MetadataAccountID]
	ev.PeriodEnd = pi.Metadata[MetadataPeriodEnd]
	if ev.Status == StatusFailed {
		ev.FailureReason = ReasonDeclined
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			ev.FailureReason = pi.LastPaymentError.Msg
		}
	}
	return ev, nil
}

// Metadata keys attached to every charge
const (
	MetadataSubscriptionID = "subscription_id"
	MetadataAccountID      = "account_id"
	MetadataPeriodEnd      = "period_end"
)
