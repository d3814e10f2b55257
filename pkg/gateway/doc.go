// Package gateway is the boundary between billrun and external payment
// processors.
//
// # Overview
//
// An Adapter creates one charge per call and reports one of three results:
// settled (succeeded), accepted but not yet settled (pending) or rejected
// (failed). Transport problems are never returned as Go errors; they are
// reported as a failed result with Reason "gateway unavailable" and
// Transient set, so that the caller counts them like any other rejection.
// Adapters never retry within a call. Every request carries an idempotency
// key supplied by the caller, so replaying the same logical attempt is safe.
//
// # Implementations
//
//   - StripeAdapter: Stripe PaymentIntents (confirm + off_session) via stripe-go
//   - MockAdapter: scripted, in-memory test double
//
// # Webhooks
//
// Adapters that receive asynchronous confirmations also implement
// EventParser, which verifies the delivery signature and normalizes the
// payload into an Event.
//
// # Usage
//
//	registry := gateway.NewRegistry()
//	registry.Register(gateway.KindStripe, gateway.NewStripeAdapter(gateway.StripeConfig{
//		SecretKey:     cfg.Gateway.StripeSecretKey,
//		WebhookSecret: cfg.Gateway.StripeWebhookSecret,
//	}))
//	adapter, ok := registry.Adapter(account.Gateway)
package gateway
