package billing

import "errors"

var (
	// ErrNotFound is returned when a subscription, account or payment does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded write finds the subscription changed
	ErrConflict = errors.New("conflicting concurrent update")
	// ErrInvalidTarget is returned for a run request naming both a subscription and an account
	ErrInvalidTarget = errors.New("run target must be a subscription or an account, not both")
	// ErrUnauthorized is returned when the caller may not trigger runs
	ErrUnauthorized = errors.New("caller may not trigger billing runs")
	// ErrNoPaymentMethod is the counted failure for accounts with nothing to charge
	ErrNoPaymentMethod = errors.New("no payment method")
	// ErrManualPayment is the terminal outcome for accounts without an automated processor
	ErrManualPayment = errors.New("manual payment required")
	// ErrChargeInFlight is returned by the reconciler while a charge for the
	// subscription is running; the event must be redelivered
	ErrChargeInFlight = errors.New("charge in flight")
)

// Outcome reasons. These strings are stable and appear in API responses and metrics.
const (
	ReasonCharged            = "charged"
	ReasonPending            = "pending_settlement"
	ReasonNoChargeDue        = "no_charge_due"
	ReasonNotDue             = "not_due"
	ReasonCanceled           = "canceled"
	ReasonPaymentPending     = "payment_pending"
	ReasonInFlight           = "in_flight"
	ReasonManualPayment      = "manual_payment_required"
	ReasonUnsupportedGateway = "unsupported_gateway"
	ReasonNoPaymentMethod    = "no_payment_method"
	ReasonGatewayUnavailable = "gateway_unavailable"
	ReasonDeclined           = "declined"
	ReasonConflict           = "conflict"
	ReasonAlreadyRecorded    = "already_recorded"
	ReasonPersistenceError   = "persistence_error"
	ReasonAccountConfigError = "account_config_error"
	ReasonLockUnavailable    = "lock_unavailable"
	ReasonUnexpectedError    = "unexpected_error"
)
