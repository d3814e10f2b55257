package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func newTestStripe(t *testing.T, handler http.HandlerFunc) (*StripeAdapter, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewStripeAdapter(StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
		APIURL:        server.URL,
		HTTPClient:    server.Client(),
	}), server
}

func testChargeRequest(method Method) *ChargeRequest {
	return &ChargeRequest{
		AccountRef:       "cus_123",
		PaymentMethodRef: "pm_123",
		Method:           method,
		AmountMinor:      2900,
		Currency:         "usd",
		IdempotencyKey:   "idem-1",
		Description:      "subscription sub-1",
		Metadata:         map[string]string{MetadataSubscriptionID: "sub-1"},
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func TestStripeAdapter_ChargeSucceeded(t *testing.T) {
	var gotIdempotency, gotPath string
	var form map[string][]string
	adapter, _ := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIdempotency = r.Header.Get("Idempotency-Key")
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		writeJSON(w, http.StatusOK, `{"id":"pi_1","object":"payment_intent","status":"succeeded","amount":2900,"currency":"usd","latest_charge":{"id":"ch_1","object":"charge","receipt_url":"https://pay.stripe.com/receipts/ch_1"}}`)
	})

	result := adapter.Charge(context.Background(), testChargeRequest(MethodCard))

	assert.Equal(t, "/v1/payment_intents", gotPath)
	assert.Equal(t, "idem-1", gotIdempotency)
	assert.Equal(t, []string{"2900"}, form["amount"])
	assert.Equal(t, []string{"true"}, form["off_session"])
	assert.Equal(t, []string{"card"}, form["payment_method_types[0]"])
	assert.Equal(t, []string{"sub-1"}, form["metadata[subscription_id]"])

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, "pi_1", result.TransactionID)
	assert.Equal(t, "https://pay.stripe.com/receipts/ch_1", result.ReceiptURL)
	assert.False(t, result.Transient)
}

func TestStripeAdapter_BankTransferProcessingIsPending(t *testing.T) {
	var methodType string
	adapter, _ := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		methodType = r.PostForm.Get("payment_method_types[0]")
		writeJSON(w, http.StatusOK, `{"id":"pi_ach","object":"payment_intent","status":"processing"}`)
	})

	result := adapter.Charge(context.Background(), testChargeRequest(MethodBankTransfer))
	assert.Equal(t, "us_bank_account", methodType)
	assert.Equal(t, StatusPending, result.Status)
	assert.Equal(t, "pi_ach", result.TransactionID)
}

func TestStripeAdapter_CardDeclined(t *testing.T) {
	adapter, _ := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, `{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined.","payment_intent":{"id":"pi_declined","object":"payment_intent","status":"requires_payment_method"}}}`)
	})

	result := adapter.Charge(context.Background(), testChargeRequest(MethodCard))
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "Your card was declined.", result.Reason)
	assert.Equal(t, "pi_declined", result.TransactionID)
	assert.False(t, result.Transient)
}

func TestStripeAdapter_ServerErrorIsUnavailable(t *testing.T) {
	var calls int32
	adapter, _ := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusInternalServerError, `{"error":{"type":"api_error","message":"internal"}}`)
	})

	result := adapter.Charge(context.Background(), testChargeRequest(MethodCard))
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, ReasonUnavailable, result.Reason)
	assert.True(t, result.Transient)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "no in-call retries")
}

func TestStripeAdapter_TimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	adapter, _ := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := adapter.Charge(ctx, testChargeRequest(MethodCard))
	assert.Equal(t, ReasonUnavailable, result.Reason)
	assert.True(t, result.Transient)
}

func TestStripeAdapter_ConnectionRefused(t *testing.T) {
	adapter, server := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Close()

	result := adapter.Charge(context.Background(), testChargeRequest(MethodCard))
	assert.Equal(t, ReasonUnavailable, result.Reason)
}

func signedEvent(t *testing.T, eventType string, object map[string]interface{}) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_1",
		"object":      "event",
		"type":        eventType,
		"api_version": "2020-08-27",
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestStripeAdapter_ParseEvent(t *testing.T) {
	adapter := NewStripeAdapter(StripeConfig{WebhookSecret: testWebhookSecret})

	t.Run("payment failed", func(t *testing.T) {
		payload, header := signedEvent(t, "payment_intent.payment_failed", map[string]interface{}{
			"id":                   "pi_ach",
			"object":               "payment_intent",
			"amount":               2900,
			"currency":             "usd",
			"customer":             "cus_123",
			"payment_method_types": []string{"us_bank_account"},
			"metadata":             map[string]string{"subscription_id": "sub-1", "account_id": "acct-1"},
			"last_payment_error":   map[string]interface{}{"message": "insufficient funds"},
		})

		ev, err := adapter.ParseEvent(payload, header)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, ev.Status)
		assert.Equal(t, "pi_ach", ev.TransactionID)
		assert.Equal(t, int64(2900), ev.AmountMinor)
		assert.Equal(t, MethodBankTransfer, ev.Method)
		assert.Equal(t, "cus_123", ev.AccountRef)
		assert.Equal(t, "sub-1", ev.SubscriptionID)
		assert.Equal(t, "acct-1", ev.AccountID)
		assert.Equal(t, "insufficient funds", ev.FailureReason)
	})

	t.Run("unrelated event type", func(t *testing.T) {
		payload, header := signedEvent(t, "customer.created", map[string]interface{}{"id": "cus_1", "object": "customer"})
		ev, err := adapter.ParseEvent(payload, header)
		require.NoError(t, err)
		assert.Empty(t, ev.Status)
	})

	t.Run("bad signature", func(t *testing.T) {
		payload, _ := signedEvent(t, "payment_intent.succeeded", map[string]interface{}{"id": "pi_1"})
		_, err := adapter.ParseEvent(payload, "t=1,v1=deadbeef")
		assert.True(t, errors.Is(err, ErrInvalidSignature))
	})
}
