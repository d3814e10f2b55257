package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runBody struct {
	SubscriptionID string `json:"subscription_id"`
}

func TestParseJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"subscription_id":"sub_1"}`))
	var body runBody
	require.NoError(t, ParseJSON(req, &body))
	assert.Equal(t, "sub_1", body.SubscriptionID)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	err := ParseJSON(req, &body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestParseOptionalJSON(t *testing.T) {
	t.Run("empty body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		body := runBody{SubscriptionID: "unchanged"}
		require.NoError(t, ParseOptionalJSON(req, &body))
		assert.Equal(t, "unchanged", body.SubscriptionID)
	})

	t.Run("empty reader", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		var body runBody
		assert.NoError(t, ParseOptionalJSON(req, &body))
	})

	t.Run("present body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"subscription_id":"sub_2"}`))
		var body runBody
		require.NoError(t, ParseOptionalJSON(req, &body))
		assert.Equal(t, "sub_2", body.SubscriptionID)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`[1,`))
		var body runBody
		assert.Error(t, ParseOptionalJSON(req, &body))
	})
}

func TestParsePathString(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhooks/stripe", nil)
	req = mux.SetURLVars(req, map[string]string{"gateway": "stripe"})

	val, err := ParsePathString(req, "gateway")
	require.NoError(t, err)
	assert.Equal(t, "stripe", val)

	_, err = ParsePathString(req, "missing")
	assert.Error(t, err)

	w := httptest.NewRecorder()
	_, ok := ParsePathStringOrError(w, req, "missing")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
