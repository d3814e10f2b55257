package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billrun/pkg/auth"
)

type fakeTokenVerifier struct {
	tokens map[string]auth.Caller
	err    error
}

func (f *fakeTokenVerifier) Verify(_ context.Context, raw string) (auth.Caller, error) {
	if f.err != nil {
		return auth.Caller{}, f.err
	}
	caller, ok := f.tokens[raw]
	if !ok {
		return auth.Caller{}, auth.ErrUnauthenticated
	}
	return caller, nil
}

func captureCaller(t *testing.T, called *bool, got *auth.Caller) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		caller, ok := GetCaller(r)
		require.True(t, ok)
		*got = caller
		w.WriteHeader(http.StatusOK)
	})
}

func TestCallerMiddleware_Handler(t *testing.T) {
	operator := auth.Caller{Kind: auth.CallerOperator, Subject: "alice", Roles: []string{"billing-operator"}}
	verifier := &fakeTokenVerifier{tokens: map[string]auth.Caller{"good-token": operator}}

	tests := []struct {
		name       string
		operators  TokenVerifier
		headers    map[string]string
		wantStatus int
		wantCaller auth.Caller
	}{
		{
			name:       "scheduler secret",
			operators:  verifier,
			headers:    map[string]string{auth.SchedulerSecretHeader: "s3cret"},
			wantStatus: http.StatusOK,
			wantCaller: auth.SchedulerCaller(),
		},
		{
			name:       "wrong scheduler secret",
			operators:  verifier,
			headers:    map[string]string{auth.SchedulerSecretHeader: "nope"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:      "secret takes precedence over bearer token",
			operators: verifier,
			headers: map[string]string{
				auth.SchedulerSecretHeader: "nope",
				"Authorization":            "Bearer good-token",
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "operator token",
			operators:  verifier,
			headers:    map[string]string{"Authorization": "Bearer good-token"},
			wantStatus: http.StatusOK,
			wantCaller: operator,
		},
		{
			name:       "lowercase bearer scheme",
			operators:  verifier,
			headers:    map[string]string{"Authorization": "bearer good-token"},
			wantStatus: http.StatusOK,
			wantCaller: operator,
		},
		{
			name:       "unknown token",
			operators:  verifier,
			headers:    map[string]string{"Authorization": "Bearer bad-token"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "token without operator role",
			operators:  &fakeTokenVerifier{err: auth.ErrForbidden},
			headers:    map[string]string{"Authorization": "Bearer good-token"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "malformed authorization header",
			operators:  verifier,
			headers:    map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "oidc not configured",
			operators:  nil,
			headers:    map[string]string{"Authorization": "Bearer good-token"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no credentials",
			operators:  verifier,
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewCallerMiddleware(auth.NewSecretVerifier("s3cret"), tt.operators, nil)

			var called bool
			var got auth.Caller
			handler := m.Handler(captureCaller(t, &called, &got))

			req := httptest.NewRequest(http.MethodPost, "/v1/billing/runs", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantStatus == http.StatusOK, called)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantCaller, got)
			} else {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestCallerMiddleware_NoSecretConfigured(t *testing.T) {
	m := NewCallerMiddleware(auth.NewSecretVerifier(""), nil, nil)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/billing/runs", nil)
	req.Header.Set(auth.SchedulerSecretHeader, "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetCaller_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := GetCaller(req)
	assert.False(t, ok)
}
