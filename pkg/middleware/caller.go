package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/billrun/pkg/auth"
	"github.com/platinummonkey/billrun/pkg/httputil"
	"github.com/platinummonkey/billrun/pkg/observability"
)

// TokenVerifier turns a bearer token into a caller
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.Caller, error)
}

// CallerMiddleware authenticates the principal of a billing run request.
// The scheduler secret header is checked first, then an operator bearer
// token.
type CallerMiddleware struct {
	secret    *auth.SecretVerifier
	operators TokenVerifier
	logger    *observability.Logger
}

// NewCallerMiddleware creates the middleware. operators may be nil when
// OIDC is not configured.
func NewCallerMiddleware(secret *auth.SecretVerifier, operators TokenVerifier, logger *observability.Logger) *CallerMiddleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &CallerMiddleware{
		secret:    secret,
		operators: operators,
		logger:    logger,
	}
}

// Handler wraps an HTTP handler with caller authentication
func (m *CallerMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := m.authenticate(r)
		if err != nil {
			if errors.Is(err, auth.ErrForbidden) {
				httputil.WriteForbidden(w, "operator role required")
				return
			}
			m.logger.WithError(err).WithField("path", r.URL.Path).Debug("rejected unauthenticated request")
			httputil.WriteUnauthorized(w, "valid scheduler secret or operator token required")
			return
		}

		ctx := auth.WithCaller(r.Context(), caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *CallerMiddleware) authenticate(r *http.Request) (auth.Caller, error) {
	if presented := r.Header.Get(auth.SchedulerSecretHeader); presented != "" {
		return m.secret.Verify(presented)
	}

	// Format: "Bearer <token>"
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return auth.Caller{}, auth.ErrUnauthenticated
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return auth.Caller{}, auth.ErrUnauthenticated
	}
	if m.operators == nil {
		return auth.Caller{}, auth.ErrUnauthenticated
	}
	return m.operators.Verify(r.Context(), parts[1])
}

// GetCaller extracts the authenticated caller from request
func GetCaller(r *http.Request) (auth.Caller, bool) {
	return auth.CallerFromContext(r.Context())
}
