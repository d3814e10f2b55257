// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, summary)
//	httputil.WriteBadRequest(w, "subscription_id and account_id are mutually exclusive")
//	httputil.WriteUnauthorized(w, "valid scheduler secret or operator token required")
//
// # Request Parsing
//
//	var req RunRequest
//	if err := httputil.ParseOptionalJSON(r, &req); err != nil {
//		httputil.WriteBadRequest(w, err.Error())
//		return
//	}
//	gateway, ok := httputil.ParsePathStringOrError(w, r, "gateway")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: Caller authentication and rate limiting
package httputil
