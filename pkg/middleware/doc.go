// Package middleware provides HTTP middleware for caller authentication
// and rate limiting on the billing endpoints.
//
// # Middleware Components
//
// CallerMiddleware: authenticates the principal of a run request. The
// X-Billrun-Scheduler-Secret header grants the scheduler caller; otherwise
// an OIDC bearer token carrying the operator role grants an operator
// caller. Missing or invalid credentials are 401, a valid token without the
// role is 403.
//
//	callers := middleware.NewCallerMiddleware(auth.NewSecretVerifier(secret), operatorVerifier, logger)
//	router.Handle("/v1/billing/runs", callers.Handler(runHandler))
//
// RateLimitMiddleware: token bucket limiting per key, in-process or shared
// through Redis. Limiter errors fail open.
//
//	limiter := middleware.NewRedisRateLimiter(redisClient, middleware.RunRateLimitConfig(), "")
//	router.Use(middleware.NewRateLimitMiddleware(limiter, middleware.CallerKey, logger).Handler)
//
// # Related Packages
//
//   - pkg/auth: caller types and verifiers
//   - pkg/api: mounts these middleware on the billing routes
package middleware
