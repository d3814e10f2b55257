// Package api provides the HTTP API of the billing engine.
//
// # Routes
//
//   - POST /v1/billing/runs: trigger a billing run. The body is optional and
//     may name a "subscription_id" or an "account_id" (not both). Callers
//     authenticate with the scheduler secret header or an operator bearer
//     token. The response is the run summary.
//   - POST /v1/billing/webhooks/{gateway}: receive an asynchronous charge
//     notification. The gateway's adapter verifies the signature before the
//     event reaches the reconciler.
//
// # Status Codes
//
// Trigger: 400 for a malformed body or a target naming both a subscription
// and an account, 401 without credentials, 403 for a caller that may not run
// billing, 404 for an unknown target, 429 when rate limited.
//
// Webhook: 200 for applied and discarded events alike, 400 for an unknown
// gateway or a bad signature or payload, 503 with Retry-After while a charge
// for the subscription is still being recorded, 500 when the ledger could not
// be written.
//
// # Audit Trail
//
// When ServerConfig.Audit is set, every trigger and webhook delivery is
// recorded with its caller, request id and outcome. Audit write failures
// are logged and never change the response.
//
// # Usage
//
//	server := api.NewServer(api.ServerConfig{
//		Scheduler:  scheduler,
//		Reconciler: reconciler,
//		Gateways:   registry,
//		Callers:    middleware.NewCallerMiddleware(secret, operators, logger),
//		Logger:     logger,
//	})
//	http.ListenAndServe(":8080", server.Handler())
package api
