// Package auth identifies who is asking billrun to run.
//
// Two kinds of external callers may trigger a billing run:
//
//   - the automated scheduler, authenticated with a shared secret
//   - a human operator, authenticated with an OIDC bearer token that
//     carries the configured operator role
//
// The in-process cron job runs as SystemCaller. Every billing run takes an
// explicit Caller value instead of inspecting request headers downstream.
//
//	secret := auth.NewSecretVerifier(cfg.Auth.SchedulerSecret)
//	caller, err := secret.Verify(r.Header.Get(auth.SchedulerSecretHeader))
package auth
