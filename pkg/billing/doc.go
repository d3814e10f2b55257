// Package billing implements recurring subscription charging.
//
// # Components
//
//   - Scheduler: selects due and retry-eligible subscriptions and fans them
//     out on a bounded worker pool
//   - Orchestrator: charges one subscription, bank transfer first with card
//     fallback, and applies the resulting transition
//   - RetryPolicy: failure counting, grace window and retry spacing
//   - Ledger: the single writer of subscription transitions and payment
//     records, idempotent on the gateway transaction id
//   - Reconciler: applies asynchronous settlement notifications
//
// # State Machine
//
//	active --(charge ok)--> active (period advanced)
//	active --(charge failed)--> past_due --(3rd failure)--> unpaid
//	past_due --(retry ok)--> active
//	any --(no automated gateway)--> unpaid
//
// An accepted bank transfer sets PaymentPending and leaves the period alone
// until the settlement webhook arrives.
//
// # Usage Example
//
//	ledger := billing.NewLedger(store, logger, metrics)
//	orch := billing.NewOrchestrator(registry, ledger, locker, billing.OrchestratorConfig{
//		Policy:         billing.DefaultRetryPolicy(),
//		GatewayTimeout: 30 * time.Second,
//	}, logger, metrics)
//	sched := billing.NewScheduler(store, orch, billing.SchedulerConfig{Workers: 8}, logger, metrics)
//
//	summary, err := sched.Run(ctx, billing.RunRequest{Caller: auth.SystemCaller()})
//
// # Concurrency
//
// Every subscription write is conditional on the state read before the
// attempt (see Guard). A write that loses a race returns ErrConflict and
// changes nothing.
package billing
