// Package async provides safe concurrent execution primitives.
//
// # Key Functions
//
// SafeGo: run a background task with panic recovery and a timeout
//
//	async.SafeGo(ctx, logger, 30*time.Second, "pool stats", func(ctx context.Context) error {
//		return collect(ctx)
//	})
//
// ForEach: bounded fan-out over n items where every item always runs to
// completion and a panic in one item becomes that item's error
//
//	errs := async.ForEach(ctx, 8, len(subs), func(ctx context.Context, i int) error {
//		return charge(ctx, subs[i])
//	})
//
// # Related Packages
//
//   - pkg/billing: the scheduler fans out charges with ForEach
package async
