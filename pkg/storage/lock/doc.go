// Package lock provides the per-subscription charge locks used by the
// orchestrator.
//
// RedisLocker is used when a Redis URL is configured and serializes charges
// across every billrun instance. Locks are SET NX PX with a random token
// and are released with a compare-and-delete script, so a holder whose lock
// already expired cannot release someone else's.
//
// LocalLocker serializes charges within one process and is the fallback
// when Redis is not configured.
//
//	client, err := lock.NewRedisClient(cfg.Storage)
//	if err != nil {
//		return err
//	}
//	locker := lock.NewRedisLocker(client)
//	unlock, acquired, err := locker.TryLock(ctx, billing.ChargeLockKey(sub.ID), time.Minute)
package lock
