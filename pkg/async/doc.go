// Package async runs background work with panic recovery, per-task
// timeouts and bounded parallelism.
//
// SafeGo starts one detached task:
//
//	async.SafeGo(ctx, logger, 30*time.Second, "scheduled cache flush", func(ctx context.Context) error {
//		return authz.InvalidateAll(ctx)
//	})
//
// Batch processes a slice with a fixed number of workers and returns every
// error:
//
//	errs := async.Batch(ctx, principals, 4, "cache warmup", 10*time.Second, warmOne)
package async
