// Package queue holds the work unit queue backends and the per-worker-type
// limiter.
//
// # Backends
//
// [Backend] is the contract the dispatcher talks to. It never knows which
// implementation is active:
//
//   - [Durable] polls the durable table (memory, sqlite, postgres) with a
//     conditional-update claim.
//   - [Fast] pops IDs from the Redis priority index and confirms each claim
//     against the durable table, which stays the source of truth.
//   - [Dual] prefers Fast while its health probe sees Redis and falls back
//     to Durable otherwise. When Redis comes back, Dual re-indexes every
//     pending unit before it resumes the fast path.
//
// Typical wiring:
//
//	d := queue.NewDual(store, redisindex.New(client),
//	    queue.WithProbeInterval(5*time.Second),
//	    queue.WithResyncInterval(30*time.Second),
//	)
//	if err := d.Start(ctx); err != nil { ... }
//	defer d.Stop(ctx)
//
// # Limiter
//
// [Limiter] enforces optional per-worker-type and per-subject limits at
// claim time. It uses a token-bucket rate limiter (golang.org/x/time/rate)
// and an active-count gate for concurrency limits:
//
//	l := queue.NewLimiter(
//	    queue.Limit{WorkerType: "media", MaxConcurrency: 2},
//	    queue.Limit{WorkerType: "sales", RateLimit: 5, RateBurst: 10},
//	)
//	if l.Acquire(u.WorkerType, u.SubjectRef) {
//	    defer l.Release(u.WorkerType, u.SubjectRef)
//	    // process the unit
//	}
//
// Worker types without a [Limit] have no limits beyond the pool size.
package queue
