// Package taskcrew provides a durable task dispatch engine for teams of
// agent workers, with a live event feed for observers.
//
// Units of work are enqueued with a worker type and a priority, persisted
// through a dual-mode queue backend (a Redis priority index in front of a
// durable SQL table), claimed by a bounded worker pool, routed to exactly
// one registered handler, and retried with exponential backoff until they
// complete or exhaust their attempts.
//
// # Quick Start
//
//	d, err := taskcrew.New(
//	    taskcrew.WithStore(sqliteStore),
//	    taskcrew.WithConcurrency(8),
//	)
//	eng, err := engine.Build(d, engine.WithFastIndex(redisIndex))
//	eng.Register("analyst", analystHandler)
//	eng.Start(ctx)
//	unitID, err := eng.Enqueue(ctx, "score_lead", "analyst", 0, input)
//
// # Architecture
//
// The durable table is the source of truth. The Redis index only orders
// pending work so claims are cheap; when Redis is unreachable the engine
// claims straight from the table and re-indexes once Redis returns.
//
// Handlers publish step events through the stream broadcaster, which fans
// them out to observers subscribed to a worker type or to the "all" topic.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based.
package taskcrew
