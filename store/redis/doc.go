// Package redis implements the fast priority index that fronts the
// durable work unit table.
//
// Each worker type owns two Sorted Sets:
//
//	taskcrew:ready:{type}    score = priority, member = "<created_micros>:<id>"
//	taskcrew:delayed:{type}  score = available_at (ms), member = "<priority>|<created_micros>:<id>"
//
// Equal scores order lexicographically by member, and created_micros is
// zero-padded, so the ready set serves priority then FIFO. Pop runs one
// Lua script that promotes due delayed members and removes the best ready
// member across the requested worker types. The script is atomic, so two
// claimants never pop the same entry.
//
// The index only orders IDs. The durable table remains the source of
// truth: callers claim the popped ID there and drop it on conflict.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	idx := redisindex.New(client)
//	if err := idx.Ping(ctx); err != nil { ... }
package redis
