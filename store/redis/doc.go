// Package redis implements store.Store on Redis for high-throughput
// deployments that can trade SQL durability for latency.
//
// Layout: each job is a Hash; per queue, a Sorted Set of claimable
// jobs (scored by priority then run-at) and a Sorted Set of delayed
// jobs (scored by due time); one global Sorted Set tracks lease
// deadlines for the sweep. Every compare-and-set transition (claim,
// renew, complete, fail, reschedule, cancel, requeue, reap) runs as a
// single Lua script, so the engine's atomicity guarantees hold without
// WATCH loops.
//
// The scripts derive job-hash keys from popped member IDs, which keeps
// a claim one round trip but ties all keys to one node: use a single
// instance or a sentinel setup, not Redis Cluster.
//
// The caller owns the client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	st := redis.New(client)
//	if err := st.Ping(ctx); err != nil { ... }
//
// Open("redis://localhost:6379/0") instead connects and owns the
// client, closing it with the Store.
package redis
