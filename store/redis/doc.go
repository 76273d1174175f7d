// Package redis implements store.Store on Redis with go-redis.
//
// Jobs are Hashes. Their state is mirrored by membership in one Sorted Set
// per state: pending (scored by run_at), inflight (scored by lock_at), and
// done, failed and dead (scored by done_at). Claim, ack, retry, heartbeat and
// reap are single Lua scripts, so every transition is atomic on the server.
// Equal run_at scores are ordered by job ID, which is time-ordered.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client, redisstore.WithNamespace("emails"))
//	if err := s.Ping(ctx); err != nil { ... }
package redis
