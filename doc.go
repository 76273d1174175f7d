// Package conveyor provides a storage-agnostic background job engine for Go.
// Producers push jobs into a durable backend; worker processes claim,
// execute and acknowledge them with at-least-once delivery, automatic
// retry with backoff, delayed execution and recurring schedules.
//
// Conveyor is a library. Pick a store, register handlers as ordinary Go
// functions, and start the engine.
//
// # Quick Start
//
//	c, err := conveyor.New(
//	    conveyor.WithStore(redisstore.New(client)),
//	    conveyor.WithConcurrency(20),
//	)
//	eng, err := engine.Build(c)
//	engine.Register(eng, job.NewDefinition("send-email", sendEmail))
//	_, err = engine.Push(ctx, eng, "send-email", Email{To: "a@example.com"})
//	err = eng.Start(ctx)
//
// # Architecture
//
// Every backend implements the same Storage Contract (job.Store): push,
// claim, ack, retry, reschedule, heartbeat and orphan reaping. Ownership of
// a running job is a lease identified by the worker ID and a monotonic
// token; every mutation of a running job compares that pair atomically
// inside the backend, so workers never coordinate through in-process locks.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package conveyor
