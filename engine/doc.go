// Package engine wires the conveyor subsystems together and provides the
// application-level API for registering handlers and pushing work.
//
// The engine package exists to break an import cycle: the root conveyor
// package defines Entity and the sentinel errors (imported by job,
// schedule and every store) and therefore cannot import those packages
// back. Engine sits above all subsystem packages and below the
// application layer.
//
// # Building an Engine
//
//	c, err := conveyor.New(
//	    conveyor.WithStore(pgStore),
//	    conveyor.WithConcurrency(20),
//	    conveyor.WithVisibilityTimeout(time.Minute),
//	)
//
//	eng, err := engine.Build(c,
//	    engine.WithExtension(myExtension),
//	    engine.WithWaker(listener),
//	)
//
// # Registering Work
//
//	engine.Register(eng, job.NewDefinition("send-email", sendEmail))
//	engine.RegisterSchedule(ctx, eng, "daily-report", "0 9 * * *", "report", ReportInput{})
//
// # Pushing Jobs
//
//	engine.Push(ctx, eng, "send-email", Email{To: "user@example.com"})
//	engine.Push(ctx, eng, "send-email", in, job.WithDelay(5*time.Minute))
//
// Retry backoff belongs to the store: pass WithRetryPolicy to the store
// constructor.
package engine
