// Package job defines the job record, its lease, the Storage Contract every
// backend implements, typed handler definitions and the handler registry.
//
// # Job Record
//
// A [Job] represents a unit of work. It embeds [conveyor.Entity] for
// timestamps, carries an opaque payload, and progresses through a state
// machine:
//
//	pending → running → done
//	pending → running → pending   (retry, reschedule, orphan reclaim)
//	pending → running → killed    (attempts exhausted, abort)
//	pending → running → failed    (permanent failure)
//
// A running job is owned by exactly one [Lease]: the worker ID plus a token
// the backend increments on every claim. Every [Store] mutation of a running
// job compares both atomically, so a worker whose lease was reclaimed gets
// conveyor.ErrNotOwned instead of clobbering the new owner.
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is encoded with the
// definition's [Codec] (JSON by default) at push time and decoded before
// the handler runs:
//
//	var SendEmail = job.NewDefinition("send-email",
//	    func(ctx context.Context, input EmailInput) error {
//	        return mailer.Send(input.To, input.Subject, input.Body)
//	    },
//	)
//
// Handlers steer the outcome with [Abort], [Permanent], [RescheduleAfter]
// and [RescheduleAt]; any other error is retried.
package job
