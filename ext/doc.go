// Package ext defines the extension system for Conveyor.
//
// Extensions are notified of lifecycle events and can react to them by
// recording metrics, writing audit logs, alerting, and so on.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobDone(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s done in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobPushed]: job was persisted
//   - [JobStarted]: worker began executing the job
//   - [JobDone]: job finished successfully
//   - [JobRetrying]: job failed and went back to pending
//   - [JobKilled]: job was aborted or ran out of attempts
//   - [JobFailed]: handler reported a permanent failure
//   - [JobRescheduled]: handler asked to run again later
//
// # Other Hooks
//
//   - [JobsReclaimed]: a reap pass returned orphaned jobs to pending
//   - [ScheduleFired]: a schedule entry fired and pushed a job
//   - [Shutdown]: the process is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hooks run synchronously on
// the worker goroutine, so slow hooks delay acknowledgement.
package ext
