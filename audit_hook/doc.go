// Package audithook is a conveyor extension that turns lifecycle events
// into an audit trail.
//
// Every job, lease and schedule hook emits a structured [AuditEvent]
// through the [Recorder] interface with a severity (info for normal
// operations, warning for retries and reclaims, critical for terminal
// failures) and metadata such as task type, attempts and elapsed time.
//
// # Logging recorder
//
//	engine.Build(c, engine.WithExtension(
//	    audithook.New(audithook.SlogRecorder(logger)),
//	))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionJobKilled,
//	        audithook.ActionJobFailed,
//	    ),
//	)
package audithook
