package job

import (
	"errors"
	"fmt"
	"time"
)

// AbortError tells the worker to kill the job without further retries.
type AbortError struct{ Err error }

func (e *AbortError) Error() string { return "abort: " + errString(e.Err) }
func (e *AbortError) Unwrap() error { return e.Err }

// Abort wraps err so the job is killed immediately.
func Abort(err error) error { return &AbortError{Err: err} }

// PermanentError tells the worker the job can never succeed.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + errString(e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the job moves to failed without retrying.
func Permanent(err error) error { return &PermanentError{Err: err} }

// RescheduleError asks the worker to put the job back to pending at a new
// time without counting an attempt.
type RescheduleError struct {
	At    time.Time
	After time.Duration
}

func (e *RescheduleError) Error() string {
	if !e.At.IsZero() {
		return fmt.Sprintf("reschedule at %s", e.At.Format(time.RFC3339))
	}
	return fmt.Sprintf("reschedule after %s", e.After)
}

// RunAt resolves the requested run time relative to now.
func (e *RescheduleError) RunAt(now time.Time) time.Time {
	if !e.At.IsZero() {
		return e.At
	}
	return now.Add(e.After)
}

// RescheduleAt asks for the job to run again at t.
func RescheduleAt(t time.Time) error { return &RescheduleError{At: t} }

// RescheduleAfter asks for the job to run again after d.
func RescheduleAfter(d time.Duration) error { return &RescheduleError{After: d} }

// IsAbort reports whether err carries an AbortError.
func IsAbort(err error) bool {
	var target *AbortError
	return errors.As(err, &target)
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var target *PermanentError
	return errors.As(err, &target)
}

// AsReschedule extracts a RescheduleError from err.
func AsReschedule(err error) (*RescheduleError, bool) {
	var target *RescheduleError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
