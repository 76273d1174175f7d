package conveyor

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("conveyor: no store configured")
	ErrMigrationFailed = errors.New("conveyor: migration failed")

	// ErrBackendUnavailable wraps transport and I/O failures. Callers back
	// off and retry the whole poll cycle; it never counts as a job failure.
	ErrBackendUnavailable = errors.New("conveyor: backend unavailable")

	// ErrNotOwned is returned when the caller's lease is no longer the
	// current one. The in-flight result must be discarded silently.
	ErrNotOwned = errors.New("conveyor: lease not owned")

	// ErrSerialization marks payloads that could not be decoded.
	ErrSerialization = errors.New("conveyor: payload serialization failed")

	// ErrExhausted marks a job killed because it ran out of attempts.
	ErrExhausted = errors.New("conveyor: attempts exhausted")

	// ErrUnknownTaskType is the classification error recorded when no
	// handler is registered for a claimed job.
	ErrUnknownTaskType = errors.New("conveyor: unknown task type")

	// Not found errors.
	ErrJobNotFound      = errors.New("conveyor: job not found")
	ErrScheduleNotFound = errors.New("conveyor: schedule not found")

	// Conflict errors.
	ErrJobAlreadyExists  = errors.New("conveyor: job already exists")
	ErrDuplicateSchedule = errors.New("conveyor: duplicate schedule")

	// Validation errors.
	ErrInvalidSchedule = errors.New("conveyor: invalid schedule spec")
)

// Unavailable wraps a backend transport error so that it matches
// ErrBackendUnavailable while keeping the driver error inspectable.
// It returns nil for a nil error.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}
