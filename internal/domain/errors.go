package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTrialNotFound is returned when a worker exhausts its polling budget
	// without finding the trial request it was assigned.
	ErrTrialNotFound = errors.New("no trial found")

	// ErrUnrepresentable is returned when a value has no encoding in the store.
	ErrUnrepresentable = errors.New("value not representable in store")

	// ErrInvalidTrialID is returned for non-positive trial IDs.
	ErrInvalidTrialID = errors.New("trial id must be positive")

	// ErrDuplicateTrial is returned when a trial ID is enqueued twice.
	ErrDuplicateTrial = errors.New("trial already enqueued")

	// ErrNotStarted is returned by liveness checks before the database
	// process was started.
	ErrNotStarted = errors.New("database process not started")
)

// ConfigurationError means the environment cannot support the requested
// operation: a missing database binary, or a worker without a trial ID.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Msg, e.Err)
	}
	return "configuration error: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// StartupError means the database process exited during its startup grace
// period (crash, port in use, corrupt data directory).
type StartupError struct {
	Code int
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("database exited during startup with code %d", e.Code)
}

// LivenessError means the supervised database process has terminated.
type LivenessError struct {
	Code int
}

func (e *LivenessError) Error() string {
	return fmt.Sprintf("database exited with code %d", e.Code)
}

// IsLiveness reports whether err is, or wraps, a LivenessError or
// ErrNotStarted.
func IsLiveness(err error) bool {
	var le *LivenessError
	return errors.As(err, &le) || errors.Is(err, ErrNotStarted)
}
