package lease

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ErrConnectionLost is the cause of an Active phase ended by the backend.
var ErrConnectionLost = errors.New("lease: connection lost")

// PhaseError is a fatal failure of one session phase.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("lease %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// ReleaseReport is the outcome of the best-effort teardown steps. Every step
// is attempted regardless of the others.
type ReleaseReport struct {
	DeviceID    string
	Disconnect  error
	Deprovision error
	Release     error
}

// Err aggregates the failed steps, or returns nil.
func (r ReleaseReport) Err() error {
	var result *multierror.Error
	if r.Disconnect != nil {
		result = multierror.Append(result, fmt.Errorf("disconnect: %w", r.Disconnect))
	}
	if r.Deprovision != nil {
		result = multierror.Append(result, fmt.Errorf("deprovision: %w", r.Deprovision))
	}
	if r.Release != nil {
		result = multierror.Append(result, fmt.Errorf("release: %w", r.Release))
	}

	return result.ErrorOrNil()
}

// Outcome is "ok" or "partial", used as a metric attribute.
func (r ReleaseReport) Outcome() string {
	if r.Err() == nil {
		return "ok"
	}

	return "partial"
}

// guard runs a teardown step and turns a panic into an error.
func guard(step func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return step()
}
