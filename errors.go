package audio_relay

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrNotApplicable is returned by a strategy whose preconditions are not met by the URL. The dispatcher moves on
	// to the next strategy without logging it as a failure.
	ErrNotApplicable = errors.New("strategy not applicable")
	// ErrNoMatch is returned when a strategy applied but found nothing for the URL.
	ErrNoMatch = errors.New("no match")
)

// A TransientError is a failure of a single provider call (timeout, non-2xx response, malformed payload) that
// should be logged before advancing to the next instance or strategy.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError, or returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Err: err}
}

// Transientf is like fmt.Errorf, but wraps the result as a TransientError.
func Transientf(format string, a ...interface{}) error {
	return Transient(fmt.Errorf(format, a...))
}

// IsTransient returns true if err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotApplicable returns true if err is, or wraps, ErrNotApplicable.
func IsNotApplicable(err error) bool {
	return errors.Is(err, ErrNotApplicable)
}

// An ExhaustedError means every instance or tier of a stage was tried and all of them failed.
type ExhaustedError struct {
	Stage  string
	Errors *multierror.Error
}

// Exhausted builds an ExhaustedError for the stage from the accumulated failures.
func Exhausted(stage string, errs *multierror.Error) *ExhaustedError {
	return &ExhaustedError{Stage: stage, Errors: errs}
}

func (e *ExhaustedError) Error() string {
	if e.Errors == nil || len(e.Errors.Errors) == 0 {
		return fmt.Sprintf("%s: exhausted", e.Stage)
	}
	return fmt.Sprintf("%s: exhausted after %d failures: %v", e.Stage, len(e.Errors.Errors), e.Errors.Errors)
}

func (e *ExhaustedError) Unwrap() error {
	if e.Errors == nil {
		return nil
	}
	return e.Errors.ErrorOrNil()
}
