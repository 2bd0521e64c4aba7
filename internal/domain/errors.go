package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRunInFlight indicates a workflow run for the same equipment is
	// already executing.
	ErrRunInFlight = errors.New("workflow run already in flight for equipment")

	// ErrMasterFailed indicates the always-selected master estimator failed,
	// which fails the analysis stage.
	ErrMasterFailed = errors.New("master estimator failed")

	// ErrStoreUnavailable indicates the corpus store could not be reached.
	ErrStoreUnavailable = errors.New("corpus store unavailable")

	// ErrInvalidSnapshot indicates a snapshot that cannot be diagnosed at all
	// (for example, no equipment identifier).
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// ErrorKind classifies stage failures for the run record.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindTimeout    ErrorKind = "timeout"
	KindEstimator  ErrorKind = "estimator"
	KindMalformed  ErrorKind = "malformed"
	KindCancelled  ErrorKind = "cancelled"
)

// StageError is the structured error a failed stage reports to the
// orchestrator.
type StageError struct {
	Kind ErrorKind
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Classify wraps err in a StageError. Deadline errors become KindTimeout,
// cancellation becomes KindCancelled, a failed master estimator becomes
// KindEstimator and everything else defaults to fallback.
func Classify(err error, fallback ErrorKind) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &StageError{Kind: KindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &StageError{Kind: KindCancelled, Err: err}
	case errors.Is(err, ErrMasterFailed):
		return &StageError{Kind: KindEstimator, Err: err}
	case errors.Is(err, ErrInvalidSnapshot):
		return &StageError{Kind: KindMalformed, Err: err}
	}
	return &StageError{Kind: fallback, Err: err}
}
