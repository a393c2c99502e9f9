package job

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job or schedule does not exist, and by
	// ClaimNext when the queue has no eligible job.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable wraps persistence failures (connection lost, locked, ...).
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrLeaseLost is returned when a claim token no longer owns the job.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrInvalidTransition is returned for state changes the machine does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrScheduleExists is returned when creating a schedule whose name is taken.
	ErrScheduleExists = errors.New("schedule already exists")

	// ErrTimeout marks an execution that exceeded the job timeout.
	ErrTimeout = errors.New("job execution timed out")

	// ErrInvalidJob is returned for producer requests that fail validation.
	ErrInvalidJob = errors.New("invalid job")
)

// Unavailable wraps err as ErrStoreUnavailable, keeping the cause visible.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// PermanentError signals that a handler failure must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable. Handlers return it for bad payloads.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// HandlerNotFoundError is returned when no handler is registered for a job type.
type HandlerNotFoundError struct {
	Type string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for job type %q", e.Type)
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during job execution: %v", e.Value)
}

// ScheduleParseError is returned for cron expressions that do not parse.
type ScheduleParseError struct {
	Expression string
	Err        error
}

func (e *ScheduleParseError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expression, e.Err)
}

func (e *ScheduleParseError) Unwrap() error {
	return e.Err
}

// FailureKind classifies a failed attempt.
type FailureKind string

const (
	KindTransient       FailureKind = "transient"
	KindPermanent       FailureKind = "permanent"
	KindTimeout         FailureKind = "timeout"
	KindPanic           FailureKind = "panic"
	KindHandlerNotFound FailureKind = "handler_not_found"
	KindAbandoned       FailureKind = "abandoned"
)

// Retryable reports whether failures of this kind may be retried.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindPermanent, KindHandlerNotFound:
		return false
	default:
		return true
	}
}

// Classify maps a handler error onto a failure kind.
// Errors without an explicit classification are transient.
func Classify(err error) FailureKind {
	var (
		permanent *PermanentError
		notFound  *HandlerNotFoundError
		panicErr  *PanicError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &notFound):
		return KindHandlerNotFound
	case errors.As(err, &permanent):
		return KindPermanent
	case errors.As(err, &panicErr):
		return KindPanic
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindTransient
	}
}
