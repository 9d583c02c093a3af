package domain

import (
	"github.com/cockroachdb/errors"
)

// Error classes. Concrete errors carry one of these as a mark, so callers
// test with errors.Is regardless of how much context was wrapped around them.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrPersistence       = errors.New("persistence failure")
	ErrQueue             = errors.New("queue failure")
	ErrExecutionFailure  = errors.New("execution failure")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// InvalidArgumentf returns a new error marked ErrInvalidArgument.
func InvalidArgumentf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}

// NotFoundf returns a new error marked ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// Persistence wraps a store failure. Errors already classified as not-found
// or invalid-transition keep their class.
func Persistence(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.IsAny(err, ErrNotFound, ErrInvalidTransition) {
		return errors.Wrap(err, msg)
	}
	return errors.Mark(errors.Wrap(err, msg), ErrPersistence)
}

// QueueFailure wraps a push failure.
func QueueFailure(err error, queue string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "push to queue %q", queue), ErrQueue)
}

// ExecutionFailure wraps an error raised by job logic.
func ExecutionFailure(err error, executionID string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "execution %s", executionID), ErrExecutionFailure)
}
