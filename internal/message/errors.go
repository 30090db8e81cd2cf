package message

import (
	"errors"
	"fmt"
)

// ValidationError is returned when a message is rejected before submission.
// Such a message never enters the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("message: invalid %s: %s", e.Field, e.Reason)
}

// TransientNetworkError wraps a backend failure that affected persistence.
// The message it belongs to is marked failed and may be retried.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("message: %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsTransient reports whether err is, or wraps, a *TransientNetworkError.
func IsTransient(err error) bool {
	var t *TransientNetworkError
	return errors.As(err, &t)
}
