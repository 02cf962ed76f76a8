package stage

import (
	"errors"
	"fmt"
)

// The worker loop routes failures by class, so processors and collaborators
// must tag every returned error with one of these. Untagged errors are
// treated as transient, which is the safe default: a retry is bounded while
// a wrong dead-letter is not.

// ValidationError marks input that can never succeed: malformed payloads,
// missing locators, unknown operations. The message is deleted without retry.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation: %s: %v", e.Reason, e.Err)
	}
	return "validation: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// TransientError marks failures worth retrying: collaborator timeouts, 5xx
// responses, network resets. The message is abandoned and redelivered after
// its visibility timeout, bounded by the dequeue-count budget.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %s: %v", e.Reason, e.Err)
	}
	return "transient: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transientf wraps err as retryable.
func Transientf(err error, format string, args ...interface{}) error {
	return &TransientError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// PermanentError marks failures that will not improve with retries:
// collaborator 4xx, unrecoverable state. The message is dead-lettered
// immediately for inspection.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent: %s: %v", e.Reason, e.Err)
	}
	return "permanent: " + e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanentf wraps err as non-retryable.
func Permanentf(err error, format string, args ...interface{}) error {
	return &PermanentError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsValidation reports whether err is classified as a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsPermanent reports whether err is classified as a permanent failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsValidation(err) && !IsPermanent(err)
}
