package detection

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrTimeout is returned when the provider did not answer within the
	// request deadline. The engine treats it as a miss.
	ErrTimeout = errors.New("detection: timeout")

	// ErrClosed is returned when Detect is called on a closed detector.
	ErrClosed = errors.New("detection: detector closed")

	// ErrMalformed is wrapped by Error when a payload fails validation.
	ErrMalformed = errors.New("detection: malformed payload")
)

// Error is a provider failure: a malformed payload, an error reply or a
// broken transport. It is logged and treated as a miss.
type Error struct {
	// Provider identifies which detector produced the error.
	Provider string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("detection [%s]: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with provider context. Timeouts and nil pass
// through unchanged.
func WrapError(provider string, err error) error {
	if err == nil || errors.Is(err, ErrTimeout) {
		return err
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Provider: provider, Err: err}
}

// IsTimeout reports whether err is a detection timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
