package performance

import (
	"errors"
	"fmt"
)

// InvariantError reports a violated profile or sample invariant. It is
// fatal: the engine halts and surfaces it.
type InvariantError struct {
	Field  string
	Value  any
	Reason string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("performance: invariant violated: %s=%v %s", e.Field, e.Value, e.Reason)
}

// IsInvariant reports whether err is or wraps an *InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
