package analysis

import (
	"errors"
	"fmt"
)

// ValidationError reports a structurally invalid or out-of-range generation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid analysis output: %s", e.Reason)
}

// IsValidation reports whether err is a generation validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
