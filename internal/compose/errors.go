package compose

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/llmdock/internal/registry"
)

var (
	// ErrValidation marks input rejected before any mutation.
	ErrValidation = errors.New("compose: validation failed")
	// ErrConflict marks a duplicate name or port.
	ErrConflict = errors.New("compose: conflict")
	// ErrNotFound marks an unknown service name.
	ErrNotFound = registry.ErrNotFound
	// ErrPrecondition marks an artifact that cannot be spliced (missing markers).
	ErrPrecondition = errors.New("compose: precondition failed")
	// ErrExternalValidation marks a candidate artifact rejected by the validator.
	ErrExternalValidation = errors.New("compose: candidate rejected by validator")
)

// ValidationError lists every problem found in a request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "compose: validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(problems ...string) error {
	return &ValidationError{Problems: problems}
}

// CheckError carries the validator's output for a rejected candidate.
type CheckError struct {
	Output string
}

func (e *CheckError) Error() string {
	if e.Output == "" {
		return ErrExternalValidation.Error()
	}
	return fmt.Sprintf("%s: %s", ErrExternalValidation, e.Output)
}

func (e *CheckError) Unwrap() error { return ErrExternalValidation }

// RollbackError is returned when restoring the pre-mutation state failed.
// The artifact or the registry may be in an indeterminate state and needs
// manual recovery from the backup file.
type RollbackError struct {
	Cause   error
	Restore error
	Backup  string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("compose: rollback failed, manual recovery required from %s: restore: %v (after: %v)",
		e.Backup, e.Restore, e.Cause)
}

func (e *RollbackError) Unwrap() []error { return []error{e.Cause, e.Restore} }

// IsFatal reports whether err contains a rollback failure.
func IsFatal(err error) bool {
	var rb *RollbackError
	return errors.As(err, &rb)
}
