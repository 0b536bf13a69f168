package models

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Callers wrap them with fmt.Errorf("...: %w", ErrX) and match with errors.Is.
var (
	ErrValidation           = errors.New("validation error")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrTimeout              = errors.New("timeout")
	ErrIntegrityViolation   = errors.New("integrity violation")
	ErrNotFound             = errors.New("not found")
)

// ErrorKind returns a short machine-readable name for the kind err belongs to,
// or "internal" when it matches none.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrIntegrityViolation):
		return "integrity_violation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// WrapDeadline converts a context deadline into ErrTimeout, keeping the cause in the chain.
// Other errors are returned unchanged.
func WrapDeadline(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	return err
}

// DimensionError builds an integrity violation for a vector of the wrong size.
func DimensionError(what string, got, want int) error {
	return fmt.Errorf("%w: %s has %d dimensions, index expects %d", ErrIntegrityViolation, what, got, want)
}
