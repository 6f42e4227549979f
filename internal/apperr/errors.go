package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidTransition is a lifecycle violation, or the losing side of a
	// concurrent transition.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrPartnerUnavailable means the partner is offline or already busy.
	ErrPartnerUnavailable = errors.New("partner unavailable")
	// ErrDuplicateOrder is returned when the order already has an active assignment.
	ErrDuplicateOrder = errors.New("order already has an active assignment")
	// ErrStaleSample marks a location sample that does not advance the partner clock.
	ErrStaleSample = errors.New("stale location sample")
	ErrNotFound    = errors.New("not found")
	ErrInvalid     = errors.New("invalid input")
	// ErrVersionConflict is raised by repositories when a save lost the race.
	ErrVersionConflict = errors.New("version conflict")
	ErrDependency      = errors.New("dependency unavailable")
)

// DependencyError wraps a failing collaborator call. It is retryable.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrDependency, e.Err)
}

func (e *DependencyError) Unwrap() []error { return []error{ErrDependency, e.Err} }

// Dependency wraps err unless it is nil or already a known domain error.
func Dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDependency) {
		return err
	}
	return &DependencyError{Op: op, Err: err}
}

// Retryable reports whether a caller may retry the operation as is.
func Retryable(err error) bool { return errors.Is(err, ErrDependency) }

// HTTPStatus maps domain errors onto response codes.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDuplicateOrder),
		errors.Is(err, ErrPartnerUnavailable), errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrStaleSample):
		return http.StatusAccepted
	case errors.Is(err, ErrDependency):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code is the short machine-readable name sent back to realtime clients.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrVersionConflict):
		return "invalid_transition"
	case errors.Is(err, ErrDuplicateOrder):
		return "duplicate_order"
	case errors.Is(err, ErrPartnerUnavailable):
		return "partner_unavailable"
	case errors.Is(err, ErrStaleSample):
		return "stale_sample"
	case errors.Is(err, ErrDependency):
		return "dependency"
	default:
		return "internal"
	}
}
