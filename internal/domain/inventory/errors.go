package inventory

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	ErrDonorNotFound          = errors.New("donor not found")
	ErrUnitNotFound           = errors.New("unit not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrDuplicateIdentifier    = errors.New("duplicate unit identifier")
	ErrConcurrentModification = errors.New("unit was modified concurrently")
	ErrValidation             = errors.New("validation failed")
	ErrStorage                = errors.New("storage failure")
)

// ValidationError reports malformed input. It is always returned before
// anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransitionError is returned for a status change outside the legal set.
// Allowed lists the statuses reachable from From.
type TransitionError struct {
	UnitID  string
	From    Status
	To      Status
	Allowed []Status
}

func (e *TransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("unit %s cannot move from %s to %s (allowed: %s)",
		e.UnitID, e.From, e.To, strings.Join(allowed, ", "))
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// StorageError wraps a driver failure. Its message is logged, never returned
// to clients.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// HTTPError maps a service error to the response a client sees.
func HTTPError(err error) *echo.HTTPError {
	var te *TransitionError
	var ve *ValidationError
	switch {
	case errors.As(err, &te):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"error":   te.Error(),
			"unit_id": te.UnitID,
			"from":    te.From,
			"to":      te.To,
			"allowed": te.Allowed,
		})
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
			"error": ve.Message,
			"field": ve.Field,
		})
	case errors.Is(err, ErrUnitNotFound), errors.Is(err, ErrDonorNotFound):
		return echo.NewHTTPError(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrDuplicateIdentifier):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]string{"error": ErrStorage.Error()})
	}
}

// outcome labels an operation result for metrics.
func outcome(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnitNotFound), errors.Is(err, ErrDonorNotFound):
		return "not_found"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrDuplicateIdentifier):
		return "duplicate"
	}
	return "storage"
}
