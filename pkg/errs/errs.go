// Package errs holds the sentinel errors shared by the inventory,
// provisioning and API layers. Callers wrap them with fmt.Errorf("...: %w")
// and match with errors.Is.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with an existing entity
	// or with a competing reservation.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState is returned when an operation is requested from a
	// status that does not permit it.
	ErrInvalidState = errors.New("invalid state")
	// ErrValidation is returned for malformed requests.
	ErrValidation = errors.New("validation failed")
	// ErrUnsupportedMedia is returned for uploads of the wrong kind.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrProvisioning is returned when the hardware backend reports a
	// failure or a state wait times out.
	ErrProvisioning = errors.New("provisioning error")
	// ErrBareMetal is returned when teardown cannot proceed because the
	// owning handler is not available.
	ErrBareMetal = errors.New("bare metal handler unavailable")
	// ErrInvariant marks logic or data-integrity bugs. It is never
	// downgraded to a handled failure.
	ErrInvariant = errors.New("invariant violated")
	// ErrStale is returned when a versioned write loses to a concurrent one.
	ErrStale = errors.New("stale version")
)

// HTTPStatus maps an error chain to the status code the API reports.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidState), errors.Is(err, ErrStale):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrProvisioning):
		return http.StatusBadGateway
	case errors.Is(err, ErrBareMetal):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type handledError struct{ err error }

func (e handledError) Error() string { return e.err.Error() }
func (e handledError) Unwrap() error { return e.err }

// Handled marks err as already reflected in persisted state, e.g. a failed
// step whose FAILED_* status has been written. Background runners treat it
// as done rather than retrying.
func Handled(err error) error {
	if err == nil {
		return nil
	}
	return handledError{err: err}
}

// IsHandled reports whether err was marked with Handled.
func IsHandled(err error) bool {
	var h handledError
	return errors.As(err, &h)
}
