package device

import "errors"

// Domain errors shared by the sync layer. Check them with errors.Is.
var (
	// ErrNotFound is returned when an id is not in the registry.
	ErrNotFound = errors.New("device: not found")

	// ErrNotReady is returned for operations attempted before the first
	// successful device discovery.
	ErrNotReady = errors.New("device: manager not ready")

	// ErrInvalidColor is returned when an HSV value is out of range.
	ErrInvalidColor = errors.New("device: invalid color")

	// ErrUnsupported is returned when a device lacks the capability an
	// operation needs.
	ErrUnsupported = errors.New("device: unsupported capability")

	// ErrUnavailable is returned when the backend reports the device as
	// currently unreachable.
	ErrUnavailable = errors.New("device: unavailable")
)
