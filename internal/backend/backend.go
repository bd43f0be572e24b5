// Package backend talks to the vendor-facing services a device family syncs
// against: the REST proxy in front of the vendor bridges, or a Hue bridge
// directly.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/dokzlo13/devsync/internal/device"
)

// ErrNotFound is returned when the backend reports a device as currently
// unavailable (HTTP 404 or the bridge equivalent).
var ErrNotFound = errors.New("backend: device not found")

// StatusError is a non-2xx response other than 404.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status code: %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status code: %d: %s", e.Op, e.StatusCode, e.Body)
}

// Backend is the fixed contract one device family is synchronized through.
type Backend interface {
	// ListDevices returns every device the backend currently knows.
	ListDevices(ctx context.Context) ([]device.Descriptor, error)

	// DeviceState returns the current state of one device.
	// Returns ErrNotFound if the device is currently unavailable.
	DeviceState(ctx context.Context, id string) (device.State, error)

	// SetPower switches a device on or off.
	SetPower(ctx context.Context, id string, on bool) error

	// SetColor applies an HSV color.
	SetColor(ctx context.Context, id string, hsv device.HSV) error
}

// EnergyReader is implemented by backends that expose smart-plug energy.
type EnergyReader interface {
	Energy(ctx context.Context, id string) (device.Energy, error)
}
