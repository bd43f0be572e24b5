// Package device defines the value types shared by every device family:
// descriptors, runtime state, colors and energy readings.
package device

import (
	"reflect"
	"time"
)

// Kind identifies the physical class of a device.
type Kind string

const (
	KindLight     Kind = "light"
	KindSmartPlug Kind = "smartplug"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindLight || k == KindSmartPlug
}

// PathSegment returns the plural path segment the backend uses for this kind.
func (k Kind) PathSegment() string {
	if k == KindSmartPlug {
		return "smartplugs"
	}
	return "lights"
}

// Capability is a controllable aspect of a device.
type Capability string

const (
	CapPower      Capability = "power"
	CapBrightness Capability = "brightness"
	CapColor      Capability = "color"
)

// DefaultCapabilities returns the capability set assumed when the backend
// does not report one.
func DefaultCapabilities(k Kind) []Capability {
	if k == KindSmartPlug {
		return []Capability{CapPower}
	}
	return []Capability{CapPower, CapBrightness, CapColor}
}

// Family scopes one manager instance: a vendor plus the device kind it serves.
type Family struct {
	Name   string `json:"name"`
	Vendor string `json:"vendor"`
	Kind   Kind   `json:"kind"`
}

// Descriptor is the identity and capability record of a device.
// It is never mutated after creation; refreshes replace it wholesale.
type Descriptor struct {
	ID           string         `json:"id"`
	DisplayName  string         `json:"display_name"`
	Kind         Kind           `json:"kind"`
	Capabilities []Capability   `json:"capabilities"`
	VendorMeta   map[string]any `json:"vendor_meta,omitempty"`
}

// Has reports whether the device advertises capability c.
func (d Descriptor) Has(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices or maps with d.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Capabilities = append([]Capability(nil), d.Capabilities...)
	if d.VendorMeta != nil {
		out.VendorMeta = make(map[string]any, len(d.VendorMeta))
		for k, v := range d.VendorMeta {
			out.VendorMeta[k] = v
		}
	}
	return out
}

// Color is a hue/saturation pair. Hue is 0-360, saturation 0-100.
type Color struct {
	Hue        int `json:"hue"`
	Saturation int `json:"saturation"`
}

// State is the runtime state of one device. Nil fields are unknown.
type State struct {
	Power      *bool          `json:"power,omitempty"`
	Brightness *int           `json:"brightness,omitempty"`
	Color      *Color         `json:"color,omitempty"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// Equal reports deep equality, including the raw backend payload.
func (s State) Equal(other State) bool {
	return reflect.DeepEqual(s, other)
}

// Energy is a smart-plug energy reading.
type Energy struct {
	PowerWatts float64        `json:"power_watts"`
	TotalKWh   float64        `json:"total_kwh"`
	VoltageV   float64        `json:"voltage_v,omitempty"`
	CurrentA   float64        `json:"current_a,omitempty"`
	Raw        map[string]any `json:"raw,omitempty"`
	MeasuredAt time.Time      `json:"measured_at"`
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
