package device

import "fmt"

// HSV ranges accepted by every family.
const (
	MaxHue        = 360
	MaxSaturation = 100
	MaxBrightness = 100
)

// HSV is the color interchange format between color pickers and vendor
// backends.
type HSV struct {
	Hue        int `json:"hue"`
	Saturation int `json:"saturation"`
	Brightness int `json:"brightness"`
}

// Validate rejects out-of-range components. Values are never clamped.
func (c HSV) Validate() error {
	if c.Hue < 0 || c.Hue > MaxHue {
		return fmt.Errorf("%w: hue %d outside 0-%d", ErrInvalidColor, c.Hue, MaxHue)
	}
	if c.Saturation < 0 || c.Saturation > MaxSaturation {
		return fmt.Errorf("%w: saturation %d outside 0-%d", ErrInvalidColor, c.Saturation, MaxSaturation)
	}
	if c.Brightness < 0 || c.Brightness > MaxBrightness {
		return fmt.Errorf("%w: brightness %d outside 0-%d", ErrInvalidColor, c.Brightness, MaxBrightness)
	}
	return nil
}

// String formats the color for logs.
func (c HSV) String() string {
	return fmt.Sprintf("hsv(%d,%d,%d)", c.Hue, c.Saturation, c.Brightness)
}
