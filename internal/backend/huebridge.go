package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/device"
)

// Hue API error type for "resource not available".
const hueErrResourceUnavailable = 3

// HueBridge is a Backend that talks to a Hue bridge directly instead of going
// through the REST proxy.
type HueBridge struct {
	bridge  *huego.Bridge
	timeout time.Duration
}

// NewHueBridge creates a bridge backend for address using the given
// application key. Every bridge call is bounded by timeout (0 = 10s) on top
// of the caller's deadline.
func NewHueBridge(address, token string, timeout time.Duration) *HueBridge {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HueBridge{bridge: huego.New(address, token), timeout: timeout}
}

// huego sends every request through http.DefaultClient, so the context is
// the only bound on a hung bridge.
func (h *HueBridge) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.timeout)
}

// ListDevices returns every light paired with the bridge.
func (h *HueBridge) ListDevices(ctx context.Context) ([]device.Descriptor, error) {
	ctx, cancel := h.callContext(ctx)
	defer cancel()

	lights, err := h.bridge.GetLightsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list lights: %w", err)
	}

	devices := make([]device.Descriptor, 0, len(lights))
	for _, l := range lights {
		devices = append(devices, device.Descriptor{
			ID:           strconv.Itoa(l.ID),
			DisplayName:  l.Name,
			Kind:         device.KindLight,
			Capabilities: hueCapabilities(l),
			VendorMeta: map[string]any{
				"type":      l.Type,
				"modelid":   l.ModelID,
				"unique_id": l.UniqueID,
				"bridge_ip": h.bridge.Host,
			},
		})
	}
	return devices, nil
}

// DeviceState returns the light's state normalized to 0-100 / 0-360 scales.
func (h *HueBridge) DeviceState(ctx context.Context, id string) (device.State, error) {
	lightID, err := strconv.Atoi(id)
	if err != nil {
		return device.State{}, fmt.Errorf("invalid hue light id %q: %w", id, err)
	}
	ctx, cancel := h.callContext(ctx)
	defer cancel()

	light, err := h.bridge.GetLightContext(ctx, lightID)
	if err != nil {
		return device.State{}, hueError("get light", err)
	}
	if light.State == nil {
		return device.State{}, nil
	}
	if !light.State.Reachable {
		log.Debug().Str("light", id).Msg("Hue light reported unreachable")
	}
	return hueState(light.State), nil
}

// SetPower switches a light on or off.
func (h *HueBridge) SetPower(ctx context.Context, id string, on bool) error {
	return h.setState(ctx, id, huego.State{On: on})
}

// SetColor converts hsv to bridge scales and applies it. Brightness 0 turns
// the light off since the bridge has no zero brightness.
func (h *HueBridge) SetColor(ctx context.Context, id string, hsv device.HSV) error {
	if hsv.Brightness == 0 {
		return h.setState(ctx, id, huego.State{On: false})
	}
	return h.setState(ctx, id, huego.State{
		On:  true,
		Hue: uint16(math.Round(float64(hsv.Hue) / device.MaxHue * 65535)),
		Sat: uint8(math.Round(float64(hsv.Saturation) / device.MaxSaturation * 254)),
		Bri: uint8(math.Max(1, math.Round(float64(hsv.Brightness)/device.MaxBrightness*254))),
	})
}

func (h *HueBridge) setState(ctx context.Context, id string, state huego.State) error {
	lightID, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid hue light id %q: %w", id, err)
	}
	ctx, cancel := h.callContext(ctx)
	defer cancel()

	if _, err := h.bridge.SetLightStateContext(ctx, lightID, state); err != nil {
		return hueError("set light state", err)
	}
	return nil
}

func hueError(op string, err error) error {
	var apiErr *huego.APIError
	if errors.As(err, &apiErr) && apiErr.Type == hueErrResourceUnavailable {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func hueCapabilities(l huego.Light) []device.Capability {
	caps := []device.Capability{device.CapPower}
	if l.State == nil {
		return caps
	}
	// On/off plugs paired with the bridge report no brightness
	if l.State.Bri > 0 || l.Type != "On/Off plug-in unit" {
		caps = append(caps, device.CapBrightness)
	}
	if l.State.ColorMode != "" && l.State.ColorMode != "ct" {
		caps = append(caps, device.CapColor)
	}
	return caps
}

func hueState(s *huego.State) device.State {
	out := device.State{
		Power:      device.Bool(s.On),
		Brightness: device.Int(scale(float64(s.Bri), 254, device.MaxBrightness)),
	}
	if s.ColorMode == "hs" || s.ColorMode == "xy" {
		out.Color = &device.Color{
			Hue:        scale(float64(s.Hue), 65535, device.MaxHue),
			Saturation: scale(float64(s.Sat), 254, device.MaxSaturation),
		}
	}

	// Keep the bridge's own representation for passthrough consumers
	if data, err := json.Marshal(s); err == nil {
		var raw map[string]any
		if json.Unmarshal(data, &raw) == nil {
			out.Raw = raw
		}
	}
	return out
}
