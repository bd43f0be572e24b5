package backend

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/dokzlo13/devsync/internal/device"
)

// Keys vendors use for the fields the sync layer interprets. Everything else
// stays in VendorMeta / Raw untouched.
var (
	idKeys    = []string{"id", "deviceId", "device_id", "light_id"}
	nameKeys  = []string{"displayName", "display_name", "name", "alias", "light_name"}
	powerKeys = []string{"power", "on", "on_off", "relay_state", "state"}
)

// decodeDeviceList accepts a JSON array of entries, an object keyed by id
// (the Hue bridge layout), or an object wrapping the array under "devices".
func decodeDeviceList(raw json.RawMessage) ([]map[string]any, error) {
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("unrecognized device list payload: %w", err)
	}

	if wrapped, ok := obj["devices"]; ok {
		if err := json.Unmarshal(wrapped, &list); err != nil {
			return nil, fmt.Errorf("unrecognized devices array: %w", err)
		}
		return list, nil
	}

	list = make([]map[string]any, 0, len(obj))
	for id, entryRaw := range obj {
		var entry map[string]any
		if err := json.Unmarshal(entryRaw, &entry); err != nil {
			return nil, fmt.Errorf("device %q: %w", id, err)
		}
		if _, has := firstKey(entry, idKeys); !has {
			entry["id"] = id
		}
		list = append(list, entry)
	}
	return list, nil
}

func descriptorFromPayload(entry map[string]any, kind device.Kind) (device.Descriptor, bool) {
	idKey, ok := firstKey(entry, idKeys)
	if !ok {
		return device.Descriptor{}, false
	}
	id, ok := parseID(entry[idKey])
	if !ok {
		return device.Descriptor{}, false
	}

	d := device.Descriptor{
		ID:          id,
		DisplayName: id,
		Kind:        kind,
		VendorMeta:  make(map[string]any),
	}
	if nameKey, ok := firstKey(entry, nameKeys); ok {
		if name, ok := entry[nameKey].(string); ok && name != "" {
			d.DisplayName = name
		}
	}

	if caps, ok := entry["capabilities"].([]any); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				d.Capabilities = append(d.Capabilities, device.Capability(s))
			}
		}
	}
	if len(d.Capabilities) == 0 {
		d.Capabilities = device.DefaultCapabilities(kind)
	}

	for k, v := range entry {
		if k == idKey || k == "capabilities" {
			continue
		}
		d.VendorMeta[k] = v
	}
	return d, true
}

func stateFromPayload(raw map[string]any) device.State {
	s := device.State{Raw: raw}

	// Hue bridge payloads nest the light state and use 0-254 / 0-65535 scales
	if nested, ok := raw["state"].(map[string]any); ok {
		if on, ok := nested["on"].(bool); ok {
			s.Power = device.Bool(on)
		}
		if bri, ok := number(nested["bri"]); ok {
			s.Brightness = device.Int(scale(bri, 254, device.MaxBrightness))
		}
		hue, hasHue := number(nested["hue"])
		sat, hasSat := number(nested["sat"])
		if hasHue && hasSat {
			s.Color = &device.Color{
				Hue:        scale(hue, 65535, device.MaxHue),
				Saturation: scale(sat, 254, device.MaxSaturation),
			}
		}
		return s
	}

	for _, key := range powerKeys {
		if p, ok := powerValue(raw[key]); ok {
			s.Power = device.Bool(p)
			break
		}
	}
	if bri, ok := number(raw["brightness"]); ok {
		s.Brightness = device.Int(int(math.Round(bri)))
	}
	hue, hasHue := number(raw["hue"])
	sat, hasSat := number(raw["saturation"])
	if hasHue && hasSat {
		s.Color = &device.Color{Hue: int(math.Round(hue)), Saturation: int(math.Round(sat))}
	}
	return s
}

func energyFromPayload(raw map[string]any) device.Energy {
	e := device.Energy{Raw: raw, MeasuredAt: time.Now()}

	// Kasa firmware reports either milli-units (power_mw) or base units (power)
	if v, ok := number(raw["power_mw"]); ok {
		e.PowerWatts = v / 1000
	} else if v, ok := number(raw["power"]); ok {
		e.PowerWatts = v
	}
	if v, ok := number(raw["total_wh"]); ok {
		e.TotalKWh = v / 1000
	} else if v, ok := number(raw["total"]); ok {
		e.TotalKWh = v
	}
	if v, ok := number(raw["voltage_mv"]); ok {
		e.VoltageV = v / 1000
	} else if v, ok := number(raw["voltage"]); ok {
		e.VoltageV = v
	}
	if v, ok := number(raw["current_ma"]); ok {
		e.CurrentA = v / 1000
	} else if v, ok := number(raw["current"]); ok {
		e.CurrentA = v
	}
	return e
}

func firstKey(m map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return k, true
		}
	}
	return "", false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func powerValue(v any) (bool, bool) {
	switch p := v.(type) {
	case bool:
		return p, true
	case float64:
		return p != 0, true
	case string:
		switch p {
		case "on", "ON", "true":
			return true, true
		case "off", "OFF", "false":
			return false, true
		}
	}
	return false, false
}

func scale(v, from float64, to int) int {
	return int(math.Round(v / from * float64(to)))
}
