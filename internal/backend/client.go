package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/device"
)

// maxErrorBody bounds how much of an error response is kept for logs.
const maxErrorBody = 512

// Client is the REST proxy backend for one device family.
//
// Paths follow /api/{vendor}/{kind}/{id}/{action}; the device list path can be
// overridden because vendors disagree on it (/devices, /lights, /smartplugs).
type Client struct {
	baseURL    string
	family     device.Family
	listPath   string
	httpClient *http.Client
}

// NewClient creates a proxy client for family. listPath defaults to the
// family kind ("lights" or "smartplugs").
func NewClient(baseURL string, family device.Family, listPath string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if listPath == "" {
		listPath = family.Kind.PathSegment()
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		family:   family,
		listPath: strings.Trim(listPath, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) listURL() string {
	// Cache-busting query param, the proxy sits behind browser-oriented caching
	return fmt.Sprintf("%s/api/%s/%s?timestamp=%d", c.baseURL, c.family.Vendor, c.listPath, time.Now().UnixMilli())
}

func (c *Client) deviceURL(id, action string) string {
	return fmt.Sprintf("%s/api/%s/%s/%s/%s", c.baseURL, c.family.Vendor, c.family.Kind.PathSegment(), url.PathEscape(id), action)
}

func (c *Client) request(ctx context.Context, method, target string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// do issues the request and decodes a 2xx JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, op, method, target string, body, out any) error {
	resp, err := c.request(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// ListDevices fetches the family's device list.
func (c *Client) ListDevices(ctx context.Context) ([]device.Descriptor, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "list devices", http.MethodGet, c.listURL(), nil, &raw); err != nil {
		return nil, err
	}

	entries, err := decodeDeviceList(raw)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	devices := make([]device.Descriptor, 0, len(entries))
	for _, entry := range entries {
		d, ok := descriptorFromPayload(entry, c.family.Kind)
		if !ok {
			log.Warn().Str("vendor", c.family.Vendor).Interface("entry", entry).Msg("Skipping device entry without id")
			continue
		}
		devices = append(devices, d)
	}

	log.Debug().Str("vendor", c.family.Vendor).Int("count", len(devices)).Msg("Fetched device list")
	return devices, nil
}

// DeviceState fetches the state of one device.
func (c *Client) DeviceState(ctx context.Context, id string) (device.State, error) {
	var raw map[string]any
	if err := c.do(ctx, "get state", http.MethodGet, c.deviceURL(id, "state"), nil, &raw); err != nil {
		return device.State{}, err
	}
	return stateFromPayload(raw), nil
}

// SetPower switches a device on or off.
func (c *Client) SetPower(ctx context.Context, id string, on bool) error {
	action := "off"
	if on {
		action = "on"
	}
	return c.do(ctx, "turn "+action, http.MethodPost, c.deviceURL(id, action), nil, nil)
}

// SetColor applies an HSV color.
func (c *Client) SetColor(ctx context.Context, id string, hsv device.HSV) error {
	return c.do(ctx, "set color", http.MethodPost, c.deviceURL(id, "color"), hsv, nil)
}

// Energy fetches a smart plug's energy reading.
func (c *Client) Energy(ctx context.Context, id string) (device.Energy, error) {
	var raw map[string]any
	if err := c.do(ctx, "get energy", http.MethodGet, c.deviceURL(id, "energy"), nil, &raw); err != nil {
		return device.Energy{}, err
	}
	return energyFromPayload(raw), nil
}

// String identifies the client in logs.
func (c *Client) String() string {
	return c.family.Vendor + "/" + c.family.Kind.PathSegment() + "@" + c.baseURL
}

// parseID renders JSON ids, which some vendors send as numbers, as strings.
func parseID(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	default:
		return "", false
	}
}
