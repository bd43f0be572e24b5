package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/devsync/internal/device"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
families:
  - name: kasa-plugs
    vendor: kasa
    kind: smartplug
    base_url: http://localhost:5000
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "./devsync.sqlite", cfg.Database.Path)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout.Duration())

	require.Len(t, cfg.Families, 1)
	f := cfg.Families[0]
	assert.Equal(t, DriverProxy, f.Driver)
	assert.Equal(t, 30*time.Second, f.CacheTTL.Duration())
	assert.Equal(t, 30*time.Second, f.PollInterval.Duration())
	assert.Equal(t, 250*time.Millisecond, f.Debounce.Color.Duration())
	assert.Equal(t, 750*time.Millisecond, f.Debounce.Power.Duration())
	assert.Equal(t, 10.0, f.RateLimit())
	assert.Equal(t, 4, f.PollConcurrency)
	assert.Equal(t, device.Family{Name: "kasa-plugs", Vendor: "kasa", Kind: device.KindSmartPlug}, f.Family())
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("DEVSYNC_HUE_TOKEN", "secret")

	cfg, err := Parse([]byte(`
log:
  level: ${DEVSYNC_LOG_LEVEL:debug}
families:
  - name: hue
    driver: huebridge
    bridge: 192.168.1.2
    token: ${DEVSYNC_HUE_TOKEN}
    debounce:
      color: 100ms
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "secret", cfg.Families[0].Token)
	assert.Equal(t, "hue", cfg.Families[0].Vendor)
	assert.Equal(t, device.KindLight, cfg.Families[0].Kind)
	assert.Equal(t, 100*time.Millisecond, cfg.Families[0].Debounce.Color.Duration())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no families",
			yaml:    `log: {level: info}`,
			wantErr: "no families configured",
		},
		{
			name: "duplicate names",
			yaml: `
families:
  - {name: a, base_url: http://x}
  - {name: a, base_url: http://y}`,
			wantErr: `duplicate name "a"`,
		},
		{
			name:    "unknown kind",
			yaml:    `families: [{name: a, kind: toaster, base_url: http://x}]`,
			wantErr: `unknown kind "toaster"`,
		},
		{
			name:    "unknown driver",
			yaml:    `families: [{name: a, driver: zigbee}]`,
			wantErr: `unknown driver "zigbee"`,
		},
		{
			name:    "proxy without base url",
			yaml:    `families: [{name: a}]`,
			wantErr: "base_url is required",
		},
		{
			name:    "bridge for plugs",
			yaml:    `families: [{name: a, driver: huebridge, bridge: h, kind: smartplug}]`,
			wantErr: "only serves lights",
		},
		{
			name:    "negative poll interval",
			yaml:    `families: [{name: a, base_url: http://x, poll_interval: -5s}]`,
			wantErr: "family a: poll_interval must be positive",
		},
		{
			name:    "negative debounce",
			yaml:    `families: [{name: a, base_url: http://x, debounce: {color: -1ms}}]`,
			wantErr: "family a: debounce.color must be positive",
		},
		{
			name:    "negative rate limit",
			yaml:    `families: [{name: a, base_url: http://x, rate_limit_rps: -1}]`,
			wantErr: "rate_limit_rps -1 is negative",
		},
		{
			name: "negative cleanup interval",
			yaml: `
ledger: {cleanup_interval: -1h}
families: [{name: a, base_url: http://x}]`,
			wantErr: "ledger: cleanup_interval must be positive",
		},
		{
			name: "negative sample interval",
			yaml: `
influxdb: {sample_interval: -30s}
families: [{name: a, base_url: http://x}]`,
			wantErr: "influxdb: sample_interval must be positive",
		},
		{
			name: "negative shutdown timeout",
			yaml: `
shutdown_timeout: -1s
families: [{name: a, base_url: http://x}]`,
			wantErr: "shutdown_timeout must be positive",
		},
		{
			name: "mqtt without broker",
			yaml: `
mqtt: {enabled: true}
families: [{name: a, base_url: http://x}]`,
			wantErr: "broker is required",
		},
		{
			name: "scheduler with unknown timezone",
			yaml: `
scheduler: {enabled: true, timezone: Mars/Olympus}
families: [{name: a, base_url: http://x}]`,
			wantErr: "scheduler: timezone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRateLimitZeroMeansUnlimited(t *testing.T) {
	cfg, err := Parse([]byte(`
families:
  - {name: a, base_url: http://x, rate_limit_rps: 0}
  - {name: b, base_url: http://x, rate_limit_rps: 2.5}
  - {name: c, base_url: http://x}`))
	require.NoError(t, err)

	assert.Equal(t, 0.0, cfg.Families[0].RateLimit())
	assert.Equal(t, 2.5, cfg.Families[1].RateLimit())
	assert.Equal(t, 10.0, cfg.Families[2].RateLimit())
}

func TestSchedulerDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
scheduler: {enabled: true}
families: [{name: a, base_url: http://x}]`))
	require.NoError(t, err)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "Local", cfg.Scheduler.Timezone)
}

func TestDurationRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte(`
shutdown_timeout: soon
families: [{name: a, base_url: http://x}]`))
	assert.Error(t, err)
}
