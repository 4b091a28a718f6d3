package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, 65536, c.Tracker.MaxEntries)
	assert.Equal(t, Duration(time.Second), c.Tracker.ReapInterval)
	assert.Equal(t, 51820, c.WireGuard.ListenPort)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tracker:
  maxEntries: 1024
  reapInterval: 250ms
  dropInvalid: true
  timeouts:
    ESTABLISHED: 1h
    SYN_SENT: 30
wireguard:
  listenPort: 51999
  peers:
    - publicKey: abc
      allowedIPs: [10.0.0.2/32]
api:
  listen: ":9000"
logging:
  level: debug
`), 0644))

	c := DefaultConfig()
	require.NoError(t, LoadFromFile(path, c))
	assert.Equal(t, 1024, c.Tracker.MaxEntries)
	assert.Equal(t, Duration(250*time.Millisecond), c.Tracker.ReapInterval)
	assert.True(t, c.Tracker.DropInvalid)
	assert.Equal(t, Duration(time.Hour), c.Tracker.Timeouts["ESTABLISHED"])
	assert.Equal(t, Duration(30*time.Second), c.Tracker.Timeouts["SYN_SENT"])
	assert.Equal(t, 51999, c.WireGuard.ListenPort)
	assert.Equal(t, 1380, c.WireGuard.MTU, "defaults survive partial files")
	require.Len(t, c.WireGuard.Peers, 1)
	assert.Equal(t, []string{"10.0.0.2/32"}, c.WireGuard.Peers[0].AllowedIPs)
	assert.Equal(t, ":9000", c.API.Listen)
	require.NoError(t, c.Validate())

	tc, err := c.TableConfig()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, tc.Timeouts.For(tcptrack.Established))
	assert.Equal(t, 30*time.Second, tc.Timeouts.For(tcptrack.SynSent))
	assert.Equal(t, 2*time.Minute, tc.Timeouts.For(tcptrack.TimeWait))
	assert.True(t, tc.DropInvalid)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "tracker": {"reapInterval": "2s", "timeouts": {"CLOSE": 5}},
  "logging": {"level": "warn", "format": "json"}
}`), 0644))

	c := DefaultConfig()
	require.NoError(t, LoadFromFile(path, c))
	assert.Equal(t, Duration(2*time.Second), c.Tracker.ReapInterval)
	assert.Equal(t, Duration(5*time.Second), c.Tracker.Timeouts["CLOSE"])
	assert.Equal(t, "json", c.Logging.Format)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	c := DefaultConfig()
	assert.Error(t, LoadFromFile(filepath.Join(dir, "missing.yaml"), c))

	bad := filepath.Join(dir, "hub.toml")
	require.NoError(t, os.WriteFile(bad, []byte("x"), 0644))
	assert.Error(t, LoadFromFile(bad, c))

	badDur := filepath.Join(dir, "hub.yaml")
	require.NoError(t, os.WriteFile(badDur, []byte("tracker:\n  reapInterval: soon\n"), 0644))
	assert.Error(t, LoadFromFile(badDur, c))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TRACKER_MAX_ENTRIES", "10")
	t.Setenv("TRACKER_WORKERS", "8")
	t.Setenv("TRACKER_REAP_INTERVAL", "3s")
	t.Setenv("TRACKER_DROP_INVALID", "1")
	t.Setenv("WG_LISTEN_PORT", "40000")
	t.Setenv("API_LISTEN", "")
	t.Setenv("LOGGING_LEVEL", "error")
	t.Setenv("LOGGING_MAX_AGE", "30")

	c := DefaultConfig()
	LoadFromEnv(c)
	assert.Equal(t, 10, c.Tracker.MaxEntries)
	assert.Equal(t, 8, c.Tracker.Workers)
	assert.Equal(t, Duration(3*time.Second), c.Tracker.ReapInterval)
	assert.True(t, c.Tracker.DropInvalid)
	assert.Equal(t, 40000, c.WireGuard.ListenPort)
	assert.Empty(t, c.API.Listen)
	assert.Equal(t, "error", c.Logging.Level)
	assert.Equal(t, 30, c.Logging.MaxAge)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"workers":       func(c *Config) { c.Tracker.Workers = 0 },
		"queue":         func(c *Config) { c.Tracker.QueueCap = -1 },
		"max entries":   func(c *Config) { c.Tracker.MaxEntries = -1 },
		"reap":          func(c *Config) { c.Tracker.ReapInterval = -1 },
		"timeout state": func(c *Config) { c.Tracker.Timeouts = map[string]Duration{"BOGUS": 1} },
		"timeout value": func(c *Config) { c.Tracker.Timeouts = map[string]Duration{"CLOSE": -1} },
		"listen":        func(c *Config) { c.API.Listen = "nohostport" },
		"level":         func(c *Config) { c.Logging.Level = "loud" },
		"format":        func(c *Config) { c.Logging.Format = "xml" },
	}
	for name, mutate := range cases {
		c := DefaultConfig()
		mutate(c)
		assert.Error(t, c.Validate(), name)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := DefaultConfig()
	c.Tracker.Timeouts = map[string]Duration{"TIME_WAIT": Duration(45 * time.Second)}
	c.API.Listen = "0.0.0.0:8081"

	for _, name := range []string{"out/hub.yaml", "out/hub.json"} {
		path := filepath.Join(dir, name)
		require.NoError(t, c.SaveToFile(path))
		loaded := DefaultConfig()
		require.NoError(t, LoadFromFile(path, loaded))
		assert.Equal(t, c, loaded, name)
	}
	assert.Error(t, c.SaveToFile(filepath.Join(dir, "hub.ini")))
}

func TestDurationEncoding(t *testing.T) {
	b, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(b))

	y, err := yaml.Marshal(map[string]Duration{"d": Duration(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, "d: 1m0s\n", string(y))

	var d Duration
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
	assert.Error(t, json.Unmarshal([]byte(`"later"`), &d))
}

func TestApplyLogging(t *testing.T) {
	c := DefaultConfig()
	c.Logging.Level = "bogus"
	assert.Error(t, c.ApplyLogging())

	c.Logging.Level = "info"
	require.NoError(t, c.ApplyLogging())
}
