// Package config holds runtime settings for the chat sync engine, loaded in
// layers: defaults, then an optional JSON file, then command-line flags.
// Later sources take precedence.
package config

import "time"

// Config holds runtime settings.
//
// Fields:
//   - DataDir: root directory for per-user encrypted stores.
//   - ServerURL: base URL of the backend HTTPS API.
//   - SyncInterval: how often a background sync pass runs.
//   - StreamFlushInterval: coalescing window for persistence during a stream.
//   - KeyWaitTimeout: how long a sync pass waits for the encryption key
//     before degrading to local-only.
//   - PageSize: remote index page size.
//   - PullConcurrency: max parallel record-body fetches during a pull.
type Config struct {
	DataDir             string
	ServerURL           string
	SyncInterval        time.Duration
	StreamFlushInterval time.Duration
	KeyWaitTimeout      time.Duration
	PageSize            int
	PullConcurrency     int
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DataDir = "./data"
	c.ServerURL = "https://127.0.0.1:8443"
	c.SyncInterval = 30 * time.Second
	c.StreamFlushInterval = time.Second
	c.KeyWaitTimeout = 10 * time.Second
	c.PageSize = 50
	c.PullConcurrency = 4
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present).
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
