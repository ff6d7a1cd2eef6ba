package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/tinfoilsh/chatsync/internal/flagx"
	"github.com/tinfoilsh/chatsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "30s"
// or as integer nanoseconds. After parsing, values are copied into the
// runtime Config.
type JsonConfig struct {
	DataDir             string         `json:"data_dir"`
	ServerURL           string         `json:"server_url"`
	SyncInterval        timex.Duration `json:"sync_interval"`
	StreamFlushInterval timex.Duration `json:"stream_flush_interval"`
	KeyWaitTimeout      timex.Duration `json:"key_wait_timeout"`
	PageSize            int            `json:"page_size"`
	PullConcurrency     int            `json:"pull_concurrency"`
}

// parseJson overlays Config with values loaded from a JSON file resolved via
// the -c/-config flags. Absent file path means no JSON layer. Zero values in
// the file leave the corresponding defaults untouched.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.DataDir != "" {
		cfg.DataDir = jc.DataDir
	}
	if jc.ServerURL != "" {
		cfg.ServerURL = jc.ServerURL
	}
	if jc.SyncInterval.Duration != 0 {
		cfg.SyncInterval = time.Duration(jc.SyncInterval.Duration)
	}
	if jc.StreamFlushInterval.Duration != 0 {
		cfg.StreamFlushInterval = time.Duration(jc.StreamFlushInterval.Duration)
	}
	if jc.KeyWaitTimeout.Duration != 0 {
		cfg.KeyWaitTimeout = time.Duration(jc.KeyWaitTimeout.Duration)
	}
	if jc.PageSize != 0 {
		cfg.PageSize = jc.PageSize
	}
	if jc.PullConcurrency != 0 {
		cfg.PullConcurrency = jc.PullConcurrency
	}
}
