package main

import (
	"bytes"
	"io"
	"os"

	"github.com/BurntSushi/toml"
)

// config is the on-disk daemon/test-harness configuration, TOML like the
// teacher's resolver config, but describing rule sources and the proxy
// engine instead of a resolver graph.
type config struct {
	Title         string
	Store         storeConfig
	Preferences   string // path to the preferences plist; optional
	Sources       map[string]sourceConfig
	Listener      listenerConfig
	Telemetry     telemetryConfig
}

type storeConfig struct {
	Path string // SQLite database path
}

type sourceConfig struct {
	URL      string
	Format   string // "hosts", "plist", "structured"
	Priority int32
	Enabled  bool

	// Update strategy selection; exactly one of these blocks is read,
	// chosen by Strategy.
	Strategy       string // "interval", "scheduled", "manual", "push", "adaptive"
	IntervalSecs   int    `toml:"interval-seconds"`
	Cron           string `toml:"cron"`
	FallbackSecs   int    `toml:"fallback-seconds"`
	MinIntervalSecs int   `toml:"min-interval-seconds"`
	MaxIntervalSecs int   `toml:"max-interval-seconds"`
}

type listenerConfig struct {
	Address  string
	Protocol string // "udp", "tcp"
}

type telemetryConfig struct {
	Enabled    bool
	Transport  string // "syslog", "noop"
	Address    string
	BufferPath string `toml:"buffer-path"`
}

// loadConfig reads and merges one or more TOML files, exactly as the
// teacher's multi-file config loading does.
func loadConfig(files ...string) (config, error) {
	var c config
	var buf bytes.Buffer
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return c, err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	if _, err := toml.NewDecoder(io.Reader(&buf)).Decode(&c); err != nil {
		return c, err
	}
	return c, nil
}
