// Package config handles configuration for the sync daemon: defaults, JSON
// overlay, and command-line flags, in that order of precedence.
package config

import (
	"os"
	"time"
)

// Config holds runtime settings for relaysync.
//
// Fields:
//   - DatabaseDSN: sqlite file holding the change log, documents and cursors.
//   - DisplayName: human-readable device name recorded in the manifest.
//   - KDFIterations: PBKDF2 rounds used when creating a new manifest.
//   - MinPushInterval: pushes closer together than this are skipped unless forced.
//   - RetryMaxAttempts / RetryBaseDelay: relay I/O retry policy (exponential).
//   - RelayBackend: one of "filesystem", "s3", "webdav", "postgres".
//   - Remaining fields are backend-specific settings.
type Config struct {
	DatabaseDSN      string
	DisplayName      string
	KDFIterations    int
	MinPushInterval  time.Duration
	RetryMaxAttempts uint64
	RetryBaseDelay   time.Duration

	RelayBackend string

	// filesystem
	RelayPath string

	// s3
	S3Bucket       string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3BaseEndpoint string

	// webdav
	WebDAVURL      string
	WebDAVUser     string
	WebDAVPassword string

	// postgres
	PostgresDSN string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabaseDSN = "relaysync.db"
	c.DisplayName = hostname()
	c.KDFIterations = 600000
	c.MinPushInterval = 30 * time.Second
	c.RetryMaxAttempts = 4
	c.RetryBaseDelay = 200 * time.Millisecond
	c.RelayBackend = "filesystem"
	c.RelayPath = "relay"
	c.S3Region = "us-east-1"
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "device"
	}
	return name
}
