package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/okatkov/relaysync/internal/flagx"
	"github.com/okatkov/relaysync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "30s"
// or as integer nanoseconds. Empty fields leave the current value alone so
// the file only has to name what it overrides.
type JsonConfig struct {
	DatabaseDSN      string         `json:"database_dsn"`
	DisplayName      string         `json:"display_name"`
	KDFIterations    int            `json:"kdf_iterations"`
	MinPushInterval  timex.Duration `json:"min_push_interval"`
	RetryMaxAttempts uint64         `json:"retry_max_attempts"`
	RetryBaseDelay   timex.Duration `json:"retry_base_delay"`

	RelayBackend string `json:"relay_backend"`
	RelayPath    string `json:"relay_path"`

	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3AccessKey    string `json:"s3_access_key"`
	S3SecretKey    string `json:"s3_secret_key"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`

	WebDAVURL      string `json:"webdav_url"`
	WebDAVUser     string `json:"webdav_user"`
	WebDAVPassword string `json:"webdav_password"`

	PostgresDSN string `json:"postgres_dsn"`
}

// parseJson overlays cfg with values loaded from the JSON file named by the
// -c/-config flags. Missing file path means no overlay. Read or unmarshal
// errors panic; LoadConfig runs before any durable state exists, so failing
// loudly is safe and honest.
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

	setString(&cfg.DatabaseDSN, jc.DatabaseDSN)
	setString(&cfg.DisplayName, jc.DisplayName)
	if jc.KDFIterations != 0 {
		cfg.KDFIterations = jc.KDFIterations
	}
	if jc.MinPushInterval.Duration != 0 {
		cfg.MinPushInterval = time.Duration(jc.MinPushInterval.Duration)
	}
	if jc.RetryMaxAttempts != 0 {
		cfg.RetryMaxAttempts = jc.RetryMaxAttempts
	}
	if jc.RetryBaseDelay.Duration != 0 {
		cfg.RetryBaseDelay = time.Duration(jc.RetryBaseDelay.Duration)
	}
	setString(&cfg.RelayBackend, jc.RelayBackend)
	setString(&cfg.RelayPath, jc.RelayPath)
	setString(&cfg.S3Bucket, jc.S3Bucket)
	setString(&cfg.S3Region, jc.S3Region)
	setString(&cfg.S3AccessKey, jc.S3AccessKey)
	setString(&cfg.S3SecretKey, jc.S3SecretKey)
	setString(&cfg.S3BaseEndpoint, jc.S3BaseEndpoint)
	setString(&cfg.WebDAVURL, jc.WebDAVURL)
	setString(&cfg.WebDAVUser, jc.WebDAVUser)
	setString(&cfg.WebDAVPassword, jc.WebDAVPassword)
	setString(&cfg.PostgresDSN, jc.PostgresDSN)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
