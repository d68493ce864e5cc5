package config

import (
	"flag"
	"os"

	"github.com/okatkov/relaysync/internal/flagx"
)

// FlagNames lists every flag owned by the config loader, so the CLI can
// separate them from its subcommand.
var FlagNames = []string{
	"-c", "-config",
	"-db", "-name", "-iterations",
	"-relay", "-relay-path",
	"-s3-bucket", "-s3-region", "-s3-access-key", "-s3-secret-key", "-s3-endpoint",
	"-webdav-url", "-webdav-user", "-webdav-password",
	"-postgres-dsn",
}

// parseFlags overlays cfg with any config flags present on the command line.
// Unknown arguments (the CLI's subcommand, -force, …) are filtered out
// beforehand so they do not trip the flag set.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], FlagNames)

	fs := flag.NewFlagSet("config", flag.ContinueOnError)

	db := fs.String("db", "", "path to the local sqlite database")
	name := fs.String("name", "", "device display name")
	iterations := fs.Int("iterations", 0, "PBKDF2 iterations for new manifests")
	backend := fs.String("relay", "", "relay backend: filesystem|s3|webdav|postgres")
	relayPath := fs.String("relay-path", "", "filesystem relay root directory")
	s3Bucket := fs.String("s3-bucket", "", "S3 bucket name")
	s3Region := fs.String("s3-region", "", "S3 region")
	s3AccessKey := fs.String("s3-access-key", "", "S3 access key")
	s3SecretKey := fs.String("s3-secret-key", "", "S3 secret key")
	s3Endpoint := fs.String("s3-endpoint", "", "S3-compatible base endpoint")
	davURL := fs.String("webdav-url", "", "WebDAV collection URL")
	davUser := fs.String("webdav-user", "", "WebDAV user")
	davPassword := fs.String("webdav-password", "", "WebDAV password")
	pgDSN := fs.String("postgres-dsn", "", "Postgres relay DSN")

	// config file flags are parsed separately in parseJson
	fs.String("config", "", "path to config file")
	fs.String("c", "", "path to config file (short)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	setString(&cfg.DatabaseDSN, *db)
	setString(&cfg.DisplayName, *name)
	if *iterations != 0 {
		cfg.KDFIterations = *iterations
	}
	setString(&cfg.RelayBackend, *backend)
	setString(&cfg.RelayPath, *relayPath)
	setString(&cfg.S3Bucket, *s3Bucket)
	setString(&cfg.S3Region, *s3Region)
	setString(&cfg.S3AccessKey, *s3AccessKey)
	setString(&cfg.S3SecretKey, *s3SecretKey)
	setString(&cfg.S3BaseEndpoint, *s3Endpoint)
	setString(&cfg.WebDAVURL, *davURL)
	setString(&cfg.WebDAVUser, *davUser)
	setString(&cfg.WebDAVPassword, *davPassword)
	setString(&cfg.PostgresDSN, *pgDSN)
}
