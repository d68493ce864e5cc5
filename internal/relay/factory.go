package relay

import (
	"context"
	"fmt"

	"github.com/okatkov/relaysync/internal/config"
)

// New builds the backend selected by cfg.RelayBackend.
func New(ctx context.Context, cfg *config.Config) (Relay, error) {
	switch cfg.RelayBackend {
	case BackendFilesystem:
		return NewFilesystem(cfg.RelayPath)
	case BackendObjectSt:
		return NewObjectStore(ctx, ObjectStoreConfig{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			BaseEndpoint: cfg.S3BaseEndpoint,
		})
	case BackendWebDAV:
		return NewWebDAV(cfg.WebDAVURL, cfg.WebDAVUser, cfg.WebDAVPassword), nil
	case BackendPostgres:
		return NewPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown relay backend %q", cfg.RelayBackend)
	}
}
