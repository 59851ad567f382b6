package daemon

import (
	"context"
	"fmt"
	"time"

	"workflow-bundles/go-backend/internal/config"
	"workflow-bundles/go-backend/internal/storage"
)

const defaultBlobInitTimeout = 30 * time.Second

// BuildBundleStore opens the bundle index under cfg.DataDir with archives in
// the configured blob backend.
func BuildBundleStore(ctx context.Context, cfg config.StorageConfig, secret string) (*storage.BundleStore, error) {
	var blobs storage.BlobStore
	switch cfg.BlobBackend {
	case config.BlobBackendMinio:
		timeout := cfg.BlobTimeout
		if timeout <= 0 {
			timeout = defaultBlobInitTimeout
		}
		initCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		minioStore, err := storage.NewMinioBlobStore(initCtx, storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			Bucket:    cfg.Minio.Bucket,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Prefix:    cfg.Minio.Prefix,
			UseSSL:    cfg.Minio.SSL(),
		})
		if err != nil {
			return nil, err
		}
		blobs = minioStore
	case config.BlobBackendFile, "":
		// BundleStore keeps archives next to its index.
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
	return storage.NewBundleStore(storage.BundleStoreOptions{
		Dir:         cfg.DataDir,
		Secret:      secret,
		Blobs:       blobs,
		BlobTimeout: cfg.BlobTimeout,
	})
}
