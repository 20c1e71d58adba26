package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fleet-telemetry/pipeline/config"
)

const objectURLScheme = "s3://"

// ObjectStore fetches telemetry objects from S3-compatible storage
type ObjectStore interface {
	Fetch(ctx context.Context, bucket, key, dst string) error
}

// MinioStore implements ObjectStore for MinIO and S3-compatible storage
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore creates a MinIO-backed object store
func NewMinioStore(cfg config.ObjectStoreConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store endpoint is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	return &MinioStore{client: client}, nil
}

// Fetch downloads bucket/key to the local file dst
func (s *MinioStore) Fetch(ctx context.Context, bucket, key, dst string) error {
	if err := s.client.FGetObject(ctx, bucket, key, dst, minio.GetObjectOptions{}); err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return fmt.Errorf("object %s/%s not found: %w", bucket, key, os.ErrNotExist)
		}
		return fmt.Errorf("failed to fetch %s/%s: %w", bucket, key, err)
	}
	return nil
}

// ParseObjectURL splits s3://bucket/key into its parts
func ParseObjectURL(path string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(path, objectURLScheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(path, objectURLScheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// localPath resolves a data path to a local file, downloading object URLs into
// cacheDir first
func localPath(ctx context.Context, store ObjectStore, cacheDir, path string) (string, error) {
	if !strings.HasPrefix(path, objectURLScheme) {
		return path, nil
	}

	bucket, key, ok := ParseObjectURL(path)
	if !ok {
		return "", fmt.Errorf("invalid object URL: %s", path)
	}
	if store == nil {
		return "", fmt.Errorf("no object store configured for %s", path)
	}

	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "fleet-telemetry")
	}
	dst := filepath.Join(cacheDir, bucket, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	if err := store.Fetch(ctx, bucket, key, dst); err != nil {
		return "", err
	}
	return dst, nil
}
