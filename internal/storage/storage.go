// Package storage holds generated recipe images in S3-compatible object storage.
package storage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/config"
)

// ObjectStore persists an object and returns the URL clients load it from.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// RecipeImageKey is the object key for a recipe's generated image. Keys are
// deterministic so a rerun overwrites instead of orphaning objects.
func RecipeImageKey(recipeID string) string {
	return fmt.Sprintf("recipe-images/%s.png", recipeID)
}

// publicURL builds the URL an object is served from. Without an explicit base
// it falls back to virtual-hosted S3 addressing.
func publicURL(base, bucket, key string) string {
	if base != "" {
		return strings.TrimSuffix(base, "/") + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", bucket, key)
}

// New builds the object store selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (ObjectStore, error) {
	switch cfg.Backend {
	case "s3":
		client, err := config.NewS3Client(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		return NewS3Store(client, cfg.Bucket, cfg.PublicBaseURL, logger), nil
	case "minio":
		client, err := NewMinioClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		base := cfg.PublicBaseURL
		if base == "" {
			base = minioBaseURL(cfg)
		}
		return NewMinioStore(client, cfg.Bucket, base, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// minioBaseURL is the path-style URL of the bucket on the MinIO endpoint.
func minioBaseURL(cfg config.StorageConfig) string {
	host := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s", scheme, strings.TrimSuffix(host, "/"), cfg.Bucket)
}
