package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/config"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
)

// MinioAPI is the part of the MinIO client the store uses.
type MinioAPI interface {
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioStore writes to a self-hosted S3-compatible server. An object that
// already exists with the same size is left alone.
type MinioStore struct {
	client  MinioAPI
	bucket  string
	baseURL string
	logger  *zap.Logger
}

// NewMinioClient connects to the endpoint in cfg and makes sure the bucket exists.
func NewMinioClient(ctx context.Context, cfg config.StorageConfig) (*minio.Client, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("error checking bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return client, nil
}

func NewMinioStore(client MinioAPI, bucket, publicBaseURL string, logger *zap.Logger) *MinioStore {
	return &MinioStore{
		client:  client,
		bucket:  bucket,
		baseURL: publicBaseURL,
		logger:  logging.OrNop(logger).Named("storage.minio"),
	}
}

func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	url := publicURL(s.baseURL, s.bucket, key)

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	switch {
	case err == nil && info.Size == int64(len(data)):
		s.logger.Debug("object already stored", zap.String("key", key))
		return url, nil
	case err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey":
		return "", fmt.Errorf("failed to check for existing object: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to store object: %w", err)
	}

	s.logger.Info("uploaded object", zap.String("key", key), zap.String("url", url))
	return url, nil
}
