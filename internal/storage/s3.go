package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
)

// S3API is the part of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Store struct {
	client  S3API
	bucket  string
	baseURL string
	logger  *zap.Logger
}

func NewS3Store(client S3API, bucket, publicBaseURL string, logger *zap.Logger) *S3Store {
	return &S3Store{
		client:  client,
		bucket:  bucket,
		baseURL: publicBaseURL,
		logger:  logging.OrNop(logger).Named("storage.s3"),
	}
}

// Put uploads data to S3 and returns the public URL
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	url := publicURL(s.baseURL, s.bucket, key)
	s.logger.Info("uploaded object", zap.String("key", key), zap.String("url", url))
	return url, nil
}
