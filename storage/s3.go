package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Store writes artifacts with PutObject.
type S3Store struct {
	cfg    Config
	client *s3.Client
	logger *zap.Logger
}

// NewS3Store creates a store from static credentials. optFns are applied after
// the options derived from cfg.
func NewS3Store(cfg Config, logger *zap.Logger, optFns ...func(*s3.Options)) *S3Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := s3.Options{
		Region:      cfg.RegionOrDefault(),
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	if cfg.EndpointURL != "" {
		opts.BaseEndpoint = aws.String(cfg.EndpointURL)
		opts.UsePathStyle = true
	}

	return &S3Store{
		cfg:    cfg,
		client: s3.New(opts, optFns...),
		logger: logger.With(zap.String("bucket", cfg.Bucket)),
	}
}

// Put uploads data under the configured prefix.
func (s *S3Store) Put(ctx context.Context, filename string, data []byte) (string, error) {
	key := s.cfg.ObjectKey(filename)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(ContentTypeFor(filename)),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s to s3: %w", key, err)
	}

	s.logger.Debug("artifact uploaded", zap.String("key", key), zap.Int("bytes", len(data)))
	return s.cfg.URL(key), nil
}
