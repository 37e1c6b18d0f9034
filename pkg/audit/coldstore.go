package audit

import (
	"bytes"
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3ColdStore writes sealed chain ranges to an S3 bucket.
type S3ColdStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ColdStoreConfig holds configuration for S3ColdStore.
type S3ColdStoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// NewS3ColdStore creates an S3-backed cold store.
func NewS3ColdStore(ctx context.Context, cfg S3ColdStoreConfig) (*S3ColdStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("audit: load AWS config: %w", err)
	}
	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}
	return &S3ColdStore{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3ColdStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	fullKey := s.prefix + key
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("audit: s3 put failed: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, fullKey), nil
}

// GCSColdStore writes sealed chain ranges to a GCS bucket.
type GCSColdStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSColdStore creates a GCS-backed cold store (ADC credentials).
func NewGCSColdStore(ctx context.Context, bucket, prefix string) (*GCSColdStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: create GCS client: %w", err)
	}
	return &GCSColdStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSColdStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	objectPath := s.prefix + key
	w := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("audit: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("audit: gcs close failed: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
}
