package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"houseplans.app/cloud/internal/config"
)

// S3Store serves assets from an S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Client builds a minio client for the configured endpoint.
func NewS3Client(cfg config.S3Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return client, nil
}

func NewS3Store(client *minio.Client, bucket string) *S3Store {
	return &S3Store{
		client: client,
		bucket: strings.TrimSpace(bucket),
	}
}

// CheckBucket fails when the bucket is unreachable or missing. The store
// only reads, so it never creates the bucket.
func (s *S3Store) CheckBucket(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("s3 client is nil")
	}
	if s.bucket == "" {
		return fmt.Errorf("s3 bucket is empty")
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check s3 bucket %q: %w", s.bucket, err)
	}
	if !exists {
		return fmt.Errorf("s3 bucket %q does not exist", s.bucket)
	}
	return nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.client == nil {
		return nil, fmt.Errorf("s3 client is nil")
	}
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrNotFound)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}

	// GetObject is lazy; Stat issues the request and surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}
	return obj, nil
}
