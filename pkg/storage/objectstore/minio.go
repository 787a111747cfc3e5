// Package objectstore implements storage.ObjectStore on MinIO/S3.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mobtestlab/devicepilot/pkg/storage"
)

// Ensure Store implements storage.ObjectStore at compile time
var _ storage.ObjectStore = (*Store)(nil)

// Store caches report objects in a MinIO bucket.
type Store struct {
	client     *minio.Client
	bucketName string
	logger     *slog.Logger
}

// NewStore connects to MinIO and ensures the bucket exists.
func NewStore(endpoint, accessKey, secretKey, bucketName string, useSSL bool, logger *slog.Logger) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	logger.Info("MinIO client initialized", slog.String("endpoint", endpoint))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
	if err != nil {
		exists, errBucketExists := client.BucketExists(ctx, bucketName)
		if errBucketExists == nil && exists {
			logger.Info("MinIO bucket already exists", slog.String("bucket", bucketName))
		} else {
			return nil, fmt.Errorf("failed to make/verify MinIO bucket '%s': %w", bucketName, err)
		}
	} else {
		logger.Info("Successfully created MinIO bucket", slog.String("bucket", bucketName))
	}

	return &Store{client: client, bucketName: bucketName, logger: logger}, nil
}

// PutObject uploads data under key and returns the object's URL.
func (s *Store) PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if s.bucketName == "" {
		return "", fmt.Errorf("minio bucket name is not configured")
	}
	info, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to upload object '%s': %w", key, err)
	}
	s.logger.Info("Stored object", slog.String("bucket", info.Bucket), slog.String("key", info.Key), slog.Int64("size", info.Size))
	return s.URL(key), nil
}

// Exists checks for an object under key via a stat call.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object '%s': %w", key, err)
	}
	return true, nil
}

// URL derives the address an object under key is served from.
func (s *Store) URL(key string) string {
	objectURL := url.URL{
		Scheme: "http",
		Host:   s.client.EndpointURL().Host,
		Path:   path.Join(s.bucketName, key),
	}
	if s.client.EndpointURL().Scheme == "https" {
		objectURL.Scheme = "https"
	}
	return objectURL.String()
}
