package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
)

// gcsStore implements ObjectStore using Google Cloud Storage.
// Credentials come from Application Default Credentials.
type gcsStore struct {
	client *gcs.Client
}

func newGCSStore(ctx context.Context) (*gcsStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &gcsStore{client: client}, nil
}

// Get downloads gs://bucket/key.
func (s *gcsStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	reader, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("gcs get failed: %w", err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed: %w", err)
	}
	return data, nil
}

// Put uploads data to gs://bucket/key, overwriting any existing object.
func (s *gcsStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}
