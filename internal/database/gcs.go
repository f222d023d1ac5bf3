package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/dbsmedya/tap-bigquery/internal/config"
)

// GCSBucket implements ObjectStore on Cloud Storage.
type GCSBucket struct {
	client *storage.Client
	bucket string
}

// NewGCSBucket creates a storage client for the configured bucket with the
// same credentials as the BigQuery client.
func NewGCSBucket(ctx context.Context, cfg *config.Config) (*GCSBucket, error) {
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSBucket{client: client, bucket: cfg.StorageBucket}, nil
}

// Name returns the bucket name.
func (b *GCSBucket) Name() string {
	return b.bucket
}

// Check reads the bucket attributes.
func (b *GCSBucket) Check(ctx context.Context) error {
	if _, err := b.client.Bucket(b.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("bucket %s: %w", b.bucket, err)
	}
	return nil
}

// List returns the object names under prefix.
func (b *GCSBucket) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", b.bucket, prefix, err)
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Download copies the stored bytes of an object, without transcoding.
func (b *GCSBucket) Download(ctx context.Context, name string, w io.Writer) error {
	r, err := b.client.Bucket(b.bucket).Object(name).ReadCompressed(true).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to open gs://%s/%s: %w", b.bucket, name, err)
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("failed to download gs://%s/%s: %w", b.bucket, name, err)
	}
	return nil
}

// Delete removes an object.
func (b *GCSBucket) Delete(ctx context.Context, name string) error {
	if err := b.client.Bucket(b.bucket).Object(name).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete gs://%s/%s: %w", b.bucket, name, err)
	}
	return nil
}

// Close releases the client.
func (b *GCSBucket) Close() error {
	return b.client.Close()
}
