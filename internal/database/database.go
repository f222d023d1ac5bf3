// Package database provides BigQuery and Cloud Storage connection management for tap-bigquery.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/dbsmedya/tap-bigquery/internal/config"
)

// Manager owns the BigQuery source and, in batch mode, the export bucket
// for one session.
type Manager struct {
	Source Source
	Bucket ObjectStore
	config *config.Config

	dialSource func(ctx context.Context) (Source, error)
	dialBucket func(ctx context.Context) (ObjectStore, error)
	backoff    time.Duration
}

// NewManager creates a new connection manager from configuration.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		config: cfg,
		dialSource: func(ctx context.Context) (Source, error) {
			return NewBigQuerySource(ctx, cfg)
		},
		dialBucket: func(ctx context.Context) (ObjectStore, error) {
			return NewGCSBucket(ctx, cfg)
		},
		backoff: time.Second,
	}
}

// NewManagerWith wraps already-open connections, e.g. a MemSource.
func NewManagerWith(cfg *config.Config, src Source, bucket ObjectStore) *Manager {
	return &Manager{Source: src, Bucket: bucket, config: cfg}
}

// Connect opens the source and, when a storage bucket is configured, the bucket.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.ConnectSource(ctx); err != nil {
		return err
	}

	if m.Bucket == nil && m.config.BatchMode() && m.dialBucket != nil {
		bucket, err := m.dialBucket(ctx)
		if err != nil {
			m.Source.Close()
			return fmt.Errorf("failed to connect to storage bucket: %w", err)
		}
		m.Bucket = bucket
	}

	return nil
}

// ConnectSource opens the BigQuery source only.
// Use this when the bucket is not needed (discovery, validation).
func (m *Manager) ConnectSource(ctx context.Context) error {
	if m.Source != nil {
		return nil
	}

	src, err := m.connectWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to BigQuery project %s: %w", m.config.ProjectID, err)
	}
	m.Source = src
	return nil
}

// connectWithRetry attempts to connect with exponential backoff.
func (m *Manager) connectWithRetry(ctx context.Context) (Source, error) {
	var src Source
	var err error

	maxRetries := 3
	backoff := m.backoff

	for i := 0; i < maxRetries; i++ {
		src, err = m.dialSource(ctx)
		if err == nil {
			// Verify credentials and project
			if pingErr := src.Ping(ctx); pingErr == nil {
				return src, nil
			} else {
				src.Close()
				err = pingErr
			}
		}

		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2 // Exponential backoff
			}
		}
	}

	return nil, fmt.Errorf("failed after %d retries: %w", maxRetries, err)
}

// Close closes all connections gracefully.
func (m *Manager) Close() error {
	var result *multierror.Error

	if m.Bucket != nil {
		if err := m.Bucket.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("bucket close: %w", err))
		}
	}

	if m.Source != nil {
		if err := m.Source.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("source close: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// Ping verifies all connections are alive.
func (m *Manager) Ping(ctx context.Context) error {
	if m.Source != nil {
		if err := m.Source.Ping(ctx); err != nil {
			return fmt.Errorf("source ping failed: %w", err)
		}
	}

	if m.Bucket != nil {
		if err := m.Bucket.Check(ctx); err != nil {
			return fmt.Errorf("bucket check failed: %w", err)
		}
	}

	return nil
}
