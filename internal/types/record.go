// Package types contains shared types used across multiple packages to avoid import cycles.
package types

import "time"

// Record is one row keyed by column name, holding JSON-friendly values.
type Record map[string]interface{}

// StreamStats contains statistics about one stream's extraction.
type StreamStats struct {
	RecordsExtracted int64         // Rows handed to the writer, duplicates after retries included
	Batches          int           // Committed batches
	Retries          int           // Transient failures that were retried
	Duration         time.Duration // Wall time for the stream
}

// Add merges other into s.
func (s *StreamStats) Add(other StreamStats) {
	s.RecordsExtracted += other.RecordsExtracted
	s.Batches += other.Batches
	s.Retries += other.Retries
	s.Duration += other.Duration
}
