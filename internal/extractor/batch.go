package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/iterator"

	"github.com/dbsmedya/tap-bigquery/internal/logger"
	"github.com/dbsmedya/tap-bigquery/internal/singer"
)

// BatchProcessor runs read passes over one stream. Rows are written as
// they arrive; every batchSize rows the writer is flushed and the safe
// bookmark committed, so a failure never commits past undelivered rows.
type BatchProcessor struct {
	fetcher        *RowFetcher
	resume         *ResumeManager
	writer         *singer.Writer
	streamID       string
	replicationKey string
	kind           keyKind
	batchSize      int
	logger         *logger.Logger
	now            func() time.Time

	batchCount     int
	totalProcessed int64
	nullKeys       int64
}

// NewBatchProcessor creates a processor. replicationKey is empty for
// full-table streams.
func NewBatchProcessor(
	fetcher *RowFetcher,
	resume *ResumeManager,
	writer *singer.Writer,
	streamID, replicationKey string,
	kind keyKind,
	batchSize int,
	log *logger.Logger,
) *BatchProcessor {
	if batchSize <= 0 {
		batchSize = 10000
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &BatchProcessor{
		fetcher:        fetcher,
		resume:         resume,
		writer:         writer,
		streamID:       streamID,
		replicationKey: replicationKey,
		kind:           kind,
		batchSize:      batchSize,
		logger:         log,
		now:            time.Now,
	}
}

// RunPass reads from the current checkpoint until the read is exhausted,
// fails or ctx is canceled. progressed reports whether a bookmark was
// committed during the pass.
func (bp *BatchProcessor) RunPass(ctx context.Context) (progressed bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	stream, err := bp.fetcher.Open(ctx)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	tracker := newBookmarkTracker(bp.kind)
	inBatch := 0
	passRows := int64(0)

	for {
		if err := ctx.Err(); err != nil {
			bp.logger.Warnf("Extraction interrupted after %d rows in this pass: %v", passRows, err)
			return progressed, err
		}

		rec, err := stream.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return progressed, fmt.Errorf("read failed after %d rows: %w", passRows, err)
		}

		if bp.replicationKey != "" {
			key, err := tracker.Observe(rec[bp.replicationKey])
			if err != nil {
				return progressed, &NonRetryableError{Err: err}
			}
			if key == nil {
				bp.nullKeys++
			}
		}
		for _, d := range SanitizeRecord(rec) {
			bp.logger.Warnf("Dropping %d unsupported float value(s) from %s", d.Count, d.Path)
		}

		if err := bp.writer.WriteRecord(bp.streamID, rec, bp.now()); err != nil {
			return progressed, &NonRetryableError{Err: err}
		}
		inBatch++
		passRows++
		bp.totalProcessed++

		if inBatch >= bp.batchSize {
			moved, err := bp.commit(tracker.Safe())
			if err != nil {
				return progressed, err
			}
			progressed = progressed || moved
			bp.batchCount++
			bp.logger.WithBatch(bp.batchCount).Infof("Batch %d handed off: %d rows, total %d, bookmark %v",
				bp.batchCount, inBatch, bp.totalProcessed, bp.fetcher.GetCheckpoint())
			inBatch = 0
		}
	}

	moved, err := bp.commit(tracker.Final())
	if err != nil {
		return progressed, err
	}
	if inBatch > 0 {
		bp.batchCount++
	}
	return progressed || moved, nil
}

// commit hands off the written rows and, for incremental streams, moves
// the bookmark to value.
func (bp *BatchProcessor) commit(value interface{}) (bool, error) {
	if bp.replicationKey == "" {
		if err := bp.resume.Checkpoint(); err != nil {
			return false, &NonRetryableError{Err: err}
		}
		return false, nil
	}
	moved, err := bp.resume.Commit(bp.streamID, bp.replicationKey, value, keyCompare(bp.kind))
	if err != nil {
		return false, &NonRetryableError{Err: err}
	}
	if moved {
		bp.fetcher.UpdateCheckpoint(value)
	}
	return moved, nil
}

// GetStats returns current processing statistics.
func (bp *BatchProcessor) GetStats() (batchCount int, totalProcessed, nullKeys int64) {
	return bp.batchCount, bp.totalProcessed, bp.nullKeys
}

// NonRetryableError marks failures that a fresh read cannot fix, such as
// a broken output pipe or rows out of key order.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }

func (e *NonRetryableError) Unwrap() error { return e.Err }
