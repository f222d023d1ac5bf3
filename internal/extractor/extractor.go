package extractor

import (
	"context"
	"fmt"
	"time"

	"github.com/dbsmedya/tap-bigquery/internal/config"
	"github.com/dbsmedya/tap-bigquery/internal/logger"
	"github.com/dbsmedya/tap-bigquery/internal/singer"
	"github.com/dbsmedya/tap-bigquery/internal/sqlutil"
	"github.com/dbsmedya/tap-bigquery/internal/types"
)

// StreamQuery builds the read of a catalog entry: the selected columns,
// ordered by the replication key for incremental streams and by the key
// properties otherwise.
func StreamQuery(project string, entry *singer.CatalogEntry, nullBookmarks string) sqlutil.SelectQuery {
	q := sqlutil.SelectQuery{
		Project: project,
		Dataset: entry.SchemaName(),
		Table:   entry.Table(),
	}
	for _, name := range entry.SelectedProperties() {
		col := sqlutil.Column{Name: name}
		if children := entry.SelectedChildren(name); children != nil {
			col.Children = sqlutil.Columns(children...)
		}
		q.Columns = append(q.Columns, col)
	}

	if entry.IsIncremental() {
		q.ReplicationKey = entry.GetReplicationKey()
		q.ExcludeNulls = nullBookmarks == config.NullBookmarksExclude
	} else {
		q.OrderBy = entry.KeyProperties
	}
	return q
}

// StreamExtractor extracts one catalog entry.
type StreamExtractor struct {
	run    *RunContext
	entry  *singer.CatalogEntry
	logger *logger.Logger
}

// NewStreamExtractor validates entry and prepares its extractor.
func NewStreamExtractor(run *RunContext, entry *singer.CatalogEntry) (*StreamExtractor, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if len(entry.SelectedProperties()) == 0 {
		return nil, fmt.Errorf("stream %s has no selected properties", entry.TapStreamID)
	}
	if entry.IsIncremental() {
		if err := checkReplicationKeyType(entry, entry.GetReplicationKey()); err != nil {
			return nil, fmt.Errorf("stream %s: %w", entry.TapStreamID, err)
		}
	}
	return &StreamExtractor{
		run:    run,
		entry:  entry,
		logger: run.Logger.WithStream(entry.TapStreamID),
	}, nil
}

// Extract writes the stream's SCHEMA message and its rows, or a BATCH
// message in batch mode. Without a bookmark the whole table is read; with
// one, only rows whose replication key is strictly greater. Entries
// without a replication key are always read in full.
func (e *StreamExtractor) Extract(ctx context.Context) (types.StreamStats, error) {
	start := time.Now()
	run := e.run
	entry := e.entry
	var stats types.StreamStats

	replicationKey := ""
	if entry.IsIncremental() {
		replicationKey = entry.GetReplicationKey()
	}

	var bookmarkProps []string
	if replicationKey != "" {
		bookmarkProps = []string{replicationKey}
	}
	schema := entry.Schema.Select(entry.SelectedProperties())
	if err := run.Writer.WriteSchema(entry.TapStreamID, schema, entry.KeyProperties, bookmarkProps); err != nil {
		return stats, err
	}

	kind := replicationKeyKind(entry, replicationKey)
	var checkpoint interface{}
	if replicationKey != "" {
		if v, ok := run.Resume.Bookmark(entry.TapStreamID, replicationKey); ok {
			canonical, err := canonicalKey(kind, v)
			if err != nil {
				return stats, fmt.Errorf("invalid bookmark: %w", err)
			}
			checkpoint = canonical
		}
	} else if _, ok := run.Resume.State().Get(entry.TapStreamID); ok {
		e.logger.Infof("Stream %s has no replication key; ignoring its bookmark and reading the full table", entry.TapStreamID)
	}

	query := StreamQuery(run.Config.ProjectID, entry, run.Config.Extraction.NullBookmarks)
	e.logger.Infow("Extracting stream",
		"table", entry.QualifiedName(),
		"replication_method", entry.GetReplicationMethod(),
		"replication_key", replicationKey,
		"bookmark", checkpoint,
		"columns", len(query.Columns))

	var err error
	if run.Config.BatchMode() {
		exporter := NewBatchExporter(run, e.logger)
		var outcome *ExportOutcome
		outcome, err = exporter.Export(ctx, entry, query, kind, checkpoint)
		if outcome != nil {
			stats.RecordsExtracted = outcome.Rows
			stats.Batches = 1
			stats.Retries = outcome.Retries
		}
	} else {
		err = e.extractRows(ctx, query, replicationKey, kind, checkpoint, &stats)
	}

	stats.Duration = time.Since(start)
	if err != nil {
		return stats, err
	}
	e.logger.Infow("Stream complete",
		"records", stats.RecordsExtracted,
		"batches", stats.Batches,
		"retries", stats.Retries,
		"duration", stats.Duration.String())
	return stats, nil
}

// extractRows runs read passes until one finishes. A transient failure
// re-reads from the last committed bookmark; the retry budget starts over
// whenever a pass committed progress.
func (e *StreamExtractor) extractRows(ctx context.Context, query sqlutil.SelectQuery, replicationKey string, kind keyKind, checkpoint interface{}, stats *types.StreamStats) error {
	run := e.run
	cfg := run.Config.Extraction

	fetcher := NewRowFetcher(run.Source, query, kind, cfg.PageSize, cfg.Timeout(), checkpoint)
	bp := NewBatchProcessor(fetcher, run.Resume, run.Writer, e.entry.TapStreamID, replicationKey, kind, cfg.BatchSize, e.logger)
	bp.now = run.Now

	defer func() {
		batches, total, nulls := bp.GetStats()
		stats.Batches = batches
		stats.RecordsExtracted = total
		if nulls > 0 {
			e.logger.Infof("%d rows had a null or non-finite %s and did not move the bookmark", nulls, replicationKey)
		}
	}()

	attempt := 0
	for {
		progressed, err := bp.RunPass(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsTransient(err) {
			return err
		}
		if progressed {
			attempt = 0
		}
		if attempt >= run.Retry.MaxAttempts-1 {
			return fmt.Errorf("giving up after %d attempts, bookmark left at %v: %w",
				attempt+1, fetcher.GetCheckpoint(), err)
		}

		stats.Retries++
		e.logger.Warnw("Transient read failure, retrying from last committed bookmark",
			"attempt", attempt+1,
			"bookmark", fetcher.GetCheckpoint(),
			"error", err)
		if err := run.Retry.Wait(ctx, attempt); err != nil {
			return err
		}
		attempt++
	}
}
