package extractor

import (
	"context"
	"fmt"
	"io"

	"github.com/dbsmedya/tap-bigquery/internal/config"
	"github.com/dbsmedya/tap-bigquery/internal/database"
	"github.com/dbsmedya/tap-bigquery/internal/logger"
	"github.com/dbsmedya/tap-bigquery/internal/singer"
)

// StreamEstimate is the planned read of one stream.
type StreamEstimate struct {
	StreamID         string
	QualifiedName    string
	Method           string
	ReplicationKey   string
	Bookmark         interface{}
	Query            string
	TotalRows        uint64 // table size from metadata, not the filtered count
	TotalBytes       int64
	EstimatedBatches int64
	Mode             string // rows or batch
}

// Estimator describes what a sync would do without reading any rows.
type Estimator struct {
	source database.Source
	cfg    *config.Config
	state  *singer.State
	logger *logger.Logger
}

// NewEstimator creates a new estimator. state may be nil.
func NewEstimator(src database.Source, cfg *config.Config, state *singer.State, log *logger.Logger) *Estimator {
	if log == nil {
		log = logger.NewDefault()
	}
	if state == nil {
		state = singer.NewState()
	}
	return &Estimator{source: src, cfg: cfg, state: state, logger: log}
}

// Estimate plans every selected stream of catalog, in catalog order.
func (e *Estimator) Estimate(ctx context.Context, catalog *singer.Catalog) ([]StreamEstimate, error) {
	var out []StreamEstimate
	for _, entry := range catalog.Selected() {
		est, err := e.estimateStream(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", entry.TapStreamID, err)
		}
		out = append(out, est)
	}
	return out, nil
}

func (e *Estimator) estimateStream(ctx context.Context, entry *singer.CatalogEntry) (StreamEstimate, error) {
	est := StreamEstimate{
		StreamID:      entry.TapStreamID,
		QualifiedName: entry.QualifiedName(),
		Method:        singer.ReplicationFullTable,
		Mode:          "rows",
	}
	if e.cfg.BatchMode() {
		est.Mode = "batch"
	}

	query := StreamQuery(e.cfg.ProjectID, entry, e.cfg.Extraction.NullBookmarks)
	if entry.IsIncremental() {
		est.Method = singer.ReplicationIncremental
		est.ReplicationKey = entry.GetReplicationKey()
		if bm, ok := e.state.Get(entry.TapStreamID); ok && bm.ReplicationKeyValue != nil &&
			(bm.ReplicationKey == "" || bm.ReplicationKey == est.ReplicationKey) {
			est.Bookmark = bm.ReplicationKeyValue
			query.HasBookmark = true
		}
	}
	sql, err := query.SQL()
	if err != nil {
		return est, err
	}
	est.Query = sql

	meta, err := e.source.GetTable(ctx, entry.SchemaName(), entry.Table())
	if err != nil {
		e.logger.Warnf("Failed to read table metadata for %s: %v", entry.QualifiedName(), err)
		return est, nil
	}
	est.TotalRows = meta.NumRows
	est.TotalBytes = meta.NumBytes

	batchSize := e.cfg.Extraction.BatchSize
	if est.TotalRows > 0 && batchSize > 0 && est.Mode == "rows" {
		est.EstimatedBatches = (int64(est.TotalRows) + int64(batchSize) - 1) / int64(batchSize)
	}
	if est.Mode == "batch" && est.TotalRows > 0 {
		est.EstimatedBatches = 1
	}
	return est, nil
}

// DisplayExecutionPlan prints the plan.
func (e *Estimator) DisplayExecutionPlan(w io.Writer, estimates []StreamEstimate) {
	fmt.Fprintf(w, "\n=== Sync Plan ===\n\n")

	for i, est := range estimates {
		fmt.Fprintf(w, "%d. %s (%s)\n", i+1, est.StreamID, est.QualifiedName)
		fmt.Fprintf(w, "  Replication: %s", est.Method)
		if est.ReplicationKey != "" {
			fmt.Fprintf(w, " on %s", est.ReplicationKey)
		}
		fmt.Fprintln(w)
		if est.Bookmark != nil {
			fmt.Fprintf(w, "  Resuming after: %v\n", est.Bookmark)
		} else if est.ReplicationKey != "" {
			fmt.Fprintf(w, "  Resuming after: (no bookmark, full read)\n")
		}
		fmt.Fprintf(w, "  Table size: ~%d rows, %d bytes\n", est.TotalRows, est.TotalBytes)
		fmt.Fprintf(w, "  Mode: %s, estimated batches: %d\n", est.Mode, est.EstimatedBatches)
		fmt.Fprintf(w, "  Query: %s\n\n", est.Query)
	}

	fmt.Fprintf(w, "Configuration Summary:\n")
	fmt.Fprintf(w, "  Batch size: %d\n", e.cfg.Extraction.BatchSize)
	fmt.Fprintf(w, "  Page size: %d\n", e.cfg.Extraction.PageSize)
	fmt.Fprintf(w, "  Parallelism: %d\n", e.cfg.Extraction.Parallelism)
	fmt.Fprintf(w, "  Read timeout: %s\n", e.cfg.Extraction.Timeout())
	fmt.Fprintf(w, "  Max retries: %d\n", e.cfg.Extraction.MaxRetries)
	fmt.Fprintf(w, "  Null bookmarks: %s\n", e.cfg.Extraction.NullBookmarks)
	if e.cfg.BatchMode() {
		batch := e.cfg.GetBatchConfig()
		fmt.Fprintf(w, "  Batch export: gs://%s (%s, %s)\n", e.cfg.StorageBucket, batch.Encoding.Format, batch.Encoding.Compression)
	} else {
		fmt.Fprintf(w, "  Batch export: disabled\n")
	}

	fmt.Fprintln(w, "\n=== End of Plan ===")
	fmt.Fprintln(w, "\nNo rows were read. Use 'sync' to extract.")
}
