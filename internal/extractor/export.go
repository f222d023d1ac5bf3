package extractor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/dbsmedya/tap-bigquery/internal/database"
	"github.com/dbsmedya/tap-bigquery/internal/logger"
	"github.com/dbsmedya/tap-bigquery/internal/singer"
	"github.com/dbsmedya/tap-bigquery/internal/sqlutil"
	"github.com/dbsmedya/tap-bigquery/internal/types"
)

const maxExportLine = 64 << 20

// ExportOutcome describes one finished batch export.
type ExportOutcome struct {
	JobID    string
	Objects  []string // bucket objects written by the export
	Files    []string // local copies, in object order
	Rows     int64
	NullKeys int64
	MaxKey   interface{} // canonical; nil for full-table streams or empty exports
	Retries  int
}

// BatchExporter moves a stream through Cloud Storage: BigQuery exports
// the rows as newline-delimited JSON, the files are copied to local
// storage and announced in a single BATCH message.
type BatchExporter struct {
	run    *RunContext
	logger *logger.Logger
}

// NewBatchExporter creates an exporter for run.
func NewBatchExporter(run *RunContext, log *logger.Logger) *BatchExporter {
	if log == nil {
		log = run.Logger
	}
	return &BatchExporter{run: run, logger: log}
}

// ObjectPrefix returns the bucket prefix of a stream's export files in this run.
func (x *BatchExporter) ObjectPrefix(streamID string) string {
	id := x.run.RunID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s-", streamID, id)
}

// Export runs the export for entry and writes its BATCH message. The
// stream's bookmark moves to the largest exported key only after the
// BATCH message is out. Bucket objects are removed whatever the outcome.
func (x *BatchExporter) Export(ctx context.Context, entry *singer.CatalogEntry, query sqlutil.SelectQuery, kind keyKind, checkpoint interface{}) (*ExportOutcome, error) {
	run := x.run
	batchCfg := run.Config.GetBatchConfig()
	compressed := batchCfg.Encoding.Compression == "gzip"

	suffix := ".json"
	if compressed {
		suffix += ".gz"
	}
	prefix := x.ObjectPrefix(entry.TapStreamID)
	req := database.ExportRequest{
		Query: sqlutil.ExportQuery{
			Select: query,
			URI:    fmt.Sprintf("gs://%s/%s*%s", run.Bucket.Name(), prefix, suffix),
			Gzip:   compressed,
		},
	}
	if query.ReplicationKey != "" && checkpoint != nil {
		param, err := queryParam(kind, checkpoint)
		if err != nil {
			return nil, err
		}
		req.Query.Select.HasBookmark = true
		req.Bookmark = param
	}

	outcome := &ExportOutcome{}
	defer x.cleanup(context.WithoutCancel(ctx), prefix)

	err := run.Retry.ExecuteWithCondition(ctx, func(attempt int) error {
		if attempt > 0 {
			outcome.Retries++
			x.logger.Warnf("Retrying export of %s (attempt %d)", entry.QualifiedName(), attempt+1)
		}
		res, err := run.Source.Export(ctx, req)
		if err != nil {
			return err
		}
		outcome.JobID = res.JobID
		return nil
	}, x.retryable(ctx))
	if err != nil {
		return outcome, fmt.Errorf("export of %s failed: %w", entry.QualifiedName(), err)
	}
	x.logger.Infow("Export finished", "job_id", outcome.JobID, "uri", req.Query.URI)

	objects, err := run.Bucket.List(ctx, prefix)
	if err != nil {
		return outcome, fmt.Errorf("failed to list exported files: %w", err)
	}
	outcome.Objects = objects

	dir, err := x.localDir(batchCfg.Storage.Root)
	if err != nil {
		return outcome, err
	}

	replicationKey := query.ReplicationKey
	for _, name := range objects {
		local := filepath.Join(dir, batchCfg.Storage.Prefix+path.Base(name))
		if err := x.download(ctx, name, local); err != nil {
			return outcome, err
		}
		rows, nulls, maxKey, err := scanExportFile(local, compressed, replicationKey, kind)
		if err != nil {
			return outcome, fmt.Errorf("failed to read %s: %w", local, err)
		}
		if rows == 0 {
			_ = os.Remove(local)
			continue
		}
		outcome.Files = append(outcome.Files, local)
		outcome.Rows += rows
		outcome.NullKeys += nulls
		if outcome.MaxKey, err = types.MaxBookmarkBy(keyCompare(kind), outcome.MaxKey, maxKey); err != nil {
			return outcome, &NonRetryableError{Err: err}
		}
	}

	if len(outcome.Files) == 0 {
		x.logger.Info("Export produced no rows")
		return outcome, run.Resume.Checkpoint()
	}

	manifest := make([]string, len(outcome.Files))
	for i, f := range outcome.Files {
		manifest[i] = "file://" + f
	}
	encoding := singer.BatchEncoding{Format: batchCfg.Encoding.Format}
	if compressed {
		encoding.Compression = "gzip"
	}
	if err := run.Writer.WriteBatch(entry.TapStreamID, encoding, manifest); err != nil {
		return outcome, err
	}

	if replicationKey != "" && outcome.MaxKey != nil {
		if _, err := run.Resume.Commit(entry.TapStreamID, replicationKey, outcome.MaxKey, keyCompare(kind)); err != nil {
			return outcome, err
		}
	} else if err := run.Resume.Checkpoint(); err != nil {
		return outcome, err
	}

	x.logger.Infow("Batch written",
		"files", len(outcome.Files),
		"rows", outcome.Rows,
		"bookmark", outcome.MaxKey)
	return outcome, nil
}

func (x *BatchExporter) retryable(ctx context.Context) func(error) bool {
	return func(err error) bool {
		return ctx.Err() == nil && IsTransient(err)
	}
}

// localDir resolves the directory batch files are copied into. An empty
// root means a fresh temporary directory.
func (x *BatchExporter) localDir(root string) (string, error) {
	root = strings.TrimPrefix(root, "file://")
	if root == "" {
		dir, err := os.MkdirTemp("", "tap-bigquery-")
		if err != nil {
			return "", fmt.Errorf("failed to create batch directory: %w", err)
		}
		return dir, nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create batch directory %s: %w", root, err)
	}
	return filepath.Abs(root)
}

func (x *BatchExporter) download(ctx context.Context, name, local string) error {
	return x.run.Retry.ExecuteWithCondition(ctx, func(int) error {
		f, err := os.Create(local)
		if err != nil {
			return &NonRetryableError{Err: err}
		}
		if err := x.run.Bucket.Download(ctx, name, f); err != nil {
			f.Close()
			return fmt.Errorf("failed to download %s: %w", name, err)
		}
		return f.Close()
	}, x.retryable(ctx))
}

// cleanup deletes every object of the export. Failures only warn.
func (x *BatchExporter) cleanup(ctx context.Context, prefix string) {
	objects, err := x.run.Bucket.List(ctx, prefix)
	if err != nil {
		x.logger.Warnf("Could not list export files for cleanup: %v", err)
		return
	}
	for _, name := range objects {
		if err := x.run.Bucket.Delete(ctx, name); err != nil {
			x.logger.Warnf("Could not delete gs://%s/%s: %v", x.run.Bucket.Name(), name, err)
		}
	}
}

// scanExportFile counts the rows of an export file and finds its largest
// replication key.
func scanExportFile(file string, compressed bool, replicationKey string, kind keyKind) (rows, nulls int64, maxKey interface{}, err error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, 0, nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			if err == io.EOF {
				return 0, 0, nil, nil
			}
			return 0, 0, nil, err
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxExportLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rows++
		if replicationKey == "" {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var row map[string]interface{}
		if err := dec.Decode(&row); err != nil {
			return rows, nulls, maxKey, fmt.Errorf("line %d: %w", rows, err)
		}
		raw := row[replicationKey]
		if n, ok := raw.(json.Number); ok {
			raw = n.String()
		}
		key, err := canonicalKey(kind, raw)
		if err != nil {
			return rows, nulls, maxKey, err
		}
		if key == nil {
			nulls++
			continue
		}
		if maxKey, err = types.MaxBookmarkBy(keyCompare(kind), maxKey, key); err != nil {
			return rows, nulls, maxKey, err
		}
	}
	return rows, nulls, maxKey, scanner.Err()
}
