package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	json "github.com/goccy/go-json"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/dbsmedya/tap-bigquery/internal/config"
	"github.com/dbsmedya/tap-bigquery/internal/sqlutil"
	"github.com/dbsmedya/tap-bigquery/internal/types"
)

// BigQuerySource implements Source with the BigQuery client.
type BigQuerySource struct {
	client     *bigquery.Client
	project    string
	location   string
	timeout    time.Duration // per metadata call
	jobTimeout time.Duration // server-side cap on query and export jobs
}

// ClientOptions builds Google client options from the configured credentials:
// inline JSON, a JSON object, or a key file path. Nothing configured means
// Application Default Credentials.
func ClientOptions(cfg *config.Config) ([]option.ClientOption, error) {
	switch creds := cfg.Credentials.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		data, err := json.Marshal(creds)
		if err != nil {
			return nil, fmt.Errorf("failed to encode credentials: %w", err)
		}
		return []option.ClientOption{option.WithCredentialsJSON(data)}, nil
	case string:
		s := strings.TrimSpace(creds)
		if s == "" {
			return nil, nil
		}
		if json.Valid([]byte(s)) {
			return []option.ClientOption{option.WithCredentialsJSON([]byte(s))}, nil
		}
		return []option.ClientOption{option.WithCredentialsFile(s)}, nil
	default:
		return nil, fmt.Errorf("unsupported credentials type %T", creds)
	}
}

// NewBigQuerySource creates a BigQuery client for the configured project.
func NewBigQuerySource(ctx context.Context, cfg *config.Config) (*BigQuerySource, error) {
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create BigQuery client: %w", err)
	}
	if cfg.Location != "" {
		client.Location = cfg.Location
	}

	return &BigQuerySource{
		client:     client,
		project:    cfg.ProjectID,
		location:   cfg.Location,
		timeout:    cfg.Extraction.Timeout(),
		jobTimeout: cfg.Extraction.JobTimeout(),
	}, nil
}

// withTimeout bounds a single metadata call.
func (s *BigQuerySource) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Ping lists at most one dataset.
func (s *BigQuerySource) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	it := s.client.Datasets(ctx)
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("project %s: %w", s.project, err)
	}
	return nil
}

// ListSchemas returns every dataset in the project.
func (s *BigQuerySource) ListSchemas(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var names []string
	it := s.client.Datasets(ctx)
	for {
		ds, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list datasets in %s: %w", s.project, err)
		}
		names = append(names, ds.DatasetID)
	}
	return names, nil
}

// ListTables returns the tables and views of one dataset.
func (s *BigQuerySource) ListTables(ctx context.Context, schema string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var names []string
	it := s.client.Dataset(schema).Tables(ctx)
	for {
		t, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list tables in %s: %w", schema, err)
		}
		names = append(names, t.TableID)
	}
	return names, nil
}

// GetTable fetches table metadata.
func (s *BigQuerySource) GetTable(ctx context.Context, schema, table string) (*TableMeta, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	md, err := s.client.Dataset(schema).Table(table).Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata of %s.%s: %w", schema, table, err)
	}

	meta := &TableMeta{
		Schema:       schema,
		Name:         table,
		Type:         string(md.Type),
		Fields:       md.Schema,
		NumRows:      md.NumRows,
		NumBytes:     md.NumBytes,
		Location:     md.Location,
		LastModified: md.LastModifiedTime,
	}
	if md.TableConstraints != nil && md.TableConstraints.PrimaryKey != nil {
		meta.PrimaryKey = append(meta.PrimaryKey, md.TableConstraints.PrimaryKey.Columns...)
	}
	return meta, nil
}

func (s *BigQuerySource) query(sql string, hasBookmark bool, bookmark interface{}) *bigquery.Query {
	q := s.client.Query(sql)
	s.configure(q, hasBookmark, bookmark)
	return q
}

// configure applies location, job cap and the @bookmark parameter. Long
// reads are bounded by the stall watchdog, not by timeout_seconds.
func (s *BigQuerySource) configure(q *bigquery.Query, hasBookmark bool, bookmark interface{}) {
	if s.location != "" {
		q.Location = s.location
	}
	if s.jobTimeout > 0 {
		q.JobTimeout = s.jobTimeout
	}
	if hasBookmark {
		q.Parameters = []bigquery.QueryParameter{{Name: sqlutil.BookmarkParam, Value: bookmark}}
	}
}

// Read runs a SELECT. The iterator fetches further pages with ctx.
func (s *BigQuerySource) Read(ctx context.Context, req ReadRequest) (RowIterator, error) {
	sql, err := req.Query.SQL()
	if err != nil {
		return nil, err
	}

	it, err := s.query(sql, req.Query.HasBookmark, req.Bookmark).Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	if req.PageSize > 0 {
		it.PageInfo().MaxSize = req.PageSize
	}
	return &bigQueryRows{it: it}, nil
}

// Export runs an EXPORT DATA job and waits for it. A job still running when
// the wait fails is cancelled.
func (s *BigQuerySource) Export(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	sql, err := req.Query.SQL()
	if err != nil {
		return nil, err
	}

	job, err := s.query(sql, req.Query.Select.HasBookmark, req.Bookmark).Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start export job: %w", err)
	}

	status, err := job.Wait(ctx)
	if err == nil {
		err = status.Err()
	}
	if err != nil {
		if last := job.LastStatus(); last == nil || !last.Done() {
			cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = job.Cancel(cancelCtx)
			cancel()
		}
		return nil, fmt.Errorf("export job %s failed: %w", job.ID(), err)
	}

	result := &ExportResult{JobID: job.ID()}
	if stats := status.Statistics; stats != nil && !stats.EndTime.IsZero() {
		result.Duration = stats.EndTime.Sub(stats.StartTime)
	}
	return result, nil
}

// Close releases the client.
func (s *BigQuerySource) Close() error {
	return s.client.Close()
}

type bigQueryRows struct {
	it *bigquery.RowIterator
}

func (r *bigQueryRows) Next() (types.Record, error) {
	var row map[string]bigquery.Value
	if err := r.it.Next(&row); err != nil {
		return nil, err
	}
	rec := make(types.Record, len(row))
	for k, v := range row {
		rec[k] = convertValue(v)
	}
	return rec, nil
}

// convertValue unwraps BigQuery containers and normalizes leaf values.
func convertValue(v bigquery.Value) interface{} {
	switch val := v.(type) {
	case map[string]bigquery.Value:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = convertValue(item)
		}
		return out
	case []bigquery.Value:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = convertValue(item)
		}
		return out
	default:
		return types.NormalizeValue(val)
	}
}
