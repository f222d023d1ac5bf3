package database

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"google.golang.org/api/iterator"

	"github.com/dbsmedya/tap-bigquery/internal/sqlutil"
	"github.com/dbsmedya/tap-bigquery/internal/types"
)

// MemSource is an in-memory Source. It evaluates SelectQuery filters and
// ordering in Go, so extraction can be exercised without a project.
type MemSource struct {
	mu       sync.Mutex
	schemas  map[string]map[string]*MemTable
	listErr  error
	pingErr  error
	tableErr map[string]error
	faults   map[string]*Fault
	reads    map[string]int
	requests []ReadRequest
	bucket   *MemBucket
	closed   bool
	exportID int

	// RowDelay is slept before every row, honouring the read context.
	RowDelay time.Duration
	// ExportShardRows splits exports into files of at most this many rows.
	ExportShardRows int
}

// MemTable is one in-memory table.
type MemTable struct {
	Meta TableMeta
	Rows []types.Record
}

// Fault makes reads of a table fail.
type Fault struct {
	AfterRows int   // rows delivered before Err is returned
	Err       error // returned by RowIterator.Next, or by Export
	Times     int   // number of reads that fail; negative fails every read
}

// NewMemSource creates an empty in-memory source.
func NewMemSource() *MemSource {
	return &MemSource{
		schemas:  make(map[string]map[string]*MemTable),
		tableErr: make(map[string]error),
		faults:   make(map[string]*Fault),
		reads:    make(map[string]int),
	}
}

func memKey(schema, table string) string {
	return schema + "." + table
}

// AddSchema registers an empty dataset.
func (m *MemSource) AddSchema(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schemas[name]; !ok {
		m.schemas[name] = make(map[string]*MemTable)
	}
}

// AddTable registers a table with its columns and rows.
func (m *MemSource) AddTable(schema, table string, fields bigquery.Schema, rows ...types.Record) *MemTable {
	m.AddSchema(schema)

	m.mu.Lock()
	defer m.mu.Unlock()
	t := &MemTable{
		Meta: TableMeta{Schema: schema, Name: table, Type: TableTypeTable, Fields: fields},
		Rows: rows,
	}
	m.schemas[schema][table] = t
	return t
}

// FailListing makes ListSchemas fail.
func (m *MemSource) FailListing(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// FailPing makes Ping fail.
func (m *MemSource) FailPing(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// FailTable makes GetTable fail for one table.
func (m *MemSource) FailTable(schema, table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tableErr[memKey(schema, table)] = err
}

// InjectFault makes reads and exports of a table fail.
func (m *MemSource) InjectFault(schema, table string, f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[memKey(schema, table)] = &f
}

// Reads returns how many reads and exports were started on a table.
func (m *MemSource) Reads(schema, table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[memKey(schema, table)]
}

// Requests returns every read request seen, in order.
func (m *MemSource) Requests() []ReadRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReadRequest(nil), m.requests...)
}

// AttachBucket sets the bucket Export writes to.
func (m *MemSource) AttachBucket(b *MemBucket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket = b
}

// Closed reports whether Close was called.
func (m *MemSource) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Ping returns the injected ping error.
func (m *MemSource) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

// ListSchemas returns the datasets sorted by name.
func (m *MemSource) ListSchemas(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	names := make([]string, 0, len(m.schemas))
	for name := range m.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ListTables returns a dataset's tables sorted by name.
func (m *MemSource) ListTables(ctx context.Context, schema string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tables, ok := m.schemas[schema]
	if !ok {
		return nil, fmt.Errorf("dataset %s not found", schema)
	}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetTable returns a copy of the table metadata.
func (m *MemSource) GetTable(ctx context.Context, schema, table string) (*TableMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tableErr[memKey(schema, table)]; err != nil {
		return nil, err
	}
	t, err := m.table(schema, table)
	if err != nil {
		return nil, err
	}
	meta := t.Meta
	meta.NumRows = uint64(len(t.Rows))
	return &meta, nil
}

func (m *MemSource) table(schema, table string) (*MemTable, error) {
	t, ok := m.schemas[schema][table]
	if !ok {
		return nil, fmt.Errorf("table %s.%s not found", schema, table)
	}
	return t, nil
}

// takeFault consumes one failure of a table's fault, if any.
func (m *MemSource) takeFault(key string) *Fault {
	f, ok := m.faults[key]
	if !ok || f.Times == 0 {
		return nil
	}
	if f.Times > 0 {
		f.Times--
	}
	taken := *f
	return &taken
}

// Read evaluates the query over the table rows.
func (m *MemSource) Read(ctx context.Context, req ReadRequest) (RowIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(req.Query.Dataset, req.Query.Table)
	t, err := m.table(req.Query.Dataset, req.Query.Table)
	if err != nil {
		return nil, err
	}
	m.reads[key]++
	m.requests = append(m.requests, req)

	rows, err := selectRows(t.Rows, req.Query, req.Bookmark)
	if err != nil {
		return nil, err
	}
	return &memRows{ctx: ctx, rows: rows, fault: m.takeFault(key), delay: m.RowDelay}, nil
}

// Export writes the selected rows as newline-delimited JSON into the attached bucket.
func (m *MemSource) Export(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bucket == nil {
		return nil, fmt.Errorf("no bucket attached")
	}
	q := req.Query.Select
	key := memKey(q.Dataset, q.Table)
	t, err := m.table(q.Dataset, q.Table)
	if err != nil {
		return nil, err
	}
	m.reads[key]++
	if f := m.takeFault(key); f != nil {
		return nil, f.Err
	}

	bucketPrefix := "gs://" + m.bucket.Name() + "/"
	if !strings.HasPrefix(req.Query.URI, bucketPrefix) {
		return nil, fmt.Errorf("export uri %s is outside bucket %s", req.Query.URI, m.bucket.Name())
	}
	pattern := strings.TrimPrefix(req.Query.URI, bucketPrefix)
	namePrefix, nameSuffix, ok := strings.Cut(pattern, "*")
	if !ok {
		return nil, fmt.Errorf("export uri %s has no wildcard", req.Query.URI)
	}

	rows, err := selectRows(t.Rows, q, req.Bookmark)
	if err != nil {
		return nil, err
	}

	shard := m.ExportShardRows
	if shard <= 0 || shard > len(rows) {
		shard = len(rows)
	}
	for i, start := 0, 0; start < len(rows) || i == 0; i, start = i+1, start+shard {
		end := start + shard
		if end > len(rows) {
			end = len(rows)
		}
		data, err := encodeRows(rows[start:end], req.Query.Gzip)
		if err != nil {
			return nil, err
		}
		m.bucket.Put(fmt.Sprintf("%s%012d%s", namePrefix, i, nameSuffix), data)
		if shard == 0 {
			break
		}
	}

	m.exportID++
	return &ExportResult{JobID: fmt.Sprintf("mem-export-%d", m.exportID)}, nil
}

// Close marks the source closed.
func (m *MemSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func encodeRows(rows []types.Record, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	var w io.Writer = &buf
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(&buf)
		w = gz
	}
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return nil, err
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// selectRows applies the bookmark filter, ordering and projection of q.
func selectRows(rows []types.Record, q sqlutil.SelectQuery, bookmark interface{}) ([]types.Record, error) {
	bm := types.NormalizeValue(bookmark)
	rk := q.ReplicationKey

	var kept []types.Record
	for _, row := range rows {
		if rk != "" {
			v := types.NormalizeValue(row[rk])
			if v == nil && (q.HasBookmark || q.ExcludeNulls) {
				continue
			}
			if q.HasBookmark {
				c, err := types.CompareBookmarks(v, bm)
				if err != nil {
					return nil, err
				}
				if c <= 0 {
					continue
				}
			}
		}
		kept = append(kept, row)
	}

	order := q.OrderBy
	if rk != "" {
		order = []string{rk}
	}
	if len(order) > 0 {
		sort.SliceStable(kept, func(i, j int) bool {
			for _, col := range order {
				c, _ := types.CompareBookmarks(types.NormalizeValue(kept[i][col]), types.NormalizeValue(kept[j][col]))
				if c != 0 {
					return c < 0
				}
			}
			return false
		})
	}

	out := make([]types.Record, len(kept))
	for i, row := range kept {
		out[i] = project(row, q.Columns)
	}
	return out, nil
}

func project(row map[string]interface{}, cols []sqlutil.Column) types.Record {
	out := make(types.Record, len(row))
	if len(cols) == 0 {
		for k, v := range row {
			out[k] = types.NormalizeValue(v)
		}
		return out
	}
	for _, col := range cols {
		v := row[col.Name]
		if nested, ok := v.(map[string]interface{}); ok && len(col.Children) > 0 {
			out[col.Name] = map[string]interface{}(project(nested, col.Children))
			continue
		}
		out[col.Name] = types.NormalizeValue(v)
	}
	return out
}

type memRows struct {
	ctx   context.Context
	rows  []types.Record
	pos   int
	fault *Fault
	delay time.Duration
}

func (r *memRows) Next() (types.Record, error) {
	if r.delay > 0 {
		select {
		case <-r.ctx.Done():
		case <-time.After(r.delay):
		}
	}
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	if r.fault != nil && r.pos == r.fault.AfterRows {
		return nil, r.fault.Err
	}
	if r.pos >= len(r.rows) {
		return nil, iterator.Done
	}
	rec := r.rows[r.pos]
	r.pos++
	return rec, nil
}

// MemBucket is an in-memory ObjectStore.
type MemBucket struct {
	mu       sync.Mutex
	name     string
	objects  map[string][]byte
	checkErr error
}

// NewMemBucket creates an empty bucket.
func NewMemBucket(name string) *MemBucket {
	return &MemBucket{name: name, objects: make(map[string][]byte)}
}

// Put stores an object.
func (b *MemBucket) Put(name string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[name] = data
}

// FailCheck makes Check fail.
func (b *MemBucket) FailCheck(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkErr = err
}

// Name returns the bucket name.
func (b *MemBucket) Name() string {
	return b.name
}

// Check returns the injected error.
func (b *MemBucket) Check(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkErr
}

// List returns object names under prefix.
func (b *MemBucket) List(ctx context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Download writes an object's bytes to w.
func (b *MemBucket) Download(ctx context.Context, name string, w io.Writer) error {
	b.mu.Lock()
	data, ok := b.objects[name]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("object %s not found", name)
	}
	_, err := w.Write(data)
	return err
}

// Delete removes an object.
func (b *MemBucket) Delete(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[name]; !ok {
		return fmt.Errorf("object %s not found", name)
	}
	delete(b.objects, name)
	return nil
}

// Close is a no-op.
func (b *MemBucket) Close() error {
	return nil
}
