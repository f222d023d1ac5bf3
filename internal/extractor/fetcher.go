package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/iterator"

	"github.com/dbsmedya/tap-bigquery/internal/database"
	"github.com/dbsmedya/tap-bigquery/internal/sqlutil"
	"github.com/dbsmedya/tap-bigquery/internal/types"
)

// RowFetcher opens reads of one stream starting after its checkpoint.
type RowFetcher struct {
	source     database.Source
	query      sqlutil.SelectQuery
	kind       keyKind
	pageSize   int
	timeout    time.Duration
	checkpoint interface{} // canonical bookmark; nil reads from the start
}

// NewRowFetcher creates a fetcher for query. checkpoint is the committed
// bookmark in canonical form, or nil.
func NewRowFetcher(src database.Source, query sqlutil.SelectQuery, kind keyKind, pageSize int, timeout time.Duration, checkpoint interface{}) *RowFetcher {
	return &RowFetcher{
		source:     src,
		query:      query,
		kind:       kind,
		pageSize:   pageSize,
		timeout:    timeout,
		checkpoint: checkpoint,
	}
}

// Request builds the read for the current checkpoint.
func (f *RowFetcher) Request() (database.ReadRequest, error) {
	q := f.query
	req := database.ReadRequest{Query: q, PageSize: f.pageSize}
	if q.ReplicationKey != "" && f.checkpoint != nil {
		param, err := queryParam(f.kind, f.checkpoint)
		if err != nil {
			return req, err
		}
		req.Query.HasBookmark = true
		req.Bookmark = param
	}
	return req, nil
}

// Open starts a read from the checkpoint. The read is canceled with
// ErrReadTimeout when no row arrives within the timeout.
func (f *RowFetcher) Open(ctx context.Context) (*RowStream, error) {
	req, err := f.Request()
	if err != nil {
		return nil, err
	}

	readCtx, cancel := context.WithCancelCause(ctx)
	s := &RowStream{ctx: readCtx, cancel: cancel, timeout: f.timeout}
	if f.timeout > 0 {
		s.timer = time.AfterFunc(f.timeout, func() { cancel(ErrReadTimeout) })
	}

	it, err := f.source.Read(readCtx, req)
	if err != nil {
		s.Close()
		return nil, s.wrap(fmt.Errorf("failed to start read of %s.%s: %w", f.query.Dataset, f.query.Table, err))
	}
	s.it = it
	return s, nil
}

// UpdateCheckpoint moves the start of the next read.
func (f *RowFetcher) UpdateCheckpoint(v interface{}) {
	f.checkpoint = v
}

// GetCheckpoint returns the current checkpoint value.
func (f *RowFetcher) GetCheckpoint() interface{} {
	return f.checkpoint
}

// RowStream is one open read. Every row resets the stall timer.
type RowStream struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	it      database.RowIterator
	timer   *time.Timer
	timeout time.Duration
}

// Next returns the next row, or iterator.Done.
func (s *RowStream) Next() (types.Record, error) {
	rec, err := s.it.Next()
	if errors.Is(err, iterator.Done) {
		return nil, err
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	if s.timer != nil {
		s.timer.Reset(s.timeout)
	}
	return rec, nil
}

// wrap reports a stall as ErrReadTimeout rather than a cancellation.
func (s *RowStream) wrap(err error) error {
	if errors.Is(context.Cause(s.ctx), ErrReadTimeout) && s.ctx.Err() != nil {
		return fmt.Errorf("%w: no row within %s (%v)", ErrReadTimeout, s.timeout, err)
	}
	return err
}

// Close releases the read.
func (s *RowStream) Close() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel(nil)
}
