package extractor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/tap-bigquery/internal/config"
	"github.com/dbsmedya/tap-bigquery/internal/database"
	"github.com/dbsmedya/tap-bigquery/internal/logger"
	"github.com/dbsmedya/tap-bigquery/internal/singer"
	"github.com/dbsmedya/tap-bigquery/internal/types"
)

// RunContext carries everything one sync needs. It is built once per run
// and passed down explicitly.
type RunContext struct {
	RunID   string
	Config  *config.Config
	Source  database.Source
	Bucket  database.ObjectStore
	Catalog *singer.Catalog
	Writer  *singer.Writer
	Resume  *ResumeManager
	Retry   *RetryPolicy
	Logger  *logger.Logger
	Now     func() time.Time
}

// NewRunContext wires a run. Messages go to out; statePath, when set,
// receives a copy of the state after every commit.
func NewRunContext(
	cfg *config.Config,
	conn *database.Manager,
	catalog *singer.Catalog,
	state *singer.State,
	out io.Writer,
	statePath string,
	log *logger.Logger,
) (*RunContext, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if conn == nil || conn.Source == nil {
		return nil, fmt.Errorf("source connection is nil")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog is nil")
	}
	if cfg.BatchMode() && conn.Bucket == nil {
		return nil, fmt.Errorf("google_storage_bucket is set but no bucket connection is open")
	}
	if state == nil {
		state = singer.NewState()
	}
	if log == nil {
		log = logger.NewDefault()
	}

	runID := uuid.NewString()
	log = log.WithRun(runID)
	writer := singer.NewWriter(out)
	resume, err := NewResumeManager(state, writer, statePath, log)
	if err != nil {
		return nil, err
	}

	return &RunContext{
		RunID:   runID,
		Config:  cfg,
		Source:  conn.Source,
		Bucket:  conn.Bucket,
		Catalog: catalog,
		Writer:  writer,
		Resume:  resume,
		Retry:   NewRetryPolicy(cfg.Extraction),
		Logger:  log,
		Now:     time.Now,
	}, nil
}

// StreamError is a failure of one stream. Other streams are unaffected.
type StreamError struct {
	StreamID string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.StreamID, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// StreamResult is the outcome of one stream.
type StreamResult struct {
	StreamID string
	Stats    types.StreamStats
	Err      error
}

// SyncResult contains statistics and status of a sync.
type SyncResult struct {
	RunID       string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Streams     []StreamResult
	Totals      types.StreamStats
	Failed      int
	Success     bool
}

// Runner extracts the selected streams of a catalog with bounded parallelism.
type Runner struct {
	run *RunContext
}

// NewRunner creates a runner for run.
func NewRunner(run *RunContext) *Runner {
	return &Runner{run: run}
}

// Run extracts every selected stream. A failing stream does not stop the
// others; the returned error aggregates every StreamError. The final
// STATE message is written even when streams fail or ctx is canceled.
func (r *Runner) Run(ctx context.Context) (*SyncResult, error) {
	run := r.run
	entries := run.Catalog.Selected()
	result := &SyncResult{
		RunID:     run.RunID,
		StartedAt: run.Now(),
		Streams:   make([]StreamResult, len(entries)),
	}

	parallelism := run.Config.Extraction.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	run.Logger.Infow("Starting sync",
		"streams", len(entries),
		"parallelism", parallelism,
		"batch_mode", run.Config.BatchMode())

	if len(entries) == 0 {
		run.Logger.Warn("No streams selected")
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(parallelism)
	for i, entry := range entries {
		g.Go(func() error {
			res := StreamResult{StreamID: entry.TapStreamID}
			if err := ctx.Err(); err != nil {
				res.Err = err
			} else if ex, err := NewStreamExtractor(run, entry); err != nil {
				res.Err = err
			} else {
				res.Stats, res.Err = ex.Extract(ctx)
			}

			mu.Lock()
			result.Streams[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for _, res := range result.Streams {
		result.Totals.Add(res.Stats)
		if res.Err != nil {
			result.Failed++
			merr = multierror.Append(merr, &StreamError{StreamID: res.StreamID, Err: res.Err})
			run.Logger.Errorw("Stream failed", "stream", res.StreamID, "error", res.Err)
		}
	}

	if err := run.Resume.Finalize(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("failed to write final state: %w", err))
	}

	result.CompletedAt = run.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Success = merr.ErrorOrNil() == nil

	run.Logger.Infow("Sync completed",
		"duration", result.Duration.String(),
		"success", result.Success,
		"streams", len(entries),
		"failed", result.Failed,
		"records", result.Totals.RecordsExtracted,
		"retries", result.Totals.Retries)

	return result, merr.ErrorOrNil()
}
