package extractor

import (
	"fmt"
	"sync"

	"github.com/dbsmedya/tap-bigquery/internal/logger"
	"github.com/dbsmedya/tap-bigquery/internal/singer"
	"github.com/dbsmedya/tap-bigquery/internal/types"
)

// ResumeManager owns bookmark persistence for a run. A bookmark is
// committed only after the rows it covers were written and flushed, and
// every commit is announced with a STATE message.
type ResumeManager struct {
	state     *singer.State
	writer    *singer.Writer
	statePath string // optional file mirroring the latest state
	logger    *logger.Logger

	fileMu sync.Mutex
}

// NewResumeManager creates a resume manager. statePath may be empty.
func NewResumeManager(state *singer.State, writer *singer.Writer, statePath string, log *logger.Logger) (*ResumeManager, error) {
	if state == nil {
		return nil, fmt.Errorf("state is nil")
	}
	if writer == nil {
		return nil, fmt.Errorf("writer is nil")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &ResumeManager{state: state, writer: writer, statePath: statePath, logger: log}, nil
}

// Bookmark returns the committed bookmark of a stream. A bookmark kept for
// a different replication key does not count.
func (r *ResumeManager) Bookmark(streamID, replicationKey string) (interface{}, bool) {
	bm, ok := r.state.Get(streamID)
	if !ok || bm.ReplicationKeyValue == nil {
		return nil, false
	}
	if bm.ReplicationKey != "" && bm.ReplicationKey != replicationKey {
		r.logger.Warnw("Ignoring bookmark kept for another replication key",
			"stream", streamID,
			"bookmark_key", bm.ReplicationKey,
			"replication_key", replicationKey)
		return nil, false
	}
	return bm.ReplicationKeyValue, true
}

// Commit advances a stream's bookmark and emits STATE. Rows written
// before the call are flushed ahead of the STATE message. Returns whether
// the bookmark moved. A nil compare orders values with
// types.CompareBookmarks.
func (r *ResumeManager) Commit(streamID, replicationKey string, value interface{}, compare types.CompareFunc) (bool, error) {
	if value == nil {
		return false, r.Checkpoint()
	}
	changed, err := r.state.AdvanceBy(streamID, replicationKey, value, compare)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, r.Checkpoint()
	}
	if err := r.writer.WriteState(r.state); err != nil {
		return false, err
	}
	if err := r.writeFile(); err != nil {
		return true, err
	}
	r.logger.Debugw("Bookmark committed", "stream", streamID, "replication_key", replicationKey, "value", value)
	return true, nil
}

// Checkpoint flushes written rows without touching the state.
func (r *ResumeManager) Checkpoint() error {
	return r.writer.Flush()
}

// Finalize emits the final STATE message and writes the state file.
func (r *ResumeManager) Finalize() error {
	if err := r.writer.WriteState(r.state); err != nil {
		return err
	}
	return r.writeFile()
}

// State returns the run state.
func (r *ResumeManager) State() *singer.State {
	return r.state
}

func (r *ResumeManager) writeFile() error {
	if r.statePath == "" {
		return nil
	}
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if err := r.state.WriteFile(r.statePath); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", r.statePath, err)
	}
	return nil
}
