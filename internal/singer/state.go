package singer

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/dbsmedya/tap-bigquery/internal/types"
)

// Bookmark is the last committed position of an incremental stream.
type Bookmark struct {
	ReplicationKey      string      `json:"replication_key,omitempty"`
	ReplicationKeyValue interface{} `json:"replication_key_value,omitempty"`
}

// State holds the bookmarks for every stream. It is safe for concurrent use;
// each stream's bookmark is only written by that stream's extractor.
type State struct {
	mu        sync.RWMutex
	bookmarks map[string]Bookmark
}

type stateDocument struct {
	Bookmarks map[string]Bookmark `json:"bookmarks"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{bookmarks: make(map[string]Bookmark)}
}

// LoadState reads a state file. An empty path yields an empty state.
func LoadState(path string) (*State, error) {
	if path == "" {
		return NewState(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	state, err := ParseState(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", path, err)
	}
	return state, nil
}

// ParseState decodes a state document. Numbers are kept as json.Number so
// large integer bookmarks survive the round trip. A Meltano-style
// {"singer_state": {...}} wrapper is unwrapped.
func ParseState(data []byte) (*State, error) {
	state := NewState()
	if len(bytes.TrimSpace(data)) == 0 {
		return state, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	if inner, ok := envelope["singer_state"]; ok {
		data = inner
	}

	var doc stateDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	for id, bm := range doc.Bookmarks {
		state.bookmarks[id] = bm
	}
	return state, nil
}

// Get returns the bookmark of a stream.
func (s *State) Get(streamID string) (Bookmark, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bm, ok := s.bookmarks[streamID]
	return bm, ok
}

// Advance moves a stream's bookmark forward to value. It never moves a
// bookmark backwards; the result reports whether the state changed.
// A different replication key replaces the bookmark outright.
func (s *State) Advance(streamID, replicationKey string, value interface{}) (bool, error) {
	return s.AdvanceBy(streamID, replicationKey, value, types.CompareBookmarks)
}

// AdvanceBy is Advance with the ordering of the replication key's column.
// NaN and infinite values are refused: they cannot be encoded as JSON.
func (s *State) AdvanceBy(streamID, replicationKey string, value interface{}, compare types.CompareFunc) (bool, error) {
	if value == nil {
		return false, nil
	}
	if f, ok := nonFinite(value); ok {
		return false, fmt.Errorf("stream %s: replication key value %v cannot be stored in state", streamID, f)
	}
	if compare == nil {
		compare = types.CompareBookmarks
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.bookmarks[streamID]
	if ok && current.ReplicationKey == replicationKey && current.ReplicationKeyValue != nil {
		c, err := compare(value, current.ReplicationKeyValue)
		if err != nil {
			return false, fmt.Errorf("stream %s: %w", streamID, err)
		}
		if c <= 0 {
			return false, nil
		}
	}

	s.bookmarks[streamID] = Bookmark{ReplicationKey: replicationKey, ReplicationKeyValue: value}
	return true, nil
}

func nonFinite(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	default:
		return 0, false
	}
	return f, math.IsNaN(f) || math.IsInf(f, 0)
}

// Reset drops a stream's bookmark.
func (s *State) Reset(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bookmarks, streamID)
}

// StreamIDs returns the ids with a bookmark, sorted.
func (s *State) StreamIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.bookmarks))
	for id := range s.bookmarks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Value returns a snapshot suitable for a STATE message.
func (s *State) Value() interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := stateDocument{Bookmarks: make(map[string]Bookmark, len(s.bookmarks))}
	for id, bm := range s.bookmarks {
		doc.Bookmarks[id] = bm
	}
	return doc
}

// MarshalJSON encodes the state document.
func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Value())
}

// WriteFile atomically replaces path with the current state.
func (s *State) WriteFile(path string) error {
	data, err := json.MarshalIndent(s.Value(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
