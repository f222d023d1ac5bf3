package singer

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/tap-bigquery/internal/types"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantIDs []string
	}{
		{"empty document", "", nil},
		{"no bookmarks", `{}`, nil},
		{"bookmarks", `{"bookmarks":{"sales-orders":{"replication_key":"updated_at","replication_key_value":"2024-01-01T00:00:00Z"}}}`, []string{"sales-orders"}},
		{"meltano wrapper", `{"singer_state":{"bookmarks":{"a-b":{"replication_key":"id","replication_key_value":10}}}}`, []string{"a-b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := ParseState([]byte(tt.input))
			require.NoError(t, err)
			if tt.wantIDs == nil {
				assert.Empty(t, state.StreamIDs())
			} else {
				assert.Equal(t, tt.wantIDs, state.StreamIDs())
			}
		})
	}
}

func TestParseStateKeepsIntegerPrecision(t *testing.T) {
	state, err := ParseState([]byte(`{"bookmarks":{"a-b":{"replication_key":"id","replication_key_value":9007199254740993}}}`))
	require.NoError(t, err)

	bm, ok := state.Get("a-b")
	require.True(t, ok)
	assert.Equal(t, json.Number("9007199254740993"), bm.ReplicationKeyValue)
}

func TestParseStateInvalid(t *testing.T) {
	_, err := ParseState([]byte(`{"bookmarks": [`))
	assert.Error(t, err)
}

func TestStateAdvanceIsMonotonic(t *testing.T) {
	state := NewState()

	changed, err := state.Advance("sales-orders", "updated_at", "2024-01-02T00:00:00Z")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = state.Advance("sales-orders", "updated_at", "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.False(t, changed, "older value must not roll the bookmark back")

	changed, err = state.Advance("sales-orders", "updated_at", "2024-01-02T00:00:00Z")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = state.Advance("sales-orders", "updated_at", nil)
	require.NoError(t, err)
	assert.False(t, changed)

	bm, _ := state.Get("sales-orders")
	assert.Equal(t, "2024-01-02T00:00:00Z", bm.ReplicationKeyValue)

	// A new replication key replaces the bookmark
	changed, err = state.Advance("sales-orders", "id", int64(5))
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = state.Advance("sales-orders", "id", "not-a-number")
	assert.Error(t, err)

	state.Reset("sales-orders")
	_, ok := state.Get("sales-orders")
	assert.False(t, ok)
}

func TestStateAdvanceRefusesNonFiniteValues(t *testing.T) {
	state := NewState()
	_, err := state.Advance("sales-metrics", "score", 1.5)
	require.NoError(t, err)

	for _, v := range []interface{}{math.Inf(1), math.Inf(-1), math.NaN(), float32(math.Inf(1))} {
		changed, err := state.Advance("sales-metrics", "score", v)
		assert.Error(t, err, "%v", v)
		assert.False(t, changed)
	}

	bm, _ := state.Get("sales-metrics")
	assert.Equal(t, 1.5, bm.ReplicationKeyValue)

	data, err := json.Marshal(state)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookmarks":{"sales-metrics":{"replication_key":"score","replication_key_value":1.5}}}`, string(data))
}

func TestStateAdvanceByLexicalOrder(t *testing.T) {
	byTime, byBytes := NewState(), NewState()
	for _, st := range []*State{byTime, byBytes} {
		_, err := st.Advance("sales-codes", "code", "2024-01-02 10:00:00")
		require.NoError(t, err)
	}

	// Earlier as a time, later as bytes: 'T' sorts after ' '.
	changed, err := byTime.Advance("sales-codes", "code", "2024-01-02T09:00:00Z")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = byBytes.AdvanceBy("sales-codes", "code", "2024-01-02T09:00:00Z", types.CompareLexical)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = byBytes.AdvanceBy("sales-codes", "code", "2024-01-02 23:00:00", types.CompareLexical)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestStateConcurrentStreams(t *testing.T) {
	state := NewState()
	var wg sync.WaitGroup
	for _, id := range []string{"a-x", "a-y", "b-z"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := int64(1); i <= 100; i++ {
				_, err := state.Advance(id, "seq", i)
				assert.NoError(t, err)
				_ = state.Value()
			}
		}(id)
	}
	wg.Wait()

	for _, id := range state.StreamIDs() {
		bm, _ := state.Get(id)
		assert.Equal(t, int64(100), bm.ReplicationKeyValue)
	}
}

func TestStateFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	state := NewState()
	_, err := state.Advance("sales-orders", "updated_at", "2024-01-03T00:00:00Z")
	require.NoError(t, err)
	require.NoError(t, state.WriteFile(path))

	loaded, err := LoadState(path)
	require.NoError(t, err)
	bm, ok := loaded.Get("sales-orders")
	require.True(t, ok)
	assert.Equal(t, "updated_at", bm.ReplicationKey)
	assert.Equal(t, "2024-01-03T00:00:00Z", bm.ReplicationKeyValue)

	// No temp files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	empty, err := LoadState("")
	require.NoError(t, err)
	assert.Empty(t, empty.StreamIDs())

	_, err = LoadState(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestStateMarshal(t *testing.T) {
	state := NewState()
	_, _ = state.Advance("a-b", "id", int64(3))

	data, err := json.Marshal(state)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookmarks":{"a-b":{"replication_key":"id","replication_key_value":3}}}`, string(data))
}
