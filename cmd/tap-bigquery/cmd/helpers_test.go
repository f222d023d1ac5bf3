package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/tap-bigquery/internal/config"
	"github.com/dbsmedya/tap-bigquery/internal/database"
	"github.com/dbsmedya/tap-bigquery/internal/types"
)

const testConfigJSON = `{
  "project_id": "test-project",
  "extraction": {"batch_size": 2, "retry_initial_ms": 1, "retry_max_ms": 5},
  "logging": {"level": "error", "format": "text", "output": "stderr"}
}`

var ordersFields = bigquery.Schema{
	{Name: "id", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "customer", Type: bigquery.StringFieldType},
	{Name: "updated_at", Type: bigquery.TimestampFieldType},
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func testSource() *database.MemSource {
	src := database.NewMemSource()
	src.AddTable("sales", "orders", ordersFields,
		types.Record{"id": int64(1), "customer": "ada", "updated_at": day(1)},
		types.Record{"id": int64(2), "customer": "bob", "updated_at": day(2)},
		types.Record{"id": int64(3), "customer": "eve", "updated_at": day(3)},
	)
	return src
}

// cliEnv points the package flag vars at a temp config and an in-memory
// source, capturing output. Everything is restored on cleanup.
type cliEnv struct {
	dir string
	out *bytes.Buffer
	src *database.MemSource
}

func newCLIEnv(t *testing.T, src *database.MemSource) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfigJSON), 0o644))

	saved := struct {
		cfg, catalog, properties, state, stateOut, format string
		discover, about                                   bool
		manager                                           func(*config.Config) *database.Manager
	}{cfgFile, catalogFile, propertiesFile, stateFile, stateOutput, aboutFormat, discoverMode, aboutMode, newManager}
	t.Cleanup(func() {
		cfgFile, catalogFile, propertiesFile, stateFile = saved.cfg, saved.catalog, saved.properties, saved.state
		stateOutput, aboutFormat = saved.stateOut, saved.format
		discoverMode, aboutMode = saved.discover, saved.about
		newManager = saved.manager
		resetOutputWriter()
	})

	cfgFile = cfgPath
	catalogFile, propertiesFile, stateFile, stateOutput = "", "", "", ""
	discoverMode, aboutMode = false, false
	aboutFormat = "json"
	newManager = func(cfg *config.Config) *database.Manager {
		return database.NewManagerWith(cfg, src, nil)
	}

	env := &cliEnv{dir: dir, out: &bytes.Buffer{}, src: src}
	setOutputWriter(env.out)
	return env
}

func (e *cliEnv) path(name string) string {
	return filepath.Join(e.dir, name)
}

func (e *cliEnv) write(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := e.path(name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}
