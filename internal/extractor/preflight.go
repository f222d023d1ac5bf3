package extractor

import (
	"context"
	"fmt"
	"sort"

	"github.com/dbsmedya/tap-bigquery/internal/database"
	"github.com/dbsmedya/tap-bigquery/internal/logger"
	"github.com/dbsmedya/tap-bigquery/internal/singer"
)

// PreflightError represents a preflight check failure.
type PreflightError struct {
	Check   string
	Message string
	Tables  []string
	Details map[string]string
}

func (e *PreflightError) Error() string {
	if len(e.Tables) > 0 {
		return fmt.Sprintf("%s: %s (tables: %v)", e.Check, e.Message, e.Tables)
	}
	return fmt.Sprintf("%s: %s", e.Check, e.Message)
}

// PreflightChecker verifies a catalog against the project before a sync.
type PreflightChecker struct {
	source database.Source
	bucket database.ObjectStore
	logger *logger.Logger
}

// NewPreflightChecker creates a new preflight checker. bucket may be nil
// when batch mode is off.
func NewPreflightChecker(src database.Source, bucket database.ObjectStore, log *logger.Logger) (*PreflightChecker, error) {
	if src == nil {
		return nil, fmt.Errorf("source is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &PreflightChecker{source: src, bucket: bucket, logger: log}, nil
}

// RunAllChecks runs every check against the selected streams of catalog.
func (p *PreflightChecker) RunAllChecks(ctx context.Context, catalog *singer.Catalog) error {
	p.logger.Info("Running preflight checks...")

	if err := p.ValidateConnectivity(ctx); err != nil {
		return err
	}

	entries := catalog.Selected()
	tables, err := p.ValidateTablesExist(ctx, entries)
	if err != nil {
		return err
	}
	if err := p.ValidateReplicationKeys(entries); err != nil {
		return err
	}
	if err := p.ValidateBucket(ctx); err != nil {
		return err
	}
	p.WarnSchemaDrift(entries, tables)

	p.logger.Info("All preflight checks PASSED")
	return nil
}

// ValidateConnectivity checks that the project answers.
func (p *PreflightChecker) ValidateConnectivity(ctx context.Context) error {
	if err := p.source.Ping(ctx); err != nil {
		return &PreflightError{
			Check:   "CONNECTIVITY_CHECK",
			Message: fmt.Sprintf("Cannot reach BigQuery: %v", err),
		}
	}
	p.logger.Debug("Connectivity check PASSED")
	return nil
}

// ValidateTablesExist checks that every selected stream's table exists and
// returns their metadata keyed by stream id.
func (p *PreflightChecker) ValidateTablesExist(ctx context.Context, entries []*singer.CatalogEntry) (map[string]*database.TableMeta, error) {
	p.logger.Debug("Checking table existence...")

	found := make(map[string]*database.TableMeta, len(entries))
	var missing []string
	details := make(map[string]string)
	for _, entry := range entries {
		meta, err := p.source.GetTable(ctx, entry.SchemaName(), entry.Table())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			missing = append(missing, entry.QualifiedName())
			details[entry.QualifiedName()] = err.Error()
			continue
		}
		found[entry.TapStreamID] = meta
	}

	if len(missing) > 0 {
		return nil, &PreflightError{
			Check:   "TABLE_EXISTENCE_CHECK",
			Message: "Tables not found in project",
			Tables:  missing,
			Details: details,
		}
	}

	p.logger.Debugf("Table existence check PASSED (%d tables)", len(entries))
	return found, nil
}

// ValidateReplicationKeys checks that every incremental stream names a
// replication key present in its schema, with a type BigQuery can order.
func (p *PreflightChecker) ValidateReplicationKeys(entries []*singer.CatalogEntry) error {
	p.logger.Debug("Checking replication keys...")

	var bad []string
	details := make(map[string]string)
	for _, entry := range entries {
		if entry.GetReplicationMethod() != singer.ReplicationIncremental {
			continue
		}
		rk := entry.GetReplicationKey()
		switch {
		case rk == "":
			details[entry.TapStreamID] = "INCREMENTAL without replication-key"
		case entry.Schema == nil:
			details[entry.TapStreamID] = "no schema"
		default:
			err := checkReplicationKeyType(entry, rk)
			if err == nil {
				continue
			}
			details[entry.TapStreamID] = err.Error()
		}
		bad = append(bad, entry.TapStreamID)
	}

	if len(bad) > 0 {
		return &PreflightError{
			Check:   "REPLICATION_KEY_CHECK",
			Message: "Incremental streams need an orderable replication key that is a schema property",
			Tables:  bad,
			Details: details,
		}
	}
	p.logger.Debug("Replication key check PASSED")
	return nil
}

// ValidateBucket checks the export bucket when batch mode is on.
func (p *PreflightChecker) ValidateBucket(ctx context.Context) error {
	if p.bucket == nil {
		return nil
	}
	if err := p.bucket.Check(ctx); err != nil {
		return &PreflightError{
			Check:   "BUCKET_CHECK",
			Message: fmt.Sprintf("Bucket %s is not usable: %v", p.bucket.Name(), err),
		}
	}
	p.logger.Debugf("Bucket check PASSED (%s)", p.bucket.Name())
	return nil
}

// WarnSchemaDrift warns about selected properties that no longer exist in
// the table. Extraction of such a stream fails with an unknown column.
func (p *PreflightChecker) WarnSchemaDrift(entries []*singer.CatalogEntry, tables map[string]*database.TableMeta) []string {
	var drifted []string
	for _, entry := range entries {
		meta, ok := tables[entry.TapStreamID]
		if !ok {
			continue
		}
		columns := make(map[string]bool, len(meta.Fields))
		for _, f := range meta.Fields {
			columns[f.Name] = true
		}
		for _, name := range entry.SelectedProperties() {
			if !columns[name] {
				drifted = append(drifted, entry.QualifiedName()+"."+name)
			}
		}
	}
	sort.Strings(drifted)

	if len(drifted) > 0 {
		p.logger.Warnf("Catalog properties missing from their tables (%d): %v", len(drifted), drifted)
		p.logger.Warn("Run discovery again to refresh the catalog.")
	} else {
		p.logger.Debug("Schema drift check complete (catalog matches tables)")
	}
	return drifted
}
