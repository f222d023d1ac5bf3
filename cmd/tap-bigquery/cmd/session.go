package cmd

import (
	"context"
	"fmt"

	"github.com/dbsmedya/tap-bigquery/internal/config"
	"github.com/dbsmedya/tap-bigquery/internal/database"
	"github.com/dbsmedya/tap-bigquery/internal/discovery"
	"github.com/dbsmedya/tap-bigquery/internal/logger"
	"github.com/dbsmedya/tap-bigquery/internal/singer"
)

// newManager builds the connection manager. Tests swap it for one wrapping
// an in-memory source.
var newManager = database.NewManager

// loadConfig loads the config file, applies CLI overrides and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	overrides := GetCLIOverrides()
	cfg.ApplyOverrides(overrides.LogLevel, overrides.LogFormat,
		overrides.BatchSize, overrides.Parallelism)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is a loaded config with its logger and an open source.
type session struct {
	cfg *config.Config
	log *logger.Logger
	db  *database.Manager
}

// openSession loads configuration and connects. withBucket also opens the
// export bucket when batch mode is configured.
func openSession(ctx context.Context, withBucket bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db := newManager(cfg)
	if withBucket {
		err = db.Connect(ctx)
	} else {
		err = db.ConnectSource(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &session{cfg: cfg, log: log, db: db}, nil
}

func (s *session) Close() {
	if err := s.db.Close(); err != nil {
		s.log.Warnw("Failed to close connections", "error", err)
	}
	_ = s.log.Sync()
}

// catalog returns the catalog named by --catalog/--properties. Without one
// the project is discovered, and every stream is selected when selectAll is set.
func (s *session) catalog(ctx context.Context, selectAll bool) (*singer.Catalog, error) {
	if err := checkCatalogFlags(); err != nil {
		return nil, err
	}

	if path := GetCatalogFile(); path != "" {
		catalog, err := singer.LoadCatalog(path)
		if err != nil {
			return nil, err
		}
		s.log.Infow("Loaded catalog", "path", path, "streams", len(catalog.Streams))
		return catalog, nil
	}

	s.log.Info("No catalog given, discovering streams")
	catalog, err := discovery.NewDiscoverer(s.db.Source, s.cfg, s.log).Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}
	if selectAll {
		catalog.SelectAll()
	}
	return catalog, nil
}

// state returns the state named by --state, or an empty one.
func (s *session) state() (*singer.State, error) {
	if stateFile == "" {
		return singer.NewState(), nil
	}
	state, err := singer.LoadState(stateFile)
	if err != nil {
		return nil, err
	}
	s.log.Infow("Loaded state", "path", stateFile, "streams", len(state.StreamIDs()))
	return state, nil
}
