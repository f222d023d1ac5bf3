package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for settings supplied through the environment,
// e.g. TAP_BIGQUERY_PROJECT_ID.
const EnvPrefix = "TAP_BIGQUERY"

// envKeys are the settings that may be supplied through the environment.
var envKeys = []string{
	"project_id",
	"google_application_credentials",
	"google_storage_bucket",
	"location",
	"filter_schemas",
	"filter_tables",
}

// Load reads configuration from the specified file path.
// JSON is assumed unless the file carries a .yaml or .yml extension.
// An empty path builds the configuration from TAP_BIGQUERY_* variables alone.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType(configType(configPath))

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper creates a Config from an existing Viper instance.
// Useful for testing or when Viper is configured externally.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Comma separated lists arrive as a single string from the environment.
	cfg.FilterSchemas = splitList(cfg.FilterSchemas)
	cfg.FilterTables = splitList(cfg.FilterTables)

	if err := substituteEnvVars(cfg); err != nil {
		return nil, fmt.Errorf("failed to substitute environment variables: %w", err)
	}

	return cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func splitList(items []string) []string {
	if len(items) != 1 || !strings.Contains(items[0], ",") {
		return items
	}
	var out []string
	for _, part := range strings.Split(items[0], ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME patterns
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(cfg *Config) error {
	cfg.ProjectID = expandEnvVar(cfg.ProjectID)
	cfg.StorageBucket = expandEnvVar(cfg.StorageBucket)
	cfg.Location = expandEnvVar(cfg.Location)

	// Only path-style credentials are expanded; inline objects are left untouched.
	if s, ok := cfg.Credentials.(string); ok {
		cfg.Credentials = expandEnvVar(s)
	}

	if cfg.Batch != nil {
		cfg.Batch.Storage.Root = expandEnvVar(cfg.Batch.Storage.Root)
	}

	cfg.Logging.Output = expandEnvVar(cfg.Logging.Output)

	return nil
}

// expandEnvVar expands environment variables in the format ${VAR} or $VAR.
func expandEnvVar(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Return original if env var not found
		return match
	})
}

// ApplyOverrides applies CLI flag overrides to the configuration.
// Only non-zero/non-empty values are applied.
func (c *Config) ApplyOverrides(logLevel, logFormat string, batchSize, parallelism int) {
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFormat != "" {
		c.Logging.Format = logFormat
	}
	if batchSize > 0 {
		c.Extraction.BatchSize = batchSize
	}
	if parallelism > 0 {
		c.Extraction.Parallelism = parallelism
	}
}
