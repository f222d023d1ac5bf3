package config

import (
	"fmt"
	"path"
	"strings"

	json "github.com/goccy/go-json"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errors ValidationErrors

	if strings.TrimSpace(c.ProjectID) == "" {
		errors = append(errors, ValidationError{
			Field:   "project_id",
			Message: "project_id is required",
		})
	}

	if err := c.validateCredentials(); err != nil {
		errors = append(errors, err...)
	}

	if err := c.validateFilters(); err != nil {
		errors = append(errors, err...)
	}

	if err := c.validateBatch(); err != nil {
		errors = append(errors, err...)
	}

	if err := c.validateExtraction(); err != nil {
		errors = append(errors, err...)
	}

	if err := c.validateLogging(); err != nil {
		errors = append(errors, err...)
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateCredentials() ValidationErrors {
	var errors ValidationErrors

	switch creds := c.Credentials.(type) {
	case nil, string:
	case map[string]interface{}:
		if _, err := json.Marshal(creds); err != nil {
			errors = append(errors, ValidationError{
				Field:   "google_application_credentials",
				Message: fmt.Sprintf("credentials object is not valid JSON: %v", err),
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "google_application_credentials",
			Message: "credentials must be a file path, a JSON string, or a JSON object",
		})
	}

	return errors
}

func (c *Config) validateFilters() ValidationErrors {
	var errors ValidationErrors

	for i, schema := range c.FilterSchemas {
		if strings.TrimSpace(schema) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("filter_schemas[%d]", i),
				Message: "schema name cannot be empty",
			})
		}
	}

	for i, pattern := range c.FilterTables {
		if _, err := path.Match(pattern, ""); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("filter_tables[%d]", i),
				Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err),
			})
		}
	}

	return errors
}

func (c *Config) validateBatch() ValidationErrors {
	var errors ValidationErrors

	if c.Batch == nil {
		return errors
	}

	validFormats := map[string]bool{"jsonl": true, "": true}
	if !validFormats[c.Batch.Encoding.Format] {
		errors = append(errors, ValidationError{
			Field:   "batch_config.encoding.format",
			Message: "format must be 'jsonl'",
		})
	}

	validCompression := map[string]bool{"gzip": true, "none": true, "": true}
	if !validCompression[c.Batch.Encoding.Compression] {
		errors = append(errors, ValidationError{
			Field:   "batch_config.encoding.compression",
			Message: "compression must be 'gzip' or 'none'",
		})
	}

	if c.StorageBucket == "" {
		errors = append(errors, ValidationError{
			Field:   "batch_config",
			Message: "google_storage_bucket is required when batch_config is set",
		})
	}

	return errors
}

func (c *Config) validateExtraction() ValidationErrors {
	var errors ValidationErrors
	e := c.Extraction

	if e.BatchSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "extraction.batch_size",
			Message: "batch_size must be positive",
		})
	}

	if e.PageSize < 0 {
		errors = append(errors, ValidationError{
			Field:   "extraction.page_size",
			Message: "page_size cannot be negative",
		})
	}

	if e.TimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "extraction.timeout_seconds",
			Message: "timeout_seconds cannot be negative",
		})
	}

	if e.JobTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "extraction.job_timeout_seconds",
			Message: "job_timeout_seconds cannot be negative",
		})
	}

	if e.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "extraction.max_retries",
			Message: "max_retries cannot be negative",
		})
	}

	if e.RetryInitialMs < 0 || e.RetryMaxMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "extraction.retry_initial_ms",
			Message: "retry delays cannot be negative",
		})
	} else if e.RetryMaxMs > 0 && e.RetryInitialMs > e.RetryMaxMs {
		errors = append(errors, ValidationError{
			Field:   "extraction.retry_max_ms",
			Message: "retry_max_ms must be at least retry_initial_ms",
		})
	}

	if e.Parallelism <= 0 {
		errors = append(errors, ValidationError{
			Field:   "extraction.parallelism",
			Message: "parallelism must be positive",
		})
	}

	validNullModes := map[string]bool{NullBookmarksFirst: true, NullBookmarksExclude: true, "": true}
	if !validNullModes[e.NullBookmarks] {
		errors = append(errors, ValidationError{
			Field:   "extraction.null_bookmarks",
			Message: "null_bookmarks must be 'first' or 'exclude'",
		})
	}

	return errors
}

func (c *Config) validateLogging() ValidationErrors {
	var errors ValidationErrors

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[c.Logging.Level] {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: "level must be 'debug', 'info', 'warn', or 'error'",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true, "": true}
	if !validFormats[c.Logging.Format] {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: "format must be 'json' or 'text'",
		})
	}

	// stdout carries the Singer message stream
	if c.Logging.Output == "stdout" {
		errors = append(errors, ValidationError{
			Field:   "logging.output",
			Message: "output cannot be stdout; it is reserved for Singer messages",
		})
	}

	return errors
}
