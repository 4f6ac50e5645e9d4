package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "lease.stale_after")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateLease()...)
	errors = append(errors, c.validateBranch()...)
	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validatePaths()...)
	errors = append(errors, c.validateLogging()...)
	return errors
}

func (c *Config) validateLease() []ValidationError {
	return positiveDuration("lease.stale_after", c.Lease.StaleAfter)
}

func (c *Config) validateBranch() []ValidationError {
	errors := positiveDuration("branch.stale_after", c.Branch.StaleAfter)
	if strings.TrimSpace(c.Branch.LockDir) == "" {
		errors = append(errors, ValidationError{
			Field:   "branch.lock_dir",
			Value:   c.Branch.LockDir,
			Message: "must not be empty",
		})
	}
	return errors
}

func (c *Config) validateStore() []ValidationError {
	var errors []ValidationError

	switch {
	case c.Store.Backend == "memory":
		// Each process would get its own empty registry.
		errors = append(errors, ValidationError{
			Field:   "store.backend",
			Value:   c.Store.Backend,
			Message: fmt.Sprintf("memory is per-process and cannot keep sessions apart; use one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	case !slices.Contains(ValidBackends(), c.Store.Backend):
		errors = append(errors, ValidationError{
			Field:   "store.backend",
			Value:   c.Store.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	}

	switch c.Store.Backend {
	case BackendSQLServer:
		if c.Store.SQLServer.DSN == "" {
			errors = append(errors, ValidationError{
				Field:   "store.sqlserver.dsn",
				Value:   c.Store.SQLServer.DSN,
				Message: "is required when store.backend is sqlserver",
			})
		}
	case BackendNATS:
		if c.Store.NATS.URL == "" {
			errors = append(errors, ValidationError{
				Field:   "store.nats.url",
				Value:   c.Store.NATS.URL,
				Message: "is required when store.backend is nats",
			})
		}
	}

	errors = append(errors, positiveDuration("store.timeout", c.Store.Timeout)...)
	return errors
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	// Reasonable path length limit (most filesystems have limits around 4096)
	const maxPathLength = 4096
	paths := map[string]string{
		"state_dir":                c.StateDir,
		"branch.lock_dir":          c.Branch.LockDir,
		"store.sqlite.path":        c.Store.SQLite.Path,
		"session.dir":              c.Session.Dir,
		"recovery.breadcrumb_path": c.Recovery.BreadcrumbPath,
	}
	for _, field := range sortedKeys(paths) {
		path := paths[field]
		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: "path contains invalid null character",
			})
		}
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB <= 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 1 and %d", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

func positiveDuration(field string, d time.Duration) []ValidationError {
	if d > 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: d, Message: "must be a positive duration"}}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
