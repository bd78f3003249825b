package config

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/Iron-Ham/crew/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "store.pool_size")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidStoreDrivers returns the list of valid store drivers
func ValidStoreDrivers() []string {
	return []string{DriverMemory, DriverSQLite}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateBus()...)
	errors = append(errors, c.validateNotify()...)
	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateCoordination()...)
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	valid := func(l string) bool { return strings.EqualFold(l, c.Logging.Level) }
	if c.Logging.Level != "" && !slices.ContainsFunc(logging.ValidLevels(), valid) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(logging.ValidLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 0 and %d", maxLogSizeMB),
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

func (c *Config) validateBus() []ValidationError {
	if c.Bus.PendingLimit < 0 {
		return []ValidationError{{
			Field:   "bus.pending_limit",
			Value:   c.Bus.PendingLimit,
			Message: "must be non-negative (0 = unbounded)",
		}}
	}
	return nil
}

func (c *Config) validateNotify() []ValidationError {
	var errors []ValidationError

	if c.Notify.BufferLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "notify.buffer_limit",
			Value:   c.Notify.BufferLimit,
			Message: "must be non-negative (0 = unbounded)",
		})
	}
	if c.Notify.HeartbeatInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "notify.heartbeat_interval",
			Value:   c.Notify.HeartbeatInterval,
			Message: "must be positive",
		})
	}
	if c.Notify.WriteTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "notify.write_timeout",
			Value:   c.Notify.WriteTimeout,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateStore() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidStoreDrivers(), c.Store.Driver) {
		errors = append(errors, ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStoreDrivers(), ", ")),
		})
	}

	if c.Store.Driver == DriverSQLite {
		if strings.TrimSpace(c.Store.Path) == "" {
			errors = append(errors, ValidationError{
				Field:   "store.path",
				Value:   c.Store.Path,
				Message: "is required for the sqlite driver",
			})
		}
		if c.Store.PoolSize < 1 {
			errors = append(errors, ValidationError{
				Field:   "store.pool_size",
				Value:   c.Store.PoolSize,
				Message: "must be at least 1",
			})
		}
	}

	// The schedule only matters when snapshots are on.
	if c.Store.StateDir != "" {
		if _, err := cron.ParseStandard(c.Store.SnapshotSchedule); err != nil {
			errors = append(errors, ValidationError{
				Field:   "store.snapshot_schedule",
				Value:   c.Store.SnapshotSchedule,
				Message: "must be a valid cron spec: " + err.Error(),
			})
		}
	}

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must be host:port",
		})
	}
	if c.Server.ReadTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.read_timeout",
			Value:   c.Server.ReadTimeout,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateCoordination() []ValidationError {
	const maxRetryAttempts = 100
	if c.Coordination.RetryAttempts < 1 || c.Coordination.RetryAttempts > maxRetryAttempts {
		return []ValidationError{{
			Field:   "coordination.retry_attempts",
			Value:   c.Coordination.RetryAttempts,
			Message: fmt.Sprintf("must be between 1 and %d", maxRetryAttempts),
		}}
	}
	return nil
}
