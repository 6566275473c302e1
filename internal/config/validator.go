package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/gobwas/glob"

	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "session.max_rounds")
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
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap lets errors.Is(err, ErrConfigurationInvalid) match a failed Load.
func (e ValidationErrors) Unwrap() error {
	return forgeerrors.ErrConfigurationInvalid
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidSimilarities returns the accepted convergence.similarity values
func ValidSimilarities() []string {
	return []string{"jaccard", "cosine"}
}

// ValidStoreBackends returns the accepted store.backend values
func ValidStoreBackends() []string {
	return []string{"json", "sqlite", "none"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateConvergence()...)
	errors = append(errors, c.validateConflict()...)
	errors = append(errors, c.validatePause()...)
	errors = append(errors, c.validateDrafts()...)
	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func unitInterval(field string, v float64) []ValidationError {
	if v < 0 || v > 1 {
		return []ValidationError{{Field: field, Value: v, Message: "must be between 0 and 1"}}
	}
	return nil
}

// validateSession validates the SessionConfig
func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError

	if c.Session.MaxRounds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "session.max_rounds",
			Value:   c.Session.MaxRounds,
			Message: "must be positive",
		})
	}
	errors = append(errors, unitInterval("session.convergence_threshold", c.Session.ConvergenceThreshold)...)
	if c.Session.TimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.timeout_minutes",
			Value:   c.Session.TimeoutMinutes,
			Message: "must be non-negative (0 = disabled)",
		})
	}

	seen := make(map[string]bool)
	for i, topic := range c.Session.Topics {
		field := fmt.Sprintf("session.topics[%d]", i)
		name := strings.TrimSpace(topic.Name)
		switch {
		case name == "":
			errors = append(errors, ValidationError{Field: field + ".name", Value: topic.Name, Message: "must not be empty"})
		case seen[strings.ToLower(name)]:
			errors = append(errors, ValidationError{Field: field + ".name", Value: topic.Name, Message: "duplicate topic"})
		}
		seen[strings.ToLower(name)] = true
		if len(topic.Keywords) == 0 {
			errors = append(errors, ValidationError{Field: field + ".keywords", Value: topic.Keywords, Message: "must list at least one keyword"})
		}
	}

	return errors
}

// validateConvergence validates the ConvergenceConfig
func (c *Config) validateConvergence() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidSimilarities(), c.Convergence.Similarity) {
		errors = append(errors, ValidationError{
			Field:   "convergence.similarity",
			Value:   c.Convergence.Similarity,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidSimilarities(), ", ")),
		})
	}
	errors = append(errors, unitInterval("convergence.dissent_threshold", c.Convergence.DissentThreshold)...)
	if c.Convergence.MaxParallel < 1 {
		errors = append(errors, ValidationError{
			Field:   "convergence.max_parallel",
			Value:   c.Convergence.MaxParallel,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateConflict validates the ConflictConfig
func (c *Config) validateConflict() []ValidationError {
	var errors []ValidationError

	errors = append(errors, unitInterval("conflict.min_overlap", c.Conflict.MinOverlap)...)
	errors = append(errors, unitInterval("conflict.numeric_tolerance", c.Conflict.NumericTolerance)...)
	if c.Conflict.CriticalNumericDelta <= c.Conflict.NumericTolerance {
		errors = append(errors, ValidationError{
			Field:   "conflict.critical_numeric_delta",
			Value:   c.Conflict.CriticalNumericDelta,
			Message: "must be greater than conflict.numeric_tolerance",
		})
	}
	if c.Conflict.MaxParallel < 1 {
		errors = append(errors, ValidationError{
			Field:   "conflict.max_parallel",
			Value:   c.Conflict.MaxParallel,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validatePause validates the PauseConfig
func (c *Config) validatePause() []ValidationError {
	var errors []ValidationError

	if c.Pause.PollIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pause.poll_interval_ms",
			Value:   c.Pause.PollIntervalMs,
			Message: "must be positive",
		})
	}
	if c.Pause.MaxWaitMs < c.Pause.PollIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "pause.max_wait_ms",
			Value:   c.Pause.MaxWaitMs,
			Message: "must be at least pause.poll_interval_ms",
		})
	}
	if c.Pause.Schedule != "" && !gronx.New().IsValid(c.Pause.Schedule) {
		errors = append(errors, ValidationError{
			Field:   "pause.schedule",
			Value:   c.Pause.Schedule,
			Message: "must be a valid cron expression",
		})
	}

	return errors
}

// validateDrafts validates the DraftsConfig
func (c *Config) validateDrafts() []ValidationError {
	var errors []ValidationError

	if _, err := glob.Compile(c.Drafts.Pattern); c.Drafts.Pattern == "" || err != nil {
		errors = append(errors, ValidationError{
			Field:   "drafts.pattern",
			Value:   c.Drafts.Pattern,
			Message: "must be a valid glob pattern",
		})
	}
	if c.Drafts.DebounceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "drafts.debounce_ms",
			Value:   c.Drafts.DebounceMs,
			Message: "must be non-negative",
		})
	}
	if c.Drafts.Watch && c.Drafts.Dir == "" {
		errors = append(errors, ValidationError{
			Field:   "drafts.dir",
			Value:   c.Drafts.Dir,
			Message: "is required when drafts.watch is enabled",
		})
	}

	return errors
}

// validateStore validates the StoreConfig
func (c *Config) validateStore() []ValidationError {
	if slices.Contains(ValidStoreBackends(), c.Store.Backend) {
		return nil
	}
	return []ValidationError{{
		Field:   "store.backend",
		Value:   c.Store.Backend,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStoreBackends(), ", ")),
	}}
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
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
