package config

import (
	"fmt"
	"slices"
	"strings"

	"dtifit/pkg/dti"
	"dtifit/pkg/gradients"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "processing.workers")
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

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the list of valid log formats
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate checks the Config for invalid values. The returned error is a
// ValidationErrors listing every problem found, or nil.
func (c *Config) Validate() error {
	var errs []ValidationError

	if c.Processing.Workers < 1 {
		errs = append(errs, ValidationError{
			Field:   "processing.workers",
			Value:   c.Processing.Workers,
			Message: "must be at least 1",
		})
	}
	if _, err := dti.ParseMethod(c.Processing.Method); err != nil {
		errs = append(errs, ValidationError{
			Field:   "processing.method",
			Value:   c.Processing.Method,
			Message: "must be one of: wls, ols",
		})
	}
	if !(c.Processing.MinSignal > 0) {
		errs = append(errs, ValidationError{
			Field:   "processing.minSignal",
			Value:   c.Processing.MinSignal,
			Message: "must be positive",
		})
	}
	if c.Processing.B0Threshold < 0 {
		errs = append(errs, ValidationError{
			Field:   "processing.b0Threshold",
			Value:   c.Processing.B0Threshold,
			Message: "must be non-negative",
		})
	}

	if !(c.Gradients.Tolerance > 0) {
		errs = append(errs, ValidationError{
			Field:   "gradients.tolerance",
			Value:   c.Gradients.Tolerance,
			Message: "must be positive",
		})
	}
	if c.Gradients.Orientation != "" {
		if _, err := gradients.OrientationMapping(c.Gradients.Orientation, c.Gradients.TargetOrientation); err != nil {
			errs = append(errs, ValidationError{
				Field:   "gradients.orientation",
				Value:   c.Gradients.Orientation + " -> " + c.Gradients.TargetOrientation,
				Message: "must be three-letter codes such as LPS or RAS",
			})
		}
	}

	if c.Output.Dir == "" {
		errs = append(errs, ValidationError{
			Field:   "output.dir",
			Value:   c.Output.Dir,
			Message: "must not be empty",
		})
	}
	for _, name := range c.Output.Metrics {
		if _, err := dti.ParseMetric(name); err != nil {
			errs = append(errs, ValidationError{
				Field:   "output.metrics",
				Value:   name,
				Message: "unknown metric",
			})
		}
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Logging.Format)) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}

	if len(errs) > 0 {
		return ValidationErrors(errs)
	}
	return nil
}

// Metrics parses the configured metric names.
func (c *Config) Metrics() ([]dti.Metric, error) {
	metrics := make([]dti.Metric, 0, len(c.Output.Metrics))
	for _, name := range c.Output.Metrics {
		m, err := dti.ParseMetric(name)
		if err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}
