// Package config provides configuration loading and management for dtifit.
// Configuration is read through viper (YAML file plus DTIFIT_* environment
// overrides) and written back as YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"dtifit/pkg/dti"
	"dtifit/pkg/gradients"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. DTIFIT_PROCESSING_WORKERS for processing.workers.
const EnvPrefix = "DTIFIT"

// Config represents the application configuration
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers is the number of voxels fitted concurrently
		Workers int `yaml:"workers" mapstructure:"workers"`

		// Method selects the estimator: "wls" or "ols"
		Method string `yaml:"method" mapstructure:"method"`

		// MinSignal is the floor applied to signals before taking logs
		MinSignal float64 `yaml:"minSignal" mapstructure:"minSignal"`

		// MaskThreshold drops voxels whose mean b0 signal is at or below it
		MaskThreshold float64 `yaml:"maskThreshold" mapstructure:"maskThreshold"`

		// B0Threshold is the largest b-value treated as unweighted
		B0Threshold float64 `yaml:"b0Threshold" mapstructure:"b0Threshold"`
	} `yaml:"processing" mapstructure:"processing"`

	// Gradient table parameters
	Gradients struct {
		// Tolerance on the unit norm of weighted gradient directions
		Tolerance float64 `yaml:"tolerance" mapstructure:"tolerance"`

		// Orientation of the stored directions, e.g. "LPS". Empty keeps them as is.
		Orientation string `yaml:"orientation" mapstructure:"orientation"`

		// TargetOrientation the directions are reoriented to
		TargetOrientation string `yaml:"targetOrientation" mapstructure:"targetOrientation"`
	} `yaml:"gradients" mapstructure:"gradients"`

	// Output parameters
	Output struct {
		// Dir receives the report, metric table and exported maps
		Dir string `yaml:"dir" mapstructure:"dir"`

		// Metrics lists the scalar maps written to the metric table
		Metrics []string `yaml:"metrics" mapstructure:"metrics"`

		// ExportMaps writes JPEG slices of every metric map
		ExportMaps bool `yaml:"exportMaps" mapstructure:"exportMaps"`

		// Verbose prints step progress to stdout
		Verbose bool `yaml:"verbose" mapstructure:"verbose"`
	} `yaml:"output" mapstructure:"output"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level" mapstructure:"level"`

		// Format is "text" or "json"
		Format string `yaml:"format" mapstructure:"format"`
	} `yaml:"logging" mapstructure:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.Method = dti.WLS.String()
	cfg.Processing.MinSignal = dti.DefaultMinSignal
	cfg.Processing.MaskThreshold = 0
	cfg.Processing.B0Threshold = gradients.DefaultB0Threshold

	cfg.Gradients.Tolerance = gradients.DefaultTolerance
	cfg.Gradients.TargetOrientation = "RAS"

	cfg.Output.Dir = "dtifit_output"
	cfg.Output.Metrics = []string{"fa", "md", "ad", "rd"}
	cfg.Output.ExportMaps = false
	cfg.Output.Verbose = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// SetDefaults registers the default values with v so they apply even
// without a config file.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("processing.workers", d.Processing.Workers)
	v.SetDefault("processing.method", d.Processing.Method)
	v.SetDefault("processing.minSignal", d.Processing.MinSignal)
	v.SetDefault("processing.maskThreshold", d.Processing.MaskThreshold)
	v.SetDefault("processing.b0Threshold", d.Processing.B0Threshold)

	v.SetDefault("gradients.tolerance", d.Gradients.Tolerance)
	v.SetDefault("gradients.orientation", d.Gradients.Orientation)
	v.SetDefault("gradients.targetOrientation", d.Gradients.TargetOrientation)

	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("output.metrics", d.Output.Metrics)
	v.SetDefault("output.exportMaps", d.Output.ExportMaps)
	v.SetDefault("output.verbose", d.Output.Verbose)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// BindEnv enables DTIFIT_* environment overrides on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	// processing.minSignal -> DTIFIT_PROCESSING_MINSIGNAL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load unmarshals the configuration held by v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig loads configuration from a YAML file with environment overrides.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	return Load(v)
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
