// Package config provides configuration loading and management for deedsreg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"deedsreg/internal/models"
	regerrors "deedsreg/pkg/errors"
	"deedsreg/pkg/params"
	"deedsreg/pkg/preview"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Registration holds the deeds hyperparameters
	Registration models.RegistrationParameters `yaml:"registration"`

	// Pipeline selects the stages and the output folder
	Pipeline models.PipelineConfig `yaml:"pipeline"`

	// Binaries configures where linear and deeds are found
	Binaries struct {
		// Dir is searched before the default install and build locations
		Dir string `yaml:"dir"`
	} `yaml:"binaries"`

	// Output parameters
	Output struct {
		// Previews writes central slice images of each volume
		Previews bool `yaml:"previews"`

		// PreviewFormat is png or tiff
		PreviewFormat string `yaml:"previewFormat"`

		// Quality writes a similarity report comparing the volumes
		Quality bool `yaml:"quality"`

		// TempRoot is the parent of the working directories, the system temp dir when empty
		TempRoot string `yaml:"tempRoot"`

		// MetricsFile receives the run metrics in Prometheus text format when set
		MetricsFile string `yaml:"metricsFile"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Level is debug, info, warn or error
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Registration = models.DefaultRegistrationParameters()

	// The affine pre-registration runs unless disabled; temporary files are kept
	cfg.Pipeline.IncludeAffineStep = true
	cfg.Pipeline.DeleteTemporaryFiles = false

	cfg.Output.Previews = false
	cfg.Output.PreviewFormat = string(preview.PNG)
	cfg.Output.Quality = true

	cfg.Logging.Level = "info"

	return cfg
}

// Validate checks the configuration for values the pipeline cannot use
func (c *Config) Validate() error {
	if err := params.Validate(c.Registration); err != nil {
		return err
	}

	switch preview.Format(c.Output.PreviewFormat) {
	case preview.PNG, preview.TIFF, "":
	default:
		return regerrors.NewWithContext(regerrors.ErrCodeInvalidRequest,
			"unsupported preview format",
			map[string]any{"previewFormat": c.Output.PreviewFormat})
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return regerrors.NewWithContext(regerrors.ErrCodeInvalidRequest,
			"invalid logging level",
			map[string]any{"level": c.Logging.Level})
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
