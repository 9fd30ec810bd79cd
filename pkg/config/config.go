// Package config provides configuration loading and management for dwifit.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Data controls how the acquisition is interpreted
	Data DataConfig `yaml:"data"`

	// Model selects and parameterizes the voxel model
	Model ModelConfig `yaml:"model"`

	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many goroutines fit voxels in parallel
		NumWorkers int `yaml:"numWorkers" validate:"gte=0"`
	} `yaml:"processing"`

	// Store selects where fitted parameters are persisted
	Store StoreConfig `yaml:"store"`

	// Output parameters
	Output struct {
		// LogLevel is one of debug, info, warn, error
		LogLevel string `yaml:"logLevel" validate:"oneof=debug info warn error"`

		// LogFormat is text or json
		LogFormat string `yaml:"logFormat" validate:"oneof=text json"`

		// Verbose enables progress reporting during fits
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DataConfig describes the acquisition conventions
type DataConfig struct {
	// ScalingFactor divides the raw b-values so that they match the
	// diffusivity units of the models
	ScalingFactor float64 `yaml:"scalingFactor" validate:"gt=0"`

	// SubSampleCount, when > 0, keeps that many weighted directions
	// chosen at random with SubSampleSeed
	SubSampleCount int   `yaml:"subSampleCount" validate:"gte=0"`
	SubSampleSeed  int64 `yaml:"subSampleSeed"`

	// SubSampleIndices, when set, keeps exactly these weighted directions
	SubSampleIndices []int `yaml:"subSampleIndices" validate:"dive,gte=0"`

	// TissueFraction is the path of a tissue fraction map registered to the
	// acquisition, required by TissueFractionModel
	TissueFraction string `yaml:"tissueFraction"`
}

// ModelConfig holds the parameters shared by the voxel models
type ModelConfig struct {
	// Name selects the model, see model.New
	Name string `yaml:"name" validate:"required,oneof=CanonicalTensorModel MultiCanonicalTensorModel SparseDeconvolutionModel CanonicalTensorModelOpt TissueFractionModel"`

	// Diffusivities of the canonical single-fiber tensor and of free water
	AxialDiffusivity  float64 `yaml:"axialDiffusivity" validate:"gt=0"`
	RadialDiffusivity float64 `yaml:"radialDiffusivity" validate:"gt=0"`
	WaterDiffusivity  float64 `yaml:"waterDiffusivity" validate:"gt=0"`

	// NCanonicals is the number of simultaneous directions in the
	// multi-direction search
	NCanonicals int `yaml:"nCanonicals" validate:"gte=1"`

	// MaxCombinations bounds the multi-direction search (0 = unbounded)
	MaxCombinations int `yaml:"maxCombinations" validate:"gte=0"`

	// NegativeTolerance is how far below zero an OLS weight may fall before
	// the candidate is rejected
	NegativeTolerance float64 `yaml:"negativeTolerance" validate:"gte=0"`

	// Solver is the regularized regressor used for sparse fits
	Solver SolverConfig `yaml:"solver"`

	// Optimizer is the method used by the nonlinear canonical tensor fit
	Optimizer string `yaml:"optimizer" validate:"oneof=nelder-mead lbfgs bfgs gradient-descent"`

	// TissueFraction splits the isotropic compartment into tissue and free
	// water
	TissueFraction TissueFractionConfig `yaml:"tissueFraction"`
}

// TissueFractionConfig holds the constants of TissueFractionModel
type TissueFractionConfig struct {
	// L1 and L2 are the shares of the tensor and of tissue water in the
	// measured tissue fraction
	L1 float64 `yaml:"l1" validate:"gte=0"`
	L2 float64 `yaml:"l2" validate:"gt=0"`

	// TissueWater and FreeWater are the attenuation levels of the two
	// isotropic compartments
	TissueWater float64 `yaml:"tissueWater" validate:"gte=0"`
	FreeWater   float64 `yaml:"freeWater" validate:"gte=0"`
}

// SolverConfig names a regressor and its hyperparameters
type SolverConfig struct {
	Name   string             `yaml:"name" validate:"required"`
	Params map[string]float64 `yaml:"params"`
}

// StoreConfig selects the durable parameter store
type StoreConfig struct {
	// Kind is none, file or sqlite
	Kind string `yaml:"kind" validate:"oneof=none file sqlite"`

	// Path is the directory (file) or database file (sqlite)
	Path string `yaml:"path" validate:"required_unless=Kind none"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Data.ScalingFactor = 1000

	// Canonical tensor defaults follow the median white-matter values
	cfg.Model.Name = "CanonicalTensorModel"
	cfg.Model.AxialDiffusivity = 1.5
	cfg.Model.RadialDiffusivity = 0.5
	cfg.Model.WaterDiffusivity = 3.0
	cfg.Model.NCanonicals = 2
	cfg.Model.NegativeTolerance = 1e-9
	cfg.Model.Solver.Name = "Lasso"
	cfg.Model.Optimizer = "nelder-mead"
	cfg.Model.TissueFraction = TissueFractionConfig{L1: 0.32, L2: 0.15, TissueWater: 0.25, FreeWater: 0.75}

	cfg.Processing.NumWorkers = runtime.NumCPU() // Use all available cores by default

	cfg.Store.Kind = "file"
	cfg.Store.Path = "params"

	cfg.Output.LogLevel = "info"
	cfg.Output.LogFormat = "text"
	cfg.Output.Verbose = true

	return cfg
}

var validate = validator.New()

// Validate checks the configuration against its constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Data.SubSampleCount > 0 && len(c.Data.SubSampleIndices) > 0 {
		return fmt.Errorf("invalid configuration: subSampleCount and subSampleIndices are mutually exclusive")
	}
	if c.Model.Name == "TissueFractionModel" && c.Data.TissueFraction == "" {
		return fmt.Errorf("invalid configuration: TissueFractionModel needs data.tissueFraction")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

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
		return nil, err
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
