// Package config provides configuration loading and management for volfit.
// It handles loading optimiser options from YAML files and provides the
// default value of every recognised option.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Sampling controls how many pixels the stochastic Jacobian is built from.
type Sampling struct {
	// Decimate is the desired fraction 1/Decimate of interior pixels to use
	Decimate float64 `yaml:"decimate"`

	// MaxMem is the ceiling in bytes for the stored Jacobian
	MaxMem float64 `yaml:"maxMem"`

	// MinRedundant is the minimum number of pixels per free parameter
	MinRedundant float64 `yaml:"minRedundant"`

	// Seed seeds the pixel sampler so runs are reproducible
	Seed uint64 `yaml:"seed"`
}

// Derivative controls the finite-difference Jacobian.
type Derivative struct {
	// Dl is the finite-difference step
	Dl float64 `yaml:"dl"`

	// ThreePoint selects the central 3-point stencil instead of the forward
	// 2-point one
	ThreePoint bool `yaml:"threePoint"`

	// Restore puts each parameter back after it has been measured
	Restore bool `yaml:"restore"`
}

// LevMarq holds the options of the stochastic Levenberg-Marquardt optimiser.
type LevMarq struct {
	Sampling   `yaml:",inline"`
	Derivative `yaml:",inline"`

	// Damp is the initial damping factor; large values mean small
	// gradient-descent-like steps, zero means Hessian inversion
	Damp float64 `yaml:"damp"`

	// DDamp is the multiplier applied to Damp when the controller adjusts it
	DDamp float64 `yaml:"ddamp"`

	// NumIter is the outer iteration budget
	NumIter int `yaml:"numIter"`

	// DoRun reuses an accepted J for up to RunLength further steps
	DoRun     bool `yaml:"doRun"`
	RunLength int  `yaml:"runLength"`

	// MinEigval is the relative singular value below which a direction is
	// treated as degenerate
	MinEigval float64 `yaml:"minEigval"`
}

// ConjGrad holds the options of the conjugate-direction sweep.
type ConjGrad struct {
	Sampling   `yaml:",inline"`
	Derivative `yaml:",inline"`

	MinEigval float64 `yaml:"minEigval"`

	// NumSweeps is the number of passes over the eigenvectors of JTJ
	NumSweeps int `yaml:"numSweeps"`

	// LineMaxIter bounds the Brent iterations of each line search
	LineMaxIter int `yaml:"lineMaxIter"`
}

// Particles holds the options of the exact particle-local optimiser.
type Particles struct {
	Derivative `yaml:",inline"`

	Damp      float64 `yaml:"damp"`
	DDamp     float64 `yaml:"ddamp"`
	NumIter   int     `yaml:"numIter"`
	DoRun     bool    `yaml:"doRun"`
	RunLength int     `yaml:"runLength"`
	MinEigval float64 `yaml:"minEigval"`

	// FixErrors clamps out-of-image positions and non-positive radii
	// instead of failing
	FixErrors bool `yaml:"fixErrors"`

	// Tolerance is the allowed error increase after rolling back a rejected
	// step before the model is reset
	Tolerance float64 `yaml:"tolerance"`
}

// Groups holds the options of the spatially partitioned particle run.
type Groups struct {
	Particles `yaml:",inline"`

	// RegionSize is the size of the grouping box along z, y, x
	RegionSize RegionSize `yaml:"regionSize"`

	// CalcRegionSize searches for a region size keeping the largest group
	// under MaxMem
	CalcRegionSize bool    `yaml:"calcRegionSize"`
	MaxMem         float64 `yaml:"maxMem"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	LevMarq   LevMarq  `yaml:"levmarq"`
	ConjGrad  ConjGrad `yaml:"conjgrad"`
	Particles Groups   `yaml:"particles"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultSampling returns the default pixel sampling options.
func DefaultSampling() Sampling {
	return Sampling{
		Decimate:     400,
		MaxMem:       2e9,
		MinRedundant: 20,
		Seed:         1,
	}
}

// DefaultLevMarq returns the default stochastic Levenberg-Marquardt options.
func DefaultLevMarq() LevMarq {
	return LevMarq{
		Sampling:   DefaultSampling(),
		Derivative: Derivative{Dl: 1e-8},
		Damp:       0.1,
		DDamp:      0.1,
		NumIter:    5,
		DoRun:      true,
		RunLength:  5,
		MinEigval:  1e-12,
	}
}

// DefaultConjGrad returns the default conjugate-direction sweep options.
// Restore defaults to true here: each line search starts from the measured
// point, so accumulated perturbations would bias every direction.
func DefaultConjGrad() ConjGrad {
	return ConjGrad{
		Sampling:    DefaultSampling(),
		Derivative:  Derivative{Dl: 2e-5, Restore: true},
		MinEigval:   1e-12,
		NumSweeps:   2,
		LineMaxIter: 10,
	}
}

// DefaultParticles returns the default particle-local options.
func DefaultParticles() Particles {
	return Particles{
		Derivative: Derivative{Dl: 1e-6},
		Damp:       0.1,
		DDamp:      0.2,
		NumIter:    3,
		DoRun:      true,
		RunLength:  5,
		MinEigval:  1e-12,
		FixErrors:  true,
		Tolerance:  1e-3,
	}
}

// DefaultGroups returns the default partitioned particle options.
func DefaultGroups() Groups {
	return Groups{
		Particles:  DefaultParticles(),
		RegionSize: Cube(40),
		MaxMem:     4e9,
	}
}

// Default returns a configuration with default values
func Default() *Config {
	cfg := &Config{
		LevMarq:   DefaultLevMarq(),
		ConjGrad:  DefaultConjGrad(),
		Particles: DefaultGroups(),
	}
	cfg.Output.Verbose = false
	return cfg
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	// Unset keys keep their defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file
func Save(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "error marshaling config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "error writing config file")
	}

	return nil
}

// CreateDefaultFile creates a default configuration file at the specified path
func CreateDefaultFile(configPath string) error {
	return Save(Default(), configPath)
}
