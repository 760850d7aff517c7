package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfigPath = "~/.config/ap-toolkit/config.json"

// Config holds user-editable settings for the batch pipeline.
type Config struct {
	Logging Logging `json:"logging"`
	Paths   Paths   `json:"paths"`
	Engine  Engine  `json:"engine"`
	Quality Quality `json:"quality"`
	Server  Server  `json:"server"`
	Watch   Watch   `json:"watch"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
}

// Engine configures the external stacking engine invocation.
type Engine struct {
	Binary           string  `json:"binary"`             // explicit siril binary, auto-detect if empty
	MaxStars         int     `json:"max_stars"`          // registration star detection cap
	MinPairs         int     `json:"min_pairs"`          // minimum matched star pairs per frame
	RejectSigmaLow   float64 `json:"reject_sigma_low"`   // master/light stack rejection, low side
	RejectSigmaHigh  float64 `json:"reject_sigma_high"`  // master/light stack rejection, high side
	BackgroundSample int     `json:"background_samples"` // seqsubsky sample grid size
	BackgroundTol    float64 `json:"background_tolerance"`
	BackgroundSmooth float64 `json:"background_smooth"`
}

// Quality holds the default sigma multipliers for frame filtering.
type Quality struct {
	FWHMSigma  float64 `json:"fwhm_sigma"`
	StarSigma  float64 `json:"star_sigma"`
	RoundSigma float64 `json:"round_sigma"`
}

// Server configures the status HTTP server.
type Server struct {
	Addr string `json:"addr"`
}

// Watch configures the sequence directory watcher.
type Watch struct {
	SettleSeconds int `json:"settle_seconds"` // quiet period before a new sequence is processed
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("AP_TOOLKIT_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "ap-toolkit.db"),
		},
		Engine: Engine{
			MaxStars:         2000,
			MinPairs:         10,
			RejectSigmaLow:   3.0,
			RejectSigmaHigh:  3.0,
			BackgroundSample: 20,
			BackgroundTol:    1.0,
			BackgroundSmooth: 0.5,
		},
		Quality: Quality{
			FWHMSigma:  2.0,
			StarSigma:  2.0,
			RoundSigma: 1.5,
		},
		Server: Server{
			Addr: ":8080",
		},
		Watch: Watch{
			SettleSeconds: 30,
		},
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Quality.FWHMSigma <= 0 || c.Quality.StarSigma <= 0 || c.Quality.RoundSigma <= 0 {
		return fmt.Errorf("quality sigma multipliers must be positive")
	}
	if c.Engine.MaxStars < 1 {
		return fmt.Errorf("engine max_stars must be at least 1")
	}
	if c.Engine.MinPairs < 1 {
		return fmt.Errorf("engine min_pairs must be at least 1")
	}
	return nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
