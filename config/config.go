// Package config loads extraction settings from a .env file and the
// process environment.
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"
)

// Config holds all settings of an extraction run.
type Config struct {
	ServerURL      string `mapstructure:"FHIR_SERVER_URL"`
	CatalogueFile  string `mapstructure:"CATALOGUE_FILE"`
	ProfileDir     string `mapstructure:"PROFILE_DIR"`
	Compartment    string `mapstructure:"COMPARTMENT_FILE"`
	OutputDir      string `mapstructure:"OUTPUT_DIR"`
	PairingWorkers int    `mapstructure:"PAIRING_WORKERS"`
	PatientWorkers int    `mapstructure:"PATIENT_WORKERS"`
	FetchPageSize  int    `mapstructure:"FETCH_PAGE_SIZE"`
	FetchRetries   int    `mapstructure:"FETCH_RETRIES"`
	ApplyConsent   bool   `mapstructure:"APPLY_CONSENT"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
}

// Load reads configuration from .env (if present) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("FETCH_PAGE_SIZE", 100)
	v.SetDefault("FETCH_RETRIES", 3)
	v.SetDefault("PAIRING_WORKERS", runtime.NumCPU())
	v.SetDefault("PATIENT_WORKERS", runtime.NumCPU())
	v.SetDefault("OUTPUT_DIR", "output")
	v.SetDefault("LOG_LEVEL", "info")

	// Bind env vars explicitly so Unmarshal picks them up.
	for _, key := range []string{
		"FHIR_SERVER_URL",
		"CATALOGUE_FILE",
		"PROFILE_DIR",
		"COMPARTMENT_FILE",
		"OUTPUT_DIR",
		"PAIRING_WORKERS",
		"PATIENT_WORKERS",
		"FETCH_PAGE_SIZE",
		"FETCH_RETRIES",
		"APPLY_CONSENT",
		"LOG_LEVEL",
	} {
		v.BindEnv(key) //nolint:errcheck
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings a run cannot start without.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("FHIR_SERVER_URL is required")
	}
	if c.CatalogueFile == "" {
		return fmt.Errorf("CATALOGUE_FILE is required")
	}
	return nil
}
