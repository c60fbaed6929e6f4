// Package config carries the courthouse's two configuration surfaces: the
// process config loaded from YAML and the environment at startup, and the
// runtime-tunable judging knobs stored in the configuration table.
package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// Environment variable names recognised by the courthouse.
const (
	EnvDBURI      = "CODE_COURT_DB_URI"
	EnvProduction = "CODE_COURT_PRODUCTION"
	EnvPort       = "PORT"
	EnvRedisAddr  = "REDIS_ADDR"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Reaper  ReaperConfig  `yaml:"reaper"`
	Scoring ScoringConfig `yaml:"scoring"`
}

type ServerConfig struct {
	Port    string `yaml:"port"`
	BaseURL string `yaml:"base_url"`
}

type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ReaperConfig struct {
	PeriodSeconds int `yaml:"period_seconds"`
}

type ScoringConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// Load reads the YAML config at path, then applies environment overrides.
// A missing file is not an error; defaults plus the environment apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPort); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv(EnvDBURI); v != "" {
		c.Store.Driver = "postgres"
		c.Store.DSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Scoring.RedisAddr = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "9191"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:" + c.Server.Port
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Reaper.PeriodSeconds == 0 {
		c.Reaper.PeriodSeconds = 15
	}
}

// Production reports whether dev seeding should be skipped.
func Production() bool {
	return os.Getenv(EnvProduction) != ""
}
