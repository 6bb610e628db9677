// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"` // advertised in channel/result addresses
	Workers int    `yaml:"workers"`  // job runner pool size
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // snapshot retention window
}

type ProgressConfig struct {
	TicketSecret   string        `yaml:"ticket_secret"` // signs one-time channel tickets
	TicketTTL      time.Duration `yaml:"ticket_ttl"`    // default 30s
	Retention      time.Duration `yaml:"retention"`     // result retention window, default 24h
	ResultRate     int           `yaml:"result_rate"`   // result endpoint requests/min per job
	ReadyGraceWait time.Duration `yaml:"ready_grace"`   // how long runners wait for ready
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Progress ProgressConfig `yaml:"progress"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// defaults
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Workers <= 0 {
		cfg.Server.Workers = 8
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)
	if cfg.Progress.TicketTTL <= 0 {
		cfg.Progress.TicketTTL = 30 * time.Second
	}
	if cfg.Progress.Retention <= 0 {
		cfg.Progress.Retention = 24 * time.Hour
	}
	if cfg.Progress.ResultRate <= 0 {
		cfg.Progress.ResultRate = 30
	}
	if cfg.Progress.ReadyGraceWait <= 0 {
		cfg.Progress.ReadyGraceWait = time.Minute
	}
	// Secrets prefer the environment over the file.
	if v := os.Getenv("JOBSTREAM_TICKET_SECRET"); v != "" {
		cfg.Progress.TicketSecret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.Progress.TicketSecret == "" && !dev {
		return nil, errors.New("progress.ticket_secret is required outside dev mode")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return 24 * time.Hour
	}
	return d
}
