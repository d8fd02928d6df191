// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads the server configuration from an optional YAML file, an optional .env
// file and OVERSHARE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/mobiletoly/go-overshare/overshare"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is the server configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Auth   AuthConfig   `yaml:"auth"`
	Share  ShareConfig  `yaml:"share"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Metrics         bool          `yaml:"metrics"`
	JoinRate        float64       `yaml:"join_rate"` // create/join attempts per second per remote host
	JoinBurst       int           `yaml:"join_burst"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory or postgres
	DatabaseURL string `yaml:"database_url"`
	MaxConns    int32  `yaml:"max_conns"`
}

type AuthConfig struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

type ShareConfig struct {
	LockTTL      time.Duration `yaml:"lock_ttl"`
	HistoryLimit int           `yaml:"history_limit"`
	MaxLimit     int           `yaml:"max_limit"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// Default returns the built-in configuration. TokenSecret is left empty and must be supplied.
func Default() Config {
	svc := overshare.DefaultServiceConfig("")
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			Metrics:         true,
			JoinRate:        1,
			JoinBurst:       5,
		},
		Store: StoreConfig{
			Driver:   StoreMemory,
			MaxConns: 20,
		},
		Auth: AuthConfig{
			TokenTTL: svc.TokenTTL,
		},
		Share: ShareConfig{
			LockTTL:      svc.LockTTL,
			HistoryLimit: svc.HistoryLimit,
			MaxLimit:     svc.MaxLimit,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the effective configuration. envFile and path may be empty; a missing envFile
// is not an error, a missing config file is.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("OVERSHARE_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("OVERSHARE_ADDR", &cfg.Server.Addr)
	str("OVERSHARE_STORE", &cfg.Store.Driver)
	str("OVERSHARE_LOG_LEVEL", &cfg.Log.Level)
	str("OVERSHARE_LOG_FORMAT", &cfg.Log.Format)
	str("OVERSHARE_TOKEN_SECRET", &cfg.Auth.TokenSecret)
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
		if os.Getenv("OVERSHARE_STORE") == "" {
			cfg.Store.Driver = StorePostgres
		}
	}

	durations := map[string]*time.Duration{
		"OVERSHARE_TOKEN_TTL":        &cfg.Auth.TokenTTL,
		"OVERSHARE_LOCK_TTL":         &cfg.Share.LockTTL,
		"OVERSHARE_SHUTDOWN_TIMEOUT": &cfg.Server.ShutdownTimeout,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("OVERSHARE_METRICS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OVERSHARE_METRICS: %w", err)
		}
		cfg.Server.Metrics = b
	}
	if v := os.Getenv("OVERSHARE_HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid OVERSHARE_HISTORY_LIMIT: %w", err)
		}
		cfg.Share.HistoryLimit = n
	}
	return nil
}

// Validate checks the settings that have no safe default
func (c Config) Validate() error {
	if c.Auth.TokenSecret == "" {
		return errors.New("auth.token_secret is required (OVERSHARE_TOKEN_SECRET)")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("store.database_url is required for the postgres store (DATABASE_URL)")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Share.HistoryLimit > c.Share.MaxLimit {
		return fmt.Errorf("share.history_limit %d exceeds share.max_limit %d", c.Share.HistoryLimit, c.Share.MaxLimit)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ServiceConfig maps the settings onto the service
func (c Config) ServiceConfig() *overshare.ServiceConfig {
	return &overshare.ServiceConfig{
		TokenSecret:  c.Auth.TokenSecret,
		TokenTTL:     c.Auth.TokenTTL,
		LockTTL:      c.Share.LockTTL,
		HistoryLimit: c.Share.HistoryLimit,
		MaxLimit:     c.Share.MaxLimit,
	}
}

// HandlerOptions maps the rate limit settings onto the HTTP handlers
func (c Config) HandlerOptions() overshare.HandlerOptions {
	return overshare.HandlerOptions{JoinRate: rate.Limit(c.Server.JoinRate), JoinBurst: c.Server.JoinBurst}
}

// Logger builds the process logger
func (c Config) Logger() *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
