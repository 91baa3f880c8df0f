package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig carries the server's wiring and timing knobs. Values come from a
// yaml file named by SPRESS_CONFIG (optional), overridden by environment
// variables.
type AppConfig struct {
	ListenAddr    string
	PublicURL     string
	BotAPIBaseURL string

	RedisURL    string
	DatabaseURL string

	StockfishPath string

	ChallengeTTL  time.Duration
	AIMoveDelay   time.Duration
	AITimeout     time.Duration
	SessionTTL    time.Duration
	RetireGrace   time.Duration
	IdleGrace     time.Duration
	StaleGrace    time.Duration
	SweepInterval time.Duration
	SweepMaxAge   time.Duration

	ComputerDefaultLevel int
}

// fileConfig mirrors AppConfig for the yaml overlay. Durations are strings in
// Go duration syntax ("45s", "5m").
type fileConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	PublicURL     string `yaml:"public_url"`
	BotAPIBaseURL string `yaml:"bot_api_base_url"`
	RedisURL      string `yaml:"redis_url"`
	DatabaseURL   string `yaml:"database_url"`
	StockfishPath string `yaml:"stockfish_path"`

	ChallengeTTL  string `yaml:"challenge_ttl"`
	AIMoveDelay   string `yaml:"ai_move_delay"`
	AITimeout     string `yaml:"ai_timeout"`
	SessionTTL    string `yaml:"session_ttl"`
	RetireGrace   string `yaml:"retire_grace"`
	IdleGrace     string `yaml:"idle_grace"`
	StaleGrace    string `yaml:"stale_grace"`
	SweepInterval string `yaml:"sweep_interval"`
	SweepMaxAge   string `yaml:"sweep_max_age"`

	ComputerDefaultLevel int `yaml:"computer_default_level"`
}

func defaults() *AppConfig {
	return &AppConfig{
		ListenAddr:           ":8080",
		ChallengeTTL:         5 * time.Minute,
		AIMoveDelay:          800 * time.Millisecond,
		AITimeout:            10 * time.Second,
		SessionTTL:           24 * time.Hour,
		RetireGrace:          5 * time.Second,
		IdleGrace:            30 * time.Second,
		StaleGrace:           time.Second,
		SweepInterval:        time.Hour,
		SweepMaxAge:          24 * time.Hour,
		ComputerDefaultLevel: 6,
	}
}

func Load() (*AppConfig, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("SPRESS_CONFIG")); path != "" {
		if err := overlayFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyString(&cfg.ListenAddr, "LISTEN_ADDR")
	applyString(&cfg.PublicURL, "PUBLIC_URL")
	applyString(&cfg.BotAPIBaseURL, "BOT_API_BASE_URL")
	applyString(&cfg.RedisURL, "REDIS_URL")
	applyString(&cfg.DatabaseURL, "DATABASE_URL")
	applyString(&cfg.StockfishPath, "STOCKFISH_PATH")

	applyDuration(&cfg.ChallengeTTL, "CHALLENGE_TTL")
	applyDuration(&cfg.AIMoveDelay, "AI_MOVE_DELAY")
	applyDuration(&cfg.AITimeout, "AI_TIMEOUT")
	applyDuration(&cfg.SessionTTL, "SESSION_TTL")
	applyDuration(&cfg.RetireGrace, "RETIRE_GRACE")
	applyDuration(&cfg.IdleGrace, "IDLE_GRACE")
	applyDuration(&cfg.StaleGrace, "STALE_GRACE")
	applyDuration(&cfg.SweepInterval, "SWEEP_INTERVAL")
	applyDuration(&cfg.SweepMaxAge, "SWEEP_MAX_AGE")

	if v := strings.TrimSpace(os.Getenv("COMPUTER_DEFAULT_LEVEL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ComputerDefaultLevel = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost" + cfg.ListenAddr
	}
	for name, d := range map[string]time.Duration{
		"challenge_ttl":  cfg.ChallengeTTL,
		"ai_timeout":     cfg.AITimeout,
		"session_ttl":    cfg.SessionTTL,
		"sweep_interval": cfg.SweepInterval,
		"sweep_max_age":  cfg.SweepMaxAge,
	} {
		if d <= 0 {
			return nil, fmt.Errorf("%s must be positive", name)
		}
	}

	return cfg, nil
}

func overlayFile(cfg *AppConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.PublicURL, fc.PublicURL)
	setString(&cfg.BotAPIBaseURL, fc.BotAPIBaseURL)
	setString(&cfg.RedisURL, fc.RedisURL)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.StockfishPath, fc.StockfishPath)

	for _, f := range []struct {
		dst  *time.Duration
		raw  string
		name string
	}{
		{&cfg.ChallengeTTL, fc.ChallengeTTL, "challenge_ttl"},
		{&cfg.AIMoveDelay, fc.AIMoveDelay, "ai_move_delay"},
		{&cfg.AITimeout, fc.AITimeout, "ai_timeout"},
		{&cfg.SessionTTL, fc.SessionTTL, "session_ttl"},
		{&cfg.RetireGrace, fc.RetireGrace, "retire_grace"},
		{&cfg.IdleGrace, fc.IdleGrace, "idle_grace"},
		{&cfg.StaleGrace, fc.StaleGrace, "stale_grace"},
		{&cfg.SweepInterval, fc.SweepInterval, "sweep_interval"},
		{&cfg.SweepMaxAge, fc.SweepMaxAge, "sweep_max_age"},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = d
	}

	if fc.ComputerDefaultLevel > 0 {
		cfg.ComputerDefaultLevel = fc.ComputerDefaultLevel
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func applyString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func applyDuration(dst *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
