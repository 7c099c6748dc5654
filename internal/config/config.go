package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	govalidator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds all agent configuration.
type Config struct {
	ServerPort     string        `validate:"required,numeric"`
	GinMode        string        `validate:"oneof=debug release test"`
	LogLevel       string        `validate:"required"`
	LogFormat      string        `validate:"oneof=json pretty"`
	ExamAPIURL     string        `validate:"required,url"`
	ExamAPITimeout time.Duration `validate:"min=1s"`
	AdminKey       string
	ClientID       string `validate:"required,max=64"`
	StoreDriver    string `validate:"oneof=redis sqlite memory"`
	RedisURL       string `validate:"required_if=StoreDriver redis"`
	SQLitePath     string `validate:"required_if=StoreDriver sqlite"`
	PolicyFile     string
	RateLimitRPS   int `validate:"min=1"`
	RateLimitBurst int `validate:"min=1"`
	// AllowedOrigins controls HTTP CORS and WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string

	Policy Policy
}

// Policy holds the exam integrity knobs. Every value is pluggable because the
// product has shipped with different thresholds over time.
type Policy struct {
	RequireFullscreen   bool          `yaml:"require_fullscreen"`
	CountdownTicks      int           `yaml:"countdown_ticks" validate:"min=0,max=600"`
	StatusPollInterval  time.Duration `yaml:"status_poll_interval" validate:"min=100ms"`
	ResyncInterval      time.Duration `yaml:"resync_interval" validate:"min=10s,max=20s"`
	DriftTolerance      time.Duration `yaml:"drift_tolerance" validate:"min=0"`
	DebounceWindow      time.Duration `yaml:"debounce_window" validate:"min=0"`
	DisqualifyThreshold int           `yaml:"disqualify_threshold" validate:"min=1"`
	SubmitTimeout       time.Duration `yaml:"submit_timeout" validate:"min=1s"`
	BlockedKeys         []string      `yaml:"blocked_keys"`
}

// DefaultPolicy returns the tested defaults.
func DefaultPolicy() Policy {
	return Policy{
		RequireFullscreen:   true,
		CountdownTicks:      10,
		StatusPollInterval:  3 * time.Second,
		ResyncInterval:      15 * time.Second,
		DriftTolerance:      5 * time.Second,
		DebounceWindow:      3 * time.Second,
		DisqualifyThreshold: 2,
		SubmitTimeout:       30 * time.Second,
	}
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing. A policy file,
// when configured, overrides the policy values taken from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	def := DefaultPolicy()
	cfg := &Config{
		ServerPort:     getEnv("SERVER_PORT", "8090"),
		GinMode:        getEnv("GIN_MODE", "release"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "pretty"),
		ExamAPIURL:     strings.TrimRight(getEnv("EXAM_API_URL", "http://localhost:5000/api"), "/"),
		ExamAPITimeout: getEnvDuration("EXAM_API_TIMEOUT", 30*time.Second),
		AdminKey:       os.Getenv("ADMIN_KEY"),
		ClientID:       getEnv("CLIENT_ID", "default"),
		StoreDriver:    getEnv("STORE_DRIVER", StoreSQLite),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
		SQLitePath:     getEnv("SQLITE_PATH", "./data/proctor.db"),
		PolicyFile:     os.Getenv("POLICY_FILE"),
		RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),
		AllowedOrigins: parseOrigins(getEnv("ALLOWED_ORIGINS", "")),
		Policy: Policy{
			RequireFullscreen:   getEnvBool("REQUIRE_FULLSCREEN", def.RequireFullscreen),
			CountdownTicks:      getEnvInt("COUNTDOWN_TICKS", def.CountdownTicks),
			StatusPollInterval:  getEnvDuration("STATUS_POLL_INTERVAL", def.StatusPollInterval),
			ResyncInterval:      getEnvDuration("RESYNC_INTERVAL", def.ResyncInterval),
			DriftTolerance:      getEnvDuration("DRIFT_TOLERANCE", def.DriftTolerance),
			DebounceWindow:      getEnvDuration("DEBOUNCE_WINDOW", def.DebounceWindow),
			DisqualifyThreshold: getEnvInt("DISQUALIFY_THRESHOLD", def.DisqualifyThreshold),
			SubmitTimeout:       getEnvDuration("SUBMIT_TIMEOUT", def.SubmitTimeout),
		},
	}

	if cfg.PolicyFile != "" {
		pol, err := LoadPolicyFile(cfg.PolicyFile, cfg.Policy)
		if err != nil {
			return nil, err
		}
		cfg.Policy = pol
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags of the config and its policy.
func (c *Config) Validate() error {
	v := govalidator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getEnvDuration accepts Go duration strings ("3s") or bare seconds ("3").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// parseOrigins splits a comma-separated origins string into a trimmed slice.
// Returns nil (allow-all) if the input is empty.
func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
