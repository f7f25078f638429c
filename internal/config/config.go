// Package config loads rpcgate's process configuration from the
// environment, following spec §6's configuration table.
package config

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-sourced setting the proxy needs. The
// variable each field is read from is noted beside it.
type Config struct {
	AppEnv   string // APP_ENV
	LogLevel string // LOG_LEVEL

	ListenAddr string // LISTEN_ADDR — public HTTPS listener
	TLSCert    string // TLS_CERT_FILE
	TLSKey     string // TLS_KEY_FILE

	PrimaryUpstreamURL  string // PRIMARY_UPSTREAM_URL
	FallbackUpstreamURL string // FALLBACK_UPSTREAM_URL — optional

	BackgroundTaskInterval time.Duration // BACKGROUND_TASK_INTERVAL_SECONDS
	RateLimitPollInterval  time.Duration // RATE_LIMIT_POLL_INTERVAL_SECONDS

	OriginHourlyLimit int // ORIGIN_HOURLY_LIMIT
	IPHourlyLimit     int // IP_HOURLY_LIMIT
	OriginDailyLimit  int // ORIGIN_DAILY_LIMIT
	IPDailyLimit      int // IP_DAILY_LIMIT

	AdminAddr string // ADMIN_LISTEN_ADDR — separate internal listener
	AdminKey  string // ADMIN_API_KEY — may be a vault:// reference

	BlacklistFile string // BLACKLIST_FILE

	DatabaseDSN string // DATABASE_URL

	SlackWebhookURL string // ALERT_SLACK_WEBHOOK_URL — optional

	FailureThreshold int           // BREAKER_FAILURE_THRESHOLD
	ResetTimeout     time.Duration // BREAKER_RESET_TIMEOUT_SECONDS
	RequestTimeout   time.Duration // BREAKER_REQUEST_TIMEOUT_SECONDS
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Config) HasFallback() bool {
	return c.FallbackUpstreamURL != ""
}

// Load loads an optional .env file, then reads environment variables.
//
// Resolution order (last wins):
//  1. .env file (if present — not required)
//  2. Real environment variables (always override .env file)
//
// The .env file is searched in this order:
//  1. ENV_FILE env var (explicit path)
//  2. .env in the current working directory
//  3. ../.env (project root when running from a subdirectory)
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		AppEnv:   envOr("APP_ENV", "production"),
		LogLevel: strings.ToUpper(envOr("LOG_LEVEL", "INFO")),

		ListenAddr: envOr("LISTEN_ADDR", ":443"),
		TLSCert:    os.Getenv("TLS_CERT_FILE"),
		TLSKey:     os.Getenv("TLS_KEY_FILE"),

		PrimaryUpstreamURL:  os.Getenv("PRIMARY_UPSTREAM_URL"),
		FallbackUpstreamURL: os.Getenv("FALLBACK_UPSTREAM_URL"),

		BackgroundTaskInterval: envDurationSecondsOr("BACKGROUND_TASK_INTERVAL_SECONDS", 10*time.Second),
		RateLimitPollInterval:  envDurationSecondsOr("RATE_LIMIT_POLL_INTERVAL_SECONDS", 10*time.Second),

		OriginHourlyLimit: envIntOr("ORIGIN_HOURLY_LIMIT", 100000),
		IPHourlyLimit:     envIntOr("IP_HOURLY_LIMIT", 20000),
		OriginDailyLimit:  envIntOr("ORIGIN_DAILY_LIMIT", 1000000),
		IPDailyLimit:      envIntOr("IP_DAILY_LIMIT", 200000),

		AdminAddr: envOr("ADMIN_LISTEN_ADDR", ":9090"),
		AdminKey:  os.Getenv("ADMIN_API_KEY"),

		BlacklistFile: envOr("BLACKLIST_FILE", "blacklist.txt"),

		DatabaseDSN: os.Getenv("DATABASE_URL"),

		SlackWebhookURL: os.Getenv("ALERT_SLACK_WEBHOOK_URL"),

		FailureThreshold: envIntOr("BREAKER_FAILURE_THRESHOLD", 2),
		ResetTimeout:     envDurationSecondsOr("BREAKER_RESET_TIMEOUT_SECONDS", 60*time.Second),
		RequestTimeout:   envDurationSecondsOr("BREAKER_REQUEST_TIMEOUT_SECONDS", 10*time.Second),
	}

	cfg.AppEnv = strings.ToLower(strings.TrimSpace(cfg.AppEnv))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.AppEnv {
	case "production", "development", "test":
	default:
		return fmt.Errorf("APP_ENV must be production|development|test, got %q", c.AppEnv)
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("LOG_LEVEL must be DEBUG|INFO|WARN|ERROR, got %q", c.LogLevel)
	}
	if c.PrimaryUpstreamURL == "" {
		return fmt.Errorf("PRIMARY_UPSTREAM_URL is required")
	}
	if c.IsProduction() && (c.TLSCert == "" || c.TLSKey == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE are required in production")
	}
	return nil
}

// ── .env file loader ────────────────────────────────────────────────────
// Lightweight loader — no external dependencies. Sets env vars only if
// they are not already set (real env always wins).

func loadDotEnv() {
	candidates := []string{
		os.Getenv("ENV_FILE"),
		".env",
		"../.env",
	}

	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			if err := parseDotEnv(path); err != nil {
				log.Printf("warning: failed to parse %s: %v", path, err)
			} else {
				log.Printf("loaded env from %s", path)
			}
			return
		}
	}
}

func parseDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}

	return scanner.Err()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
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

func envDurationSecondsOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}
