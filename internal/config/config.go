// Package config loads entitlementsd settings from the environment.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all configuration for the entitlement service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	Store       string
	DatabaseURL string

	PlansFile  string
	WatchPlans bool

	TrialDuration  time.Duration
	PastDueGrace   time.Duration
	BillingTimeout time.Duration

	AdminKey            string
	StripeWebhookSecret string
	StripeAPIKey        string

	TrustedProxies []netip.Prefix

	RedisAddr       string
	RedisPassword   string
	RenewalSchedule string

	LogLevel  string
	LogFormat string
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// SQLiteDir returns the directory holding the sqlite database.
func (c *Config) SQLiteDir() string {
	return filepath.Join(c.DataDir, "entitlements")
}

// Load reads configuration from environment variables. A .env file is
// loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate entitlements config: %w", err)
	}
	return cfg, nil
}

func fromEnv() (*Config, error) {
	var problems []string
	collect := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	port, err := envOrDefaultInt("ENTITLEMENTS_PORT", 8480)
	collect(err)
	trialDays, err := envOrDefaultInt("ENTITLEMENTS_TRIAL_DAYS", 7)
	collect(err)
	grace, err := envOrDefaultDuration("ENTITLEMENTS_PAST_DUE_GRACE", 14*24*time.Hour)
	collect(err)
	billingTimeout, err := envOrDefaultDuration("ENTITLEMENTS_BILLING_TIMEOUT", 2*time.Second)
	collect(err)
	watchPlans, err := envOrDefaultBool("ENTITLEMENTS_WATCH_PLANS", false)
	collect(err)
	proxies, err := parsePrefixes("ENTITLEMENTS_TRUSTED_PROXIES")
	collect(err)
	if len(problems) > 0 {
		return nil, fmt.Errorf("parse entitlements config: %s", strings.Join(problems, "; "))
	}

	return &Config{
		DataDir:             envOrDefault("ENTITLEMENTS_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("ENTITLEMENTS_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		Store:               strings.ToLower(envOrDefault("ENTITLEMENTS_STORE", StoreSQLite)),
		DatabaseURL:         strings.TrimSpace(os.Getenv("ENTITLEMENTS_DATABASE_URL")),
		PlansFile:           strings.TrimSpace(os.Getenv("ENTITLEMENTS_PLANS_FILE")),
		WatchPlans:          watchPlans,
		TrialDuration:       time.Duration(trialDays) * 24 * time.Hour,
		PastDueGrace:        grace,
		BillingTimeout:      billingTimeout,
		AdminKey:            strings.TrimSpace(os.Getenv("ENTITLEMENTS_ADMIN_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		TrustedProxies:      proxies,
		RedisAddr:           strings.TrimSpace(os.Getenv("ENTITLEMENTS_REDIS_ADDR")),
		RedisPassword:       os.Getenv("ENTITLEMENTS_REDIS_PASSWORD"),
		RenewalSchedule:     envOrDefault("ENTITLEMENTS_RENEWAL_SCHEDULE", "@every 15m"),
		LogLevel:            envOrDefault("ENTITLEMENTS_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("ENTITLEMENTS_LOG_FORMAT", "auto"),
	}, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("ENTITLEMENTS_PORT must be between 1 and 65535, got %d", c.Port))
	}
	switch c.Store {
	case StoreSQLite:
		if strings.TrimSpace(c.DataDir) == "" {
			problems = append(problems, "ENTITLEMENTS_DATA_DIR is required for the sqlite store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, "ENTITLEMENTS_DATABASE_URL is required for the postgres store")
		}
	case StoreMemory:
	default:
		problems = append(problems, fmt.Sprintf("ENTITLEMENTS_STORE must be one of sqlite, postgres, memory, got %q", c.Store))
	}
	if c.WatchPlans && c.PlansFile == "" {
		problems = append(problems, "ENTITLEMENTS_WATCH_PLANS requires ENTITLEMENTS_PLANS_FILE")
	}
	if c.TrialDuration < 0 {
		problems = append(problems, "ENTITLEMENTS_TRIAL_DAYS must not be negative")
	}
	if c.PastDueGrace < 0 {
		problems = append(problems, "ENTITLEMENTS_PAST_DUE_GRACE must not be negative")
	}
	if c.BillingTimeout <= 0 {
		problems = append(problems, "ENTITLEMENTS_BILLING_TIMEOUT must be greater than 0")
	}
	if _, err := cron.ParseStandard(c.RenewalSchedule); err != nil {
		problems = append(problems, fmt.Sprintf("ENTITLEMENTS_RENEWAL_SCHEDULE is invalid: %v", err))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be true or false: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

// parsePrefixes reads a comma-separated list of CIDRs or bare addresses.
func parsePrefixes(key string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				return nil, fmt.Errorf("%s must list IP addresses or CIDRs: %w", key, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, fmt.Errorf("%s must list IP addresses or CIDRs: %w", key, err)
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}
