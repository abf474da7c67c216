package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var configEnvKeys = []string{
	"ENTITLEMENTS_BIND_ADDRESS", "ENTITLEMENTS_PORT", "ENTITLEMENTS_DATA_DIR",
	"ENTITLEMENTS_STORE", "ENTITLEMENTS_DATABASE_URL", "ENTITLEMENTS_PLANS_FILE",
	"ENTITLEMENTS_WATCH_PLANS", "ENTITLEMENTS_TRIAL_DAYS", "ENTITLEMENTS_PAST_DUE_GRACE",
	"ENTITLEMENTS_ADMIN_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_API_KEY",
	"ENTITLEMENTS_BILLING_TIMEOUT", "ENTITLEMENTS_REDIS_ADDR", "ENTITLEMENTS_REDIS_PASSWORD",
	"ENTITLEMENTS_RENEWAL_SCHEDULE", "ENTITLEMENTS_LOG_LEVEL", "ENTITLEMENTS_LOG_FORMAT",
	"ENTITLEMENTS_TRUSTED_PROXIES",
}

// isolateEnv clears config variables and moves to an empty directory so a
// developer's .env cannot leak into the test.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8480 {
		t.Errorf("Port = %d, want 8480", cfg.Port)
	}
	if cfg.Store != StoreSQLite {
		t.Errorf("Store = %q, want sqlite", cfg.Store)
	}
	if cfg.TrialDuration != 7*24*time.Hour {
		t.Errorf("TrialDuration = %s", cfg.TrialDuration)
	}
	if cfg.PastDueGrace != 336*time.Hour {
		t.Errorf("PastDueGrace = %s", cfg.PastDueGrace)
	}
	if cfg.BillingTimeout != 2*time.Second {
		t.Errorf("BillingTimeout = %s", cfg.BillingTimeout)
	}
	if cfg.RenewalSchedule != "@every 15m" {
		t.Errorf("RenewalSchedule = %q", cfg.RenewalSchedule)
	}
	if got := cfg.ListenAddr(); got != "0.0.0.0:8480" {
		t.Errorf("ListenAddr = %q", got)
	}
	if got := cfg.SQLiteDir(); got != filepath.Join("/data", "entitlements") {
		t.Errorf("SQLiteDir = %q", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ENTITLEMENTS_PORT", "9000")
	t.Setenv("ENTITLEMENTS_STORE", "Postgres")
	t.Setenv("ENTITLEMENTS_DATABASE_URL", "postgres://localhost/entitlements")
	t.Setenv("ENTITLEMENTS_TRIAL_DAYS", "14")
	t.Setenv("ENTITLEMENTS_PAST_DUE_GRACE", "72h")
	t.Setenv("ENTITLEMENTS_PLANS_FILE", "/etc/plans.yaml")
	t.Setenv("ENTITLEMENTS_WATCH_PLANS", "true")
	t.Setenv("STRIPE_WEBHOOK_SECRET", " whsec_123 ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 || cfg.Store != StorePostgres {
		t.Errorf("got port %d store %q", cfg.Port, cfg.Store)
	}
	if cfg.TrialDuration != 14*24*time.Hour || cfg.PastDueGrace != 72*time.Hour {
		t.Errorf("got trial %s grace %s", cfg.TrialDuration, cfg.PastDueGrace)
	}
	if !cfg.WatchPlans {
		t.Error("WatchPlans = false")
	}
	if cfg.StripeWebhookSecret != "whsec_123" {
		t.Errorf("StripeWebhookSecret = %q", cfg.StripeWebhookSecret)
	}
}

func TestLoadFromDotEnv(t *testing.T) {
	isolateEnv(t)
	os.Unsetenv("ENTITLEMENTS_PORT")
	if err := os.WriteFile(".env", []byte("ENTITLEMENTS_PORT=8123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8123 {
		t.Errorf("Port = %d, want 8123 from .env", cfg.Port)
	}
}

func TestLoadParseErrors(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ENTITLEMENTS_PORT", "eighty")
	t.Setenv("ENTITLEMENTS_PAST_DUE_GRACE", "two weeks")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"ENTITLEMENTS_PORT", "ENTITLEMENTS_PAST_DUE_GRACE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadTrustedProxies(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ENTITLEMENTS_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.7 ,fd00::1/64")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.0.2.7/32", "fd00::/64"}
	if len(cfg.TrustedProxies) != len(want) {
		t.Fatalf("TrustedProxies = %v, want %v", cfg.TrustedProxies, want)
	}
	for i, p := range cfg.TrustedProxies {
		if p.String() != want[i] {
			t.Errorf("TrustedProxies[%d] = %s, want %s", i, p, want[i])
		}
	}

	t.Setenv("ENTITLEMENTS_TRUSTED_PROXIES", "10.0.0.0/8,proxy.internal")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "ENTITLEMENTS_TRUSTED_PROXIES") {
		t.Fatalf("expected ENTITLEMENTS_TRUSTED_PROXIES error, got %v", err)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := &Config{
		Port:            0,
		Store:           StorePostgres,
		WatchPlans:      true,
		BillingTimeout:  0,
		RenewalSchedule: "whenever",
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{
		"ENTITLEMENTS_PORT",
		"ENTITLEMENTS_DATABASE_URL",
		"ENTITLEMENTS_WATCH_PLANS",
		"ENTITLEMENTS_BILLING_TIMEOUT",
		"ENTITLEMENTS_RENEWAL_SCHEDULE",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateStore(t *testing.T) {
	tests := []struct {
		store   string
		wantErr bool
	}{
		{StoreSQLite, false},
		{StoreMemory, false},
		{"mongo", true},
	}
	for _, tt := range tests {
		t.Run(tt.store, func(t *testing.T) {
			cfg := &Config{Port: 8480, Store: tt.store, DataDir: "/data", BillingTimeout: time.Second, RenewalSchedule: "@every 15m"}
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
