package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/pts/internal/forge"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("fqdn: pts.example.org\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("fqdn: pts.example.org\n"), 0600)

	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{path}
	}
	defer func() { searchPathsFunc = orig }()

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, path)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("fqdn: pts.example.org\nredis:\n  password: ${PTS_TEST_REDIS_PASSWORD}\n"), 0600)
	os.Setenv("PTS_TEST_REDIS_PASSWORD", "secret123")
	defer os.Unsetenv("PTS_TEST_REDIS_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Redis.Password != "secret123" {
		t.Errorf("redis.password = %q, want %q", cfg.Redis.Password, "secret123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("fqdn: pts.example.org\nsmtp:\n  password: s3cr3t\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.SMTP.Password != "s3cr3t" {
		t.Errorf("smtp.password = %q, want %q", cfg.SMTP.Password, "s3cr3t")
	}
}

func TestLoad_MissingFQDN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("control_address: control\n"), 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error when fqdn is unset")
	}
	if !strings.Contains(err.Error(), "fqdn") {
		t.Errorf("error should mention fqdn, got: %v", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config should validate, got: %v", err)
	}
	if !cfg.Configured() {
		t.Error("Default() config should report Configured() true")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{FQDN: "pts.example.org"}
	cfg.applyDefaults()

	if cfg.ControlAddress != "control" {
		t.Errorf("ControlAddress = %q, want %q", cfg.ControlAddress, "control")
	}
	if cfg.Vendor.Name != "none" {
		t.Errorf("Vendor.Name = %q, want %q", cfg.Vendor.Name, "none")
	}
	if cfg.SMTP.Port != 587 {
		t.Errorf("SMTP.Port = %d, want 587", cfg.SMTP.Port)
	}
	if cfg.StorageDir != "./data" {
		t.Errorf("StorageDir = %q, want %q", cfg.StorageDir, "./data")
	}
	if cfg.Feeds.PollInterval != 30*time.Minute {
		t.Errorf("Feeds.PollInterval = %v, want 30m", cfg.Feeds.PollInterval)
	}
	if cfg.Redis.Address != "localhost:6379" {
		t.Errorf("Redis.Address = %q, want %q", cfg.Redis.Address, "localhost:6379")
	}
	if cfg.Bounce.WindowDays != 7 {
		t.Errorf("Bounce.WindowDays = %d, want 7", cfg.Bounce.WindowDays)
	}
	if cfg.Bounce.MinSent != 5 {
		t.Errorf("Bounce.MinSent = %d, want 5", cfg.Bounce.MinSent)
	}
	if cfg.Bounce.Ratio != 0.5 {
		t.Errorf("Bounce.Ratio = %v, want 0.5", cfg.Bounce.Ratio)
	}
	if cfg.Bounce.DeletePolicy == nil || !*cfg.Bounce.DeletePolicy {
		t.Errorf("Bounce.DeletePolicy default should resolve to true, got %v", cfg.Bounce.DeletePolicy)
	}
	if cfg.Confirm.TTL != 48*time.Hour {
		t.Errorf("Confirm.TTL = %v, want 48h", cfg.Confirm.TTL)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
}

func TestApplyDefaults_FeedWatchKeyword(t *testing.T) {
	cfg := &Config{
		FQDN: "pts.example.org",
		Feeds: FeedsConfig{
			Watches: []FeedWatch{{Package: "foo", URL: "https://example.org/foo.atom"}},
		},
	}
	cfg.applyDefaults()

	if cfg.Feeds.Watches[0].Keyword != "news" {
		t.Errorf("Watches[0].Keyword = %q, want %q", cfg.Feeds.Watches[0].Keyword, "news")
	}
}

func TestApplyDefaults_DeletePolicyExplicitFalse(t *testing.T) {
	deactivate := false
	cfg := &Config{FQDN: "pts.example.org", Bounce: BounceConfig{DeletePolicy: &deactivate}}
	cfg.applyDefaults()

	if cfg.Bounce.DeletePolicy == nil || *cfg.Bounce.DeletePolicy {
		t.Errorf("explicit delete_policy: false should be preserved, got %v", cfg.Bounce.DeletePolicy)
	}
}

func TestApplyDefaults_DeletePolicyExplicitTrue(t *testing.T) {
	activate := true
	cfg := &Config{FQDN: "pts.example.org", Bounce: BounceConfig{DeletePolicy: &activate}}
	cfg.applyDefaults()

	if cfg.Bounce.DeletePolicy == nil || !*cfg.Bounce.DeletePolicy {
		t.Errorf("explicit delete_policy: true should be preserved, got %v", cfg.Bounce.DeletePolicy)
	}
}

func TestValidate_UnknownVendor(t *testing.T) {
	cfg := Default()
	cfg.Vendor.Name = "ubuntu"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for unregistered vendor")
	}
	if !strings.Contains(err.Error(), "vendor.name") {
		t.Errorf("error should mention vendor.name, got: %v", err)
	}
}

func TestValidate_SMTPPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.SMTP.Port = 70000

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for smtp.port out of range")
	}
	if !strings.Contains(err.Error(), "smtp.port") {
		t.Errorf("error should mention smtp.port, got: %v", err)
	}
}

func TestValidate_BounceRatioOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		ratio float64
	}{
		{"zero", 0},
		{"negative", -0.1},
		{"above one", 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Bounce.Ratio = tt.ratio

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error for bounce.ratio = %v", tt.ratio)
			}
			if !strings.Contains(err.Error(), "bounce.ratio") {
				t.Errorf("error should mention bounce.ratio, got: %v", err)
			}
		})
	}
}

func TestValidate_WebPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Web.Port = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for web.port out of range")
	}
	if !strings.Contains(err.Error(), "web.port") {
		t.Errorf("error should mention web.port, got: %v", err)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidate_GoodLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error for valid log level: %v", err)
	}
}

func TestValidate_InvalidForgeConfigPropagates(t *testing.T) {
	cfg := Default()
	cfg.Forge.Accounts = []forge.AccountConfig{
		{Name: "bad", Provider: "sourcehut", Token: "tok"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid forge account to propagate")
	}
	if !strings.Contains(err.Error(), "forge:") {
		t.Errorf("error should be wrapped with \"forge:\" prefix, got: %v", err)
	}
}

func TestBounceConfig_Policy(t *testing.T) {
	cfg := Default()
	cfg.applyDefaults()

	policy := cfg.Bounce.Policy()
	if policy.WindowDays != 7 || policy.MinSent != 5 || policy.Ratio != 0.5 || !policy.DeletePolicy {
		t.Errorf("Policy() = %+v, want {7 5 0.5 true}", policy)
	}
}

func TestBounceConfig_PolicyDeactivate(t *testing.T) {
	deactivate := false
	bc := BounceConfig{WindowDays: 3, MinSent: 2, Ratio: 0.25, DeletePolicy: &deactivate}

	policy := bc.Policy()
	if policy.DeletePolicy {
		t.Error("Policy() DeletePolicy should be false when explicitly disabled")
	}
}

func TestSMTPConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  SMTPConfig
		want bool
	}{
		{"host set", SMTPConfig{Host: "smtp.example.org"}, true},
		{"no host", SMTPConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}
