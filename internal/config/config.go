// Package config handles daemon configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/pts/internal/bounce"
	"github.com/nugget/pts/internal/email"
	"github.com/nugget/pts/internal/forge"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/pts/config.yaml, /config/config.yaml,
// /etc/pts/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pts", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/pts/config.yaml")
	return paths
}

// searchPathsFunc is overridden in tests to avoid matching real config
// files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all daemon configuration shared across the cmd/dispatch,
// cmd/control, cmd/taskrunner, cmd/mailpump, and cmd/statusweb binaries.
// Each binary reads only the sections it needs.
type Config struct {
	// FQDN is the domain this deployment answers for: the right-hand
	// side of every generated package address, X-Loop header, and VERP
	// return path.
	FQDN string `yaml:"fqdn"`

	// ControlAddress is the local-part (before @FQDN) that receives
	// control-command email, e.g. "control" for control@example.org.
	ControlAddress string `yaml:"control_address"`

	Vendor  VendorConfig  `yaml:"vendor"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	Email   email.Config  `yaml:"email"`
	Forge    forge.Config   `yaml:"forge"`
	Feeds    FeedsConfig    `yaml:"feeds"`
	Releases ReleasesConfig `yaml:"releases"`
	Redis   RedisConfig   `yaml:"redis"`
	Bounce  BounceConfig  `yaml:"bounce"`
	Confirm ConfirmConfig `yaml:"confirm"`
	Web     WebConfig     `yaml:"web"`

	StorageDir string `yaml:"storage_dir"`
	LogLevel   string `yaml:"log_level"`
}

// VendorConfig selects which vendor hook table dispatch and control use
// for package-specific keyword inference, header decoration, and
// pseudo-package handling.
type VendorConfig struct {
	// Name selects a registered vendor: "none" or "debian". Defaults
	// to "none".
	Name string `yaml:"name"`
}

// SMTPConfig describes the outbound relay dispatch, control, and bounce
// send through.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	StartTLS bool   `yaml:"starttls"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configured reports whether enough SMTP settings are present to dial out.
func (c SMTPConfig) Configured() bool {
	return c.Host != ""
}

// FeedsConfig configures the RSS/Atom watch list polled by pkgtasks.
type FeedsConfig struct {
	// Watches lists the feeds to poll, each tied to the package whose
	// subscribers should be notified when a new entry appears.
	Watches []FeedWatch `yaml:"watches"`

	// PollInterval is how often each feed is checked. Defaults to 30m.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// FeedWatch ties one feed URL to the package it reports on.
type FeedWatch struct {
	Package string `yaml:"package"`
	URL     string `yaml:"url"`
	Keyword string `yaml:"keyword"` // default: "news"
}

// ReleasesConfig configures the GitHub release watch list polled by
// internal/pkgtasks's ghreleases task.
type ReleasesConfig struct {
	// Watches lists the upstream repositories to poll for new releases.
	Watches []ReleaseWatch `yaml:"watches"`

	// PollInterval is how often each repository is checked. Defaults to 1h.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ReleaseWatch ties one upstream forge repository to the package whose
// subscribers should be notified when a new release is published.
type ReleaseWatch struct {
	Package string `yaml:"package"`

	// Account names the forge.AccountConfig that authenticates the poll.
	Account string `yaml:"account"`

	// Repo is "owner/repo", or a bare repo name resolved against the
	// account's configured Owner.
	Repo string `yaml:"repo"`

	Keyword string `yaml:"keyword"` // default: "upstream"
}

// RedisConfig points at the Redis instance backing confirmation tokens.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BounceConfig configures the auto-unsubscribe threshold policy.
type BounceConfig struct {
	// WindowDays is how far back bounce/sent history is summed when
	// evaluating the threshold. Defaults to 7.
	WindowDays int `yaml:"window_days"`

	// MinSent is the minimum number of sends in the window before the
	// ratio is even considered — protects a subscriber who has simply
	// not received much mail yet. Defaults to 5.
	MinSent int `yaml:"min_sent"`

	// Ratio is the bounced/sent fraction that triggers auto-unsubscribe.
	// Defaults to 0.5.
	Ratio float64 `yaml:"ratio"`

	// DeletePolicy controls whether a triggered subscriber's
	// subscriptions are deleted (true) or merely deactivated (false).
	// A pointer so an absent YAML key can be told apart from an
	// explicit "false"; defaults to true (delete).
	DeletePolicy *bool `yaml:"delete_policy"`
}

// deletePolicyOrDefault returns the effective delete-vs-deactivate
// policy, defaulting to true (delete) when unset.
func (c BounceConfig) deletePolicyOrDefault() bool {
	if c.DeletePolicy == nil {
		return true
	}
	return *c.DeletePolicy
}

// Policy converts the YAML-facing BounceConfig into the bounce.Policy
// the bounce engine evaluates against. Call after applyDefaults has run
// so DeletePolicy is never nil.
func (c BounceConfig) Policy() bounce.Policy {
	return bounce.Policy{
		WindowDays:   c.WindowDays,
		MinSent:      c.MinSent,
		Ratio:        c.Ratio,
		DeletePolicy: c.deletePolicyOrDefault(),
	}
}

// ConfirmConfig configures the confirmation-token flow for actions that
// require opt-in (e.g. joining a private team).
type ConfirmConfig struct {
	// TTL is how long an issued confirmation token remains redeemable.
	// Defaults to 48h.
	TTL time.Duration `yaml:"ttl"`
}

// WebConfig configures the status dashboard server.
type WebConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Configured reports whether the deployment FQDN has been set.
func (c Config) Configured() bool {
	return c.FQDN != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${REDIS_PASSWORD}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.ControlAddress == "" {
		c.ControlAddress = "control"
	}
	if c.Vendor.Name == "" {
		c.Vendor.Name = "none"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.StorageDir == "" {
		c.StorageDir = "./data"
	}
	if c.Feeds.PollInterval == 0 {
		c.Feeds.PollInterval = 30 * time.Minute
	}
	for i := range c.Feeds.Watches {
		if c.Feeds.Watches[i].Keyword == "" {
			c.Feeds.Watches[i].Keyword = "news"
		}
	}
	if c.Releases.PollInterval == 0 {
		c.Releases.PollInterval = time.Hour
	}
	for i := range c.Releases.Watches {
		if c.Releases.Watches[i].Keyword == "" {
			c.Releases.Watches[i].Keyword = "upstream"
		}
	}
	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.Bounce.WindowDays == 0 {
		c.Bounce.WindowDays = 7
	}
	if c.Bounce.MinSent == 0 {
		c.Bounce.MinSent = 5
	}
	if c.Bounce.Ratio == 0 {
		c.Bounce.Ratio = 0.5
	}
	resolved := c.Bounce.deletePolicyOrDefault()
	c.Bounce.DeletePolicy = &resolved
	if c.Confirm.TTL == 0 {
		c.Confirm.TTL = 48 * time.Hour
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}

	c.Forge.ApplyDefaults()
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.FQDN == "" {
		return fmt.Errorf("fqdn must be set")
	}
	if c.Vendor.Name != "none" && c.Vendor.Name != "debian" {
		return fmt.Errorf("vendor.name %q is not a registered vendor", c.Vendor.Name)
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("smtp.port %d out of range (1-65535)", c.SMTP.Port)
	}
	if c.Bounce.Ratio <= 0 || c.Bounce.Ratio > 1 {
		return fmt.Errorf("bounce.ratio %f out of range (0,1]", c.Bounce.Ratio)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port %d out of range (1-65535)", c.Web.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if err := c.Forge.Validate(); err != nil {
		return fmt.Errorf("forge: %w", err)
	}
	accounts := make(map[string]bool, len(c.Forge.Accounts))
	for _, a := range c.Forge.Accounts {
		accounts[a.Name] = true
	}
	for i, w := range c.Releases.Watches {
		if w.Package == "" {
			return fmt.Errorf("releases.watches[%d].package must not be empty", i)
		}
		if w.Repo == "" {
			return fmt.Errorf("releases.watches[%d] (%s): repo must not be empty", i, w.Package)
		}
		if !accounts[w.Account] {
			return fmt.Errorf("releases.watches[%d] (%s): account %q is not configured under forge.accounts", i, w.Package, w.Account)
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development
// against a throwaway FQDN. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		FQDN: "pts.example.org",
	}
	cfg.applyDefaults()
	return cfg
}
