// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/ziplineloader/zipline/lib/verify"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for a zipline loader process.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// CacheDir is the content-addressed cache directory.
	CacheDir string `yaml:"cache_dir"`

	// CacheMaxSize bounds the cache's unpinned content, as a
	// human-readable size ("512MB", "2GiB"). Pinned entries are never
	// evicted regardless of this bound.
	CacheMaxSize string `yaml:"cache_max_size"`

	// ConcurrentDownloads caps how many modules the receive engine
	// fetches in parallel.
	ConcurrentDownloads int `yaml:"concurrent_downloads"`

	// PollInterval is the continuous-load controller's rebounce
	// period, as a duration string ("30s").
	PollInterval string `yaml:"poll_interval"`

	// AllowInsecure permits loading manifests with signature
	// verification disabled. It is one of two independent opt-ins
	// required — see lib/verify.Options.InsecureSkipVerify for the
	// other. Defaults to true; in Production it is forced to false
	// unless the production override section sets it.
	AllowInsecure bool `yaml:"allow_insecure"`

	// EmbeddedBundleEnabled controls whether the loader's embedded
	// fetcher tier is consulted before cache and network.
	EmbeddedBundleEnabled bool `yaml:"embedded_bundle_enabled"`

	// TrustedKeys maps a signature key name to its hex-encoded Ed25519
	// public key, inlined directly in this file.
	TrustedKeys map[string]string `yaml:"trusted_keys"`

	// TrustedKeysFile, if set, names a JSONC side file holding the
	// same name-to-hex-key shape, for teams that want trusted keys
	// tracked and commented independently of the rest of the config.
	// Entries here are merged underneath TrustedKeys: an inline key of
	// the same name wins.
	TrustedKeysFile string `yaml:"trusted_keys_file"`

	// EnvironmentOverrides contains per-environment overrides. These
	// are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	AllowInsecure       *bool `yaml:"allow_insecure,omitempty"`
	ConcurrentDownloads *int  `yaml:"concurrent_downloads,omitempty"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback - the
// config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Environment:           Development,
		CacheDir:              filepath.Join(homeDir, ".cache", "zipline"),
		CacheMaxSize:          "512MB",
		ConcurrentDownloads:   3,
		PollInterval:          "30s",
		AllowInsecure:         true,
		EmbeddedBundleEnabled: true,
	}
}

// Load loads configuration from the ZIPLINE_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks or defaults - if ZIPLINE_CONFIG is not
// set, this fails. This ensures deterministic, auditable configuration
// with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("ZIPLINE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("ZIPLINE_CONFIG environment variable not set; " +
			"set it to the path of your zipline.yaml config file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values, other than the ${VAR}
// expansion performed on CacheDir and TrustedKeysFile for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production default: insecure loading is never allowed
		// unless a config author explicitly overrides it back on.
		if overrides == nil {
			disallow := false
			overrides = &ConfigOverrides{AllowInsecure: &disallow}
		}
	}

	if overrides == nil {
		return
	}
	if overrides.AllowInsecure != nil {
		c.AllowInsecure = *overrides.AllowInsecure
	}
	if overrides.ConcurrentDownloads != nil {
		c.ConcurrentDownloads = *overrides.ConcurrentDownloads
	}
}

func (c *Config) expandVariables() {
	homeDir, _ := os.UserHomeDir()
	vars := map[string]string{"HOME": homeDir}

	c.CacheDir = expandVars(c.CacheDir, vars)
	c.TrustedKeysFile = expandVars(c.TrustedKeysFile, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// ParsedPollInterval parses PollInterval as a time.Duration.
func (c *Config) ParsedPollInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("poll_interval %q: %w", c.PollInterval, err)
	}
	return d, nil
}

// ParsedCacheMaxSize parses CacheMaxSize as a byte count.
func (c *Config) ParsedCacheMaxSize() (int64, error) {
	n, err := humanize.ParseBytes(c.CacheMaxSize)
	if err != nil {
		return 0, fmt.Errorf("cache_max_size %q: %w", c.CacheMaxSize, err)
	}
	return int64(n), nil
}

// TrustedKeySet resolves TrustedKeys and TrustedKeysFile into a
// verify.KeySet, hex-decoding every public key. Inline TrustedKeys
// entries take precedence over same-named entries from
// TrustedKeysFile.
func (c *Config) TrustedKeySet() (verify.KeySet, error) {
	merged := make(map[string]string)

	if c.TrustedKeysFile != "" {
		raw, err := os.ReadFile(c.TrustedKeysFile)
		if err != nil {
			return nil, fmt.Errorf("reading trusted keys file %s: %w", c.TrustedKeysFile, err)
		}
		var fromFile map[string]string
		if err := json.Unmarshal(jsonc.ToJSON(raw), &fromFile); err != nil {
			return nil, fmt.Errorf("parsing trusted keys file %s: %w", c.TrustedKeysFile, err)
		}
		for name, key := range fromFile {
			merged[name] = key
		}
	}
	for name, key := range c.TrustedKeys {
		merged[name] = key
	}

	keys := make(verify.KeySet, len(merged))
	for name, hexKey := range merged {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("trusted key %q is not valid hex: %w", name, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %q has length %d, want %d", name, len(raw), ed25519.PublicKeySize)
		}
		keys[name] = ed25519.PublicKey(raw)
	}
	return keys, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.CacheDir == "" {
		errs = append(errs, errors.New("cache_dir is required"))
	}
	if _, err := c.ParsedCacheMaxSize(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ParsedPollInterval(); err != nil {
		errs = append(errs, err)
	}
	if c.ConcurrentDownloads <= 0 {
		errs = append(errs, fmt.Errorf("concurrent_downloads must be positive, got %d", c.ConcurrentDownloads))
	}
	if !c.AllowInsecure && len(c.TrustedKeys) == 0 && c.TrustedKeysFile == "" {
		errs = append(errs, errors.New("no trusted_keys or trusted_keys_file configured, and allow_insecure is false"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureCacheDir creates the configured cache directory if it doesn't
// exist.
func (c *Config) EnsureCacheDir() error {
	if err := os.MkdirAll(c.CacheDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", c.CacheDir, err)
	}
	return nil
}
