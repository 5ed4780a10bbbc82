// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.ConcurrentDownloads != 3 {
		t.Errorf("expected concurrent_downloads=3, got %d", cfg.ConcurrentDownloads)
	}
	if !cfg.AllowInsecure {
		t.Error("expected allow_insecure=true for development")
	}
	if !cfg.EmbeddedBundleEnabled {
		t.Error("expected embedded_bundle_enabled=true by default")
	}
}

func TestLoadRequiresZiplineConfig(t *testing.T) {
	origConfig := os.Getenv("ZIPLINE_CONFIG")
	defer os.Setenv("ZIPLINE_CONFIG", origConfig)
	os.Unsetenv("ZIPLINE_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when ZIPLINE_CONFIG not set, got nil")
	}
}

func TestLoadFileAppliesOverridesAndExpansion(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "zipline.yaml")

	configContent := `
environment: production
cache_dir: ${HOME}/zipline-cache
cache_max_size: 256MB
concurrent_downloads: 8
poll_interval: 15s
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Environment != Production {
		t.Errorf("Environment = %s, want production", cfg.Environment)
	}
	// Production forces AllowInsecure false when the file doesn't say otherwise.
	if cfg.AllowInsecure {
		t.Error("expected allow_insecure=false in production by default")
	}
	home, _ := os.UserHomeDir()
	if want := filepath.Join(home, "zipline-cache"); cfg.CacheDir != want {
		t.Errorf("CacheDir = %q, want %q", cfg.CacheDir, want)
	}
	if cfg.ConcurrentDownloads != 8 {
		t.Errorf("ConcurrentDownloads = %d, want 8", cfg.ConcurrentDownloads)
	}
}

func TestLoadFileProductionOverrideCanReenableInsecure(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "zipline.yaml")

	configContent := `
environment: production
production:
  allow_insecure: true
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !cfg.AllowInsecure {
		t.Error("explicit production override should re-enable allow_insecure")
	}
}

func TestParsedPollIntervalAndCacheMaxSize(t *testing.T) {
	cfg := Default()
	cfg.PollInterval = "45s"
	cfg.CacheMaxSize = "1GB"

	interval, err := cfg.ParsedPollInterval()
	if err != nil {
		t.Fatalf("ParsedPollInterval: %v", err)
	}
	if interval.Seconds() != 45 {
		t.Errorf("interval = %v, want 45s", interval)
	}

	size, err := cfg.ParsedCacheMaxSize()
	if err != nil {
		t.Fatalf("ParsedCacheMaxSize: %v", err)
	}
	if size != 1_000_000_000 {
		t.Errorf("size = %d, want 1_000_000_000", size)
	}
}

func TestParsedPollIntervalRejectsGarbage(t *testing.T) {
	cfg := Default()
	cfg.PollInterval = "not-a-duration"
	if _, err := cfg.ParsedPollInterval(); err == nil {
		t.Fatal("expected error for invalid poll_interval")
	}
}

func TestTrustedKeySetMergesInlineAndFile(t *testing.T) {
	filePub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	inlinePub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	overriddenPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	tmpDir := t.TempDir()
	keysPath := filepath.Join(tmpDir, "trusted-keys.jsonc")
	keysContent := `{
		// team-platform's release-signing key
		"team-platform": "` + hex.EncodeToString(filePub) + `",
		"team-checkout": "` + hex.EncodeToString(overriddenPub) + `",
	}`
	if err := os.WriteFile(keysPath, []byte(keysContent), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := Default()
	cfg.TrustedKeysFile = keysPath
	cfg.TrustedKeys = map[string]string{
		"team-checkout": hex.EncodeToString(inlinePub),
	}

	keys, err := cfg.TrustedKeySet()
	if err != nil {
		t.Fatalf("TrustedKeySet: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("len(keys) = %d, want 2", len(keys))
	}
	if !keys["team-platform"].Equal(filePub) {
		t.Error("team-platform key should come from the JSONC file")
	}
	if !keys["team-checkout"].Equal(inlinePub) {
		t.Error("inline team-checkout key should win over the file's entry")
	}
}

func TestTrustedKeySetRejectsBadHex(t *testing.T) {
	cfg := Default()
	cfg.TrustedKeys = map[string]string{"bad": "not-hex!!"}
	if _, err := cfg.TrustedKeySet(); err == nil {
		t.Fatal("expected error for non-hex trusted key")
	}
}

func TestValidateRequiresTrustedKeysUnlessInsecure(t *testing.T) {
	cfg := Default()
	cfg.AllowInsecure = false
	cfg.TrustedKeys = nil
	cfg.TrustedKeysFile = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error with no trusted keys and allow_insecure=false")
	}

	cfg.AllowInsecure = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejectsBadConcurrency(t *testing.T) {
	cfg := Default()
	cfg.ConcurrentDownloads = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for concurrent_downloads=0")
	}
}
