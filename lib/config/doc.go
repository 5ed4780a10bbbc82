// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the zipline
// loader.
//
// Configuration is loaded from a single file specified by either the
// ZIPLINE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// Trusted signing keys may be inlined in the config file or loaded
// from a separate JSONC side file (comments allowed, for documenting
// which team owns which key) referenced by TrustedKeysFile.
//
// Key exports:
//
//   - [Config] -- master struct with Cache, Fetch, and Verify settings
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other zipline package except lib/verify,
// for the KeySet type trusted keys are resolved into.
package config
