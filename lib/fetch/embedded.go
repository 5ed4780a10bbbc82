// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/ziplineloader/zipline/lib/contenthash"
	"github.com/ziplineloader/zipline/lib/manifest"
)

// EmbeddedFetcher reads modules and (optionally) a manifest from a
// read-only filesystem, such as a Go embed.FS baked into the loader
// binary. It never writes and it is always first in a module chain:
// a module already shipped with the binary needs no network round
// trip at all.
//
// Lookup is by the hex of the expected SHA-256, under ModulesDir, and
// the hash is still verified after reading — a bundled file is not
// exempt from integrity checking.
type EmbeddedFetcher struct {
	FS            fs.FS
	ModulesDir    string
	ManifestPath  string
	ApplicationID string
	Logger        *slog.Logger
}

// NewEmbeddedFetcher constructs an EmbeddedFetcher. logger may be nil.
func NewEmbeddedFetcher(fsys fs.FS, modulesDir, manifestPath, applicationID string, logger *slog.Logger) *EmbeddedFetcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EmbeddedFetcher{FS: fsys, ModulesDir: modulesDir, ManifestPath: manifestPath, ApplicationID: applicationID, Logger: logger}
}

func (e *EmbeddedFetcher) Fetch(ctx context.Context, sem *semaphore.Weighted, applicationName, id string, sha256 contenthash.Hash, moduleURL string) ([]byte, bool, error) {
	if e.FS == nil || e.ModulesDir == "" {
		return nil, false, nil
	}
	path := e.ModulesDir + "/" + sha256.String()
	data, err := fs.ReadFile(e.FS, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading embedded module %s: %w", path, err)
	}
	if contenthash.Sum(data) != sha256 {
		return nil, false, fmt.Errorf("embedded module %s does not match declared hash %s", path, sha256)
	}
	e.Logger.Debug("embedded fetcher hit", "id", id, "hash", sha256.String())
	return data, true, nil
}

func (e *EmbeddedFetcher) FetchManifest(ctx context.Context, applicationName, manifestURL string) ([]byte, *manifest.Manifest, bool, error) {
	if e.FS == nil || e.ManifestPath == "" || applicationName != e.ApplicationID {
		return nil, nil, false, nil
	}
	raw, err := fs.ReadFile(e.FS, e.ManifestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("reading embedded manifest %s: %w", e.ManifestPath, err)
	}
	parsed, err := manifest.Parse(raw)
	if err != nil {
		return nil, nil, false, err
	}
	e.Logger.Debug("embedded fetcher manifest hit", "app", applicationName)
	return raw, parsed, true, nil
}

func (e *EmbeddedFetcher) Pin(ctx context.Context, applicationName string, m *manifest.Manifest) error { return nil }
func (e *EmbeddedFetcher) Unpin(ctx context.Context, applicationName string) error                     { return nil }
