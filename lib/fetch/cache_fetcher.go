// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/ziplineloader/zipline/lib/cachestore"
	"github.com/ziplineloader/zipline/lib/contenthash"
	"github.com/ziplineloader/zipline/lib/manifest"
)

// CacheFetcher wraps a Downloader (normally an HTTPFetcher) with a
// content-addressed disk cache. On a cache miss it downloads through
// the wrapped fetcher and lets the cache de-duplicate concurrent
// requests for the same hash; on a hit it never touches the network.
// Pin and Unpin are meaningful here — this is the fetcher a Chain
// delegates cache retention to.
type CacheFetcher struct {
	Cache      *cachestore.Cache
	Downloader Fetcher
	Logger     *slog.Logger
}

// NewCacheFetcher constructs a CacheFetcher. logger may be nil.
func NewCacheFetcher(cache *cachestore.Cache, downloader Fetcher, logger *slog.Logger) *CacheFetcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CacheFetcher{Cache: cache, Downloader: downloader, Logger: logger}
}

func (c *CacheFetcher) Fetch(ctx context.Context, sem *semaphore.Weighted, applicationName, id string, sha256 contenthash.Hash, moduleURL string) ([]byte, bool, error) {
	data, err := c.Cache.GetOrPut(ctx, sha256, func(ctx context.Context) ([]byte, error) {
		downloaded, ok, err := c.Downloader.Fetch(ctx, sem, applicationName, id, sha256, moduleURL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("downloader produced no data for module %q", id)
		}
		return downloaded, nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// FetchManifest serves the most recently pinned manifest for
// applicationName, regardless of manifestURL — this is what lets
// loader.LoadOrFallBack succeed offline: Pin stores the manifest's raw
// bytes under its own content hash, so once an application has loaded
// successfully once, its manifest survives independent of network
// reachability.
func (c *CacheFetcher) FetchManifest(ctx context.Context, applicationName, manifestURL string) ([]byte, *manifest.Manifest, bool, error) {
	manifestHash, ok, err := c.Cache.ManifestHashForApp(ctx, applicationName)
	if err != nil {
		return nil, nil, false, err
	}
	if !ok {
		return nil, nil, false, nil
	}
	hash, err := contenthash.ParseHash(manifestHash)
	if err != nil {
		return nil, nil, false, fmt.Errorf("parsing pinned manifest hash for %s: %w", applicationName, err)
	}
	raw, ok, err := c.Cache.Get(ctx, hash)
	if err != nil {
		return nil, nil, false, err
	}
	if !ok {
		return nil, nil, false, nil
	}
	parsed, err := manifest.Parse(raw)
	if err != nil {
		return nil, nil, false, err
	}
	c.Logger.Debug("cache fetcher manifest hit", "app", applicationName)
	return raw, parsed, true, nil
}

// Pin records that every module hash in m, and m's own raw bytes,
// should be retained in the cache on applicationName's behalf,
// replacing any previous pin for this application.
func (c *CacheFetcher) Pin(ctx context.Context, applicationName string, m *manifest.Manifest) error {
	manifestHash := contenthash.Sum(m.RawJSON)
	if _, err := c.Cache.GetOrPut(ctx, manifestHash, func(ctx context.Context) ([]byte, error) {
		return m.RawJSON, nil
	}); err != nil {
		return fmt.Errorf("storing manifest bytes for %s: %w", applicationName, err)
	}

	hashes := make([]contenthash.Hash, 0, len(m.Modules)+1)
	hashes = append(hashes, manifestHash)
	for _, mod := range m.Modules {
		hashes = append(hashes, mod.SHA256)
	}
	if err := c.Cache.Pin(ctx, applicationName, manifestHash.String(), hashes); err != nil {
		return err
	}
	c.Logger.Debug("pinned manifest and modules", "app", applicationName, "modules", len(m.Modules))
	return nil
}

// Unpin releases applicationName's pin, making its modules eligible
// for eviction once no other application pins them.
func (c *CacheFetcher) Unpin(ctx context.Context, applicationName string) error {
	return c.Cache.Unpin(ctx, applicationName)
}
