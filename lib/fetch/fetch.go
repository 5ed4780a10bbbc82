// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetch provides the uniform "get bytes by (id, hash, url)"
// abstraction and its three implementations — embedded bundle,
// HTTP, and cache-wrapping — composed into an ordered fetcher chain.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/ziplineloader/zipline/lib/contenthash"
	"github.com/ziplineloader/zipline/lib/loaderrors"
	"github.com/ziplineloader/zipline/lib/manifest"
)

// Fetcher is the capability every fetch source implements. Fetch
// returns nil data, ok=false and a nil error when this fetcher cannot
// satisfy the request; callers distinguish miss from transport error
// via the returned ok flag.
type Fetcher interface {
	// Fetch returns a module's bytes, or ok=false if this fetcher has
	// no opinion (a miss, not a failure).
	Fetch(ctx context.Context, sem *semaphore.Weighted, applicationName, id string, sha256 contenthash.Hash, moduleURL string) (data []byte, ok bool, err error)

	// FetchManifest returns a manifest's raw bytes and parsed form, or
	// ok=false on a miss. manifestURL may be empty, meaning "local
	// sources only" — fetchers that require a URL (HTTP) always miss.
	FetchManifest(ctx context.Context, applicationName, manifestURL string) (raw []byte, parsed *manifest.Manifest, ok bool, err error)

	// Pin and Unpin are meaningful only for the cache-wrapping
	// fetcher; other implementations no-op.
	Pin(ctx context.Context, applicationName string, m *manifest.Manifest) error
	Unpin(ctx context.Context, applicationName string) error
}

// Chain is an ordered list of fetchers consulted in turn; the first
// one to return ok=true wins. Chain.Fetch consults fetchers in the
// given order (local-first); Chain.FetchManifest consults them in
// reverse (network-first), per spec.
type Chain struct {
	fetchers []Fetcher
}

// NewChain builds a fetcher chain in the given order. The same chain
// serves both Fetch (in order) and FetchManifest (in reverse).
func NewChain(fetchers ...Fetcher) *Chain {
	return &Chain{fetchers: fetchers}
}

// Fetch tries each fetcher in chain order (embedded, then cache-or-
// HTTP): fast-local-first, since a checksum guarantees any source is
// equivalent.
func (c *Chain) Fetch(ctx context.Context, sem *semaphore.Weighted, applicationName, id string, sha256 contenthash.Hash, moduleURL string) ([]byte, error) {
	for _, fetcher := range c.fetchers {
		data, ok, err := fetcher.Fetch(ctx, sem, applicationName, id, sha256, moduleURL)
		if err != nil {
			return nil, err
		}
		if ok {
			return data, nil
		}
	}
	return nil, fmt.Errorf("%w: no fetcher in chain produced module %q", loaderrors.ErrFetchFailed, id)
}

// FetchManifest tries each fetcher in reverse chain order (network
// first), so that freshness wins; only when the network fetcher
// misses or is absent does a cached or embedded manifest get
// accepted.
func (c *Chain) FetchManifest(ctx context.Context, applicationName, manifestURL string) ([]byte, *manifest.Manifest, error) {
	for i := len(c.fetchers) - 1; i >= 0; i-- {
		raw, parsed, ok, err := c.fetchers[i].FetchManifest(ctx, applicationName, manifestURL)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			return raw, parsed, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: no fetcher in chain produced a manifest for %q", loaderrors.ErrFetchFailed, applicationName)
}

// Pin delegates to every fetcher in the chain; only the cache-backed
// one does anything.
func (c *Chain) Pin(ctx context.Context, applicationName string, m *manifest.Manifest) error {
	for _, fetcher := range c.fetchers {
		if err := fetcher.Pin(ctx, applicationName, m); err != nil {
			return err
		}
	}
	return nil
}

// Unpin delegates to every fetcher in the chain.
func (c *Chain) Unpin(ctx context.Context, applicationName string) error {
	for _, fetcher := range c.fetchers {
		if err := fetcher.Unpin(ctx, applicationName); err != nil {
			return err
		}
	}
	return nil
}

// ResolveModuleURL resolves a module's (possibly relative) URL against
// the manifest's own URL, the way a browser resolves a relative script
// src against its document's URL. If manifestURL is empty or
// moduleURL is already absolute, moduleURL is returned unchanged.
func ResolveModuleURL(manifestURL, moduleURL string) (string, error) {
	if manifestURL == "" {
		return moduleURL, nil
	}
	parsedModule, err := url.Parse(moduleURL)
	if err == nil && parsedModule.IsAbs() {
		return moduleURL, nil
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		return "", fmt.Errorf("parsing manifest url %q: %w", manifestURL, err)
	}
	baseDir := *base
	baseDir.Path = path.Dir(base.Path)
	if !strings.HasSuffix(baseDir.Path, "/") {
		baseDir.Path += "/"
	}

	resolved, err := baseDir.Parse(moduleURL)
	if err != nil {
		return "", fmt.Errorf("resolving module url %q against %q: %w", moduleURL, manifestURL, err)
	}
	return resolved.String(), nil
}

// httpStatusIsFailure reports whether an HTTP response status should
// be surfaced as loaderrors.ErrFetchFailed.
func httpStatusIsFailure(status int) bool {
	return status >= http.StatusBadRequest
}
