// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

package fetch_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ziplineloader/zipline/lib/cachestore"
	"github.com/ziplineloader/zipline/lib/clock"
	"github.com/ziplineloader/zipline/lib/contenthash"
	"github.com/ziplineloader/zipline/lib/fetch"
	"github.com/ziplineloader/zipline/lib/manifest"
)

// fakeFetcher is a minimal in-process Fetcher used to observe how many
// times CacheFetcher delegates to its wrapped downloader.
type fakeFetcher struct {
	data  []byte
	calls int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, sem *semaphore.Weighted, applicationName, id string, sha256 contenthash.Hash, moduleURL string) ([]byte, bool, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.data, true, nil
}

func (f *fakeFetcher) FetchManifest(ctx context.Context, applicationName, manifestURL string) ([]byte, *manifest.Manifest, bool, error) {
	return nil, nil, false, nil
}

func (f *fakeFetcher) Pin(ctx context.Context, applicationName string, m *manifest.Manifest) error {
	return nil
}

func (f *fakeFetcher) Unpin(ctx context.Context, applicationName string) error { return nil }

func openTestCache(t *testing.T) *cachestore.Cache {
	t.Helper()
	c, err := cachestore.Open(cachestore.Config{
		Dir:            t.TempDir(),
		MaxSizeInBytes: 1 << 20,
		PoolSize:       2,
		Clock:          clock.Fake(time.Unix(1700000000, 0)),
	})
	if err != nil {
		t.Fatalf("cachestore.Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheFetcherDownloadsOnMissAndCachesOnHit(t *testing.T) {
	data := []byte("module bytes")
	hash := contenthash.Sum(data)

	cache := openTestCache(t)
	downloader := &fakeFetcher{data: data}
	cf := fetch.NewCacheFetcher(cache, downloader, nil)

	got, ok, err := cf.Fetch(context.Background(), nil, "app", "mod-a", hash, "https://example.test/mod-a.js")
	if err != nil {
		t.Fatalf("Fetch (miss): %v", err)
	}
	if !ok || string(got) != string(data) {
		t.Fatalf("got=%q ok=%v, want %q true", got, ok, data)
	}
	if downloader.calls != 1 {
		t.Fatalf("downloader called %d times, want 1", downloader.calls)
	}

	got, ok, err = cf.Fetch(context.Background(), nil, "app", "mod-a", hash, "https://example.test/mod-a.js")
	if err != nil {
		t.Fatalf("Fetch (hit): %v", err)
	}
	if !ok || string(got) != string(data) {
		t.Fatalf("got=%q ok=%v, want %q true", got, ok, data)
	}
	if downloader.calls != 1 {
		t.Fatalf("downloader called %d times after cache hit, want still 1", downloader.calls)
	}
}

func TestCacheFetcherFetchManifestMissesWithNoPin(t *testing.T) {
	cache := openTestCache(t)
	cf := fetch.NewCacheFetcher(cache, &fakeFetcher{}, nil)

	_, _, ok, err := cf.FetchManifest(context.Background(), "app", "https://example.test/app.manifest.json")
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if ok {
		t.Fatal("CacheFetcher should miss when nothing has been pinned for this app")
	}
}

func TestCacheFetcherFetchManifestServesPinnedManifest(t *testing.T) {
	data := []byte("module bytes")
	hash := contenthash.Sum(data)

	cache := openTestCache(t)
	downloader := &fakeFetcher{data: data}
	cf := fetch.NewCacheFetcher(cache, downloader, nil)

	if _, _, err := cf.Fetch(context.Background(), nil, "app", "mod-a", hash, "https://example.test/mod-a.js"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	rawManifest := []byte(`{"mainModuleId":"mod-a","modules":{"mod-a":{"sha256":"` + hash.String() + `"}}}`)
	m := &manifest.Manifest{
		MainModuleID: "mod-a",
		Modules:      []manifest.Module{{ID: "mod-a", SHA256: hash}},
		RawJSON:      rawManifest,
	}
	if err := cf.Pin(context.Background(), "app", m); err != nil {
		t.Fatalf("Pin: %v", err)
	}

	raw, parsed, ok, err := cf.FetchManifest(context.Background(), "app", "https://unreachable.example.test/app.manifest.json")
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if !ok {
		t.Fatal("want ok=true after pinning")
	}
	if string(raw) != string(rawManifest) {
		t.Fatalf("raw = %q, want %q", raw, rawManifest)
	}
	if parsed.MainModuleID != "mod-a" {
		t.Fatalf("MainModuleID = %q, want mod-a", parsed.MainModuleID)
	}
}

func TestCacheFetcherPinAndUnpin(t *testing.T) {
	data := []byte("module bytes")
	hash := contenthash.Sum(data)

	cache := openTestCache(t)
	downloader := &fakeFetcher{data: data}
	cf := fetch.NewCacheFetcher(cache, downloader, nil)

	if _, _, err := cf.Fetch(context.Background(), nil, "app", "mod-a", hash, "https://example.test/mod-a.js"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	m := &manifest.Manifest{
		MainModuleID: "mod-a",
		MainFunction: "main",
		Modules:      []manifest.Module{{ID: "mod-a", SHA256: hash}},
		RawJSON:      []byte(`{"mainModuleId":"mod-a"}`),
	}

	if err := cf.Pin(context.Background(), "app", m); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := cf.Unpin(context.Background(), "app"); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
}
