// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

package fetch_test

import (
	"context"
	"testing"

	"golang.org/x/sync/semaphore"

	"github.com/ziplineloader/zipline/lib/contenthash"
	"github.com/ziplineloader/zipline/lib/fetch"
	"github.com/ziplineloader/zipline/lib/manifest"
)

// recordingFetcher always misses unless hit is true, and appends its
// name to the shared order slice whenever it is consulted.
type recordingFetcher struct {
	name  string
	hit   bool
	data  []byte
	order *[]string
}

func (r *recordingFetcher) Fetch(ctx context.Context, sem *semaphore.Weighted, applicationName, id string, sha256 contenthash.Hash, moduleURL string) ([]byte, bool, error) {
	*r.order = append(*r.order, r.name)
	if !r.hit {
		return nil, false, nil
	}
	return r.data, true, nil
}

func (r *recordingFetcher) FetchManifest(ctx context.Context, applicationName, manifestURL string) ([]byte, *manifest.Manifest, bool, error) {
	*r.order = append(*r.order, r.name)
	if !r.hit {
		return nil, nil, false, nil
	}
	return r.data, &manifest.Manifest{RawJSON: r.data}, true, nil
}

func (r *recordingFetcher) Pin(ctx context.Context, applicationName string, m *manifest.Manifest) error {
	return nil
}

func (r *recordingFetcher) Unpin(ctx context.Context, applicationName string) error { return nil }

func TestChainFetchTriesInOrderLocalFirst(t *testing.T) {
	var order []string
	embedded := &recordingFetcher{name: "embedded", hit: false, order: &order}
	cache := &recordingFetcher{name: "cache", hit: true, data: []byte("from cache"), order: &order}
	http := &recordingFetcher{name: "http", hit: true, data: []byte("from http"), order: &order}

	chain := fetch.NewChain(embedded, cache, http)
	got, err := chain.Fetch(context.Background(), nil, "app", "mod-a", contenthash.Hash{}, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != "from cache" {
		t.Fatalf("got %q, want the first hit (cache)", got)
	}
	if len(order) != 2 || order[0] != "embedded" || order[1] != "cache" {
		t.Fatalf("order = %v, want [embedded cache]", order)
	}
}

func TestChainFetchManifestTriesInReverseOrder(t *testing.T) {
	var order []string
	embedded := &recordingFetcher{name: "embedded", hit: true, data: []byte(`{"a":1}`), order: &order}
	cache := &recordingFetcher{name: "cache", hit: false, order: &order}
	httpFetcher := &recordingFetcher{name: "http", hit: true, data: []byte(`{"b":2}`), order: &order}

	chain := fetch.NewChain(embedded, cache, httpFetcher)
	raw, _, err := chain.FetchManifest(context.Background(), "app", "https://example.test/app.manifest.json")
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if string(raw) != `{"b":2}` {
		t.Fatalf("raw = %q, want network-first hit", raw)
	}
	if len(order) != 1 || order[0] != "http" {
		t.Fatalf("order = %v, want [http] (network consulted first)", order)
	}
}

func TestChainFetchAllMissReturnsFetchFailed(t *testing.T) {
	var order []string
	embedded := &recordingFetcher{name: "embedded", hit: false, order: &order}
	cache := &recordingFetcher{name: "cache", hit: false, order: &order}

	chain := fetch.NewChain(embedded, cache)
	_, err := chain.Fetch(context.Background(), nil, "app", "mod-a", contenthash.Hash{}, "")
	if err == nil {
		t.Fatal("want error when every fetcher misses")
	}
}

func TestResolveModuleURLRelative(t *testing.T) {
	resolved, err := fetch.ResolveModuleURL("https://cdn.example.test/apps/foo/app.manifest.json", "mod-a.js")
	if err != nil {
		t.Fatalf("ResolveModuleURL: %v", err)
	}
	want := "https://cdn.example.test/apps/foo/mod-a.js"
	if resolved != want {
		t.Fatalf("resolved = %q, want %q", resolved, want)
	}
}

func TestResolveModuleURLAbsoluteUnchanged(t *testing.T) {
	resolved, err := fetch.ResolveModuleURL("https://cdn.example.test/apps/foo/app.manifest.json", "https://other.example.test/mod-a.js")
	if err != nil {
		t.Fatalf("ResolveModuleURL: %v", err)
	}
	if resolved != "https://other.example.test/mod-a.js" {
		t.Fatalf("resolved = %q, want absolute url unchanged", resolved)
	}
}

func TestResolveModuleURLEmptyManifestURL(t *testing.T) {
	resolved, err := fetch.ResolveModuleURL("", "mod-a.js")
	if err != nil {
		t.Fatalf("ResolveModuleURL: %v", err)
	}
	if resolved != "mod-a.js" {
		t.Fatalf("resolved = %q, want moduleURL unchanged", resolved)
	}
}
