// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

package cachestore_test

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ziplineloader/zipline/lib/cachestore"
	"github.com/ziplineloader/zipline/lib/clock"
	"github.com/ziplineloader/zipline/lib/contenthash"
	"github.com/ziplineloader/zipline/lib/loaderrors"
)

func openCache(t *testing.T, maxSize int64) (*cachestore.Cache, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Unix(1700000000, 0))
	c, err := cachestore.Open(cachestore.Config{
		Dir:            t.TempDir(),
		MaxSizeInBytes: maxSize,
		PoolSize:       2,
		Clock:          fake,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, fake
}

func producerFor(data []byte) cachestore.Producer {
	return func(ctx context.Context) ([]byte, error) { return data, nil }
}

func TestGetOrPutStoresAndReturnsBytes(t *testing.T) {
	c, _ := openCache(t, 1<<20)
	ctx := context.Background()

	data := []byte("hello module bytes")
	hash := contenthash.Sum(data)

	got, err := c.GetOrPut(ctx, hash, producerFor(data))
	if err != nil {
		t.Fatalf("GetOrPut: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}

	var calls int32
	got, err = c.GetOrPut(ctx, hash, func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return data, nil
	})
	if err != nil {
		t.Fatalf("GetOrPut (cached): %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}
	if calls != 0 {
		t.Fatalf("producer called %d times on cache hit, want 0", calls)
	}
}

// P11: checksum enforcement.
func TestGetOrPutChecksumMismatch(t *testing.T) {
	c, _ := openCache(t, 1<<20)
	ctx := context.Background()

	wrongHash := contenthash.Sum([]byte("something else"))
	_, err := c.GetOrPut(ctx, wrongHash, producerFor([]byte("actual bytes")))
	if !errors.Is(err, loaderrors.ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}

	if _, ok, err := readReadyForTest(t, c, wrongHash); err != nil || ok {
		t.Fatalf("mismatched content should not be cached: ok=%v err=%v", ok, err)
	}
}

func readReadyForTest(t *testing.T, c *cachestore.Cache, hash contenthash.Hash) ([]byte, bool, error) {
	t.Helper()
	var called int32
	data, err := c.GetOrPut(context.Background(), hash, func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&called, 1)
		return nil, errors.New("should not be invoked if cached")
	})
	if err != nil {
		return nil, false, nil
	}
	return data, atomic.LoadInt32(&called) == 0, nil
}

// P8: cache coalescing — concurrent GetOrPut for the same hash calls
// producer at most once.
func TestGetOrPutCoalesces(t *testing.T) {
	c, _ := openCache(t, 1<<20)
	ctx := context.Background()

	data := []byte("coalesced content")
	hash := contenthash.Sum(data)

	start := make(chan struct{})
	var calls int32

	results := make(chan []byte, 8)
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			<-start
			got, err := c.GetOrPut(ctx, hash, func(ctx context.Context) ([]byte, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return data, nil
			})
			results <- got
			errs <- err
		}()
	}
	close(start)

	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("GetOrPut: %v", err)
		}
		if string(<-results) != string(data) {
			t.Fatal("unexpected result bytes")
		}
	}

	if calls != 1 {
		t.Fatalf("producer called %d times, want 1", calls)
	}
}

// P9 + P10: pin safety and size bound — the concrete scenario from
// spec.md §8.5.
func TestEvictionRespectsPinsAndSizeBound(t *testing.T) {
	c, fake := openCache(t, 1024)
	ctx := context.Background()

	mk := func(b byte) []byte {
		data := make([]byte, 500)
		for i := range data {
			data[i] = b
		}
		return data
	}

	first := mk(1)
	second := mk(2)
	third := mk(3)
	fourth := mk(4)

	firstHash := contenthash.Sum(first)
	secondHash := contenthash.Sum(second)
	thirdHash := contenthash.Sum(third)
	fourthHash := contenthash.Sum(fourth)

	if _, err := c.GetOrPut(ctx, firstHash, producerFor(first)); err != nil {
		t.Fatalf("GetOrPut(first): %v", err)
	}
	fake.Advance(time.Second)
	if _, err := c.GetOrPut(ctx, secondHash, producerFor(second)); err != nil {
		t.Fatalf("GetOrPut(second): %v", err)
	}
	fake.Advance(time.Second)
	if _, err := c.GetOrPut(ctx, thirdHash, producerFor(third)); err != nil {
		t.Fatalf("GetOrPut(third): %v", err)
	}

	if err := c.Pin(ctx, "app", "manifest-1", []contenthash.Hash{firstHash}); err != nil {
		t.Fatalf("Pin: %v", err)
	}

	fake.Advance(time.Second)
	if _, err := c.GetOrPut(ctx, fourthHash, producerFor(fourth)); err != nil {
		t.Fatalf("GetOrPut(fourth): %v", err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalSizeBytes-stats.PinnedSizeBytes > 1024 {
		t.Fatalf("unpinned size %d exceeds bound 1024", stats.TotalSizeBytes-stats.PinnedSizeBytes)
	}

	// The pinned first entry must survive.
	if _, ok, err := readReadyForTest(t, c, firstHash); err != nil || !ok {
		t.Fatalf("pinned entry should survive eviction: ok=%v err=%v", ok, err)
	}

	// The second (oldest unpinned) entry should have been evicted.
	if _, ok, _ := readReadyForTest(t, c, secondHash); ok {
		t.Fatal("second entry should have been evicted")
	}
}

func TestPinRejectsNotReadyHash(t *testing.T) {
	c, _ := openCache(t, 1<<20)
	ctx := context.Background()

	unknown := contenthash.Sum([]byte("never written"))
	err := c.Pin(ctx, "app", "manifest", []contenthash.Hash{unknown})
	if !errors.Is(err, loaderrors.ErrCacheCorrupt) {
		t.Fatalf("err = %v, want ErrCacheCorrupt", err)
	}
}

func TestPinReplacesPreviousPinForSameApp(t *testing.T) {
	c, _ := openCache(t, 1<<20)
	ctx := context.Background()

	a := []byte("version a")
	b := []byte("version b")
	hashA := contenthash.Sum(a)
	hashB := contenthash.Sum(b)

	if _, err := c.GetOrPut(ctx, hashA, producerFor(a)); err != nil {
		t.Fatalf("GetOrPut(a): %v", err)
	}
	if _, err := c.GetOrPut(ctx, hashB, producerFor(b)); err != nil {
		t.Fatalf("GetOrPut(b): %v", err)
	}

	if err := c.Pin(ctx, "app", "manifest-a", []contenthash.Hash{hashA}); err != nil {
		t.Fatalf("Pin(a): %v", err)
	}
	if err := c.Pin(ctx, "app", "manifest-b", []contenthash.Hash{hashB}); err != nil {
		t.Fatalf("Pin(b): %v", err)
	}

	pins, err := c.ListPins(ctx)
	if err != nil {
		t.Fatalf("ListPins: %v", err)
	}
	if len(pins) != 1 || pins[0].ManifestHash != "manifest-b" {
		t.Fatalf("pins = %+v, want single pin on manifest-b", pins)
	}
}

func TestUnpinAllowsEviction(t *testing.T) {
	c, fake := openCache(t, 600)
	ctx := context.Background()

	data := make([]byte, 500)
	hash := contenthash.Sum(data)
	if _, err := c.GetOrPut(ctx, hash, producerFor(data)); err != nil {
		t.Fatalf("GetOrPut: %v", err)
	}
	if err := c.Pin(ctx, "app", "manifest", []contenthash.Hash{hash}); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := c.Unpin(ctx, "app"); err != nil {
		t.Fatalf("Unpin: %v", err)
	}

	fake.Advance(time.Second)
	other := make([]byte, 500)
	for i := range other {
		other[i] = 9
	}
	otherHash := contenthash.Sum(other)
	if _, err := c.GetOrPut(ctx, otherHash, producerFor(other)); err != nil {
		t.Fatalf("GetOrPut(other): %v", err)
	}

	if _, ok, _ := readReadyForTest(t, c, hash); ok {
		t.Fatal("unpinned entry should have become eligible for eviction")
	}
}

func TestPruneRemovesDirtyLeftovers(t *testing.T) {
	c, _ := openCache(t, 1<<20)
	ctx := context.Background()

	data := []byte("interrupted download")
	hash := contenthash.Sum(data)

	if err := c.SimulateCrashedWriteForTest(ctx, hash, data); err != nil {
		t.Fatalf("SimulateCrashedWriteForTest: %v", err)
	}
	if _, err := os.Stat(c.DirtyFilePathForTest(hash)); err != nil {
		t.Fatalf("dirty file should exist before Prune: %v", err)
	}
	if has, err := c.HasIndexRowForTest(ctx, hash); err != nil {
		t.Fatalf("HasIndexRowForTest: %v", err)
	} else if !has {
		t.Fatal("dirty index row should exist before Prune")
	}

	if err := c.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	if _, err := os.Stat(c.DirtyFilePathForTest(hash)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("dirty file should be gone after Prune, stat err = %v", err)
	}
	if has, err := c.HasIndexRowForTest(ctx, hash); err != nil {
		t.Fatalf("HasIndexRowForTest: %v", err)
	} else if has {
		t.Fatal("dirty index row should be gone after Prune")
	}

	if _, ok, err := c.Get(ctx, hash); err != nil {
		t.Fatalf("Get after Prune: %v", err)
	} else if ok {
		t.Fatal("pruned entry should not be readable")
	}
}

func TestPruneOnEmptyCacheIsANoop(t *testing.T) {
	c, _ := openCache(t, 1<<20)
	ctx := context.Background()

	if err := c.Prune(ctx); err != nil {
		t.Fatalf("Prune on empty cache: %v", err)
	}
}
