// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package cachestore implements the content-addressed module cache:
// a SQLite index (files, pins tables) paired with one on-disk file
// per cached entry, named by the lowercase hex of its SHA-256. Writes
// land under a ".dirty" suffix and are fsynced and renamed into place
// before the index row flips to ready, so a reader never observes a
// half-written file.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ziplineloader/zipline/lib/clock"
	"github.com/ziplineloader/zipline/lib/contenthash"
	"github.com/ziplineloader/zipline/lib/loaderrors"
	"github.com/ziplineloader/zipline/lib/sqlitepool"
)

const (
	stateDirty = "dirty"
	stateReady = "ready"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	hash          TEXT PRIMARY KEY,
	size          INTEGER NOT NULL,
	compression   TEXT NOT NULL,
	state         TEXT NOT NULL,
	last_used_ms  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pins (
	app_name      TEXT NOT NULL,
	manifest_hash TEXT NOT NULL,
	file_hash     TEXT NOT NULL,
	PRIMARY KEY (app_name, file_hash)
);
CREATE INDEX IF NOT EXISTS idx_pins_app ON pins(app_name);
CREATE INDEX IF NOT EXISTS idx_pins_file ON pins(file_hash);
`

// Config holds the parameters for opening a Cache.
type Config struct {
	// Dir is the cache directory. Created if it does not exist; holds
	// zipline.db alongside the two-level-sharded content files.
	Dir string

	// MaxSizeInBytes bounds the total size of unpinned ready entries.
	// Pinned entries are never evicted regardless of this bound.
	MaxSizeInBytes int64

	// PoolSize is the SQLite connection pool size. Defaults per
	// sqlitepool.Config if zero.
	PoolSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Cache is a content-addressed, size-bounded, reference-counted file
// cache backed by a SQLite index.
type Cache struct {
	dir            string
	maxSizeInBytes int64
	pool           *sqlitepool.Pool
	clock          clock.Clock
	logger         *slog.Logger

	waitMu sync.Mutex
	wait   map[contenthash.Hash]*inflightPut
}

// inflightPut coalesces concurrent GetOrPut calls for the same hash:
// only the first caller runs the producer, every other caller waits
// on done and observes the same result.
type inflightPut struct {
	done  chan struct{}
	bytes []byte
	err   error
}

// Open opens (creating if necessary) the cache at cfg.Dir.
func Open(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cachestore: Dir is required")
	}
	if cfg.MaxSizeInBytes <= 0 {
		return nil, fmt.Errorf("cachestore: MaxSizeInBytes must be positive")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cachestore: creating cache directory: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(cfg.Dir, "zipline.db"),
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cachestore: %w", err)
	}

	cache := &Cache{
		dir:            cfg.Dir,
		maxSizeInBytes: cfg.MaxSizeInBytes,
		pool:           pool,
		clock:          clk,
		logger:         logger,
		wait:           make(map[contenthash.Hash]*inflightPut),
	}

	logger.Info("cache opened", "dir", cfg.Dir, "max_size_bytes", cfg.MaxSizeInBytes)
	return cache, nil
}

// Close closes the underlying connection pool.
func (c *Cache) Close() error {
	return c.pool.Close()
}

func (c *Cache) shardedPath(hash contenthash.Hash) string {
	hex := hash.String()
	return filepath.Join(c.dir, hex[:2], hex[2:4], hex)
}

func (c *Cache) dirtyPath(hash contenthash.Hash) string {
	return c.shardedPath(hash) + ".dirty"
}

// Producer supplies the bytes for a cache miss. It is called at most
// once per concurrently-requested hash (P8): every other caller
// waiting on the same hash observes this call's result, success or
// failure, without calling Producer itself.
type Producer func(ctx context.Context) ([]byte, error)

// GetOrPut returns the cached bytes for hash if present and ready;
// otherwise it calls producer, verifies the result hashes to hash,
// writes it into the cache, and returns it. Concurrent calls for the
// same hash coalesce onto a single producer invocation.
func (c *Cache) GetOrPut(ctx context.Context, hash contenthash.Hash, producer Producer) ([]byte, error) {
	if data, ok, err := c.readReady(ctx, hash); err != nil {
		return nil, err
	} else if ok {
		return data, nil
	}

	c.waitMu.Lock()
	if existing, inflight := c.wait[hash]; inflight {
		c.waitMu.Unlock()
		<-existing.done
		return existing.bytes, existing.err
	}
	call := &inflightPut{done: make(chan struct{})}
	c.wait[hash] = call
	c.waitMu.Unlock()

	call.bytes, call.err = c.produce(ctx, hash, producer)

	c.waitMu.Lock()
	delete(c.wait, hash)
	c.waitMu.Unlock()
	close(call.done)

	return call.bytes, call.err
}

func (c *Cache) produce(ctx context.Context, hash contenthash.Hash, producer Producer) ([]byte, error) {
	data, err := producer(ctx)
	if err != nil {
		return nil, fmt.Errorf("producing content for %s: %w", hash, err)
	}
	if contenthash.Sum(data) != hash {
		return nil, fmt.Errorf("%w: content for %s hashes to a different digest", loaderrors.ErrChecksumMismatch, hash)
	}

	if err := c.writeEntry(ctx, hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

// readReady returns the bytes of hash if its index row is ready,
// updating its last-used timestamp for LRU accounting.
func (c *Cache) readReady(ctx context.Context, hash contenthash.Hash) ([]byte, bool, error) {
	var data []byte
	found := false

	err := c.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		var size int64
		var compression string
		var state string
		rowFound := false
		err := sqlitex.Execute(conn, `SELECT size, compression, state FROM files WHERE hash = ?`, &sqlitex.ExecOptions{
			Args: []any{hash.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				size = stmt.ColumnInt64(0)
				compression = stmt.ColumnText(1)
				state = stmt.ColumnText(2)
				rowFound = true
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("cachestore: querying %s: %w", hash, err)
		}
		if !rowFound || state != stateReady {
			return nil
		}

		tag, err := parseCompressionTag(compression)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", loaderrors.ErrCacheCorrupt, hash, err)
		}

		raw, err := os.ReadFile(c.shardedPath(hash))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s has a ready index row but no backing file", loaderrors.ErrCacheCorrupt, hash)
			}
			return fmt.Errorf("cachestore: reading %s: %w", hash, err)
		}

		decompressed, err := decompressWith(raw, tag, int(size))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", loaderrors.ErrCacheCorrupt, hash, err)
		}

		if err := sqlitex.Execute(conn, `UPDATE files SET last_used_ms = ? WHERE hash = ?`, &sqlitex.ExecOptions{
			Args: []any{c.clock.Now().UnixMilli(), hash.String()},
		}); err != nil {
			c.logger.Error("updating last_used_ms failed", "hash", hash.String(), "error", err)
		}

		data = decompressed
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

// Get returns the bytes stored under hash, if present and ready. It
// never invokes a producer — a pure cache read, used by fetchers that
// can only serve from whatever is already cached (they have no way to
// produce a miss themselves).
func (c *Cache) Get(ctx context.Context, hash contenthash.Hash) ([]byte, bool, error) {
	return c.readReady(ctx, hash)
}

// ManifestHashForApp returns the manifest_hash most recently pinned
// for applicationName, if any.
func (c *Cache) ManifestHashForApp(ctx context.Context, applicationName string) (string, bool, error) {
	var manifestHash string
	found := false

	err := c.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT manifest_hash FROM pins WHERE app_name = ? LIMIT 1`, &sqlitex.ExecOptions{
			Args: []any{applicationName},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				manifestHash = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("cachestore: looking up manifest hash for %s: %w", applicationName, err)
	}
	return manifestHash, found, nil
}

// writeEntry compresses data, indexes it as a dirty download, writes
// it to a .dirty temp path, fsyncs it, renames it into place, and only
// then flips the index row to ready — then runs an eviction pass. The
// dirty row is written before the file hits disk so that a crash
// between the fsync and the rename leaves the index, not just the
// filesystem, pointing at the orphan: Prune finds it by querying
// state=dirty and does not need to glob the shard directories.
func (c *Cache) writeEntry(ctx context.Context, hash contenthash.Hash, data []byte) error {
	compressed, tag, err := compressAuto(data)
	if err != nil {
		return fmt.Errorf("cachestore: compressing %s: %w", hash, err)
	}

	finalPath := c.shardedPath(hash)
	dirtyPath := c.dirtyPath(hash)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("cachestore: creating shard directory: %w", err)
	}

	err = c.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn,
			`INSERT INTO files (hash, size, compression, state, last_used_ms) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(hash) DO UPDATE SET size=excluded.size, compression=excluded.compression, state=excluded.state, last_used_ms=excluded.last_used_ms`,
			&sqlitex.ExecOptions{
				Args: []any{hash.String(), len(data), tag.String(), stateDirty, c.clock.Now().UnixMilli()},
			}); err != nil {
			return fmt.Errorf("cachestore: indexing dirty entry %s: %w", hash, err)
		}

		if err := writeFileFsync(dirtyPath, compressed); err != nil {
			return fmt.Errorf("cachestore: writing %s: %w", hash, err)
		}
		if err := os.Rename(dirtyPath, finalPath); err != nil {
			os.Remove(dirtyPath)
			return fmt.Errorf("cachestore: renaming %s into place: %w", hash, err)
		}

		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			os.Remove(finalPath)
			return fmt.Errorf("cachestore: begin transaction: %w", err)
		}
		txErr := sqlitex.Execute(conn,
			`UPDATE files SET state = ?, last_used_ms = ? WHERE hash = ?`,
			&sqlitex.ExecOptions{
				Args: []any{stateReady, c.clock.Now().UnixMilli(), hash.String()},
			})
		endTransaction(&txErr)
		if txErr != nil {
			os.Remove(finalPath)
			return fmt.Errorf("cachestore: flipping %s to ready: %w", hash, txErr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Info("cache entry written", "hash", hash.String(), "size", len(data), "compression", tag.String())
	return c.evict(ctx)
}

func writeFileFsync(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	success := false
	defer func() {
		if !success {
			file.Close()
			os.Remove(path)
		}
	}()

	if _, err := file.Write(data); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	success = true
	return nil
}

// Pin creates or updates the pin record for applicationName, making
// every hash in fileHashes ineligible for eviction. All of them must
// already be ready. On success every other pin for applicationName is
// released.
func (c *Cache) Pin(ctx context.Context, applicationName, manifestHash string, fileHashes []contenthash.Hash) error {
	err := c.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		for _, hash := range fileHashes {
			var state string
			found := false
			err := sqlitex.Execute(conn, `SELECT state FROM files WHERE hash = ?`, &sqlitex.ExecOptions{
				Args: []any{hash.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					state = stmt.ColumnText(0)
					found = true
					return nil
				},
			})
			if err != nil {
				return fmt.Errorf("cachestore: checking %s before pin: %w", hash, err)
			}
			if !found || state != stateReady {
				return fmt.Errorf("%w: %s is not ready", loaderrors.ErrCacheCorrupt, hash)
			}
		}

		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("cachestore: begin pin transaction: %w", err)
		}
		defer endTransaction(&err)

		if err = sqlitex.Execute(conn, `DELETE FROM pins WHERE app_name = ?`, &sqlitex.ExecOptions{
			Args: []any{applicationName},
		}); err != nil {
			return fmt.Errorf("cachestore: clearing old pins for %s: %w", applicationName, err)
		}

		for _, hash := range fileHashes {
			if err = sqlitex.Execute(conn,
				`INSERT INTO pins (app_name, manifest_hash, file_hash) VALUES (?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{applicationName, manifestHash, hash.String()}}); err != nil {
				return fmt.Errorf("cachestore: pinning %s for %s: %w", hash, applicationName, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Info("pinned", "app", applicationName, "manifest_hash", manifestHash, "file_count", len(fileHashes))
	return nil
}

// Unpin removes applicationName's pin and runs an eviction pass.
func (c *Cache) Unpin(ctx context.Context, applicationName string) error {
	err := c.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM pins WHERE app_name = ?`, &sqlitex.ExecOptions{
			Args: []any{applicationName},
		})
	})
	if err != nil {
		return fmt.Errorf("cachestore: unpinning %s: %w", applicationName, err)
	}

	c.logger.Info("unpinned", "app", applicationName)
	return c.evict(ctx)
}

// Prune drops dirty-download rows whose backing files are absent or
// stale, and removes any leftover .dirty files. Intended to run once
// at startup before any other cache operation.
func (c *Cache) Prune(ctx context.Context) error {
	var dirtyHashes []string

	err := c.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `SELECT hash FROM files WHERE state = ?`, &sqlitex.ExecOptions{
			Args: []any{stateDirty},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				dirtyHashes = append(dirtyHashes, stmt.ColumnText(0))
				return nil
			},
		}); err != nil {
			return fmt.Errorf("cachestore: listing dirty entries: %w", err)
		}

		for _, hexHash := range dirtyHashes {
			hash, err := contenthash.ParseHash(hexHash)
			if err != nil {
				continue
			}
			os.Remove(c.dirtyPath(hash))
			os.Remove(c.shardedPath(hash))
			if err := sqlitex.Execute(conn, `DELETE FROM files WHERE hash = ?`, &sqlitex.ExecOptions{
				Args: []any{hexHash},
			}); err != nil {
				c.logger.Error("pruning dirty row failed", "hash", hexHash, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(dirtyHashes) > 0 {
		c.logger.Info("pruned dirty downloads", "count", len(dirtyHashes))
	}

	return c.evict(ctx)
}

// evict deletes unpinned ready entries, oldest-accessed first, until
// their total size is at or below maxSizeInBytes. Pinned entries are
// never chosen as victims (P9) and don't count toward the bound.
func (c *Cache) evict(ctx context.Context) error {
	type candidate struct {
		hash       string
		size       int64
		lastUsedMs int64
	}

	return c.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		var candidates []candidate
		var totalUnpinned int64

		err := sqlitex.Execute(conn, `
			SELECT f.hash, f.size, f.last_used_ms FROM files f
			WHERE f.state = ?
			AND NOT EXISTS (SELECT 1 FROM pins p WHERE p.file_hash = f.hash)
			ORDER BY f.last_used_ms ASC`,
			&sqlitex.ExecOptions{
				Args: []any{stateReady},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					c := candidate{hash: stmt.ColumnText(0), size: stmt.ColumnInt64(1), lastUsedMs: stmt.ColumnInt64(2)}
					candidates = append(candidates, c)
					totalUnpinned += c.size
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("cachestore: listing eviction candidates: %w", err)
		}

		if totalUnpinned <= c.maxSizeInBytes {
			return nil
		}

		evicted := 0
		for _, cand := range candidates {
			if totalUnpinned <= c.maxSizeInBytes {
				break
			}
			hash, err := contenthash.ParseHash(cand.hash)
			if err != nil {
				continue
			}
			if err := sqlitex.Execute(conn, `DELETE FROM files WHERE hash = ?`, &sqlitex.ExecOptions{
				Args: []any{cand.hash},
			}); err != nil {
				c.logger.Error("evicting entry failed", "hash", cand.hash, "error", err)
				continue
			}
			if err := os.Remove(c.shardedPath(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
				c.logger.Error("removing evicted file failed", "hash", cand.hash, "error", err)
			}
			totalUnpinned -= cand.size
			evicted++
		}

		if evicted > 0 {
			c.logger.Info("eviction pass completed", "evicted_count", evicted, "remaining_unpinned_bytes", totalUnpinned)
		}
		return nil
	})
}

// Stats reports current cache utilization, for operator inspection
// and CLI output.
type Stats struct {
	TotalFiles      int
	TotalSizeBytes  int64
	PinnedSizeBytes int64
	PinnedAppCount  int
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	err := c.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM files WHERE state = ?`, &sqlitex.ExecOptions{
			Args: []any{stateReady},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.TotalFiles = int(stmt.ColumnInt64(0))
				stats.TotalSizeBytes = stmt.ColumnInt64(1)
				return nil
			},
		}); err != nil {
			return fmt.Errorf("cachestore: stats: %w", err)
		}

		if err := sqlitex.Execute(conn, `
			SELECT COALESCE(SUM(f.size), 0) FROM files f
			WHERE EXISTS (SELECT 1 FROM pins p WHERE p.file_hash = f.hash)`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.PinnedSizeBytes = stmt.ColumnInt64(0)
				return nil
			},
		}); err != nil {
			return fmt.Errorf("cachestore: pinned stats: %w", err)
		}

		if err := sqlitex.Execute(conn, `SELECT COUNT(DISTINCT app_name) FROM pins`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.PinnedAppCount = int(stmt.ColumnInt64(0))
				return nil
			},
		}); err != nil {
			return fmt.Errorf("cachestore: pinned app count: %w", err)
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// PinInfo describes one application's current pin.
type PinInfo struct {
	ApplicationName string
	ManifestHash    string
	FileHashes      []string
}

// ListPins returns every application's current pin, for the cache
// inspection CLI surface.
func (c *Cache) ListPins(ctx context.Context) ([]PinInfo, error) {
	byApp := make(map[string]*PinInfo)
	var order []string

	err := c.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT app_name, manifest_hash, file_hash FROM pins ORDER BY app_name`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				app := stmt.ColumnText(0)
				info, ok := byApp[app]
				if !ok {
					info = &PinInfo{ApplicationName: app, ManifestHash: stmt.ColumnText(1)}
					byApp[app] = info
					order = append(order, app)
				}
				info.FileHashes = append(info.FileHashes, stmt.ColumnText(2))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("cachestore: listing pins: %w", err)
	}

	result := make([]PinInfo, 0, len(order))
	for _, app := range order {
		result = append(result, *byApp[app])
	}
	return result, nil
}
