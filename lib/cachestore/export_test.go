// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"context"
	"os"
	"path/filepath"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ziplineloader/zipline/lib/contenthash"
)

// SimulateCrashedWriteForTest reproduces the on-disk and index state a
// crash between writeFileFsync and the ready-flip transaction leaves
// behind: a dirty index row plus a fsynced ".dirty" file, with no
// ready row ever written. Test-only.
func (c *Cache) SimulateCrashedWriteForTest(ctx context.Context, hash contenthash.Hash, data []byte) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	compressed, tag, err := compressAuto(data)
	if err != nil {
		return err
	}

	dirtyPath := c.dirtyPath(hash)
	if err := os.MkdirAll(filepath.Dir(dirtyPath), 0o755); err != nil {
		return err
	}
	if err := writeFileFsync(dirtyPath, compressed); err != nil {
		return err
	}

	return sqlitex.Execute(conn,
		`INSERT INTO files (hash, size, compression, state, last_used_ms) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(hash) DO UPDATE SET size=excluded.size, compression=excluded.compression, state=excluded.state, last_used_ms=excluded.last_used_ms`,
		&sqlitex.ExecOptions{
			Args: []any{hash.String(), len(data), tag.String(), stateDirty, c.clock.Now().UnixMilli()},
		})
}

// DirtyFilePathForTest exposes the on-disk path SimulateCrashedWriteForTest
// wrote to, so tests can assert Prune removed it.
func (c *Cache) DirtyFilePathForTest(hash contenthash.Hash) string {
	return c.dirtyPath(hash)
}

// HasIndexRowForTest reports whether hash still has a row in the files
// index, regardless of state.
func (c *Cache) HasIndexRowForTest(ctx context.Context, hash contenthash.Hash) (bool, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer c.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn, `SELECT 1 FROM files WHERE hash = ?`, &sqlitex.ExecOptions{
		Args: []any{hash.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}
