// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package loaderrors defines the sentinel error values shared across
// zipline-go's fetch, cache, verify, and receive components. Callers
// use errors.Is against these sentinels rather than type assertions;
// each site that returns one wraps it with fmt.Errorf("...: %w", ...)
// to attach context.
package loaderrors

import "errors"

var (
	// ErrFetchFailed indicates a transport-level failure: an HTTP
	// status of 400 or above, a connection error, or an embedded/cache miss that
	// propagated past the last fetcher in the chain.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrChecksumMismatch indicates the SHA-256 of fetched bytes did
	// not match the digest declared for it (a module's sha256 field,
	// or the hash a cache entry was stored under).
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrSignatureMismatch indicates a manifest signature was present
	// under a recognized key name but did not verify against the
	// canonical signature payload.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrNoTrustedKey indicates a manifest's signatures map contained
	// no entry whose key name is in the verifier's trusted key set.
	ErrNoTrustedKey = errors.New("no trusted signing key")

	// ErrManifestParseFailed indicates the manifest bytes were not
	// valid JSON, or were missing a required field.
	ErrManifestParseFailed = errors.New("manifest parse failed")

	// ErrCycleDetected indicates the module dependency graph contains
	// a cycle, discovered before any fetch was launched.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrMissingDependency indicates a module's dependsOnIds lists an
	// id that is not itself a key of the manifest's modules map.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrReceiverFailed indicates the caller-supplied Receiver
	// returned an error from Receive.
	ErrReceiverFailed = errors.New("receiver failed")

	// ErrCacheCorrupt indicates the cache index and the filesystem
	// disagree: an index row with no backing file, or vice versa.
	ErrCacheCorrupt = errors.New("cache corrupt")

	// ErrCacheFull indicates a single object exceeds maxSizeInBytes,
	// so no amount of eviction can make room for it.
	ErrCacheFull = errors.New("cache full")
)
