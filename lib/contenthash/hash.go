// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package contenthash provides the SHA-256 content addressing used to
// verify manifests and modules against their declared digests.
//
// Every module and every cache entry is identified by a [Hash]: the
// SHA-256 digest of its exact byte content. Verifying a hash after a
// fetch (from the network, the cache, or the embedded bundle) is what
// lets the loader treat all three sources as interchangeable — a
// module fetched from any of them is the same bytes iff the digest
// matches.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Hash is a SHA-256 content digest.
type Hash [32]byte

// String returns the lowercase hex encoding, the canonical textual
// form used in manifest JSON, cache filenames, and log output.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value (no digest set).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Sum computes the SHA-256 digest of data.
func Sum(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// HashFile computes the SHA-256 digest of the file at path, streaming
// it through the hash function in chunks (via io.Copy) to keep memory
// usage constant regardless of file size.
func HashFile(path string) (Hash, error) {
	file, err := os.Open(path)
	if err != nil {
		return Hash{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return Hash{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest Hash
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// ParseHash parses a hex-encoded SHA-256 digest string into a Hash.
// Returns an error if the string is not a valid 64-character hex
// encoding of 32 bytes.
func ParseHash(hexString string) (Hash, error) {
	var digest Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing content hash %q: %w", hexString, err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("content hash %q is %d bytes, want %d", hexString, len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}
