// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package verify checks a manifest's signatures against a trusted key
// set, recomputing the canonical signature payload from the
// manifest's raw bytes (never from a re-serialization of the parsed
// form, to avoid any formatter drift between signer and verifier).
package verify

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/ziplineloader/zipline/lib/canonical"
	"github.com/ziplineloader/zipline/lib/loaderrors"
	"github.com/ziplineloader/zipline/lib/manifest"
)

// KeySet maps a signature key name (as it appears in a manifest's
// "signatures" object) to the Ed25519 public key it names.
type KeySet map[string]ed25519.PublicKey

// Options configures a Verifier.
type Options struct {
	// InsecureSkipVerify disables signature and key-set checks
	// entirely, for loading an unsigned development manifest. Verify
	// honors it on its own; the loader honors it only when the caller
	// also opts in at the loader level (loader.Config.AllowInsecure) —
	// see SPEC_FULL.md's supplemented features for why two independent
	// opt-ins are required.
	InsecureSkipVerify bool
}

// Verifier checks manifests against a fixed trusted key set.
type Verifier struct {
	keys KeySet
	opts Options
}

// New constructs a Verifier. keys may be empty only if opts allows
// InsecureSkipVerify; an empty key set with verification enabled is
// legal to construct but will fail every Verify call with
// ErrNoTrustedKey, matching spec.md's "absent signatures map fails
// unless no-verify" rule.
func New(keys KeySet, opts Options) *Verifier {
	return &Verifier{keys: keys, opts: opts}
}

// Verify checks m's signatures against rawBytes. It iterates
// m.Signatures in manifest order and, for the first entry whose name
// is in the trusted key set, verifies the hex-decoded signature value
// against the canonical signature payload recomputed from rawBytes.
// It returns on the first successful verification. If the Verifier was
// constructed with InsecureSkipVerify, Verify returns nil without
// checking anything.
//
// Otherwise returns ErrNoTrustedKey if no signature name is recognized, or
// ErrSignatureMismatch if every recognized key's signature fails to
// verify.
func (v *Verifier) Verify(rawBytes []byte, m *manifest.Manifest) error {
	if v.opts.InsecureSkipVerify {
		return nil
	}
	return v.VerifyStrict(rawBytes, m)
}

// InsecureSkipVerify reports whether this Verifier was constructed
// with Options.InsecureSkipVerify set. Callers that gate insecure mode
// behind a second opt-in (loader.Config.AllowInsecure) use this to
// decide whether to honor it.
func (v *Verifier) InsecureSkipVerify() bool {
	return v.opts.InsecureSkipVerify
}

// VerifyStrict checks m's signatures unconditionally, ignoring this
// Verifier's InsecureSkipVerify setting. Used when a caller-level
// opt-in (loader.Config.AllowInsecure) has not been granted, so a
// Verifier configured for insecure mode still can't be used to skip
// verification.
func (v *Verifier) VerifyStrict(rawBytes []byte, m *manifest.Manifest) error {
	payload, err := canonical.CanonicalCompact(rawBytes)
	if err != nil {
		return fmt.Errorf("computing signature payload: %w", err)
	}

	sawRecognizedKey := false
	for _, sig := range m.Signatures {
		publicKey, ok := v.keys[sig.Name]
		if !ok {
			continue
		}
		sawRecognizedKey = true

		sigBytes, err := hex.DecodeString(sig.Value)
		if err != nil {
			continue
		}
		if ed25519.Verify(publicKey, payload, sigBytes) {
			return nil
		}
	}

	if !sawRecognizedKey {
		return fmt.Errorf("%w: no signature name in %v matches the trusted key set", loaderrors.ErrNoTrustedKey, signatureNames(m))
	}
	return fmt.Errorf("%w: no recognized signature verified", loaderrors.ErrSignatureMismatch)
}

func signatureNames(m *manifest.Manifest) []string {
	names := make([]string, len(m.Signatures))
	for i, sig := range m.Signatures {
		names[i] = sig.Name
	}
	return names
}
