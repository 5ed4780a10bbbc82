// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest decodes the wire-format manifest JSON into typed
// values and validates the module dependency graph it describes.
//
// A Manifest keeps its original raw bytes alongside the typed view.
// Signature verification (package verify) and canonicalization
// (package canonical) both operate on those raw bytes directly rather
// than on a re-serialization of the typed struct, so Manifest never
// needs unknown-field round-trip machinery of its own — it only needs
// to expose the fields callers actually use.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ziplineloader/zipline/lib/contenthash"
	"github.com/ziplineloader/zipline/lib/loaderrors"
)

// Module describes one entry under a manifest's "modules" object.
type Module struct {
	ID           string
	URL          string
	SHA256       contenthash.Hash
	DependsOnIDs []string
}

// SignatureEntry is one entry of the manifest's ordered "signatures"
// object: a key name and a hex-encoded signature value. Order matters
// — the verifier tries entries in the order they appear in the
// manifest, so Signatures is a slice, never a map.
type SignatureEntry struct {
	Name  string
	Value string
}

// Manifest is the typed view of a manifest's wire JSON, plus the raw
// bytes it was parsed from.
type Manifest struct {
	MainModuleID string
	MainFunction string
	Modules      []Module
	Signatures   []SignatureEntry

	// RawJSON is the exact bytes Parse was given. Verification and
	// canonicalization operate on this, never on a re-marshaled form.
	RawJSON []byte

	unknown map[string]json.RawMessage
}

// ModuleByID looks up a module by id, in manifest declaration order.
func (m *Manifest) ModuleByID(id string) (Module, bool) {
	for _, module := range m.Modules {
		if module.ID == id {
			return module, true
		}
	}
	return Module{}, false
}

// UnknownField decodes an arbitrary top-level field the typed struct
// doesn't otherwise expose (for example a "version" field used for
// freshness checks) into dest. It reports false if the field is
// absent.
func (m *Manifest) UnknownField(name string, dest any) (bool, error) {
	raw, ok := m.unknown[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decoding unknown field %q: %w", name, err)
	}
	return true, nil
}

type wireModule struct {
	URL          string   `json:"url"`
	SHA256       string   `json:"sha256"`
	DependsOnIDs []string `json:"dependsOnIds,omitempty"`
}

type wireManifest struct {
	Modules      map[string]wireModule `json:"modules"`
	MainModuleID string                `json:"mainModuleId"`
	MainFunction string                `json:"mainFunction"`
	Signatures   map[string]string     `json:"signatures"`
}

// Parse decodes raw manifest JSON into a Manifest and validates its
// dependency graph: every id in every module's dependsOnIds must
// itself be a key of modules, and the graph must be acyclic.
//
// Signature entry order is recovered by a second, order-preserving
// decode pass (encoding/json's map decoding, used above for
// convenience on other fields, does not preserve key order).
func Parse(raw []byte) (*Manifest, error) {
	var wire wireManifest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", loaderrors.ErrManifestParseFailed, err)
	}

	var unknownWire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &unknownWire); err != nil {
		return nil, fmt.Errorf("%w: %v", loaderrors.ErrManifestParseFailed, err)
	}
	for _, known := range []string{"modules", "mainModuleId", "mainFunction", "signatures"} {
		delete(unknownWire, known)
	}

	modules := make([]Module, 0, len(wire.Modules))
	moduleNames, err := objectKeyOrder(raw, "modules")
	if err != nil {
		return nil, err
	}
	for _, id := range moduleNames {
		wm, ok := wire.Modules[id]
		if !ok {
			continue
		}
		hash, err := contenthash.ParseHash(wm.SHA256)
		if err != nil {
			return nil, fmt.Errorf("%w: module %q sha256: %v", loaderrors.ErrManifestParseFailed, id, err)
		}
		modules = append(modules, Module{
			ID:           id,
			URL:          wm.URL,
			SHA256:       hash,
			DependsOnIDs: wm.DependsOnIDs,
		})
	}

	signatureNames, err := objectKeyOrder(raw, "signatures")
	if err != nil {
		return nil, err
	}
	signatures := make([]SignatureEntry, 0, len(signatureNames))
	for _, name := range signatureNames {
		signatures = append(signatures, SignatureEntry{Name: name, Value: wire.Signatures[name]})
	}

	m := &Manifest{
		MainModuleID: wire.MainModuleID,
		MainFunction: wire.MainFunction,
		Modules:      modules,
		Signatures:   signatures,
		RawJSON:      raw,
		unknown:      unknownWire,
	}

	if err := validateDAG(m); err != nil {
		return nil, err
	}

	return m, nil
}

// objectKeyOrder returns the key order of the named top-level object
// field in raw, or nil if the field is absent or not an object.
func objectKeyOrder(raw []byte, field string) ([]string, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", loaderrors.ErrManifestParseFailed, err)
	}
	sub, ok := root[field]
	if !ok {
		return nil, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(sub))
	token, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", loaderrors.ErrManifestParseFailed, err)
	}
	delim, ok := token.(json.Delim)
	if !ok || delim != '{' {
		return nil, nil
	}

	var keys []string
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", loaderrors.ErrManifestParseFailed, err)
		}
		key, ok := keyToken.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected object key", loaderrors.ErrManifestParseFailed)
		}
		keys = append(keys, key)
		if err := skipValue(decoder); err != nil {
			return nil, fmt.Errorf("%w: %v", loaderrors.ErrManifestParseFailed, err)
		}
	}
	return keys, nil
}

func skipValue(decoder *json.Decoder) error {
	depth := 0
	for {
		token, err := decoder.Token()
		if err != nil {
			return err
		}
		if delim, ok := token.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
		if depth == 0 {
			return nil
		}
	}
}

// validateDAG checks that every dependsOnIds entry refers to a real
// module and that the resulting graph is acyclic, using DFS with a
// three-color visited set. Performed before any fetch is launched, per
// the receive engine's wait-set-before-launch requirement.
func validateDAG(m *Manifest) error {
	index := make(map[string]Module, len(m.Modules))
	for _, module := range m.Modules {
		index[module.ID] = module
	}
	for _, module := range m.Modules {
		for _, depID := range module.DependsOnIDs {
			if _, ok := index[depID]; !ok {
				return fmt.Errorf("%w: module %q depends on unknown id %q", loaderrors.ErrMissingDependency, module.ID, depID)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(m.Modules))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: cycle through module %q", loaderrors.ErrCycleDetected, id)
		}
		state[id] = visiting
		for _, depID := range index[id].DependsOnIDs {
			if err := visit(depID); err != nil {
				return err
			}
		}
		state[id] = visited
		return nil
	}

	for _, module := range m.Modules {
		if err := visit(module.ID); err != nil {
			return err
		}
	}
	return nil
}
