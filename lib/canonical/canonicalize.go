// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

package canonical

// Canonicalize parses manifestJSON and returns the canonical signature
// payload as an order-preserving Value tree: for each object under
// "modules" that has a "url" field, that field's value is replaced
// with the empty string; every value under "signatures" is replaced
// with the empty string. All other fields, including unknown ones of
// any type and any nesting depth, pass through unchanged. Key order,
// including the order of "modules" and "signatures" entries, is
// preserved exactly.
//
// A manifest missing "modules" or "signatures" entirely is left
// missing — canonicalization never adds fields.
func Canonicalize(manifestJSON []byte) (*Value, error) {
	root, err := Parse(manifestJSON)
	if err != nil {
		return nil, err
	}
	if root.Kind != KindObject {
		return root, nil
	}

	if modules, ok := root.Object.Get("modules"); ok && modules.Kind == KindObject {
		for _, member := range modules.Object.Members() {
			module := member.Value
			if module.Kind != KindObject {
				continue
			}
			if _, hasURL := module.Object.Get("url"); hasURL {
				module.Object.Set("url", String(""))
			}
		}
	}

	if signatures, ok := root.Object.Get("signatures"); ok && signatures.Kind == KindObject {
		for _, member := range signatures.Object.Members() {
			signatures.Object.Set(member.Key, String(""))
		}
	}

	return root, nil
}

// CanonicalCompact is a convenience wrapper returning the compact
// serialized form directly — the bytes that are actually signed and
// verified.
func CanonicalCompact(manifestJSON []byte) ([]byte, error) {
	canonicalValue, err := Canonicalize(manifestJSON)
	if err != nil {
		return nil, err
	}
	return SerializeCompact(canonicalValue), nil
}

// CanonicalPretty is a convenience wrapper returning the indented
// serialized form, for debugging output only.
func CanonicalPretty(manifestJSON []byte) ([]byte, error) {
	canonicalValue, err := Canonicalize(manifestJSON)
	if err != nil {
		return nil, err
	}
	return SerializePretty(canonicalValue), nil
}
