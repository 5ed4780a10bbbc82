// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package canonical implements the signature payload canonicalizer: a
// deterministic transform from a manifest's raw JSON to the exact byte
// sequence that manifest signatures are computed and verified over.
//
// The transform operates on a parsed, order-preserving JSON tree rather
// than raw text or a plain map[string]any, because both correctness
// requirements — "don't reorder keys" and "preserve unknown fields of
// any type, including numbers exactly as written" — are awkward to get
// right any other way. encoding/json's map decoding loses key order
// (Go map iteration is randomized) and its float64 number decoding
// loses exact textual precision (1.50 becomes 1.5). Decoding through
// json.Decoder's token stream with UseNumber avoids both problems: it
// sees keys in document order and captures numbers as their original
// literal text.
//
// This is deliberately built on the standard library alone. The
// signature payload is the one piece of this system where "was
// probably fine" isn't good enough — offset-splicing over a
// third-party byte-level JSON editor would trade a small amount of
// code for a correctness risk in exactly the component whose whole
// job is byte-exact determinism.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Kind identifies the JSON type a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a parsed JSON value that preserves object key order and the
// exact textual form of numbers. Exactly one of the scalar fields,
// Array, or Object is meaningful, selected by Kind.
type Value struct {
	Kind   Kind
	Bool   bool
	Number json.Number
	Str    string
	Array  []*Value
	Object *Object
}

// Object is an ordered JSON object: a sequence of key/value members in
// the order they appeared in the source document. Lookups are linear,
// which is fine at manifest scale (dozens of modules, a handful of
// signatures) and keeps the type simple.
type Object struct {
	members []Member
}

// Member is one key/value pair of an Object.
type Member struct {
	Key   string
	Value *Value
}

// Members returns the object's members in document order. The
// returned slice must not be mutated.
func (o *Object) Members() []Member {
	if o == nil {
		return nil
	}
	return o.members
}

// Get returns the value for key and whether it was present.
func (o *Object) Get(key string) (*Value, bool) {
	if o == nil {
		return nil, false
	}
	for _, m := range o.members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// Set replaces the value for an existing key in place, preserving its
// position. It is an error to call Set for a key that is not present;
// callers that need insertion should append to members directly, which
// this package's canonicalizer never needs to do (it only ever blanks
// existing string fields).
func (o *Object) Set(key string, value *Value) bool {
	if o == nil {
		return false
	}
	for i := range o.members {
		if o.members[i].Key == key {
			o.members[i].Value = value
			return true
		}
	}
	return false
}

// String returns a Value holding s.
func String(s string) *Value {
	return &Value{Kind: KindString, Str: s}
}

// Parse decodes JSON bytes into an order-preserving Value tree.
func Parse(data []byte) (*Value, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	value, err := parseValue(decoder)
	if err != nil {
		return nil, fmt.Errorf("parsing json: %w", err)
	}

	// Reject trailing garbage after the root value, matching
	// json.Unmarshal's strictness.
	if _, err := decoder.Token(); err != io.EOF {
		return nil, fmt.Errorf("parsing json: unexpected trailing content")
	}

	return value, nil
}

func parseValue(decoder *json.Decoder) (*Value, error) {
	token, err := decoder.Token()
	if err != nil {
		return nil, err
	}
	return parseValueFromToken(decoder, token)
}

func parseValueFromToken(decoder *json.Decoder, token json.Token) (*Value, error) {
	switch t := token.(type) {
	case json.Delim:
		switch t {
		case '{':
			return parseObject(decoder)
		case '[':
			return parseArray(decoder)
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	case bool:
		return &Value{Kind: KindBool, Bool: t}, nil
	case json.Number:
		return &Value{Kind: KindNumber, Number: t}, nil
	case string:
		return &Value{Kind: KindString, Str: t}, nil
	case nil:
		return &Value{Kind: KindNull}, nil
	default:
		return nil, fmt.Errorf("unexpected token type %T", token)
	}
}

func parseObject(decoder *json.Decoder) (*Value, error) {
	object := &Object{}
	for {
		token, err := decoder.Token()
		if err != nil {
			return nil, err
		}
		if delim, ok := token.(json.Delim); ok && delim == '}' {
			return &Value{Kind: KindObject, Object: object}, nil
		}
		key, ok := token.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %T", token)
		}
		value, err := parseValue(decoder)
		if err != nil {
			return nil, err
		}
		object.members = append(object.members, Member{Key: key, Value: value})
	}
}

func parseArray(decoder *json.Decoder) (*Value, error) {
	var values []*Value
	for {
		token, err := decoder.Token()
		if err != nil {
			return nil, err
		}
		if delim, ok := token.(json.Delim); ok && delim == ']' {
			return &Value{Kind: KindArray, Array: values}, nil
		}
		value, err := parseValueFromToken(decoder, token)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
}

// SerializeCompact renders v as JSON with no insignificant whitespace.
// Object key order and array element order match the parsed document.
func SerializeCompact(v *Value) []byte {
	var buf bytes.Buffer
	writeValue(&buf, v, "", "")
	return buf.Bytes()
}

// SerializePretty renders v as indented JSON (two-space indent),
// intended for debugging output, not for signing.
func SerializePretty(v *Value) []byte {
	var buf bytes.Buffer
	writeValue(&buf, v, "", "  ")
	return buf.Bytes()
}

func writeValue(buf *bytes.Buffer, v *Value, indent, step string) {
	if v == nil {
		buf.WriteString("null")
		return
	}
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		buf.WriteString(v.Number.String())
	case KindString:
		writeJSONString(buf, v.Str)
	case KindArray:
		writeArray(buf, v.Array, indent, step)
	case KindObject:
		writeObject(buf, v.Object, indent, step)
	}
}

func writeArray(buf *bytes.Buffer, elements []*Value, indent, step string) {
	if len(elements) == 0 {
		buf.WriteString("[]")
		return
	}
	childIndent := indent + step
	buf.WriteByte('[')
	for i, elem := range elements {
		if i > 0 {
			buf.WriteByte(',')
		}
		if step != "" {
			buf.WriteByte('\n')
			buf.WriteString(childIndent)
		}
		writeValue(buf, elem, childIndent, step)
	}
	if step != "" {
		buf.WriteByte('\n')
		buf.WriteString(indent)
	}
	buf.WriteByte(']')
}

func writeObject(buf *bytes.Buffer, obj *Object, indent, step string) {
	members := obj.Members()
	if len(members) == 0 {
		buf.WriteString("{}")
		return
	}
	childIndent := indent + step
	buf.WriteByte('{')
	for i, member := range members {
		if i > 0 {
			buf.WriteByte(',')
		}
		if step != "" {
			buf.WriteByte('\n')
			buf.WriteString(childIndent)
		}
		writeJSONString(buf, member.Key)
		buf.WriteByte(':')
		if step != "" {
			buf.WriteByte(' ')
		}
		writeValue(buf, member.Value, childIndent, step)
	}
	if step != "" {
		buf.WriteByte('\n')
		buf.WriteString(indent)
	}
	buf.WriteByte('}')
}

// writeJSONString encodes s as a JSON string literal using
// encoding/json's escaping rules, reused via Marshal on a string
// (which never fails) rather than reimplementing escape logic.
func writeJSONString(buf *bytes.Buffer, s string) {
	encoded, _ := json.Marshal(s)
	buf.Write(encoded)
}
