// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

package manifest_test

import (
	"errors"
	"testing"

	"github.com/ziplineloader/zipline/lib/loaderrors"
	"github.com/ziplineloader/zipline/lib/manifest"
)

var validManifest = `{
  "modules": {
    "./a.js": {"url": "a.zipline", "sha256": "` + hash64("a") + `"},
    "./b.js": {"url": "b.zipline", "sha256": "` + hash64("b") + `", "dependsOnIds": ["./a.js"]}
  },
  "mainModuleId": "./b.js",
  "mainFunction": "main",
  "signatures": {"sigA": "deadbeef", "sigB": "c0ffee"},
  "version": 7
}`

func hash64(seed string) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = "0123456789abcdef"[(int(seed[0])+i)%16]
	}
	return string(out)
}

func TestParseValid(t *testing.T) {
	m, err := manifest.Parse([]byte(validManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.MainModuleID != "./b.js" {
		t.Errorf("MainModuleID = %q", m.MainModuleID)
	}
	if len(m.Modules) != 2 {
		t.Fatalf("len(Modules) = %d, want 2", len(m.Modules))
	}
	if m.Modules[0].ID != "./a.js" || m.Modules[1].ID != "./b.js" {
		t.Errorf("module order not preserved: %+v", m.Modules)
	}

	if len(m.Signatures) != 2 || m.Signatures[0].Name != "sigA" || m.Signatures[1].Name != "sigB" {
		t.Fatalf("signature order not preserved: %+v", m.Signatures)
	}

	var version int
	found, err := m.UnknownField("version", &version)
	if err != nil {
		t.Fatalf("UnknownField: %v", err)
	}
	if !found || version != 7 {
		t.Errorf("UnknownField(version) = %d, %v", version, found)
	}
}

func TestParseMissingDependency(t *testing.T) {
	raw := `{"modules":{"./a.js":{"url":"a","sha256":"` + hash64("a") + `","dependsOnIds":["./missing.js"]}}}`
	_, err := manifest.Parse([]byte(raw))
	if !errors.Is(err, loaderrors.ErrMissingDependency) {
		t.Fatalf("err = %v, want ErrMissingDependency", err)
	}
}

func TestParseCycle(t *testing.T) {
	raw := `{"modules":{
		"./a.js":{"url":"a","sha256":"` + hash64("a") + `","dependsOnIds":["./b.js"]},
		"./b.js":{"url":"b","sha256":"` + hash64("b") + `","dependsOnIds":["./a.js"]}
	}}`
	_, err := manifest.Parse([]byte(raw))
	if !errors.Is(err, loaderrors.ErrCycleDetected) {
		t.Fatalf("err = %v, want ErrCycleDetected", err)
	}
}

func TestParseSelfCycle(t *testing.T) {
	raw := `{"modules":{"./a.js":{"url":"a","sha256":"` + hash64("a") + `","dependsOnIds":["./a.js"]}}}`
	_, err := manifest.Parse([]byte(raw))
	if !errors.Is(err, loaderrors.ErrCycleDetected) {
		t.Fatalf("err = %v, want ErrCycleDetected", err)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := manifest.Parse([]byte(`{not json`))
	if !errors.Is(err, loaderrors.ErrManifestParseFailed) {
		t.Fatalf("err = %v, want ErrManifestParseFailed", err)
	}
}

func TestParseBadHash(t *testing.T) {
	_, err := manifest.Parse([]byte(`{"modules":{"./a.js":{"url":"a","sha256":"nothex"}}}`))
	if !errors.Is(err, loaderrors.ErrManifestParseFailed) {
		t.Fatalf("err = %v, want ErrManifestParseFailed", err)
	}
}

func TestModuleByID(t *testing.T) {
	m, err := manifest.Parse([]byte(validManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	module, ok := m.ModuleByID("./a.js")
	if !ok || module.URL != "a.zipline" {
		t.Fatalf("ModuleByID(./a.js) = %+v, %v", module, ok)
	}
	if _, ok := m.ModuleByID("./missing.js"); ok {
		t.Fatal("ModuleByID(./missing.js) should not be found")
	}
}

func TestUnknownFieldAbsent(t *testing.T) {
	m, err := manifest.Parse([]byte(`{"modules":{}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var dest string
	found, err := m.UnknownField("nope", &dest)
	if err != nil {
		t.Fatalf("UnknownField: %v", err)
	}
	if found {
		t.Fatal("expected field not found")
	}
}
