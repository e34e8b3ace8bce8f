// Copyright 2024 The YarvJIT Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOptionsValidateRejectsBadVerbose(t *testing.T) {
	o := DefaultOptions()
	o.Verbose = 4
	if err := o.validate(); err == nil {
		t.Fatal("expected verbose=4 to be rejected")
	}
}

func TestOptionsValidateRejectsMissingTempDir(t *testing.T) {
	o := DefaultOptions()
	o.TempDir = filepath.Join(t.TempDir(), "does-not-exist")
	if err := o.validate(); err == nil {
		t.Fatal("expected a nonexistent temp_dir to be rejected")
	}
}

func TestOptionsValidateAcceptsDefaults(t *testing.T) {
	o := DefaultOptions()
	if err := o.validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestCCBinaryDefaultsByToolchain(t *testing.T) {
	gcc := Options{}
	if got := gcc.ccBinary(); got != "gcc" {
		t.Errorf("expected gcc default, got %q", got)
	}
	clang := Options{LLVM: true}
	if got := clang.ccBinary(); got != "clang" {
		t.Errorf("expected clang default, got %q", got)
	}
	custom := Options{CC: "musl-gcc"}
	if got := custom.ccBinary(); got != "musl-gcc" {
		t.Errorf("expected explicit CC to win, got %q", got)
	}
}

func TestLoadOptionsFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yarvjit.toml")
	const toml = `
on = true
llvm = true
verbose = 2
max_cache_size = 64
`
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}
	if !opts.On || !opts.LLVM || opts.Verbose != 2 || opts.MaxCacheSize != 64 {
		t.Fatalf("unexpected options after load: %+v", opts)
	}
	// Defaults not present in the file must survive the overlay.
	if opts.TempDir != "/tmp" {
		t.Fatalf("expected default temp_dir to survive overlay, got %q", opts.TempDir)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	o := DefaultOptions()
	o.HeaderDirs = []string{"/a"}
	snap := o.snapshot()
	o.HeaderDirs[0] = "/b"
	if snap.HeaderDirs[0] != "/a" {
		t.Fatalf("snapshot must not alias the original slice, got %q", snap.HeaderDirs[0])
	}
}
