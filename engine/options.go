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
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
)

// Toolchain selects the argv dialect used to invoke the external compiler.
type Toolchain int

const (
	ToolchainGCC Toolchain = iota
	ToolchainClang
)

// Options configures the engine. All boolean flags default off. Zero value
// is a fully-disabled engine (On == false).
type Options struct {
	// On is the master enable; Init refuses to start the worker if false.
	On bool `toml:"on"`

	// LLVM selects Clang-style argv (-include-pch, clang binary) instead
	// of GCC-style (-include, gcc binary).
	LLVM bool `toml:"llvm"`

	// SaveTemps keeps generated .c/.so/.gch files instead of deleting them
	// after use.
	SaveTemps bool `toml:"save_temps"`

	// Warnings emits non-fatal compiler-interaction warnings to stderr.
	Warnings bool `toml:"warnings"`

	// Debug selects the -O0 -g argv variant.
	Debug bool `toml:"debug"`

	// Verbose is a 0-3 logging level: at 1 and above compile and load
	// failures are logged as warnings, at 2 and above the PCH-ready notice
	// is logged, and at 3 compiler output is passed through. Warnings from
	// the PCH build are logged at every level.
	Verbose int `toml:"verbose"`

	// MaxCacheSize bounds the number of retained (already-compiled) units.
	// 0 means unbounded. See engine/cache.go for the eviction policy this
	// drives.
	MaxCacheSize int `toml:"max_cache_size"`

	// TempDir is where generated files are written. Defaults to "/tmp".
	TempDir string `toml:"temp_dir"`

	// CC is the compiler binary name, resolved via PATH. When empty,
	// "gcc" or "clang" is used depending on LLVM.
	CC string `toml:"cc"`

	// HeaderDirs are probed in order for the well-known PCH source header.
	// DefaultOptions sets a two-entry list; an empty list finds no header.
	HeaderDirs []string `toml:"header_dirs"`

	// CgroupPath, if non-empty, places every compiler child process into
	// this cgroup (CPU/memory bounded there). See engine/runner.go.
	CgroupPath string `toml:"cgroup_path"`

	// MaxCompilesPerSecond throttles how often the worker may start a
	// compiler invocation, via a token-bucket rate.Limiter constructed in
	// newRunner. Zero disables throttling.
	MaxCompilesPerSecond float64 `toml:"max_compiles_per_second"`
}

// DefaultOptions returns the all-off default configuration.
func DefaultOptions() Options {
	return Options{
		TempDir: "/tmp",
		HeaderDirs: []string{
			"/usr/include/yarvjit",
			"/usr/local/include/yarvjit",
		},
	}
}

// LoadOptions reads a TOML options file, overlaying it onto the defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return Options{}, fmt.Errorf("loading options from %s: %w", path, err)
	}
	return opts, nil
}

// snapshot returns a deep copy of opts, used once in New to freeze the
// engine's options snapshot independent of any Options value the caller
// continues to hold and mutate.
func (o Options) snapshot() Options {
	return deepcopy.Copy(o).(Options)
}

func (o Options) ccBinary() string {
	if o.CC != "" {
		return o.CC
	}
	if o.LLVM {
		return "clang"
	}
	return "gcc"
}

// validate reports configuration errors that would make the engine unsafe
// to start, distinct from the PCH/compiler failures handled at runtime.
func (o Options) validate() error {
	if o.Verbose < 0 || o.Verbose > 3 {
		return fmt.Errorf("verbose must be 0-3, got %d", o.Verbose)
	}
	if o.TempDir == "" {
		return fmt.Errorf("temp_dir must not be empty")
	}
	if fi, err := os.Stat(o.TempDir); err != nil || !fi.IsDir() {
		return fmt.Errorf("temp_dir %s is not an accessible directory", o.TempDir)
	}
	return nil
}
