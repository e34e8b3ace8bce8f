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
)

// pchPath returns the precompiled header's output path:
// "_mjit_h<pid>u0.h.gch".
func pchPath(tempDir string, pid int) string {
	return fmt.Sprintf("%s/_mjit_h%du0.h.gch", tempDir, pid)
}

// findHeader probes dirs in order for the well-known PCH source header.
func findHeader(dirs []string) (string, error) {
	for _, dir := range dirs {
		path := dir + "/yarvjit_runtime.h"
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("yarvjit_runtime.h not found in any of %v", dirs)
}

// pchArgv builds the argv that emits the precompiled header.
func pchArgv(opts Options, headerPath, outPath string) []string {
	argv := baseArgv(opts)
	argv = append(argv, "-x", "c-header", headerPath, "-o", outPath)
	return argv
}

// compileUnitArgv builds the argv that compiles u's generated .c file into
// its .so, applying the GCC/Clang use-PCH flags. pchFile is empty when no
// PCH is available; no header is passed then, and since the generated
// source has no #include of its own, that compile fails and the unit is
// marked not compilable.
func compileUnitArgv(opts Options, u *Unit, pchFile string, pid int) []string {
	argv := baseArgv(opts)
	if pchFile != "" {
		if opts.LLVM {
			argv = append(argv, "-include-pch", pchFile)
		} else {
			argv = append(argv, "-include", headerStemFromPCH(pchFile))
		}
	}
	argv = append(argv,
		"-shared", "-fPIC",
		u.sourcePath(opts.TempDir, pid),
		"-o", u.objectPath(opts.TempDir, pid),
	)
	return argv
}

// baseArgv returns the compiler args common to every invocation.
func baseArgv(opts Options) []string {
	var argv []string
	if opts.Debug {
		argv = append(argv, "-O0", "-g")
	} else {
		argv = append(argv, "-O2")
	}
	if !opts.Warnings {
		argv = append(argv, "-w")
	}
	return argv
}

// headerStemFromPCH derives the header name GCC's "-include" flag expects
// from a PCH path, by stripping the ".gch" suffix GCC's convention adds
// when it locates a header's matching precompiled form next to it.
func headerStemFromPCH(pchFile string) string {
	const suffix = ".gch"
	if len(pchFile) > len(suffix) && pchFile[len(pchFile)-len(suffix):] == suffix {
		return pchFile[:len(pchFile)-len(suffix)]
	}
	return pchFile
}
