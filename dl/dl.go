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

//go:build linux || darwin

// Package dl loads the shared objects the external compiler produces.
//
// Go's own plugin package only loads plugins built by a matching Go
// toolchain; the worker's output is an ordinary C shared object, so this
// package talks to dlopen/dlsym/dlclose directly through cgo, the same
// interface mjit_worker.c uses.
package dl

/*
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Handle is a loaded shared object.
type Handle struct {
	ptr unsafe.Pointer
	// path is retained for diagnostics.
	path string
}

// Open dlopens the shared object at path with RTLD_NOW, so symbol
// resolution failures surface immediately rather than on first call.
func Open(path string) (*Handle, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	// Clear any stale error before calling, per dlerror(3)'s usage note.
	C.dlerror()
	h := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_LOCAL)
	if h == nil {
		return nil, fmt.Errorf("dlopen %s: %s", path, dlerror())
	}
	return &Handle{ptr: h, path: path}, nil
}

// Sym resolves name and returns its address. A zero return with a non-nil
// error mirrors dlsym's own ambiguity between "symbol is NULL" and
// "lookup failed"; callers here never export a deliberately-NULL symbol.
func (h *Handle) Sym(name string) (uintptr, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	C.dlerror()
	sym := C.dlsym(h.ptr, cname)
	if sym == nil {
		if errStr := dlerror(); errStr != "" {
			return 0, fmt.Errorf("dlsym %s in %s: %s", name, h.path, errStr)
		}
	}
	return uintptr(sym), nil
}

// Close unloads the object. The engine calls this on cache eviction and
// from FreeIseq (both only when the unit's reference count is zero), and
// on a handle whose symbol lookup failed or whose iseq was freed before
// publish.
func (h *Handle) Close() error {
	if C.dlclose(h.ptr) != 0 {
		return fmt.Errorf("dlclose %s: %s", h.path, dlerror())
	}
	return nil
}

func dlerror() string {
	cs := C.dlerror()
	if cs == nil {
		return ""
	}
	return C.GoString(cs)
}
