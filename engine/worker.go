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
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/talismancer/yarvjit/dl"
	"github.com/talismancer/yarvjit/iseq"
	"github.com/talismancer/yarvjit/translate"
)

// workerLoop is the single background goroutine spawned by Init. It
// mirrors the original's worker thread: build the PCH once, then
// repeatedly dequeue the best pending unit, generate and compile its C
// source, and publish the resulting function pointer. Shutdown is
// cooperative: Finish sets finishWorker and broadcasts workerWakeup, and
// the loop exits once the queue has drained.
func (e *Engine) workerLoop(ctx context.Context) {
	defer close(e.workerDone)

	e.buildPCH(ctx)

	for {
		u := e.waitNextUnit()
		if u == nil {
			return // finishWorker set and queue empty
		}
		e.compileUnit(ctx, u)
	}
}

// waitNextUnit blocks until a live unit is queued or shutdown is requested.
// Tombstoned units are dropped by dequeueBest and never returned.
func (e *Engine) waitNextUnit() *Unit {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if u := e.queue.dequeueBest(); u != nil {
			return u
		}
		if e.finishWorker {
			e.workerFinished = true
			return nil
		}
		e.workerWakeup.Wait()
	}
}

// compileUnit runs one full translate-compile-load-publish cycle for u.
// Translation itself happens inside the GC/JIT gate; the external
// compiler invocation and dlopen happen outside it, since they touch no
// GC-managed memory.
func (e *Engine) compileUnit(ctx context.Context, u *Unit) {
	e.enterTranslation()
	var source string
	var genErr error
	func() {
		defer e.exitTranslation()

		e.mu.Lock()
		body := u.iseq
		e.mu.Unlock()
		if body == nil {
			return // tombstoned between dequeue and here
		}
		source, genErr = translate.Generate(body, u.funcSymbol())
	}()

	if genErr != nil {
		e.markNotCompilable(u, genErr)
		return
	}
	if source == "" {
		return // unit went stale while we were generating
	}

	pid := os.Getpid()
	srcPath := u.sourcePath(e.opts.TempDir, pid)
	if err := os.WriteFile(srcPath, []byte(source), 0o644); err != nil {
		e.markNotCompilable(u, err)
		return
	}
	if !e.opts.SaveTemps {
		defer os.Remove(srcPath)
	}

	pch := e.waitForPCH()
	argv := compileUnitArgv(e.opts, u, pch, pid)
	full := append([]string{e.opts.ccBinary()}, argv...)
	if err := e.runner.run(ctx, full); err != nil {
		e.markNotCompilable(u, err)
		return
	}
	objPath := u.objectPath(e.opts.TempDir, pid)
	if !e.opts.SaveTemps {
		defer os.Remove(objPath)
	}

	handle, err := dl.Open(objPath)
	if err != nil {
		e.markNotAdded(u, err)
		return
	}
	addr, err := handle.Sym(u.funcSymbol())
	if err != nil {
		handle.Close()
		e.markNotAdded(u, err)
		return
	}

	e.publish(u, handle, iseq.Func(addr))
}

// markNotCompilable records the NOT_COMPILABLE sentinel so nothing
// re-attempts this iseq, and logs the reason at the configured verbosity.
func (e *Engine) markNotCompilable(u *Unit, err error) {
	if e.opts.Verbose >= 1 {
		logrus.WithError(err).WithField("unit", u.id).Warn("yarvjit: compilation failed")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if u.iseq != nil {
		u.iseq.JIT.StoreFunc(iseq.FuncNotCompilable)
	}
}

// markNotAdded records the NOT_ADDED sentinel: compilation produced a
// shared object, but dlopen/dlsym failed to load it. Distinct from
// NOT_COMPILABLE so a caller inspecting the published sentinel can tell a
// translation/compile reject from a load failure.
func (e *Engine) markNotAdded(u *Unit, err error) {
	if e.opts.Verbose >= 1 {
		logrus.WithError(err).WithField("unit", u.id).Warn("yarvjit: loading compiled unit failed")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if u.iseq != nil {
		u.iseq.JIT.StoreFunc(iseq.FuncNotAdded)
	}
}

// publish installs the compiled function pointer if the iseq is still
// alive, and retains the unit in the eviction cache. If the iseq was
// freed while compilation was in flight, the freshly built handle is
// closed immediately instead of leaking it.
func (e *Engine) publish(u *Unit, handle *dl.Handle, fn iseq.Func) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u.handle = handle
	if u.iseq == nil {
		handle.Close()
		return
	}
	u.iseq.JIT.StoreFunc(fn)
	if e.cache != nil {
		e.cache.retain(u)
	}
}
