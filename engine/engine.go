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

// Package engine implements the method JIT compiler's control plane: the
// pending-unit queue, the single background worker that drives translation
// and external compilation, the GC/JIT mutual-exclusion gate, and the
// process-level plumbing (PCH sharing, compiler invocation, eviction) those
// need. Package translate holds the bytecode-to-C translator itself.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/talismancer/yarvjit/iseq"
)

// Engine is the JIT compiler's control plane: one per embedding process.
// The zero value is not usable; construct with New and start with Init.
type Engine struct {
	opts Options

	mu sync.Mutex

	// pchReady, clientWakeup, workerWakeup, and gcWakeup are the protocol's
	// four condition variables, all guarded by mu.
	pchReady     *sync.Cond
	clientWakeup *sync.Cond
	workerWakeup *sync.Cond
	gcWakeup     *sync.Cond

	inGC  bool
	inJIT bool

	pchStatus pchStatus

	queue      unitQueue
	cache      *unitCache
	nextUnitID uint64

	running        bool
	finishWorker   bool
	workerFinished bool
	workerDone     chan struct{}

	runner *runner
	sf     singleflight.Group
	cancel context.CancelFunc
}

// New constructs an Engine bound to opts. Call Init to start the
// background worker.
func New(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	e := &Engine{opts: opts.snapshot()}
	e.pchReady = sync.NewCond(&e.mu)
	e.clientWakeup = sync.NewCond(&e.mu)
	e.workerWakeup = sync.NewCond(&e.mu)
	e.gcWakeup = sync.NewCond(&e.mu)
	if opts.MaxCacheSize > 0 {
		e.cache = newUnitCache(opts.MaxCacheSize)
	}
	return e, nil
}

// Init starts the background worker. It is a no-op if opts.On is false,
// matching the original's "compiler disabled" fallback: every other
// Engine method still works, just never compiles anything.
func (e *Engine) Init() error {
	e.mu.Lock()
	if !e.opts.On {
		e.mu.Unlock()
		return nil
	}
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("yarvjit: engine already started")
	}
	r, err := newRunner(e.opts)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("yarvjit: starting runner: %w", err)
	}
	e.runner = r
	e.running = true
	e.workerDone = make(chan struct{})
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.workerLoop(ctx)
	return nil
}

// Submit enqueues body for compilation, returning the Unit created for it.
// Submitting the same body twice (e.g. two call sites racing past the
// "should I JIT this" heuristic) is deduplicated via singleflight so only
// one Unit, and one compile, is ever created per body.
func (e *Engine) Submit(body *iseq.Body) (*Unit, error) {
	if body == nil {
		return nil, fmt.Errorf("yarvjit: cannot submit nil iseq")
	}

	key := fmt.Sprintf("%p", body)
	v, err, _ := e.sf.Do(key, func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()

		if !e.running {
			return nil, fmt.Errorf("yarvjit: engine not running")
		}
		if existing := body.JIT.Unit(); existing != nil {
			return existing.(*Unit), nil
		}

		e.nextUnitID++
		u := &Unit{id: e.nextUnitID, iseq: body}
		body.JIT.SetUnit(u)
		e.queue.enqueue(u)
		e.workerWakeup.Signal()
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Unit), nil
}

// FreeIseq tombstones body's unit, if any, so the worker drops it instead
// of compiling it, and releases any already-published handle. Call this
// from the iseq's finalizer/free path, when an iseq is freed while still
// queued for compilation.
func (e *Engine) FreeIseq(body *iseq.Body) {
	if body == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	u, _ := body.JIT.Tombstone().(*Unit)
	if u == nil {
		return
	}
	u.iseq = nil
	if u.handle != nil && u.refs == 0 {
		u.handle.Close()
		u.handle = nil
	}
}

// GCStartHook and GCFinishHook are the embedding runtime's entry points
// into the gate implemented in gate.go.
func (e *Engine) GCStartHook()  { e.gcStartHook() }
func (e *Engine) GCFinishHook() { e.gcFinishHook() }

// Finish signals the worker to drain its queue and stop, waits for it to
// do so, and then removes the precompiled header unless SaveTemps is set.
// Safe to call on an engine whose Init was a no-op.
func (e *Engine) Finish() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.finishWorker = true
	e.workerWakeup.Broadcast()
	done := e.workerDone
	e.mu.Unlock()

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		<-done
		if e.opts.SaveTemps {
			return nil
		}
		if err := os.Remove(pchPath(e.opts.TempDir, os.Getpid())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("yarvjit: removing precompiled header: %w", err)
		}
		return nil
	})
	err := g.Wait()

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	return err
}
