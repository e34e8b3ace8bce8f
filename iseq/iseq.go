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

// Package iseq describes the bytecode body the engine translates.
//
// Construction and interpretation of a Body are the host interpreter's
// responsibility; this package only defines the shape the engine reads,
// plus the two fields ([Body.JIT]'s back-pointer and published function
// address) that the engine is allowed to write.
package iseq

import (
	"sync"
	"sync/atomic"
)

// Func is the value installed into a Body's JIT slot. Zero means "never
// attempted". Values up to [LastSentinel] are sentinels; anything greater
// is a real, callable code address produced by dlsym.
type Func uintptr

// Sentinel values for Body.JIT.Func.
const (
	// FuncNotCompiled is the zero value: the unit hasn't finished, or was
	// never submitted.
	FuncNotCompiled Func = 0

	// FuncNotCompilable means translation or compilation rejected the
	// iseq; the interpreter must not retry it.
	FuncNotCompilable Func = 1

	// FuncNotAdded means compilation produced a shared object but loading
	// it (dlopen/dlsym) failed.
	FuncNotAdded Func = 2

	// LastSentinel is the greatest sentinel value. Any Func greater than
	// this is a genuine function address.
	LastSentinel = FuncNotAdded
)

// IsCode reports whether f is a real function address rather than a
// sentinel.
func (f Func) IsCode() bool { return f > LastSentinel }

// JITSlot is the mutable coupling between an iseq body and the engine's
// compilation unit for it.
//
// Func is lock-free: the interpreter reads it without taking any lock, so
// every write to it must be an atomic store of a fully-formed value. unit
// is guarded by mu and holds an opaque (any) pointer to the owning
// *engine.Unit, to avoid iseq importing engine. The interpreter never
// touches unit directly; only package engine does, via type assertion.
type JITSlot struct {
	Func atomic.Uintptr

	mu   sync.Mutex
	unit any
}

// LoadFunc atomically reads the published function address.
func (s *JITSlot) LoadFunc() Func { return Func(s.Func.Load()) }

// StoreFunc atomically publishes f. Called exactly once per unit, after
// the unit's iseq has been confirmed live under the engine mutex.
func (s *JITSlot) StoreFunc(f Func) { s.Func.Store(uintptr(f)) }

// Unit returns the opaque unit pointer under mu.
func (s *JITSlot) Unit() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unit
}

// SetUnit installs u as the owning unit. Called once by engine.Submit.
func (s *JITSlot) SetUnit(u any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unit = u
}

// Tombstone clears the back-pointer, signaling that the iseq is gone and
// any unit still holding a reference to it should treat it as dead. It
// returns the unit that was attached, if any, so the caller (engine.FreeIseq)
// can tombstone the unit's side without a second lock round-trip.
func (s *JITSlot) Tombstone() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.unit
	s.unit = nil
	return u
}

// Param describes the iseq's optional-argument table, used to emit the
// opt_pc dispatch switch.
type Param struct {
	// OptTable holds one encoded instruction offset per optional argument
	// count accepted, indexed from zero required args upward. Empty if
	// the method takes no optional arguments.
	OptTable []int
}

// Location is debug/identifying information about the iseq, used only for
// naming and diagnostics (never for translation decisions).
type Location struct {
	Label     string
	Path      string
	FirstLine int
}

// CatchEntry describes one entry of the iseq's exception table.
type CatchEntry struct {
	Type   CatchType
	Start  int // instruction offset, inclusive
	End    int // instruction offset, exclusive
	Target int // instruction offset of the handler
	// ContSP is the operand-stack depth the handler expects on entry.
	ContSP int
}

// CatchType enumerates catch-table entry kinds.
type CatchType int

const (
	CatchRescue CatchType = iota
	CatchEnsure
	CatchRetry
	CatchBreak
	CatchRedo
	CatchNext
)

// Body is the read-only bytecode body the engine translates. Everything
// except JIT is owned and mutated by the host interpreter; the engine
// never writes Insns, StackMax, Params, Location, or CatchTable.
type Body struct {
	// Insns is the linear instruction sequence (spec's iseq_encoded,
	// decoded into individual instructions for convenience — the engine
	// never needs the raw operand-word encoding).
	Insns []Insn

	// StackMax is the maximum simultaneous operand-stack depth the
	// interpreter computed for this body.
	StackMax int

	// TotalCalls is the dispatch-time call counter used as the hotness
	// signal for queue priority. Incremented by the interpreter; read
	// atomically by the engine.
	TotalCalls atomic.Uint64

	Params     Param
	Location   Location
	CatchTable []CatchEntry

	// JIT is the engine-owned coupling described above.
	JIT JITSlot
}

// Size returns the number of instructions, mirroring the C iseq_size
// field (there measured in VALUE words, here in decoded instructions).
func (b *Body) Size() int { return len(b.Insns) }
