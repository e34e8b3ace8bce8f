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

package iseq

import "testing"

func TestJITSlotPublishRoundTrip(t *testing.T) {
	var slot JITSlot
	if got := slot.LoadFunc(); got != FuncNotCompiled {
		t.Fatalf("expected zero value FuncNotCompiled, got %v", got)
	}

	slot.StoreFunc(FuncNotCompilable)
	if got := slot.LoadFunc(); got != FuncNotCompilable || got.IsCode() {
		t.Fatalf("expected sentinel FuncNotCompilable, got %v", got)
	}

	const addr Func = LastSentinel + 0x1000
	slot.StoreFunc(addr)
	if got := slot.LoadFunc(); got != addr || !got.IsCode() {
		t.Fatalf("expected real code address %v, got %v (IsCode=%v)", addr, got, got.IsCode())
	}
}

func TestJITSlotTombstone(t *testing.T) {
	var slot JITSlot
	slot.SetUnit("unit-42")
	if got := slot.Unit(); got != "unit-42" {
		t.Fatalf("expected attached unit, got %v", got)
	}

	returned := slot.Tombstone()
	if returned != "unit-42" {
		t.Fatalf("Tombstone should return the previously attached unit, got %v", returned)
	}
	if got := slot.Unit(); got != nil {
		t.Fatalf("expected unit to be nil after tombstone, got %v", got)
	}
	// Tombstoning again is a no-op, not a panic.
	if got := slot.Tombstone(); got != nil {
		t.Fatalf("expected nil from a second tombstone, got %v", got)
	}
}

func TestOpcodeStringUnknown(t *testing.T) {
	if got := Opcode(-1).String(); got != "unknown" {
		t.Errorf("expected \"unknown\" for an out-of-range opcode, got %q", got)
	}
	if got := opcodeCount.String(); got != "unknown" {
		t.Errorf("expected \"unknown\" for opcodeCount sentinel, got %q", got)
	}
	if got := OpLeave.String(); got != "leave" {
		t.Errorf("expected %q, got %q", "leave", got)
	}
}

func TestBodySize(t *testing.T) {
	b := NewBuilder("t", 1).
		Emit(Insn{Op: OpPutSelf}).
		Emit(Insn{Op: OpLeave}).
		Build(0)
	if got := b.Size(); got != 2 {
		t.Errorf("expected Size()==2, got %d", got)
	}
}
