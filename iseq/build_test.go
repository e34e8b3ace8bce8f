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

func TestBuilderAssignsSequentialPositions(t *testing.T) {
	body := NewBuilder("seq", 2).
		Emit(Insn{Op: OpPutObject, Operand0: 1}).
		Emit(Insn{Op: OpPutObject, Operand0: 2}).
		Emit(Insn{Op: OpOptPlus}).
		Emit(Insn{Op: OpLeave}).
		Build(0)

	for i, insn := range body.Insns {
		if insn.Pos != i {
			t.Errorf("insn %d: expected Pos==%d, got %d", i, i, insn.Pos)
		}
	}
}

func TestBuilderSeedsTotalCalls(t *testing.T) {
	body := NewBuilder("seeded", 1).
		Emit(Insn{Op: OpLeave}).
		Build(777)
	if got := body.TotalCalls.Load(); got != 777 {
		t.Errorf("expected TotalCalls==777, got %d", got)
	}
}

func TestBuilderCopiesInsns(t *testing.T) {
	b := NewBuilder("isolated", 1)
	b.Emit(Insn{Op: OpPutSelf})
	first := b.Build(0)
	b.Emit(Insn{Op: OpLeave})
	second := b.Build(0)

	if len(first.Insns) != 1 {
		t.Fatalf("expected the first Build to see only what was emitted so far, got %d insns", len(first.Insns))
	}
	if len(second.Insns) != 2 {
		t.Fatalf("expected the second Build to see both insns, got %d", len(second.Insns))
	}
}
