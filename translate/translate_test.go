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

package translate_test

import (
	"strings"
	"testing"

	"github.com/talismancer/yarvjit/iseq"
	"github.com/talismancer/yarvjit/translate"
)

// TestConstantReturn covers `[putobject 42; leave]`: the generated function
// must declare a one-slot stack and return it directly.
func TestConstantReturn(t *testing.T) {
	b := iseq.NewBuilder("s1_const_return", 1)
	b.Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 42})
	b.Emit(iseq.Insn{Op: iseq.OpLeave})
	body := b.Build(0)

	src, err := translate.Generate(body, "_mjit1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, want := range []string{
		"VALUE stack[1];",
		"rb_mjit_get_literal(cfp->iseq, 42)",
		"return stack[0];",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("generated source missing %q:\n%s", want, src)
		}
	}
}

// TestConditionalBranch covers two leaves reached via separate branches,
// each with stack_size == 1.
func TestConditionalBranch(t *testing.T) {
	b := iseq.NewBuilder("s2_conditional", 1)
	b.Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 1})       // 0: true
	b.Emit(iseq.Insn{Op: iseq.OpBranchUnless, Operand0: 4})    // 1: -> pos 4
	b.Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 1})       // 2
	b.Emit(iseq.Insn{Op: iseq.OpLeave})                        // 3
	b.Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 0})       // 4
	b.Emit(iseq.Insn{Op: iseq.OpLeave})                        // 5
	body := b.Build(0)

	src, err := translate.Generate(body, "_mjit2")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if strings.Count(src, "label_4:") != 1 {
		t.Errorf("label_4 must appear exactly once:\n%s", src)
	}
	if !strings.Contains(src, "goto label_4;") {
		t.Errorf("expected a goto to label_4:\n%s", src)
	}
	if strings.Count(src, "return stack[0];") != 2 {
		t.Errorf("expected two independent leave returns:\n%s", src)
	}
}

// TestOptBinopCancelGuard covers a stable inline cache taking the fast path;
// the generated guard and cancel handler must both be present so an
// invalidated cache can side-exit.
func TestOptBinopCancelGuard(t *testing.T) {
	b := iseq.NewBuilder("s3_opt_plus", 2)
	b.Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 1})
	b.Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 2})
	b.Emit(iseq.Insn{Op: iseq.OpOptPlus, Operand0: 7})
	b.Emit(iseq.Insn{Op: iseq.OpLeave})
	body := b.Build(0)

	src, err := translate.Generate(body, "_mjit3")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, want := range []string{
		"rb_mjit_ic_stable(7)",
		"rb_mjit_opt_plus(stack[0], stack[1])",
		"goto cancel;",
		"cancel:",
		"return Qundef;",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("generated source missing %q:\n%s", want, src)
		}
	}

	// Both operands are still live in stack[] at either cancel site (the
	// cache-invalid guard before the call, and the Qundef check after it):
	// the inline cache guard and the fast-path's own undefined-result guard
	// must reconstruct the identical cfp->sp, or one side-exit spills a
	// stack missing its top operand.
	if n := strings.Count(src, "cfp->sp = cfp->bp + 2;"); n != 2 {
		t.Errorf("expected both opt_plus cancel sites to spill at depth 2, got %d occurrences:\n%s", n, src)
	}
}

func TestEmptyBodyRejected(t *testing.T) {
	body := iseq.NewBuilder("empty", 0).Build(0)
	if _, err := translate.Generate(body, "_mjit4"); err == nil {
		t.Fatal("expected empty iseq body to be rejected")
	} else if !translate.IsRejected(err) {
		t.Fatalf("expected a rejection error, got %v", err)
	}
}

func TestZeroStackMaxRejectsPush(t *testing.T) {
	b := iseq.NewBuilder("zero_stack", 0)
	b.Emit(iseq.Insn{Op: iseq.OpPutSelf})
	b.Emit(iseq.Insn{Op: iseq.OpLeave})
	body := b.Build(0)

	if _, err := translate.Generate(body, "_mjit5"); err == nil {
		t.Fatal("expected a push against stack_max==0 to be rejected")
	} else if !strings.Contains(err.Error(), "stack_max") {
		t.Fatalf("expected a stack_max rejection, got: %v", err)
	}
}

func TestBranchTargetOutOfRangeRejected(t *testing.T) {
	b := iseq.NewBuilder("bad_target", 1)
	b.Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 1})
	b.Emit(iseq.Insn{Op: iseq.OpBranchUnless, Operand0: 99})
	b.Emit(iseq.Insn{Op: iseq.OpLeave})
	body := b.Build(0)

	if _, err := translate.Generate(body, "_mjit6"); err == nil {
		t.Fatal("expected an out-of-range branch target to be rejected")
	}
}

func TestStackSizeMustBeOneAtLeave(t *testing.T) {
	b := iseq.NewBuilder("bad_leave_depth", 2)
	b.Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 1})
	b.Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 2})
	b.Emit(iseq.Insn{Op: iseq.OpLeave})
	body := b.Build(0)

	if _, err := translate.Generate(body, "_mjit7"); err == nil {
		t.Fatal("expected stack_size != 1 at leave to be rejected")
	} else if !strings.Contains(err.Error(), "!= 1 at leave") {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestEachLabelEmittedOnce covers a reconverging diamond: both branches of
// a branchunless fall into the same leave, so label_4 must be emitted exactly
// once even though two paths reach it.
func TestEachLabelEmittedOnce(t *testing.T) {
	b := iseq.NewBuilder("diamond", 2)
	b.Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 1})    // 0
	b.Emit(iseq.Insn{Op: iseq.OpDup})                       // 1: the branch pops the copy
	b.Emit(iseq.Insn{Op: iseq.OpBranchUnless, Operand0: 4}) // 2 -> 4
	b.Emit(iseq.Insn{Op: iseq.OpJump, Operand0: 4})         // 3 -> 4
	b.Emit(iseq.Insn{Op: iseq.OpLeave})                     // 4
	body := b.Build(0)

	src, err := translate.Generate(body, "_mjit8")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if n := strings.Count(src, "label_4:"); n != 1 {
		t.Errorf("expected label_4 exactly once, got %d:\n%s", n, src)
	}
	if n := strings.Count(src, "goto label_4;"); n != 2 {
		t.Errorf("expected two gotos to label_4, got %d:\n%s", n, src)
	}
}

// TestOptTableSwitch covers the opt_pc dispatch emitted for methods with
// optional arguments.
func TestOptTableSwitch(t *testing.T) {
	b := iseq.NewBuilder("opt_args", 1)
	b.Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 0}) // 0: default value, required-only entry
	b.Emit(iseq.Insn{Op: iseq.OpLeave})                  // 1
	body := b.Build(0)
	body.Params.OptTable = []int{0}

	src, err := translate.Generate(body, "_mjit9")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(src, "switch (cfp->pc - iseq_encoded)") {
		t.Errorf("expected an opt_pc switch:\n%s", src)
	}
	if !strings.Contains(src, "case 0: goto label_0;") {
		t.Errorf("expected opt_table entry to goto label_0:\n%s", src)
	}
}

func TestCallInlinesStableSimpleCallee(t *testing.T) {
	b := iseq.NewBuilder("call_site", 1)
	b.Emit(iseq.Insn{Op: iseq.OpPutSelf})
	b.Emit(iseq.Insn{
		Op: iseq.OpOptSendWithoutBlock, Operand0: 3, Operand1: 0,
		Simple: true, CacheStable: true,
	})
	b.Emit(iseq.Insn{Op: iseq.OpLeave})
	body := b.Build(0)

	src, err := translate.Generate(body, "_mjit10")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(src, "vm_push_frame(ec, rb_mjit_cc_iseq(3)") {
		t.Errorf("expected iseq-fastpath inlining:\n%s", src)
	}
}

func TestCallFallsBackToSlowDispatchWhenCacheUnstable(t *testing.T) {
	b := iseq.NewBuilder("call_site_cold", 1)
	b.Emit(iseq.Insn{Op: iseq.OpPutSelf})
	b.Emit(iseq.Insn{Op: iseq.OpOptSendWithoutBlock, Operand0: 4, Operand1: 0})
	b.Emit(iseq.Insn{Op: iseq.OpLeave})
	body := b.Build(0)

	src, err := translate.Generate(body, "_mjit11")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(src, "vm_mjit_sendish(ec, cfp, 4, &calling)") {
		t.Errorf("expected a slow-path dispatch:\n%s", src)
	}
}
