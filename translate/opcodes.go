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

package translate

import (
	"fmt"

	"github.com/talismancer/yarvjit/iseq"
)

// lower emits code for one instruction and returns the stack_size after
// it, plus how control leaves it. stackSize is the compile-time simulated
// depth on entry; every case below must push/pop exactly as many slots as
// the real interpreter's stack effect table for that opcode.
func (g *gen) lower(insn iseq.Insn, stackSize int) (int, transfer, error) {
	switch insn.Op {

	// --- Constants and locals -------------------------------------------------
	case iseq.OpPutNil:
		g.push(stackSize, "Qnil")
		return stackSize + 1, transferFallthrough, nil
	case iseq.OpPutSelf:
		g.push(stackSize, "cfp->self")
		return stackSize + 1, transferFallthrough, nil
	case iseq.OpPutObject:
		g.push(stackSize, "rb_mjit_get_literal(cfp->iseq, %d)", insn.Operand0)
		return stackSize + 1, transferFallthrough, nil
	case iseq.OpPutString:
		g.push(stackSize, "rb_mjit_get_str_literal(cfp->iseq, %d)", insn.Operand0)
		return stackSize + 1, transferFallthrough, nil
	case iseq.OpGetLocal:
		g.push(stackSize, "vm_mjit_getlocal(cfp, %d, %d)", insn.Operand1, insn.Operand0)
		return stackSize + 1, transferFallthrough, nil
	case iseq.OpSetLocal:
		if stackSize < 1 {
			return 0, 0, reject(insn.Pos, "setlocal on empty stack")
		}
		g.src.line("vm_mjit_setlocal(cfp, %d, %d, %s);", insn.Operand1, insn.Operand0, stackSlot(stackSize-1))
		return stackSize - 1, transferFallthrough, nil
	case iseq.OpGetLocalZero:
		// Level-0 fast variant: the local lives in the current frame's
		// environment, so this indexes cfp->ep directly and skips the
		// dynamic-lookup counter bump vm_mjit_getlocal performs for level>0.
		g.push(stackSize, "*(cfp->ep - %d)", insn.Operand0)
		return stackSize + 1, transferFallthrough, nil
	case iseq.OpSetLocalZero:
		if stackSize < 1 {
			return 0, 0, reject(insn.Pos, "setlocal_wc0 on empty stack")
		}
		g.src.line("*(cfp->ep - %d) = %s;", insn.Operand0, stackSlot(stackSize-1))
		return stackSize - 1, transferFallthrough, nil

	// --- Stack manipulation ----------------------------------------------------
	case iseq.OpPop:
		return requirePop(insn, stackSize, 1)
	case iseq.OpDup:
		if stackSize < 1 {
			return 0, 0, reject(insn.Pos, "dup on empty stack")
		}
		g.push(stackSize, "%s", stackSlot(stackSize-1))
		return stackSize + 1, transferFallthrough, nil
	case iseq.OpDupN:
		n := insn.Operand0
		if stackSize < n {
			return 0, 0, reject(insn.Pos, "dupn %d exceeds stack depth %d", n, stackSize)
		}
		for i := 0; i < n; i++ {
			g.src.line("%s = %s;", stackSlot(stackSize+i), stackSlot(stackSize-n+i))
		}
		return stackSize + n, transferFallthrough, nil
	case iseq.OpSwap:
		if stackSize < 2 {
			return 0, 0, reject(insn.Pos, "swap needs 2 stack slots, have %d", stackSize)
		}
		g.src.line("tmp = %s; %s = %s; %s = tmp;",
			stackSlot(stackSize-1), stackSlot(stackSize-1), stackSlot(stackSize-2), stackSlot(stackSize-2))
		return stackSize, transferFallthrough, nil
	case iseq.OpReverse:
		n := insn.Operand0
		if stackSize < n {
			return 0, 0, reject(insn.Pos, "reverse %d exceeds stack depth %d", n, stackSize)
		}
		for i := 0; i < n/2; i++ {
			a, b := stackSize-n+i, stackSize-1-i
			g.src.line("tmp = %s; %s = %s; %s = tmp;", stackSlot(a), stackSlot(a), stackSlot(b), stackSlot(b))
		}
		return stackSize, transferFallthrough, nil
	case iseq.OpTopN:
		idx := insn.Operand0
		if stackSize < idx+1 {
			return 0, 0, reject(insn.Pos, "topn %d exceeds stack depth %d", idx, stackSize)
		}
		g.push(stackSize, "%s", stackSlot(stackSize-1-idx))
		return stackSize + 1, transferFallthrough, nil
	case iseq.OpSetN:
		idx := insn.Operand0
		if stackSize < idx+1 || stackSize < 1 {
			return 0, 0, reject(insn.Pos, "setn %d exceeds stack depth %d", idx, stackSize)
		}
		g.src.line("%s = %s;", stackSlot(stackSize-1-idx), stackSlot(stackSize-1))
		return stackSize, transferFallthrough, nil
	case iseq.OpAdjustStack:
		return requirePop(insn, stackSize, insn.Operand0)

	// --- Literal construction ----------------------------------------------
	case iseq.OpNewArray:
		n := insn.Operand0
		if stackSize < n {
			return 0, 0, reject(insn.Pos, "newarray %d exceeds stack depth %d", n, stackSize)
		}
		g.src.line("%s = rb_mjit_new_array(%d, &%s);", stackSlot(stackSize-n), n, stackSlot(stackSize-n))
		return stackSize - n + 1, transferFallthrough, nil
	case iseq.OpDupArray:
		g.push(stackSize, "rb_ary_dup(rb_mjit_get_literal(cfp->iseq, %d))", insn.Operand0)
		return stackSize + 1, transferFallthrough, nil
	case iseq.OpNewHash:
		n := insn.Operand0
		if stackSize < n {
			return 0, 0, reject(insn.Pos, "newhash %d exceeds stack depth %d", n, stackSize)
		}
		if n == 0 {
			g.push(stackSize, "rb_hash_new()")
			return stackSize + 1, transferFallthrough, nil
		}
		// Non-empty: size-hint the allocation and bulk-insert the pairs
		// already sitting on the simulated stack.
		g.src.line("%s = rb_mjit_new_hash_from_stack(%d, &%s);", stackSlot(stackSize-n), n, stackSlot(stackSize-n))
		return stackSize - n + 1, transferFallthrough, nil
	case iseq.OpNewRange:
		if stackSize < 2 {
			return 0, 0, reject(insn.Pos, "newrange needs 2 stack slots, have %d", stackSize)
		}
		g.src.line("%s = rb_range_new(%s, %s, %d);",
			stackSlot(stackSize-2), stackSlot(stackSize-2), stackSlot(stackSize-1), insn.Operand0)
		return stackSize - 1, transferFallthrough, nil
	case iseq.OpConcatStrings:
		n := insn.Operand0
		if stackSize < n {
			return 0, 0, reject(insn.Pos, "concatstrings %d exceeds stack depth %d", n, stackSize)
		}
		g.src.line("%s = rb_mjit_concat_strings(%d, &%s);", stackSlot(stackSize-n), n, stackSlot(stackSize-n))
		return stackSize - n + 1, transferFallthrough, nil
	case iseq.OpToString:
		if stackSize < 1 {
			return 0, 0, reject(insn.Pos, "tostring on empty stack")
		}
		g.src.line("%s = rb_mjit_to_string(%s);", stackSlot(stackSize-1), stackSlot(stackSize-1))
		return stackSize, transferFallthrough, nil
	case iseq.OpToRegexp:
		n := insn.Operand0
		if stackSize < n {
			return 0, 0, reject(insn.Pos, "toregexp %d exceeds stack depth %d", n, stackSize)
		}
		g.src.line("%s = rb_mjit_to_regexp(%d, &%s);", stackSlot(stackSize-n), n, stackSlot(stackSize-n))
		return stackSize - n + 1, transferFallthrough, nil
	case iseq.OpIntern:
		if stackSize < 1 {
			return 0, 0, reject(insn.Pos, "intern on empty stack")
		}
		g.src.line("%s = rb_str_intern(%s);", stackSlot(stackSize-1), stackSlot(stackSize-1))
		return stackSize, transferFallthrough, nil

	// --- Variables: direct runtime-helper calls -----------------------------
	case iseq.OpGetInstanceVar:
		g.push(stackSize, "vm_mjit_getivar(cfp->self, %d, %d)", insn.Operand0, insn.Operand1)
		return stackSize + 1, transferFallthrough, nil
	case iseq.OpSetInstanceVar:
		return g.lowerSetVar(insn, stackSize, "vm_mjit_setivar(cfp->self, %d, %d, %s);")
	case iseq.OpGetClassVar:
		g.push(stackSize, "vm_mjit_getcvar(cfp, %d)", insn.Operand0)
		return stackSize + 1, transferFallthrough, nil
	case iseq.OpSetClassVar:
		return g.lowerSetVarSingle(insn, stackSize, "vm_mjit_setcvar(cfp, %d, %s);")
	case iseq.OpGetGlobal:
		g.push(stackSize, "vm_mjit_getglobal(%d)", insn.Operand0)
		return stackSize + 1, transferFallthrough, nil
	case iseq.OpSetGlobal:
		return g.lowerSetVarSingle(insn, stackSize, "vm_mjit_setglobal(%d, %s);")
	case iseq.OpGetConstant:
		g.push(stackSize, "vm_mjit_getconstant(ec, %d)", insn.Operand0)
		return stackSize + 1, transferFallthrough, nil
	case iseq.OpSetConstant:
		return g.lowerSetVarSingle(insn, stackSize, "vm_mjit_setconstant(%d, %s);")

	// --- Branches ------------------------------------------------------------
	case iseq.OpJump:
		g.emitPCUpdate(insn.Pos)
		g.src.line("RUBY_VM_CHECK_INTS(ec);")
		return stackSize, transferJump, nil
	case iseq.OpBranchIf:
		return g.lowerBranch(insn, stackSize, "RTEST(%s)")
	case iseq.OpBranchUnless:
		return g.lowerBranch(insn, stackSize, "!RTEST(%s)")
	case iseq.OpBranchNil:
		return g.lowerBranch(insn, stackSize, "NIL_P(%s)")
	case iseq.OpBranchIfType:
		return g.lowerBranch(insn, stackSize, fmt.Sprintf("rb_mjit_type_p(%%s, %d)", insn.Operand1))

	// --- Inline cache ----------------------------------------------------------
	case iseq.OpGetInlineCache:
		if stackSize < 1 {
			return 0, 0, reject(insn.Pos, "getinlinecache on empty stack")
		}
		g.emitPCUpdate(insn.Pos)
		g.src.line("if (rb_mjit_ic_hit(%d)) {", insn.Operand0)
		g.src.indent++
		g.src.line("%s = rb_mjit_ic_value(%d);", stackSlot(stackSize-1), insn.Operand0)
		g.src.gotoLabel(insn.Operand1)
		g.src.indent--
		g.src.line("}")
		// Fallthrough: miss path recomputes and fills the cache; the taken
		// path (Operand1) already pushed a value so both sides agree on
		// stack_size == stackSize.
		return stackSize, transferConditional, nil
	case iseq.OpSetInlineCache:
		if stackSize < 1 {
			return 0, 0, reject(insn.Pos, "setinlinecache on empty stack")
		}
		g.src.line("rb_mjit_ic_fill(%d, %s);", insn.Operand0, stackSlot(stackSize-1))
		return stackSize, transferFallthrough, nil

	// --- Case dispatch -----------------------------------------------------
	case iseq.OpCaseDispatch:
		return g.lowerCaseDispatch(insn, stackSize)

	// --- Optimized binary/unary ops -----------------------------------------
	case iseq.OpOptPlus:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_plus")
	case iseq.OpOptMinus:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_minus")
	case iseq.OpOptMult:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_mult")
	case iseq.OpOptDiv:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_div")
	case iseq.OpOptMod:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_mod")
	case iseq.OpOptEq:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_eq")
	case iseq.OpOptNeq:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_neq")
	case iseq.OpOptLt:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_lt")
	case iseq.OpOptLe:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_le")
	case iseq.OpOptGt:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_gt")
	case iseq.OpOptGe:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_ge")
	case iseq.OpOptLtLt:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_ltlt")
	case iseq.OpOptAref:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_aref")
	case iseq.OpOptAset:
		return g.lowerOptAset(insn, stackSize)
	case iseq.OpOptLength:
		return g.lowerOptUnop(insn, stackSize, "rb_mjit_opt_length")
	case iseq.OpOptSize:
		return g.lowerOptUnop(insn, stackSize, "rb_mjit_opt_size")
	case iseq.OpOptEmptyP:
		return g.lowerOptUnop(insn, stackSize, "rb_mjit_opt_empty_p")
	case iseq.OpOptNot:
		return g.lowerOptUnop(insn, stackSize, "rb_mjit_opt_not")
	case iseq.OpOptRegexpMatch1:
		return g.lowerOptUnop(insn, stackSize, "rb_mjit_opt_regexpmatch1")
	case iseq.OpOptRegexpMatch2:
		return g.lowerOptBinop(insn, stackSize, "rb_mjit_opt_regexpmatch2")

	// --- Calls -----------------------------------------------------------------
	case iseq.OpSend, iseq.OpOptSendWithoutBlock, iseq.OpInvokeSuper, iseq.OpInvokeBlock:
		return g.lowerCall(insn, stackSize)

	// --- Tracing -----------------------------------------------------------
	case iseq.OpTrace, iseq.OpTrace2:
		g.src.line("RUBY_DTRACE_PROBE(%d);", insn.Operand0)
		g.src.line("rb_mjit_event_hook(ec, cfp, %d);", insn.Operand0)
		return stackSize, transferFallthrough, nil

	// --- Control transfer ----------------------------------------------------
	case iseq.OpLeave:
		if stackSize != 1 {
			return 0, 0, reject(insn.Pos, "stack_size %d != 1 at leave", stackSize)
		}
		g.src.line("vm_pop_frame(ec, cfp, cfp->sp);")
		g.src.line("return %s;", stackSlot(0))
		return stackSize, transferTerminal, nil
	case iseq.OpThrow:
		if stackSize < 1 {
			return 0, 0, reject(insn.Pos, "throw on empty stack")
		}
		g.emitPCUpdate(insn.Pos)
		g.src.line("return vm_mjit_throw(ec, cfp, %d, %s);", insn.Operand0, stackSlot(stackSize-1))
		return stackSize, transferTerminal, nil
	}

	return 0, 0, reject(insn.Pos, "unsupported opcode %s", insn.Op)
}

// push is a tiny convenience for the common "compute into the next free
// slot, stack grows by one" shape.
func (g *gen) push(stackSize int, format string, args ...any) {
	g.src.line("%s = "+format+";", append([]any{stackSlot(stackSize)}, args...)...)
}

// requirePop validates that stackSize can satisfy popping n slots and
// returns the resulting transfer for opcodes that only ever fall through.
func requirePop(insn iseq.Insn, stackSize, n int) (int, transfer, error) {
	if stackSize < n {
		return 0, 0, reject(insn.Pos, "%s pops %d but stack depth is %d", insn.Op, n, stackSize)
	}
	return stackSize - n, transferFallthrough, nil
}

func (g *gen) lowerSetVar(insn iseq.Insn, stackSize int, format string) (int, transfer, error) {
	if stackSize < 1 {
		return 0, 0, reject(insn.Pos, "%s on empty stack", insn.Op)
	}
	g.src.line(format, insn.Operand0, insn.Operand1, stackSlot(stackSize-1))
	return stackSize - 1, transferFallthrough, nil
}

func (g *gen) lowerSetVarSingle(insn iseq.Insn, stackSize int, format string) (int, transfer, error) {
	if stackSize < 1 {
		return 0, 0, reject(insn.Pos, "%s on empty stack", insn.Op)
	}
	g.src.line(format, insn.Operand0, stackSlot(stackSize-1))
	return stackSize - 1, transferFallthrough, nil
}

// lowerBranch lowers the four conditional branch instructions. condFmt is
// a one-%s format for the test expression over the popped condition value.
func (g *gen) lowerBranch(insn iseq.Insn, stackSize int, condFmt string) (int, transfer, error) {
	if stackSize < 1 {
		return 0, 0, reject(insn.Pos, "%s on empty stack", insn.Op)
	}
	cond := fmt.Sprintf(condFmt, stackSlot(stackSize-1))
	newSize := stackSize - 1
	g.emitPCUpdate(insn.Pos)
	g.src.line("RUBY_VM_CHECK_INTS(ec);")
	g.src.line("if (%s) {", cond)
	g.src.indent++
	g.src.gotoLabel(insn.Operand0)
	g.src.indent--
	g.src.line("}")
	return newSize, transferConditional, nil
}

// lowerCaseDispatch lowers opt_case_dispatch: pop the dispatch key, emit a
// switch whose cases goto the pack's target labels, and recursively
// compile the fallthrough plus every case target directly,
// since the compile() driver only understands single-target transfers.
func (g *gen) lowerCaseDispatch(insn iseq.Insn, stackSize int) (int, transfer, error) {
	if stackSize < 1 {
		return 0, 0, reject(insn.Pos, "opt_case_dispatch on empty stack")
	}
	newSize := stackSize - 1
	g.emitPCUpdate(insn.Pos)
	g.src.line("switch (rb_mjit_case_dispatch_key(%s)) {", stackSlot(stackSize-1))
	g.src.indent++
	for key, target := range insn.Dispatch {
		g.src.line("case %d: goto %s;", key, labelName(target))
	}
	g.src.line("default: break;")
	g.src.indent--
	g.src.line("}")

	if err := g.compile(insn.Pos+1, newSize); err != nil {
		return 0, 0, err
	}
	for _, target := range insn.Dispatch {
		if _, ok := g.enteredWith[target]; !ok {
			if err := g.compile(target, newSize); err != nil {
				return 0, 0, err
			}
		}
	}
	return newSize, transferTerminal, nil
}

// lowerOptBinop lowers an optimized binary op: a guard on inline-cache
// stability, the fast-path call, and a cancel on the fast path's own
// "undefined" sentinel (the optimized binop/unop family).
func (g *gen) lowerOptBinop(insn iseq.Insn, stackSize int, helper string) (int, transfer, error) {
	if stackSize < 2 {
		return 0, 0, reject(insn.Pos, "%s needs 2 stack slots, have %d", insn.Op, stackSize)
	}
	g.emitCancelGuard(insn.Pos, stackSize, fmt.Sprintf("!rb_mjit_ic_stable(%d)", insn.Operand0))
	newSize := stackSize - 1
	g.src.line("tmp = %s(%s, %s);", helper, stackSlot(stackSize-2), stackSlot(stackSize-1))
	g.emitUndefCancel(insn.Pos, stackSize)
	g.src.line("%s = tmp;", stackSlot(stackSize-2))
	return newSize, transferFallthrough, nil
}

func (g *gen) lowerOptUnop(insn iseq.Insn, stackSize int, helper string) (int, transfer, error) {
	if stackSize < 1 {
		return 0, 0, reject(insn.Pos, "%s on empty stack", insn.Op)
	}
	g.emitCancelGuard(insn.Pos, stackSize, fmt.Sprintf("!rb_mjit_ic_stable(%d)", insn.Operand0))
	g.src.line("tmp = %s(%s);", helper, stackSlot(stackSize-1))
	g.emitUndefCancel(insn.Pos, stackSize)
	g.src.line("%s = tmp;", stackSlot(stackSize-1))
	return stackSize, transferFallthrough, nil
}

func (g *gen) lowerOptAset(insn iseq.Insn, stackSize int) (int, transfer, error) {
	if stackSize < 3 {
		return 0, 0, reject(insn.Pos, "opt_aset needs 3 stack slots, have %d", stackSize)
	}
	g.emitCancelGuard(insn.Pos, stackSize, fmt.Sprintf("!rb_mjit_ic_stable(%d)", insn.Operand0))
	newSize := stackSize - 2
	g.src.line("tmp = rb_mjit_opt_aset(%s, %s, %s);", stackSlot(stackSize-3), stackSlot(stackSize-2), stackSlot(stackSize-1))
	g.emitUndefCancel(insn.Pos, stackSize)
	g.src.line("%s = tmp;", stackSlot(stackSize-3))
	return newSize, transferFallthrough, nil
}

// emitUndefCancel takes the cancel exit if the fast path just computed
// into tmp turned out to be the "not actually optimizable" sentinel. The
// operands are still live in stack[] at this point (tmp hasn't been
// written back yet), so the spill depth must be the instruction's entry
// stack_size, not the post-pop size — matching the cache-invalid guard
// emitted just above by emitCancelGuard for the same instruction.
func (g *gen) emitUndefCancel(pos, stackSizeAtEntry int) {
	s := g.src
	s.line("if (UNLIKELY(tmp == Qundef)) {")
	s.indent++
	s.line("cfp->sp = cfp->bp + %d;", stackSizeAtEntry)
	s.line("goto cancel;")
	s.indent--
	s.line("}")
	g.needsCancel = true
}

// lowerCall lowers the call instruction family: an argument-count/cache
// guard, materializing the calling_info, then one of two recognized
// inlinings (iseq fastpath, C-function fastpath) when the cache is
// currently stable, or a full dispatch through the interpreter's own
// method-dispatch switch otherwise.
func (g *gen) lowerCall(insn iseq.Insn, stackSize int) (int, transfer, error) {
	argc := insn.Operand1
	if stackSize < argc+1 {
		return 0, 0, reject(insn.Pos, "%s needs %d stack slots for recv+args, have %d", insn.Op, argc+1, stackSize)
	}
	recvIdx := stackSize - argc - 1
	newSize := recvIdx + 1

	g.emitCancelGuard(insn.Pos, stackSize, fmt.Sprintf("!rb_mjit_cc_valid(%d)", insn.Operand0))

	s := g.src
	s.line("{")
	s.indent++
	s.line("struct rb_calling_info calling;")
	s.line("calling.argc = %d;", argc)
	s.line("calling.recv = %s;", stackSlot(recvIdx))
	s.line("calling.block_handler = %v;", insn.HasBlock)

	switch {
	case insn.CacheStable && insn.Simple && insn.Op != iseq.OpInvokeBlock:
		// Iseq fastpath: push a frame for the callee inline and let the
		// callee be driven by the interpreter (or its own JIT function,
		// tried once via mjit_exec before falling back to vm_exec).
		s.line("vm_push_frame(ec, rb_mjit_cc_iseq(%d), &calling, cfp->self, cfp->ep);", insn.Operand0)
		s.line("tmp = rb_mjit_cc_has_catch_table(%d) ? Qundef : mjit_exec(ec);", insn.Operand0)
		s.line("if (tmp == Qundef) { tmp = vm_exec(ec, false); }")
	case insn.CacheStable:
		// C-function fastpath: bypass the interpreter's method-dispatch
		// switch entirely for a stable call to a cfunc-backed method.
		s.line("tmp = vm_mjit_call_cfunc_fast(ec, cfp, %d, &calling);", insn.Operand0)
	default:
		s.line("tmp = vm_mjit_sendish(ec, cfp, %d, &calling);", insn.Operand0)
	}

	s.line("if (UNLIKELY(tmp == Qundef)) {")
	s.indent++
	s.line("cfp->sp = cfp->bp + %d;", newSize)
	s.line("goto cancel;")
	s.indent--
	s.line("}")
	s.line("%s = tmp;", stackSlot(recvIdx))
	s.indent--
	s.line("}")
	g.needsCancel = true

	return newSize, transferFallthrough, nil
}
