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

// Package translate walks one iseq body and emits a self-contained C
// source file implementing the same semantics, simulating the operand
// stack at compile time instead of materializing it at runtime, so the
// AOT compiler sees straight-line scalar code it can fully optimize.
//
// Generate never runs the C compiler and never touches cgo; it only
// produces text. engine/worker.go treats any error from Generate as a
// translation reject: the unit is marked not-compilable and the
// interpreter keeps interpreting it. cmd/yarvjitc's dump command also
// calls it, to print the generated source.
package translate

import (
	"fmt"

	"github.com/talismancer/yarvjit/iseq"
)

// gen holds the state of one in-progress translation. A gen is used for
// exactly one call to Generate and then discarded.
type gen struct {
	body     *iseq.Body
	funcName string
	src      *source

	// enteredWith records, per position, the simulated stack_size the
	// first (and only) compile of that position saw on entry. Re-entering
	// a position with a different depth is a translation bug in the
	// producing interpreter and is rejected rather than silently
	// miscompiled.
	enteredWith map[int]int

	// needsCancel is set the first time a guard emits "goto cancel", so
	// Generate knows whether to append the cancel handler at all.
	needsCancel bool

	// maxSeen is the greatest stack_size observed at any emitted position.
	// It is recorded but not emitted or otherwise read; body.StackMax is the
	// bound checked after every instruction.
	maxSeen int
}

// Generate translates body into a C source file defining a function named
// funcName with the signature:
//
//	VALUE <funcName>(rb_execution_context_t *ec, rb_control_frame_t *cfp)
//
// It returns a rejection error (see errors.go) for any iseq this translator
// cannot safely lower; callers must not retry rejected units.
func Generate(body *iseq.Body, funcName string) (string, error) {
	if body == nil {
		return "", fmt.Errorf("translate: nil iseq body")
	}
	if len(body.Insns) == 0 {
		return "", reject(0, "empty iseq body has no leave")
	}
	if err := validateTargets(body); err != nil {
		return "", err
	}

	g := &gen{
		body:        body,
		funcName:    funcName,
		src:         &source{},
		enteredWith: make(map[int]int),
	}

	g.emitPrologue()

	entry := 0
	if len(body.Params.OptTable) > 0 {
		entry = g.emitOptPCSwitch()
	}

	if err := g.compile(entry, 0); err != nil {
		return "", err
	}
	// Every opt_table entry is itself a distinct entry point; each must be
	// reachable and compiled exactly once too.
	for _, target := range body.Params.OptTable {
		if _, ok := g.enteredWith[target]; !ok {
			if err := g.compile(target, 0); err != nil {
				return "", err
			}
		}
	}

	g.emitEpilogue()

	return g.src.buf.String(), nil
}

// validateTargets rejects out-of-range branch targets up front, before
// any code is emitted for them.
func validateTargets(body *iseq.Body) error {
	n := len(body.Insns)
	check := func(pos, target int) error {
		if target < 0 || target >= n {
			return reject(pos, "branch target %d outside iseq_size %d", target, n)
		}
		return nil
	}
	for _, insn := range body.Insns {
		switch insn.Op {
		case iseq.OpJump, iseq.OpBranchIf, iseq.OpBranchUnless,
			iseq.OpBranchNil, iseq.OpBranchIfType:
			if err := check(insn.Pos, insn.Operand0); err != nil {
				return err
			}
		case iseq.OpCaseDispatch:
			for _, target := range insn.Dispatch {
				if err := check(insn.Pos, int(target)); err != nil {
					return err
				}
			}
		case iseq.OpGetInlineCache:
			if err := check(insn.Pos, insn.Operand1); err != nil {
				return err
			}
		}
	}
	for _, target := range body.Params.OptTable {
		if err := check(0, target); err != nil {
			return err
		}
	}
	return nil
}

// emitPrologue writes the function signature, the stack declaration (none
// at all when StackMax == 0), the tmp scratch slot, and the iseq_encoded
// local that cfp->pc updates and the opt_pc switch index into.
func (g *gen) emitPrologue() {
	s := g.src
	s.line("/* autogenerated by yarvjit translate.Generate; do not edit */")
	s.line("VALUE")
	s.line("%s(rb_execution_context_t *ec, rb_control_frame_t *cfp)", g.funcName)
	s.line("{")
	s.indent++
	if g.body.StackMax > 0 {
		s.line("VALUE stack[%d];", g.body.StackMax)
	}
	// tmp is a scratch slot reused by every instruction family that needs
	// to inspect a computed value before deciding whether to cancel (opt
	// binops, calls). Declaring it once, unconditionally, up front means no
	// `goto label_N` ever jumps into the scope of a later declaration.
	s.line("VALUE tmp;")
	s.line("const VALUE *const iseq_encoded = cfp->iseq->body->iseq_encoded;")
	s.print("\n")
}

// emitOptPCSwitch emits the initial dispatch on the interpreter's opt_pc,
// simulating which optional-argument entry point the caller landed on,
// and returns the position execution falls into when no optional argument
// was supplied (the required-args-only entry).
func (g *gen) emitOptPCSwitch() int {
	s := g.src
	s.line("switch (cfp->pc - iseq_encoded) {")
	for _, target := range g.body.Params.OptTable {
		s.line("case %d: goto %s;", target, labelName(target))
	}
	s.line("default: break;")
	s.line("}")
	s.print("\n")
	return 0
}

// emitEpilogue appends the cancel handler, if anything in the body could
// reach it, and closes the function body.
func (g *gen) emitEpilogue() {
	s := g.src
	if g.needsCancel {
		s.print("\n")
		s.line("cancel:")
		s.line("  vm_jit_cancel_spill(ec, cfp, stack, cfp->sp - cfp->bp);")
		s.line("  return Qundef;")
	}
	s.indent--
	s.line("}")
}

// transfer describes how control leaves one lowered instruction.
type transfer int

const (
	transferFallthrough transfer = iota
	transferJump
	transferConditional
	transferTerminal
)

// compile emits code for pos and everything reachable from it that hasn't
// already been emitted, starting the compile-time stack simulation at
// stackSize. It's a recursive branch-copy walk: a conditional branch
// compiles its fall-through first (recursively, with a copy of the
// branch's stack_size), then its taken target; an already compiled
// position is just gotoed to, never re-emitted.
func (g *gen) compile(pos, stackSize int) error {
	for {
		if pos >= len(g.body.Insns) {
			return reject(pos, "fell off the end of the iseq without a leave")
		}
		if entered, ok := g.enteredWith[pos]; ok {
			if entered != stackSize {
				return reject(pos, "stack_size mismatch re-entering label_%d: %d vs %d", pos, entered, stackSize)
			}
			g.src.gotoLabel(pos)
			return nil
		}
		g.enteredWith[pos] = stackSize
		if stackSize > g.maxSeen {
			g.maxSeen = stackSize
		}
		g.src.label(pos)

		insn := g.body.Insns[pos]
		newSize, t, err := g.lower(insn, stackSize)
		if err != nil {
			return err
		}
		if newSize > g.body.StackMax {
			return reject(pos, "simulated stack_size %d exceeds stack_max %d", newSize, g.body.StackMax)
		}

		switch t {
		case transferFallthrough:
			pos, stackSize = pos+1, newSize
			continue
		case transferJump:
			return g.compile(insn.Operand0, newSize)
		case transferConditional:
			if err := g.compile(pos+1, newSize); err != nil {
				return err
			}
			return g.compile(insn.Operand0, newSize)
		case transferTerminal:
			return nil
		default:
			return reject(pos, "internal: unhandled transfer kind")
		}
	}
}

// emitPCUpdate writes the statement that keeps cfp->pc coherent before
// any branching or side-exit-capable instruction.
func (g *gen) emitPCUpdate(pos int) {
	g.src.line("cfp->pc = &iseq_encoded[%d];", pos)
}

// emitCancelGuard emits an inline-cache validity check that exits to the
// generated cancel handler when cond (a C boolean expression) is true,
// first reconstructing cfp->sp from the compile-time stack_size so the
// spilled frame looks exactly like the interpreter's own.
func (g *gen) emitCancelGuard(pos int, stackSize int, cond string) {
	g.emitPCUpdate(pos)
	s := g.src
	s.line("if (UNLIKELY(%s)) {", cond)
	s.indent++
	s.line("cfp->sp = cfp->bp + %d;", stackSize)
	s.line("goto cancel;")
	s.indent--
	s.line("}")
	g.needsCancel = true
}
