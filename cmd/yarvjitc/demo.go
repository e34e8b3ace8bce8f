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

package main

import (
	"github.com/talismancer/yarvjit/iseq"
	"github.com/talismancer/yarvjit/translate"
)

// demoBodies returns a small fixed set of iseq bodies exercising a plain
// constant return, a branch, and a stable optimized binop, the same
// shapes spec.md §8 uses as its worked examples (S1-S3).
func demoBodies() []*iseq.Body {
	constReturn := iseq.NewBuilder("const_return", 1).
		Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 42}).
		Emit(iseq.Insn{Op: iseq.OpLeave}).
		Build(1000)

	conditional := iseq.NewBuilder("conditional", 1).
		Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 1}).
		Emit(iseq.Insn{Op: iseq.OpBranchUnless, Operand0: 4}).
		Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 1}).
		Emit(iseq.Insn{Op: iseq.OpLeave}).
		Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 0}).
		Emit(iseq.Insn{Op: iseq.OpLeave}).
		Build(500)

	optPlus := iseq.NewBuilder("opt_plus", 2).
		Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 1}).
		Emit(iseq.Insn{Op: iseq.OpPutObject, Operand0: 2}).
		Emit(iseq.Insn{Op: iseq.OpOptPlus, Operand0: 7}).
		Emit(iseq.Insn{Op: iseq.OpLeave}).
		Build(2000)

	return []*iseq.Body{constReturn, conditional, optPlus}
}

// translateDump runs just the translator, skipping the engine entirely;
// dumpCmd uses this to show generated source without a compiler on PATH.
func translateDump(body *iseq.Body) (string, error) {
	return translate.Generate(body, "_mjit_demo")
}
