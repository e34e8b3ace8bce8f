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

// Opcode identifies one bytecode instruction. The set below covers the
// families spec.md §4.6.4 lists; opcodes outside this set cause the
// translator to reject the unit with an "unsupported opcode" rejection.
type Opcode int

const (
	// Constants and locals.
	OpPutNil Opcode = iota
	OpPutSelf
	OpPutObject
	OpPutString
	OpGetLocal
	OpSetLocal
	OpGetLocalZero // zero-level fast variant, skips env-pointer walk
	OpSetLocalZero

	// Stack manipulation.
	OpPop
	OpDup
	OpDupN
	OpSwap
	OpReverse
	OpTopN
	OpSetN
	OpAdjustStack

	// Literal construction.
	OpNewArray
	OpDupArray
	OpNewHash
	OpNewRange
	OpConcatStrings
	OpToString
	OpToRegexp
	OpIntern

	// Variables.
	OpGetInstanceVar
	OpSetInstanceVar
	OpGetClassVar
	OpSetClassVar
	OpGetGlobal
	OpSetGlobal
	OpGetConstant
	OpSetConstant

	// Branches.
	OpJump
	OpBranchIf
	OpBranchUnless
	OpBranchNil
	OpBranchIfType

	// Inline cache.
	OpGetInlineCache
	OpSetInlineCache

	// Case dispatch.
	OpCaseDispatch

	// Optimized binary/unary ops.
	OpOptPlus
	OpOptMinus
	OpOptMult
	OpOptDiv
	OpOptMod
	OpOptEq
	OpOptNeq
	OpOptLt
	OpOptLe
	OpOptGt
	OpOptGe
	OpOptLtLt
	OpOptAref
	OpOptAset
	OpOptLength
	OpOptSize
	OpOptEmptyP
	OpOptNot
	OpOptRegexpMatch1
	OpOptRegexpMatch2

	// Calls.
	OpSend
	OpOptSendWithoutBlock
	OpInvokeSuper
	OpInvokeBlock

	// Tracing.
	OpTrace
	OpTrace2

	// Control transfer.
	OpLeave
	OpThrow

	opcodeCount
)

// String names are used only for diagnostics and emitted comments.
var opcodeNames = [opcodeCount]string{
	OpPutNil: "putnil", OpPutSelf: "putself", OpPutObject: "putobject",
	OpPutString: "putstring", OpGetLocal: "getlocal", OpSetLocal: "setlocal",
	OpGetLocalZero: "getlocal_wc0", OpSetLocalZero: "setlocal_wc0",
	OpPop: "pop", OpDup: "dup", OpDupN: "dupn", OpSwap: "swap",
	OpReverse: "reverse", OpTopN: "topn", OpSetN: "setn", OpAdjustStack: "adjuststack",
	OpNewArray: "newarray", OpDupArray: "duparray", OpNewHash: "newhash",
	OpNewRange: "newrange", OpConcatStrings: "concatstrings", OpToString: "tostring",
	OpToRegexp: "toregexp", OpIntern: "intern",
	OpGetInstanceVar: "getinstancevariable", OpSetInstanceVar: "setinstancevariable",
	OpGetClassVar: "getclassvariable", OpSetClassVar: "setclassvariable",
	OpGetGlobal: "getglobal", OpSetGlobal: "setglobal",
	OpGetConstant: "getconstant", OpSetConstant: "setconstant",
	OpJump: "jump", OpBranchIf: "branchif", OpBranchUnless: "branchunless",
	OpBranchNil: "branchnil", OpBranchIfType: "branchiftype",
	OpGetInlineCache: "getinlinecache", OpSetInlineCache: "setinlinecache",
	OpCaseDispatch: "opt_case_dispatch",
	OpOptPlus:      "opt_plus", OpOptMinus: "opt_minus", OpOptMult: "opt_mult",
	OpOptDiv: "opt_div", OpOptMod: "opt_mod", OpOptEq: "opt_eq", OpOptNeq: "opt_neq",
	OpOptLt: "opt_lt", OpOptLe: "opt_le", OpOptGt: "opt_gt", OpOptGe: "opt_ge",
	OpOptLtLt: "opt_ltlt", OpOptAref: "opt_aref", OpOptAset: "opt_aset",
	OpOptLength: "opt_length", OpOptSize: "opt_size", OpOptEmptyP: "opt_empty_p",
	OpOptNot: "opt_not", OpOptRegexpMatch1: "opt_regexpmatch1", OpOptRegexpMatch2: "opt_regexpmatch2",
	OpSend: "send", OpOptSendWithoutBlock: "opt_send_without_block",
	OpInvokeSuper: "invokesuper", OpInvokeBlock: "invokeblock",
	OpTrace: "trace", OpTrace2: "trace2",
	OpLeave: "leave", OpThrow: "throw",
}

// String implements fmt.Stringer.
func (op Opcode) String() string {
	if op < 0 || int(op) >= int(opcodeCount) {
		return "unknown"
	}
	return opcodeNames[op]
}

// Insn is one decoded bytecode instruction within a Body.
type Insn struct {
	Op Opcode

	// Pos is this instruction's offset in the iseq's linear encoding;
	// branch operands refer to other instructions by Pos.
	Pos int

	// Operands, interpreted per Op:
	//
	//   putobject, putstring,
	//   duparray                     -> Operand0 is an opaque literal id
	//   getlocal/setlocal(_wc0)      -> Operand0=index, Operand1=level
	//   dupn, topn, setn, adjuststack,
	//   newarray, newhash            -> Operand0 is a count/size
	//   newrange                     -> Operand0 is the exclude-end flag
	//   jump, branchif, branchunless,
	//   branchnil, branchiftype      -> Operand0 is the target Pos
	//                                   (branchiftype: Operand1 the type)
	//   getinstancevariable, ...     -> Operand0 is a name id, Operand1 an
	//                                   inline-cache id where applicable
	//   getinlinecache/setinlinecache-> Operand0 is the cache id,
	//                                   Operand1 the target Pos (get, on hit)
	//   opt_case_dispatch            -> operands unused; targets in Dispatch
	//   opt_* binops                 -> Operand0 is the call-cache id
	//   send family                  -> Operand0 is the call-cache id,
	//                                   Operand1 the argument count
	Operand0 int
	Operand1 int

	// Dispatch holds the opt_case_dispatch jump table: value -> target Pos.
	Dispatch map[int64]int

	// HasBlock is set for send-family instructions passing a block.
	HasBlock bool

	// Simple reports whether a callee iseq (for invoke-frame inlining
	// decisions) has no splat, no kwsplat, and isn't protected. It is
	// only meaningful on send-family instructions and is supplied by the
	// host interpreter's call-cache metadata, not computed here.
	Simple bool

	// CacheStable reports whether the instruction's inline cache is
	// currently considered stable by the host, i.e. whether the
	// translator may inline a fast path at all. The cancel guard it
	// emits re-checks this at runtime regardless.
	CacheStable bool
}
