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

// Builder assembles a Body one instruction at a time, assigning Pos in
// sequence. It exists for tests and the yarvjitc demo, which both need to
// construct iseq bodies without a real interpreter on the other end.
type Builder struct {
	label    string
	stackMax int
	insns    []Insn
}

// NewBuilder starts a Body under construction, named label for diagnostics.
func NewBuilder(label string, stackMax int) *Builder {
	return &Builder{label: label, stackMax: stackMax}
}

// Emit appends insn, assigning its Pos.
func (b *Builder) Emit(insn Insn) *Builder {
	insn.Pos = len(b.insns)
	b.insns = append(b.insns, insn)
	return b
}

// Build finalizes the Body. calls seeds TotalCalls (tests use this to
// exercise queue priority ordering).
func (b *Builder) Build(calls uint64) *Body {
	body := &Body{
		Insns:    append([]Insn(nil), b.insns...),
		StackMax: b.stackMax,
		Location: Location{Label: b.label},
	}
	body.TotalCalls.Store(calls)
	return body
}
