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

package engine

import (
	"fmt"

	"github.com/talismancer/yarvjit/dl"
	"github.com/talismancer/yarvjit/iseq"
)

// Unit represents one pending or in-flight compilation.
//
// Invariants (enforced by the engine, never by Unit itself):
//   - a unit is either in the queue or held by the worker, never both;
//   - iseq becomes nil only under eng.mu;
//   - handle is set exactly once, by the worker, before it publishes the
//     function pointer.
type Unit struct {
	// id is assigned once, monotonically, and used to form file names.
	id uint64

	// iseq is a weak reference: nil means the iseq was collected and this
	// unit is a tombstone, to be dropped at the next dequeueBest scan.
	// Guarded by eng.mu.
	iseq *iseq.Body

	// handle is the loaded shared object, set exactly once by the worker.
	// nil until then. Guarded by eng.mu for the purposes of this field
	// only (the worker itself doesn't need the lock to populate it, since
	// no other goroutine reads handle until the worker publishes under
	// the lock in step (f) of the worker loop).
	handle *dl.Handle

	// refs counts in-flight calls into handle's code, so eviction (see
	// cache.go) never closes a handle while a frame is executing inside
	// it. No code in this module increments or decrements refs, so outside
	// tests (which set it directly) it stays zero.
	refs int32

	// queue linkage, valid only while the unit is enqueued.
	prev, next *Unit
}

// ID returns the unit's identifier.
func (u *Unit) ID() uint64 { return u.id }

// sourcePath, objectPath, and funcSymbol implement the naming scheme:
// "_mjit<pid>u<id>.c", "_mjit<pid>u<id>.so", "_mjit<id>".
func (u *Unit) sourcePath(tempDir string, pid int) string {
	return fmt.Sprintf("%s/_mjit%du%d.c", tempDir, pid, u.id)
}

func (u *Unit) objectPath(tempDir string, pid int) string {
	return fmt.Sprintf("%s/_mjit%du%d.so", tempDir, pid, u.id)
}

func (u *Unit) funcSymbol() string {
	return fmt.Sprintf("_mjit%d", u.id)
}
