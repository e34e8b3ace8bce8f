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
	"testing"

	"github.com/talismancer/yarvjit/iseq"
)

func newTestUnit(id uint64, calls uint64) *Unit {
	body := iseq.NewBuilder("u", 1).Emit(iseq.Insn{Op: iseq.OpLeave}).Build(calls)
	return &Unit{id: id, iseq: body}
}

func TestDequeueBestPicksHighestCallCount(t *testing.T) {
	var q unitQueue
	a := newTestUnit(1, 10)
	b := newTestUnit(2, 100)
	c := newTestUnit(3, 50)
	q.enqueue(a)
	q.enqueue(b)
	q.enqueue(c)

	got := q.dequeueBest()
	if got != b {
		t.Fatalf("expected unit %d (highest call count), got %d", b.id, got.id)
	}
	if q.len() != 2 {
		t.Fatalf("expected 2 units left, got %d", q.len())
	}
}

func TestDequeueBestTiesBreakFirstSeen(t *testing.T) {
	var q unitQueue
	a := newTestUnit(1, 10)
	b := newTestUnit(2, 10)
	q.enqueue(a)
	q.enqueue(b)

	if got := q.dequeueBest(); got != a {
		t.Fatalf("expected first-seen unit %d on tie, got %d", a.id, got.id)
	}
}

func TestDequeueBestSkipsTombstones(t *testing.T) {
	var q unitQueue
	a := newTestUnit(1, 999)
	a.iseq = nil // tombstoned: GC'd before the worker got to it
	b := newTestUnit(2, 1)
	q.enqueue(a)
	q.enqueue(b)

	got := q.dequeueBest()
	if got != b {
		t.Fatalf("expected the live unit %d, got %v", b.id, got)
	}
	if q.len() != 0 {
		t.Fatalf("expected the tombstone to be dropped too, len=%d", q.len())
	}
}

func TestDequeueBestEmptyQueue(t *testing.T) {
	var q unitQueue
	if got := q.dequeueBest(); got != nil {
		t.Fatalf("expected nil from an empty queue, got %v", got)
	}
}

func TestDequeueBestAllTombstoned(t *testing.T) {
	var q unitQueue
	a := newTestUnit(1, 5)
	a.iseq = nil
	q.enqueue(a)
	if got := q.dequeueBest(); got != nil {
		t.Fatalf("expected nil when every entry is tombstoned, got %v", got)
	}
	if q.len() != 0 {
		t.Fatalf("expected tombstones to be unlinked, len=%d", q.len())
	}
}
