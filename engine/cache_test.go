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

import "testing"

func TestUnitCacheEvictsColdestFirst(t *testing.T) {
	c := newUnitCache(2)

	hot := newTestUnit(1, 1000)
	warm := newTestUnit(2, 500)
	cold := newTestUnit(3, 10)

	c.retain(hot)
	c.retain(warm)
	c.retain(cold) // pushes the cache past bound=2; cold (lowest calls) evicts

	if c.len() != 2 {
		t.Fatalf("expected 2 retained units, got %d", c.len())
	}
	if _, ok := c.byID[cold.id]; ok {
		t.Fatal("expected the coldest unit to be evicted")
	}
	if _, ok := c.byID[hot.id]; !ok {
		t.Fatal("expected the hottest unit to remain")
	}
}

func TestUnitCacheSkipsUnitsWithLiveRefs(t *testing.T) {
	c := newUnitCache(1)

	busy := newTestUnit(1, 1)
	busy.refs = 1
	idle := newTestUnit(2, 1000)

	c.retain(busy)
	c.retain(idle) // would normally evict busy (it's colder), but refs>0 protects it

	if _, ok := c.byID[busy.id]; !ok {
		t.Fatal("expected the in-flight unit to survive eviction")
	}
}

func TestUnitCacheUnboundedWhenZero(t *testing.T) {
	c := newUnitCache(0)
	for i := uint64(1); i <= 10; i++ {
		c.retain(newTestUnit(i, i))
	}
	if c.len() != 0 {
		t.Fatalf("bound=0 means retain is a no-op, got len=%d", c.len())
	}
}
