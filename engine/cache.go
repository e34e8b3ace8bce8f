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
	"github.com/google/btree"
)

// unitCache bounds how many compiled units stay resident: once a unit
// finishes compiling, it is retained here, ordered by call count, so
// that if the cache grows past its bound the *coldest* unit is evicted
// first rather than the oldest or a random one.
//
// Eviction never touches a unit with refs > 0: cache.go only removes the
// bookkeeping entry and closes the dl.Handle once the interpreter side has
// finished every in-flight call into it.
type unitCache struct {
	bound int // opts.MaxCacheSize; 0 means unbounded
	tree  *btree.BTree
	byID  map[uint64]*cacheItem
}

type cacheItem struct {
	unit  *Unit
	calls uint64
}

// Less orders items by ascending call count, so btree.Min always returns
// the coldest entry; ties break by unit ID for a total order.
func (a *cacheItem) Less(than btree.Item) bool {
	b := than.(*cacheItem)
	if a.calls != b.calls {
		return a.calls < b.calls
	}
	return a.unit.id < b.unit.id
}

func newUnitCache(bound int) *unitCache {
	return &unitCache{
		bound: bound,
		tree:  btree.New(16),
		byID:  make(map[uint64]*cacheItem),
	}
}

// retain adds u to the cache and evicts cold entries until the bound is
// satisfied. Caller holds eng.mu.
func (c *unitCache) retain(u *Unit) {
	if c.bound <= 0 {
		return
	}
	calls := uint64(0)
	if u.iseq != nil {
		calls = u.iseq.TotalCalls.Load()
	}
	item := &cacheItem{unit: u, calls: calls}
	c.tree.ReplaceOrInsert(item)
	c.byID[u.id] = item
	c.evictExcess()
}

// evictExcess closes handles for the coldest units past c.bound, skipping
// (and leaving in the cache) any unit still referenced by an in-flight
// call.
func (c *unitCache) evictExcess() {
	for len(c.byID) > c.bound {
		var coldest *cacheItem
		c.tree.Ascend(func(it btree.Item) bool {
			candidate := it.(*cacheItem)
			if candidate.unit.refs == 0 {
				coldest = candidate
				return false
			}
			return true
		})
		if coldest == nil {
			return // everything past the bound is still in flight
		}
		c.tree.Delete(coldest)
		delete(c.byID, coldest.unit.id)
		if coldest.unit.handle != nil {
			coldest.unit.handle.Close()
		}
	}
}

// len reports the number of retained units.
func (c *unitCache) len() int { return len(c.byID) }
