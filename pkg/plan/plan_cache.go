// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package plan

import (
	"sync"
	"time"

	"github.com/tidwall/btree"
)

type cacheEntry struct {
	key    string
	seq    uint64
	plan   *Plan
	stored time.Time
}

func cacheEntryLess(a, b *cacheEntry) bool {
	return a.seq < b.seq
}

// planCache keeps finished plans by key. An entry expires once its stored
// timestamp is older than ttl (ttl <= 0 never expires); the oldest entry is
// evicted when capacity is reached. Nothing sweeps in the background.
type planCache struct {
	lock     sync.Mutex
	ttl      time.Duration
	capacity int
	seq      uint64
	entries  map[string]*cacheEntry
	order    *btree.BTreeG[*cacheEntry]
	now      func() time.Time
}

func newPlanCache(capacity int, ttl time.Duration) *planCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &planCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*cacheEntry),
		order:    btree.NewBTreeG[*cacheEntry](cacheEntryLess),
		now:      time.Now,
	}
}

func (pc *planCache) get(key string) (*Plan, bool) {
	pc.lock.Lock()
	defer pc.lock.Unlock()
	ent, ok := pc.entries[key]
	if !ok {
		return nil, false
	}
	if pc.ttl > 0 && pc.now().Sub(ent.stored) >= pc.ttl {
		pc.remove(ent)
		return nil, false
	}
	return ent.plan, true
}

func (pc *planCache) put(key string, plan *Plan) {
	pc.lock.Lock()
	defer pc.lock.Unlock()
	if old, ok := pc.entries[key]; ok {
		pc.remove(old)
	}
	pc.seq++
	ent := &cacheEntry{key: key, seq: pc.seq, plan: plan, stored: pc.now()}
	pc.entries[key] = ent
	pc.order.Set(ent)
	for pc.order.Len() > pc.capacity {
		oldest, ok := pc.order.PopMin()
		if !ok {
			break
		}
		delete(pc.entries, oldest.key)
	}
}

func (pc *planCache) remove(ent *cacheEntry) {
	delete(pc.entries, ent.key)
	pc.order.Delete(ent)
}

func (pc *planCache) invalidate() int {
	pc.lock.Lock()
	defer pc.lock.Unlock()
	n := len(pc.entries)
	pc.entries = make(map[string]*cacheEntry)
	pc.order.Clear()
	return n
}

func (pc *planCache) len() int {
	pc.lock.Lock()
	defer pc.lock.Unlock()
	return len(pc.entries)
}
