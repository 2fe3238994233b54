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
	"cmp"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	treemap "github.com/liyue201/gostl/ds/map"
	"go.uber.org/zap"

	"github.com/daviszhen/cbo/pkg/util"
)

const (
	minEstimate      = 1e-9
	maxCorrection    = 1e6
	trackerShards    = 16
	shardingMinLimit = 64
)

type AdaptiveStatEntry struct {
	Signature  string
	Estimated  float64
	Actual     float64
	Correction float64
	Samples    uint64
	seq        uint64
}

type trackerShard struct {
	sync.RWMutex
	entries map[string]*AdaptiveStatEntry
}

// AdaptiveTracker keeps per operator signature correction factors learned
// from execution feedback. Signatures hash onto shards and readers lock only
// their shard. Writers serialize on lru, which orders every tracked signature
// by its last update so the capacity bound and eviction are global.
type AdaptiveTracker struct {
	alpha    float64
	capacity int
	shards   []*trackerShard

	lru sync.Mutex
	//update sequence -> signature, oldest first
	recency   *treemap.Map[uint64, string]
	seq       uint64
	evictions atomic.Uint64
	skipped   atomic.Uint64
}

func NewAdaptiveTracker(alpha float64, capacity int) *AdaptiveTracker {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	if capacity <= 0 {
		capacity = 1
	}
	n := 1
	if capacity >= shardingMinLimit {
		n = trackerShards
	}
	at := &AdaptiveTracker{
		alpha:    alpha,
		capacity: capacity,
		shards:   make([]*trackerShard, n),
		recency:  treemap.New[uint64, string](cmp.Compare[uint64]),
	}
	for i := range at.shards {
		at.shards[i] = &trackerShard{
			entries: make(map[string]*AdaptiveStatEntry),
		}
	}
	return at
}

func (at *AdaptiveTracker) shard(sig string) *trackerShard {
	if len(at.shards) == 1 {
		return at.shards[0]
	}
	return at.shards[xxhash.Sum64String(sig)%uint64(len(at.shards))]
}

// Record folds one observation into the signature's correction factor.
// The first observation seeds the factor with the observed ratio, later
// ones move it by the moving average. Estimates near zero are skipped.
func (at *AdaptiveTracker) Record(sig string, estimated, actual float64) bool {
	if estimated < minEstimate || math.IsNaN(estimated) || math.IsNaN(actual) || actual < 0 {
		at.skipped.Add(1)
		util.Debug("feedback skipped",
			zap.String("signature", sig),
			zap.Float64("estimated", estimated),
			zap.Float64("actual", actual))
		return false
	}
	ratio := util.Clamp(actual/estimated, 1/maxCorrection, maxCorrection)

	//lock order: lru, then a shard
	at.lru.Lock()
	defer at.lru.Unlock()
	at.seq++
	seq := at.seq
	sd := at.shard(sig)
	sd.Lock()
	ent, ok := sd.entries[sig]
	if ok {
		at.recency.Erase(ent.seq)
		ent.Correction = at.alpha*ratio + (1-at.alpha)*ent.Correction
	} else {
		ent = &AdaptiveStatEntry{Signature: sig, Correction: ratio}
		sd.entries[sig] = ent
	}
	ent.Estimated = estimated
	ent.Actual = actual
	ent.Samples++
	ent.seq = seq
	sd.Unlock()
	at.recency.Insert(seq, sig)

	for at.recency.Size() > at.capacity {
		oldest := at.recency.Begin()
		if !oldest.IsValid() {
			break
		}
		victim := oldest.Value()
		at.recency.Erase(oldest.Key())
		vs := at.shard(victim)
		vs.Lock()
		delete(vs.entries, victim)
		vs.Unlock()
		at.evictions.Add(1)
		util.Debug("feedback entry evicted",
			zap.String("signature", victim),
			zap.Uint64("evictions", at.evictions.Load()))
	}
	return true
}

// GetCorrection returns 1.0 for unseen signatures.
func (at *AdaptiveTracker) GetCorrection(sig string) float64 {
	if at == nil {
		return 1
	}
	sd := at.shard(sig)
	sd.RLock()
	defer sd.RUnlock()
	if ent, ok := sd.entries[sig]; ok {
		return ent.Correction
	}
	return 1
}

func (at *AdaptiveTracker) Entry(sig string) (AdaptiveStatEntry, bool) {
	sd := at.shard(sig)
	sd.RLock()
	defer sd.RUnlock()
	if ent, ok := sd.entries[sig]; ok {
		return *ent, true
	}
	return AdaptiveStatEntry{}, false
}

func (at *AdaptiveTracker) Len() int {
	cnt := 0
	for _, sd := range at.shards {
		sd.RLock()
		cnt += len(sd.entries)
		sd.RUnlock()
	}
	return cnt
}

func (at *AdaptiveTracker) Evictions() uint64 {
	return at.evictions.Load()
}

func (at *AdaptiveTracker) Skipped() uint64 {
	return at.skipped.Load()
}

// Snapshot copies all entries ordered by signature.
func (at *AdaptiveTracker) Snapshot() []AdaptiveStatEntry {
	var ret []AdaptiveStatEntry
	for _, sd := range at.shards {
		sd.RLock()
		for _, ent := range sd.entries {
			ret = append(ret, *ent)
		}
		sd.RUnlock()
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Signature < ret[j].Signature
	})
	return ret
}
