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

package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/daviszhen/cbo/pkg/util"
)

type statsKind uint8

const (
	statsKindRows statsKind = iota
	statsKindHist
	statsKindNdv
	statsKindNulls
	statsKindJoint
)

type statsKey struct {
	kind   statsKind
	table  string
	column string
}

type statsEntry struct {
	found     bool
	count     uint64
	hist      *Histogram
	joint     *JointStats
	fetchedAt time.Time
}

// StatsCache is the process wide statistics handle. It pulls from the
// provider on first use and keeps the answer until the ttl passes or the
// table is invalidated. Entries are independent so one table refresh does
// not block readers of another.
type StatsCache struct {
	provider StatsProvider
	ttl      time.Duration
	entries  sync.Map //statsKey -> *statsEntry
	//table -> *atomic.Uint64, bumped before entries are dropped
	gens   sync.Map
	allGen atomic.Uint64
	now    func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewStatsCache wraps provider. ttl <= 0 keeps entries until invalidated.
func NewStatsCache(provider StatsProvider, ttl time.Duration) *StatsCache {
	return &StatsCache{
		provider: provider,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (sc *StatsCache) SetClock(now func() time.Time) {
	sc.now = now
}

func (sc *StatsCache) load(key statsKey, fetch func() *statsEntry) *statsEntry {
	if util.CheckFault(util.FAULTS_SCOPE_STATS, util.FaultStatsUnavailable) != nil {
		return &statsEntry{}
	}
	if val, ok := sc.entries.Load(key); ok {
		ent := val.(*statsEntry)
		if sc.ttl <= 0 || sc.now().Sub(ent.fetchedAt) < sc.ttl {
			sc.hits.Add(1)
			return ent
		}
	}
	sc.misses.Add(1)
	gen := sc.generation(key.table)
	ent := fetch()
	ent.fetchedAt = sc.now()
	sc.entries.Store(key, ent)
	//an invalidation raced with the fetch, do not keep what it read
	if sc.generation(key.table) != gen {
		sc.entries.CompareAndDelete(key, ent)
	}
	return ent
}

func (sc *StatsCache) tableGen(table string) *atomic.Uint64 {
	if val, ok := sc.gens.Load(table); ok {
		return val.(*atomic.Uint64)
	}
	val, _ := sc.gens.LoadOrStore(table, new(atomic.Uint64))
	return val.(*atomic.Uint64)
}

func (sc *StatsCache) generation(table string) [2]uint64 {
	return [2]uint64{sc.allGen.Load(), sc.tableGen(table).Load()}
}

// Invalidate drops every cached entry of the table. Called on DDL or after
// a statistics refresh.
func (sc *StatsCache) Invalidate(table string) {
	sc.tableGen(table).Add(1)
	cnt := 0
	sc.entries.Range(func(k, _ any) bool {
		if k.(statsKey).table == table {
			sc.entries.Delete(k)
			cnt++
		}
		return true
	})
	util.Debug("stats cache invalidated",
		zap.String("table", table),
		zap.Int("entries", cnt))
}

func (sc *StatsCache) InvalidateAll() {
	sc.allGen.Add(1)
	sc.entries.Clear()
}

func (sc *StatsCache) HitRate() (hits, misses uint64) {
	return sc.hits.Load(), sc.misses.Load()
}

func (sc *StatsCache) RowCount(table string) (uint64, bool) {
	ent := sc.load(statsKey{kind: statsKindRows, table: table}, func() *statsEntry {
		cnt, ok := sc.provider.RowCount(table)
		return &statsEntry{found: ok, count: cnt}
	})
	return ent.count, ent.found
}

func (sc *StatsCache) Histogram(table, column string) (*Histogram, bool) {
	ent := sc.load(statsKey{kind: statsKindHist, table: table, column: column}, func() *statsEntry {
		h, ok := sc.provider.Histogram(table, column)
		return &statsEntry{found: ok && h != nil, hist: h}
	})
	return ent.hist, ent.found
}

func (sc *StatsCache) DistinctCount(table, column string) (uint64, bool) {
	ent := sc.load(statsKey{kind: statsKindNdv, table: table, column: column}, func() *statsEntry {
		cnt, ok := sc.provider.DistinctCount(table, column)
		return &statsEntry{found: ok, count: cnt}
	})
	return ent.count, ent.found
}

func (sc *StatsCache) NullCount(table, column string) (uint64, bool) {
	ent := sc.load(statsKey{kind: statsKindNulls, table: table, column: column}, func() *statsEntry {
		cnt, ok := sc.provider.NullCount(table, column)
		return &statsEntry{found: ok, count: cnt}
	})
	return ent.count, ent.found
}

func (sc *StatsCache) JointStats(table string, columns []string) (*JointStats, bool) {
	key := statsKey{kind: statsKindJoint, table: table, column: jointKey(columns)}
	ent := sc.load(key, func() *statsEntry {
		js, ok := sc.provider.JointStats(table, columns)
		return &statsEntry{found: ok && js != nil, joint: js}
	})
	return ent.joint, ent.found
}

// HasTable reports whether the table has a row count, a cheap proxy for
// "statistics were collected".
func (sc *StatsCache) HasTable(table string) bool {
	_, ok := sc.RowCount(table)
	return ok
}
