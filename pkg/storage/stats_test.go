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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/cbo/pkg/common"
	"github.com/daviszhen/cbo/pkg/util"
)

func TestNewHistogram(t *testing.T) {
	h, err := NewHistogram([]Bucket{
		{Lower: common.IntValue(1), Upper: common.IntValue(10), RowCount: 100, DistinctCount: 10},
		{Lower: common.IntValue(11), Upper: common.IntValue(20), RowCount: 50, DistinctCount: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(150), h.TotalRows())
	assert.Equal(t, uint64(15), h.TotalDistinct())
	assert.Equal(t, 0, h.Find(common.IntValue(1)))
	assert.Equal(t, 0, h.Find(common.IntValue(10)))
	assert.Equal(t, 1, h.Find(common.IntValue(11)))
	assert.Equal(t, -1, h.Find(common.IntValue(21)))
	assert.Equal(t, -1, h.Find(common.IntValue(0)))

	_, err = NewHistogram([]Bucket{
		{Lower: common.IntValue(1), Upper: common.IntValue(10), RowCount: 1, DistinctCount: 1},
		{Lower: common.IntValue(10), Upper: common.IntValue(20), RowCount: 1, DistinctCount: 1},
	})
	assert.ErrorIs(t, err, ErrBucketOrder)

	_, err = NewHistogram([]Bucket{
		{Lower: common.IntValue(1), Upper: common.IntValue(10), RowCount: 1, DistinctCount: 3},
	})
	assert.ErrorIs(t, err, ErrBucketCounts)
}

func TestUniformHistogram(t *testing.T) {
	h := UniformHistogram(1, 1000, 2000, 1000, 10)
	assert.Equal(t, 10, h.Len())
	assert.Equal(t, uint64(2000), h.TotalRows())
	assert.Equal(t, uint64(1000), h.TotalDistinct())
	assert.NoError(t, h.CheckRowCount(2000))
	assert.NoError(t, h.CheckRowCount(1950))
	assert.ErrorIs(t, h.CheckRowCount(1000), ErrRowCountDrift)
	for i := 1; i < h.Len(); i++ {
		assert.Equal(t, 1, h.Buckets[i].Lower.Compare(h.Buckets[i-1].Upper))
	}
	fmt.Println(h)
}

func TestTableStatsValidate(t *testing.T) {
	ts := NewTableStats("t", 100).
		AddColumn(&ColumnStats{Name: "a", Histogram: UniformHistogram(1, 10, 100, 10, 2)}).
		AddColumn(&ColumnStats{Name: "b", Histogram: UniformHistogram(1, 10, 40, 10, 2)})
	err := ts.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t.b")
	assert.Equal(t, uint64(10), ts.Columns["a"].DistinctCount)
}

func TestJointStats(t *testing.T) {
	js := &JointStats{
		Columns:       []string{"a", "b"},
		DistinctCount: 12,
		Frequencies: []JointFrequency{
			{Values: []common.Value{common.IntValue(1), common.IntValue(2)}, Count: 40},
			{Values: []common.Value{common.IntValue(3), common.IntValue(4)}, Count: 20},
		},
	}
	cnt, ok := js.Lookup([]common.Value{common.IntValue(1), common.IntValue(2)})
	assert.True(t, ok)
	assert.Equal(t, uint64(40), cnt)
	_, ok = js.Lookup([]common.Value{common.IntValue(2), common.IntValue(1)})
	assert.False(t, ok)
	assert.InDelta(t, 4.0, js.Remainder(100), 1e-9)

	ms := NewMemStats()
	ms.Put(NewTableStats("t", 100).AddJoint(js))
	got, ok := ms.JointStats("t", []string{"b", "a"})
	assert.True(t, ok)
	assert.Same(t, js, got)
}

func TestBuildColumnStats(t *testing.T) {
	values := make([]common.Value, 0, 1100)
	for i := 0; i < 1000; i++ {
		values = append(values, common.IntValue(int64(i%100)))
	}
	for i := 0; i < 100; i++ {
		values = append(values, common.NullValue())
	}
	col := BuildColumnStats("x", values, 8)
	require.NotNil(t, col.Histogram)
	assert.Equal(t, uint64(100), col.NullCount)
	assert.Equal(t, uint64(1000), col.Histogram.TotalRows())
	assert.InDelta(t, 100, float64(col.DistinctCount), 5)
	for i := 1; i < col.Histogram.Len(); i++ {
		prev := col.Histogram.Buckets[i-1]
		cur := col.Histogram.Buckets[i]
		assert.Equal(t, -1, prev.Upper.Compare(cur.Lower))
		assert.LessOrEqual(t, cur.DistinctCount, cur.RowCount)
	}
}

type countingProvider struct {
	*MemStats
	rowCalls int
}

func (cp *countingProvider) RowCount(table string) (uint64, bool) {
	cp.rowCalls++
	return cp.MemStats.RowCount(table)
}

func TestStatsCache(t *testing.T) {
	ms := NewMemStats()
	ms.Put(NewTableStats("t", 10))
	cp := &countingProvider{MemStats: ms}
	now := time.Unix(1000, 0)
	sc := NewStatsCache(cp, time.Minute)
	sc.SetClock(func() time.Time { return now })

	cnt, ok := sc.RowCount("t")
	assert.True(t, ok)
	assert.Equal(t, uint64(10), cnt)
	_, _ = sc.RowCount("t")
	assert.Equal(t, 1, cp.rowCalls)

	//refresh underneath is invisible until ttl or invalidation
	ms.Put(NewTableStats("t", 20))
	cnt, _ = sc.RowCount("t")
	assert.Equal(t, uint64(10), cnt)

	sc.Invalidate("t")
	cnt, _ = sc.RowCount("t")
	assert.Equal(t, uint64(20), cnt)
	assert.Equal(t, 2, cp.rowCalls)

	ms.Put(NewTableStats("t", 30))
	now = now.Add(2 * time.Minute)
	cnt, _ = sc.RowCount("t")
	assert.Equal(t, uint64(30), cnt)
	assert.Equal(t, 3, cp.rowCalls)

	_, ok = sc.Histogram("t", "missing")
	assert.False(t, ok)
	assert.False(t, sc.HasTable("other"))
}

type blockingProvider struct {
	*MemStats
	entered chan struct{}
	release chan struct{}
}

func (bp *blockingProvider) RowCount(table string) (uint64, bool) {
	cnt, ok := bp.MemStats.RowCount(table)
	if bp.entered != nil {
		close(bp.entered)
		bp.entered = nil
		<-bp.release
	}
	return cnt, ok
}

func TestStatsCacheInvalidateDuringFetch(t *testing.T) {
	ms := NewMemStats()
	ms.Put(NewTableStats("A", 100))
	bp := &blockingProvider{
		MemStats: ms,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	entered := bp.entered
	sc := NewStatsCache(bp, 0)

	done := make(chan uint64)
	go func() {
		cnt, _ := sc.RowCount("A")
		done <- cnt
	}()
	<-entered
	ms.Put(NewTableStats("A", 200))
	sc.Invalidate("A")
	close(bp.release)
	assert.Equal(t, uint64(100), <-done)

	cnt, ok := sc.RowCount("A")
	require.True(t, ok)
	assert.Equal(t, uint64(200), cnt)

	//same for a full flush
	bp.entered = make(chan struct{})
	bp.release = make(chan struct{})
	entered = bp.entered
	sc.Invalidate("A")
	go func() {
		cnt, _ := sc.RowCount("A")
		done <- cnt
	}()
	<-entered
	ms.Put(NewTableStats("A", 300))
	sc.InvalidateAll()
	close(bp.release)
	assert.Equal(t, uint64(200), <-done)
	cnt, _ = sc.RowCount("A")
	assert.Equal(t, uint64(300), cnt)
}

func TestStatsCacheFault(t *testing.T) {
	ms := NewMemStats()
	ms.Put(NewTableStats("t", 10))
	sc := NewStatsCache(ms, 0)
	util.OpenFaults(util.FAULTS_SCOPE_STATS)
	defer util.CloseFaults(util.FAULTS_SCOPE_STATS)
	util.RegisterFault(util.FAULTS_SCOPE_STATS, util.FaultStatsUnavailable, nil, nil)
	_, ok := sc.RowCount("t")
	assert.False(t, ok)
	util.CloseFaults(util.FAULTS_SCOPE_STATS)
	_, ok = sc.RowCount("t")
	assert.True(t, ok)
}
