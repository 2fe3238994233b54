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
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/daviszhen/cbo/pkg/common"
)

// HistogramRowTolerance is the relative slack allowed between the sum of
// bucket row counts and the table row count.
const HistogramRowTolerance = 0.05

var (
	ErrBucketOrder   = errors.New("histogram buckets overlap or are out of order")
	ErrBucketCounts  = errors.New("histogram bucket counts are invalid")
	ErrRowCountDrift = errors.New("histogram rows drift from table row count")
)

// Bucket covers [Lower, Upper], both inclusive.
type Bucket struct {
	Lower         common.Value
	Upper         common.Value
	RowCount      uint64
	DistinctCount uint64
}

func (b *Bucket) contains(v common.Value) bool {
	return b.Lower.Compare(v) <= 0 && v.Compare(b.Upper) <= 0
}

func (b *Bucket) String() string {
	return fmt.Sprintf("[%v, %v] rows=%d ndv=%d", b.Lower, b.Upper, b.RowCount, b.DistinctCount)
}

type Histogram struct {
	Buckets []Bucket
	rows    uint64
	ndv     uint64
}

// NewHistogram checks that buckets are ordered and disjoint.
func NewHistogram(buckets []Bucket) (*Histogram, error) {
	h := &Histogram{Buckets: slices.Clone(buckets)}
	for i := range h.Buckets {
		b := &h.Buckets[i]
		if b.Lower.Compare(b.Upper) > 0 {
			return nil, fmt.Errorf("%w: bucket %d lower %v > upper %v", ErrBucketOrder, i, b.Lower, b.Upper)
		}
		if i > 0 && h.Buckets[i-1].Upper.Compare(b.Lower) >= 0 {
			return nil, fmt.Errorf("%w: bucket %d starts at %v", ErrBucketOrder, i, b.Lower)
		}
		if b.RowCount > 0 && b.DistinctCount == 0 {
			b.DistinctCount = 1
		}
		if b.DistinctCount > b.RowCount {
			return nil, fmt.Errorf("%w: bucket %d ndv %d > rows %d", ErrBucketCounts, i, b.DistinctCount, b.RowCount)
		}
		h.rows += b.RowCount
		h.ndv += b.DistinctCount
	}
	return h, nil
}

func MustHistogram(buckets []Bucket) *Histogram {
	h, err := NewHistogram(buckets)
	if err != nil {
		panic(err)
	}
	return h
}

// UniformHistogram spreads rows evenly over [lo, hi] in n integer buckets.
func UniformHistogram(lo, hi int64, rows uint64, ndv uint64, n int) *Histogram {
	if n <= 0 {
		n = 1
	}
	span := hi - lo + 1
	if int64(n) > span {
		n = int(span)
	}
	buckets := make([]Bucket, 0, n)
	start := lo
	for i := 0; i < n; i++ {
		end := lo + span*int64(i+1)/int64(n) - 1
		rowShare := rows * uint64(i+1) / uint64(n)
		rowShare -= rows * uint64(i) / uint64(n)
		ndvShare := ndv * uint64(i+1) / uint64(n)
		ndvShare -= ndv * uint64(i) / uint64(n)
		buckets = append(buckets, Bucket{
			Lower:         common.IntValue(start),
			Upper:         common.IntValue(end),
			RowCount:      rowShare,
			DistinctCount: min(ndvShare, rowShare),
		})
		start = end + 1
	}
	return MustHistogram(buckets)
}

func (h *Histogram) TotalRows() uint64 {
	return h.rows
}

func (h *Histogram) TotalDistinct() uint64 {
	return h.ndv
}

func (h *Histogram) Len() int {
	return len(h.Buckets)
}

// Find returns the bucket holding v or -1.
func (h *Histogram) Find(v common.Value) int {
	i := h.LowerBound(v)
	if i < len(h.Buckets) && h.Buckets[i].contains(v) {
		return i
	}
	return -1
}

// LowerBound returns the first bucket whose upper bound is >= v.
func (h *Histogram) LowerBound(v common.Value) int {
	return sort.Search(len(h.Buckets), func(i int) bool {
		return h.Buckets[i].Upper.Compare(v) >= 0
	})
}

// CheckRowCount reports drift beyond HistogramRowTolerance.
func (h *Histogram) CheckRowCount(rowCount uint64) error {
	if rowCount == 0 {
		if h.rows == 0 {
			return nil
		}
		return fmt.Errorf("%w: %d rows in buckets, table is empty", ErrRowCountDrift, h.rows)
	}
	drift := math.Abs(float64(h.rows)-float64(rowCount)) / float64(rowCount)
	if drift > HistogramRowTolerance {
		return fmt.Errorf("%w: buckets %d table %d", ErrRowCountDrift, h.rows, rowCount)
	}
	return nil
}

func (h *Histogram) String() string {
	sb := strings.Builder{}
	for i := range h.Buckets {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(h.Buckets[i].String())
	}
	return sb.String()
}

type JointFrequency struct {
	Values []common.Value
	Count  uint64
}

// JointStats describes a correlated column group of one table.
type JointStats struct {
	Columns       []string
	DistinctCount uint64
	Frequencies   []JointFrequency
}

func (js *JointStats) key() string {
	return jointKey(js.Columns)
}

func jointKey(cols []string) string {
	sorted := slices.Clone(cols)
	slices.Sort(sorted)
	return strings.Join(sorted, ",")
}

// Lookup returns the frequency of the value tuple, in Columns order.
func (js *JointStats) Lookup(vals []common.Value) (uint64, bool) {
	for _, f := range js.Frequencies {
		if len(f.Values) != len(vals) {
			continue
		}
		match := true
		for i := range vals {
			if f.Values[i].Compare(vals[i]) != 0 {
				match = false
				break
			}
		}
		if match {
			return f.Count, true
		}
	}
	return 0, false
}

func (js *JointStats) listedRows() uint64 {
	sum := uint64(0)
	for _, f := range js.Frequencies {
		sum += f.Count
	}
	return sum
}

// Remainder is the average frequency of tuples not in the list.
func (js *JointStats) Remainder(rowCount uint64) float64 {
	listed := js.listedRows()
	unlisted := int64(js.DistinctCount) - int64(len(js.Frequencies))
	if unlisted <= 0 || listed >= rowCount {
		return 0
	}
	return float64(rowCount-listed) / float64(unlisted)
}

type ColumnStats struct {
	Name          string
	Histogram     *Histogram
	DistinctCount uint64
	NullCount     uint64
}

type TableStats struct {
	Name        string
	RowCount    uint64
	Columns     map[string]*ColumnStats
	Joint       []*JointStats
	CollectedAt time.Time
}

func NewTableStats(name string, rows uint64) *TableStats {
	return &TableStats{
		Name:        name,
		RowCount:    rows,
		Columns:     make(map[string]*ColumnStats),
		CollectedAt: time.Now(),
	}
}

// AddColumn registers column statistics. A zero distinct count is derived
// from the histogram.
func (ts *TableStats) AddColumn(col *ColumnStats) *TableStats {
	if col.DistinctCount == 0 && col.Histogram != nil {
		col.DistinctCount = col.Histogram.TotalDistinct()
	}
	ts.Columns[col.Name] = col
	return ts
}

func (ts *TableStats) AddJoint(js *JointStats) *TableStats {
	ts.Joint = append(ts.Joint, js)
	return ts
}

// Validate checks every histogram against the row count.
func (ts *TableStats) Validate() error {
	var errs []error
	for _, name := range sortedColumnNames(ts.Columns) {
		col := ts.Columns[name]
		if col.Histogram == nil {
			continue
		}
		nonNull := ts.RowCount - min(ts.RowCount, col.NullCount)
		if err := col.Histogram.CheckRowCount(nonNull); err != nil {
			errs = append(errs, fmt.Errorf("%s.%s: %w", ts.Name, name, err))
		}
	}
	return errors.Join(errs...)
}

func sortedColumnNames(cols map[string]*ColumnStats) []string {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// StatsProvider is the pull interface to the external statistics store.
type StatsProvider interface {
	RowCount(table string) (uint64, bool)
	Histogram(table, column string) (*Histogram, bool)
	DistinctCount(table, column string) (uint64, bool)
	NullCount(table, column string) (uint64, bool)
	JointStats(table string, columns []string) (*JointStats, bool)
}

// MemStats is an in-memory StatsProvider. Writers replace whole table
// snapshots so readers never see a half updated table.
type MemStats struct {
	mu     sync.RWMutex
	tables map[string]*TableStats
}

func NewMemStats() *MemStats {
	return &MemStats{tables: make(map[string]*TableStats)}
}

func (ms *MemStats) Put(ts *TableStats) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tables[ts.Name] = ts
}

func (ms *MemStats) Drop(table string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.tables, table)
}

func (ms *MemStats) table(name string) *TableStats {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.tables[name]
}

func (ms *MemStats) column(table, column string) *ColumnStats {
	ts := ms.table(table)
	if ts == nil {
		return nil
	}
	return ts.Columns[column]
}

func (ms *MemStats) RowCount(table string) (uint64, bool) {
	ts := ms.table(table)
	if ts == nil {
		return 0, false
	}
	return ts.RowCount, true
}

func (ms *MemStats) Histogram(table, column string) (*Histogram, bool) {
	col := ms.column(table, column)
	if col == nil || col.Histogram == nil {
		return nil, false
	}
	return col.Histogram, true
}

func (ms *MemStats) DistinctCount(table, column string) (uint64, bool) {
	col := ms.column(table, column)
	if col == nil || col.DistinctCount == 0 {
		return 0, false
	}
	return col.DistinctCount, true
}

func (ms *MemStats) NullCount(table, column string) (uint64, bool) {
	col := ms.column(table, column)
	if col == nil {
		return 0, false
	}
	return col.NullCount, true
}

func (ms *MemStats) JointStats(table string, columns []string) (*JointStats, bool) {
	ts := ms.table(table)
	if ts == nil {
		return nil, false
	}
	key := jointKey(columns)
	for _, js := range ts.Joint {
		if js.key() == key {
			return js, true
		}
	}
	return nil, false
}
