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
	"math"
	"slices"

	hll "github.com/axiomhq/hyperloglog"
	"github.com/cespare/xxhash/v2"

	"github.com/daviszhen/cbo/pkg/common"
)

// DistinctSketch estimates distinct values of a possibly sampled stream.
type DistinctSketch struct {
	log         *hll.Sketch
	sampleCount uint64
	totalCount  uint64
}

func NewDistinctSketch() *DistinctSketch {
	return &DistinctSketch{log: hll.New14()}
}

func (ds *DistinctSketch) Insert(v common.Value) {
	ds.sampleCount++
	ds.totalCount++
	ds.log.InsertHash(hashValue(v))
}

// Scale tells the sketch how many rows the sample stands for.
func (ds *DistinctSketch) Scale(total uint64) {
	if total > ds.totalCount {
		ds.totalCount = total
	}
}

// Count extrapolates the sampled estimate to the whole input.
func (ds *DistinctSketch) Count() uint64 {
	if ds.sampleCount == 0 || ds.totalCount == 0 {
		return 0
	}
	cnt := ds.log.Estimate()
	u := float64(min(cnt, ds.sampleCount))
	s := float64(ds.sampleCount)
	n := float64(ds.totalCount)
	u1 := math.Pow(u/s, 2) * u
	est := u + u1/s*(n-s)
	return max(1, min(uint64(est), ds.totalCount))
}

func (ds *DistinctSketch) Merge(other *DistinctSketch) error {
	if err := ds.log.Merge(other.log); err != nil {
		return err
	}
	ds.sampleCount += other.sampleCount
	ds.totalCount += other.totalCount
	return nil
}

func hashValue(v common.Value) uint64 {
	return xxhash.Sum64String(v.Typ.String() + ":" + v.String())
}

// BuildColumnStats builds an equi-depth histogram over values. Equal values
// never straddle two buckets, so a bucket may exceed the target depth.
func BuildColumnStats(name string, values []common.Value, buckets int) *ColumnStats {
	ret := &ColumnStats{Name: name}
	nonNull := make([]common.Value, 0, len(values))
	for _, v := range values {
		if v.IsNull() {
			ret.NullCount++
			continue
		}
		nonNull = append(nonNull, v)
	}
	if len(nonNull) == 0 {
		return ret
	}
	slices.SortFunc(nonNull, func(a, b common.Value) int {
		return a.Compare(b)
	})
	if buckets <= 0 {
		buckets = 1
	}
	depth := max(1, (len(nonNull)+buckets-1)/buckets)

	all := NewDistinctSketch()
	result := make([]Bucket, 0, buckets)
	start := 0
	for start < len(nonNull) {
		end := min(start+depth, len(nonNull))
		for end < len(nonNull) && nonNull[end].Compare(nonNull[end-1]) == 0 {
			end++
		}
		sketch := NewDistinctSketch()
		for _, v := range nonNull[start:end] {
			sketch.Insert(v)
			all.Insert(v)
		}
		rows := uint64(end - start)
		result = append(result, Bucket{
			Lower:         nonNull[start],
			Upper:         nonNull[end-1],
			RowCount:      rows,
			DistinctCount: min(sketch.Count(), rows),
		})
		start = end
	}
	ret.Histogram = MustHistogram(result)
	ret.DistinctCount = all.Count()
	return ret
}
