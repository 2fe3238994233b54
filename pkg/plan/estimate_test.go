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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/daviszhen/cbo/pkg/common"
	"github.com/daviszhen/cbo/pkg/storage"
)

func chainEstimator(tracker *AdaptiveTracker) *Estimator {
	est := NewEstimator(chainStats(), tracker, 0.1)
	est.Bind(chainPlan())
	return est
}

func TestEstimateSelectivity(t *testing.T) {
	est := chainEstimator(nil)
	x := Col("A", "x")
	tests := []struct {
		name string
		pred *Expr
		want float64
	}{
		{"eq", Eq(x, Int(5)), 0.01},
		{"eq out of range", Eq(x, Int(1000)), 0},
		{"eq null", Eq(x, Const(common.NullValue())), 0},
		{"less", Cmp(ET_Less, x, Int(51)), 0.5},
		{"less equal", Cmp(ET_LessEqual, x, Int(50)), 0.5},
		{"greater", Cmp(ET_Greater, x, Int(95)), 0.05},
		{"between all", Between(x, Int(1), Int(100)), 1},
		{"between empty", Between(x, Int(60), Int(10)), 0},
		{"in", In(x, Int(1), Int(2), Int(3)), 0.03},
		{"not equal", Cmp(ET_NotEqual, x, Int(5)), 0.99},
		{"not", Not(Eq(x, Int(5))), 0.99},
		{"or", Or(Eq(x, Int(5)), Eq(x, Int(6))), 0.01 + 0.01 - 0.0001},
		{"and", And(Cmp(ET_Less, x, Int(51)), Eq(Col("A", "id"), Int(7))), 0.5 * 0.001},
		{"true", Eq(Int(1), Int(1)), 1},
		{"false", Eq(Int(1), Int(2)), 0},
		{"join", Eq(Col("A", "id"), Col("B", "a_id")), 0.001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := est.EstimateSelectivity(tt.pred)
			assert.False(t, got.Degraded)
			assert.InDelta(t, tt.want, got.Selectivity, 1e-9)
			assert.GreaterOrEqual(t, got.Selectivity, 0.0)
			assert.LessOrEqual(t, got.Selectivity, 1.0)
		})
	}
	assert.Equal(t, 0, est.DegradedCount())
}

func TestEqualityBoundedByDistinct(t *testing.T) {
	est := chainEstimator(nil)
	for _, col := range []struct {
		table, name string
		ndv         float64
		lo, hi      int64
	}{
		{"A", "id", 1000, 1, 1000},
		{"A", "x", 100, 1, 100},
		{"B", "a_id", 1000, 1, 1000},
		{"C", "k", 50, 1, 50},
	} {
		for v := col.lo; v <= col.hi; v += (col.hi-col.lo)/7 + 1 {
			sel := est.EstimateSelectivity(Eq(Col(col.table, col.name), Int(v)))
			assert.LessOrEqual(t, sel.Selectivity, 1/col.ndv+1e-12, "%s.%s = %d", col.table, col.name, v)
			assert.Equal(t, sel.Raw, sel.Selectivity)
		}
	}
}

func TestEstimateDegraded(t *testing.T) {
	est := chainEstimator(nil)
	got := est.EstimateSelectivity(Eq(Col("Z", "q"), Int(1)))
	assert.True(t, got.Degraded)
	assert.InDelta(t, 0.1, got.Selectivity, 1e-9)
	assert.Equal(t, 1, est.DegradedCount())

	//known table, column without statistics
	got = est.EstimateSelectivity(Cmp(ET_Less, Col("A", "y"), Int(3)))
	assert.True(t, got.Degraded)
	assert.InDelta(t, defaultRangeSel, got.Selectivity, 1e-9)

	got = est.EstimateSelectivity(Like(Col("A", "y"), "ab%"))
	assert.True(t, got.Degraded)
	assert.Equal(t, 3, est.DegradedCount())
}

func TestEstimateCardinality(t *testing.T) {
	est := chainEstimator(nil)
	ce := est.EstimateCardinality(Relation{Table: "A"}, []*Expr{Eq(Col("A", "x"), Int(5))})
	assert.Equal(t, uint64(10), ce.Rows)
	assert.InDelta(t, 10, ce.Raw, 1e-9)
	assert.False(t, ce.Degraded)
	fmt.Println(ce.Signature)

	//no row ever estimated away from a non empty input
	ce = est.EstimateCardinality(Relation{Table: "A"}, []*Expr{Eq(Col("A", "x"), Int(1000))})
	assert.Equal(t, uint64(1), ce.Rows)

	ce = est.EstimateCardinality(Relation{Table: "Unknown"}, nil)
	assert.Equal(t, uint64(defaultRowCount), ce.Rows)
	assert.True(t, ce.Degraded)

	ce = est.EstimateCardinality(Relation{Rows: 40}, []*Expr{Eq(Int(1), Int(1))})
	assert.Equal(t, uint64(40), ce.Rows)
}

func TestEstimateJointStats(t *testing.T) {
	ms := storage.NewMemStats()
	ms.Put(storage.NewTableStats("T", 1000).
		AddColumn(intColumn("a", 1, 10, 1000, 10)).
		AddColumn(intColumn("b", 1, 10, 1000, 10)).
		AddJoint(&storage.JointStats{
			Columns:       []string{"a", "b"},
			DistinctCount: 10,
			Frequencies: []storage.JointFrequency{
				{Values: []common.Value{common.IntValue(1), common.IntValue(1)}, Count: 100},
			},
		}))
	est := NewEstimator(ms, nil, 0.1)
	est.Bind(NewScan("T", ""))

	//correlated columns: a = 1 implies b = 1
	ce := est.EstimateCardinality(Relation{Table: "T"}, []*Expr{
		Eq(Col("T", "a"), Int(1)),
		Eq(Col("T", "b"), Int(1)),
	})
	assert.Equal(t, uint64(100), ce.Rows)

	//a range is not covered by the joint statistics
	ce = est.EstimateCardinality(Relation{Table: "T"}, []*Expr{
		Eq(Col("T", "a"), Int(1)),
		Cmp(ET_Less, Col("T", "b"), Int(6)),
	})
	assert.Equal(t, uint64(50), ce.Rows)
}

func TestEstimateCorrection(t *testing.T) {
	tracker := NewAdaptiveTracker(0.1, 64)
	est := chainEstimator(tracker)
	pred := Eq(Col("A", "x"), Int(5))
	before := est.EstimateSelectivity(pred)
	assert.InDelta(t, 1, before.Correction, 1e-9)

	//constants are hidden, another value shares the signature
	other := est.EstimateSelectivity(Eq(Col("A", "x"), Int(42)))
	assert.Equal(t, before.Signature, other.Signature)

	tracker.Record(before.Signature, 10, 30)
	after := est.EstimateSelectivity(pred)
	assert.InDelta(t, 3, after.Correction, 1e-9)
	assert.InDelta(t, 0.03, after.Selectivity, 1e-9)
	//the 1/distinct bound holds for the raw estimate only
	assert.InDelta(t, 0.01, after.Raw, 1e-9)
	assert.Greater(t, after.Selectivity, 1/100.0)

	//correction never pushes a selectivity above one
	tracker.Record(before.Signature, 1, 1e5)
	assert.LessOrEqual(t, est.EstimateSelectivity(pred).Selectivity, 1.0)
}
