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
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daviszhen/cbo/pkg/storage"
	"github.com/daviszhen/cbo/pkg/util"
)

func intColumn(name string, lo, hi int64, rows, ndv uint64) *storage.ColumnStats {
	return &storage.ColumnStats{
		Name:      name,
		Histogram: storage.UniformHistogram(lo, hi, rows, ndv, 10),
	}
}

// chainStats is A(1000) - B(2000) - C(500) with uniform histograms on the
// join columns.
func chainStats() *storage.MemStats {
	ms := storage.NewMemStats()
	ms.Put(storage.NewTableStats("A", 1000).
		AddColumn(intColumn("id", 1, 1000, 1000, 1000)).
		AddColumn(intColumn("x", 1, 100, 1000, 100)))
	ms.Put(storage.NewTableStats("B", 2000).
		AddColumn(intColumn("a_id", 1, 1000, 2000, 1000)).
		AddColumn(intColumn("id", 1, 2000, 2000, 2000)))
	ms.Put(storage.NewTableStats("C", 500).
		AddColumn(intColumn("b_id", 1, 2000, 500, 500)).
		AddColumn(intColumn("k", 1, 50, 500, 50)))
	return ms
}

// chainPlan is (A join B) join C, the order a parser would write.
func chainPlan() *LogicalOperator {
	return NewJoin(LOT_JoinTypeInner,
		NewJoin(LOT_JoinTypeInner,
			NewScan("A", ""),
			NewScan("B", ""),
			Eq(Col("A", "id"), Col("B", "a_id"))),
		NewScan("C", ""),
		Eq(Col("B", "id"), Col("C", "b_id")))
}

func newTestOptimizer(stats storage.StatsProvider, views ViewRegistry, tweak func(*util.OptimizerOptions)) *Optimizer {
	opts := util.DefaultOptimizerOptions()
	opts.EnumerationBudget = 0
	if tweak != nil {
		tweak(&opts)
	}
	return NewOptimizer(Env{Stats: stats, Views: views}, opts)
}

func mustOptimize(t *testing.T, opt *Optimizer, root *LogicalOperator) *Plan {
	p, err := opt.Optimize(context.Background(), root)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

// scanTables lists the scanned tables below po in order.
func scanTables(po *PhysicalOperator) []string {
	var ret []string
	po.Walk(func(op *PhysicalOperator) {
		if op.Typ == POT_Scan {
			ret = append(ret, op.Table)
		}
	})
	return ret
}

// costedMemo loads root into a fresh memo and costs everything below the
// top join region, ready for a JoinOrderOptimizer.
func costedMemo(t *testing.T, stats storage.StatsProvider, root *LogicalOperator) (*Memo, *selector, GroupID) {
	est := NewEstimator(storage.NewStatsCache(stats, 0), NewAdaptiveTracker(0.1, 64), 0.1)
	est.Bind(root)
	memo := NewMemo(true)
	id, _, err := InsertPlan(memo, root, true)
	require.NoError(t, err)
	sel := &selector{
		ctx:  context.Background(),
		memo: memo,
		cm:   &costModel{est: est, crossPenalty: 10},
		opts: util.DefaultOptimizerOptions(),
	}
	return memo, sel, id
}
