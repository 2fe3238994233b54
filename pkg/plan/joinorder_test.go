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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/cbo/pkg/storage"
	"github.com/daviszhen/cbo/pkg/util"
)

func TestRelationSet(t *testing.T) {
	set := singleRelation(0) | singleRelation(3) | singleRelation(5)
	assert.Equal(t, 3, set.count())
	assert.Equal(t, 0, set.lowest())
	assert.True(t, set.has(3))
	assert.False(t, set.has(4))
	assert.Equal(t, "{0,3,5}", set.String())
	assert.True(t, (singleRelation(3) | singleRelation(5)).subsetOf(set))

	all := relationSet(1)<<5 - 1
	cnt := 0
	for s := relationSet(3); s.subsetOf(all); s = nextSubset(s) {
		assert.Equal(t, 2, s.count())
		cnt++
	}
	assert.Equal(t, 10, cnt)
}

func TestChainJoinOrder(t *testing.T) {
	opt := newTestOptimizer(chainStats(), nil, nil)
	p := mustOptimize(t, opt, chainPlan())
	fmt.Println(p.Explain)

	//|A join B| = 2000 > |B join C| = 500, so B and C are joined first
	root := p.Root
	require.Equal(t, POT_HashJoin, root.Typ)
	require.Len(t, root.Children, 2)
	assert.Equal(t, POT_Scan, root.Children[0].Typ)
	assert.Equal(t, "A", root.Children[0].Table)
	inner := root.Children[1]
	require.Equal(t, POT_HashJoin, inner.Typ)
	assert.ElementsMatch(t, []string{"B", "C"}, scanTables(inner))
	assert.InDelta(t, 500, inner.EstimatedRows, 0.5)
	assert.InDelta(t, 500, root.EstimatedRows, 0.5)
	assert.InDelta(t, 9000, root.EstimatedCost, 1e-6)
	assert.False(t, p.Explain.Fallback)
	assert.False(t, p.Explain.Degraded)
	//the written order stays in the root group next to the chosen one
	assert.GreaterOrEqual(t, root.Alternatives, 2)
}

func TestJoinGraphCardinality(t *testing.T) {
	memo, sel, id := costedMemo(t, chainStats(), chainPlan())
	joinOrder := NewJoinOrderOptimizer(memo, sel.cm, 12, 0)
	written, err := joinOrder.prepare(id, sel.costGroup)
	require.NoError(t, err)
	require.False(t, written)
	graph := joinOrder.graph
	require.Len(t, graph.rels, 3)
	require.Len(t, graph.edges, 2)
	fmt.Println(graph)

	ab := singleRelation(0) | singleRelation(1)
	bc := singleRelation(1) | singleRelation(2)
	ac := singleRelation(0) | singleRelation(2)
	assert.InDelta(t, 2000, graph.cardinality(ab).rows, 0.5)
	assert.InDelta(t, 500, graph.cardinality(bc).rows, 0.5)
	assert.InDelta(t, 500, graph.cardinality(graph.all).rows, 0.5)
	assert.True(t, graph.connected(ab))
	assert.False(t, graph.connected(ac))
	assert.True(t, graph.joinable(singleRelation(0), bc))
	assert.False(t, graph.joinable(singleRelation(0), singleRelation(2)))
	assert.Len(t, graph.predsBetween(singleRelation(0), bc), 1)
}

// a join cycle over one equivalence class must not apply the implied
// predicate twice
func TestJoinGraphTransitiveEdges(t *testing.T) {
	ms := storage.NewMemStats()
	for _, name := range []string{"P", "Q", "R"} {
		ms.Put(storage.NewTableStats(name, 1000).AddColumn(intColumn("k", 1, 1000, 1000, 1000)))
	}
	root := NewJoin(LOT_JoinTypeInner,
		NewJoin(LOT_JoinTypeInner, NewScan("P", ""), NewScan("Q", ""), Eq(Col("P", "k"), Col("Q", "k"))),
		NewScan("R", ""),
		Eq(Col("Q", "k"), Col("R", "k")), Eq(Col("P", "k"), Col("R", "k")))
	memo, sel, id := costedMemo(t, ms, root)
	joinOrder := NewJoinOrderOptimizer(memo, sel.cm, 12, 0)
	_, err := joinOrder.prepare(id, sel.costGroup)
	require.NoError(t, err)
	graph := joinOrder.graph
	require.Len(t, graph.edges, 3)
	assert.Equal(t, 1, graph.classes)
	//1000^3 * 0.001 * 0.001, not * 0.001^3
	assert.InDelta(t, 1000, graph.cardinality(graph.all).rows, 0.5)
}

// starStats builds a five table chain with very different sizes so the
// greedy order is not the best one.
func longChain() (*storage.MemStats, *LogicalOperator) {
	sizes := []uint64{100, 10000, 50, 5000, 20}
	ms := storage.NewMemStats()
	for i, rows := range sizes {
		ts := storage.NewTableStats(fmt.Sprintf("T%d", i), rows).
			AddColumn(intColumn("id", 1, int64(rows), rows, rows))
		if i > 0 {
			prev := sizes[i-1]
			ts.AddColumn(intColumn("pid", 1, int64(prev), rows, min(prev, rows)))
		}
		ms.Put(ts)
	}
	var root *LogicalOperator = NewScan("T0", "")
	for i := 1; i < len(sizes); i++ {
		root = NewJoin(LOT_JoinTypeInner, root, NewScan(fmt.Sprintf("T%d", i), ""),
			Eq(Col(fmt.Sprintf("T%d", i-1), "id"), Col(fmt.Sprintf("T%d", i), "pid")))
	}
	return ms, root
}

func TestDPNotWorseThanGreedy(t *testing.T) {
	ms, root := longChain()
	ctx := context.Background()

	memo, sel, id := costedMemo(t, ms, root)
	dp := NewJoinOrderOptimizer(memo, sel.cm, 12, 0)
	_, err := dp.prepare(id, sel.costGroup)
	require.NoError(t, err)
	best, err := dp.runDP(ctx)
	require.NoError(t, err)

	memo2, sel2, id2 := costedMemo(t, ms, root)
	greedy := NewJoinOrderOptimizer(memo2, sel2.cm, 12, 0)
	_, err = greedy.prepare(id2, sel2.costGroup)
	require.NoError(t, err)
	left, err := greedy.runGreedy(ctx)
	require.NoError(t, err)
	fmt.Println("dp", best, best.cost, "greedy", left, left.cost)

	assert.LessOrEqual(t, best.cost, left.cost+1e-6)
	assert.InDelta(t, best.rows, left.rows, 0.5)
	assert.True(t, greedy.Fallback())

	//the same through the optimizer
	exhaustive := mustOptimize(t, newTestOptimizer(ms, nil, nil), root)
	heuristic := mustOptimize(t, newTestOptimizer(ms, nil, func(opts *util.OptimizerOptions) {
		opts.MaxJoinTableDpccpThreshold = 2
	}), root)
	assert.LessOrEqual(t, exhaustive.Root.EstimatedCost, heuristic.Root.EstimatedCost+1e-6)
	assert.False(t, exhaustive.Explain.Fallback)
	assert.True(t, heuristic.Explain.Fallback)
	assert.True(t, hasWarning(heuristic, WarnEnumerationFallback))
	assert.ElementsMatch(t, []string{"T0", "T1", "T2", "T3", "T4"}, scanTables(heuristic.Root))
}

func hasWarning(p *Plan, kind WarningKind) bool {
	for _, w := range p.Warnings {
		if w.Kind == kind {
			return true
		}
	}
	return false
}

func TestEnumerationBudgetFault(t *testing.T) {
	util.OpenFaults(util.FAULTS_SCOPE_JOIN_ENUM)
	defer util.CloseFaults(util.FAULTS_SCOPE_JOIN_ENUM)
	fired := 0
	util.RegisterFault(util.FAULTS_SCOPE_JOIN_ENUM, util.FaultExhaustEnumBudget, nil, func([]string) error {
		fired++
		return nil
	})

	p := mustOptimize(t, newTestOptimizer(chainStats(), nil, nil), chainPlan())
	fmt.Println(p.Explain)
	assert.Equal(t, 1, fired)
	assert.True(t, p.Explain.Fallback)
	assert.True(t, hasWarning(p, WarnEnumerationFallback))
	assert.ElementsMatch(t, []string{"A", "B", "C"}, scanTables(p.Root))
	//greedy starts from the smallest pair, B join C
	assert.InDelta(t, 500, p.Root.EstimatedRows, 0.5)
}

func TestDisconnectedJoinGraph(t *testing.T) {
	root := NewJoin(LOT_JoinTypeCross,
		NewScan("A", ""),
		NewJoin(LOT_JoinTypeInner, NewScan("B", ""), NewScan("C", ""), Eq(Col("B", "id"), Col("C", "b_id"))))
	p := mustOptimize(t, newTestOptimizer(chainStats(), nil, nil), root)
	fmt.Println(p.Explain)
	assert.Equal(t, 1, p.Root.Count(POT_CrossProduct))
	assert.Equal(t, 1, p.Root.Count(POT_HashJoin))
	assert.True(t, hasWarning(p, WarnDisconnectedGraph))
	assert.Equal(t, 2, p.Root.Joins())
	require.Len(t, p.Root.Predicates(), 1)
	assert.Contains(t, []string{"B.id = C.b_id", "C.b_id = B.id"}, p.Root.Predicates()[0].String())
	assert.Contains(t, p.Explain.String(), "joins=2 preds=1")
	assert.InDelta(t, 1000*500, p.Root.EstimatedRows, 0.5)
}

func TestEnumerationCancelled(t *testing.T) {
	ms, root := longChain()
	memo, sel, id := costedMemo(t, ms, root)
	joinOrder := NewJoinOrderOptimizer(memo, sel.cm, 12, 0)
	_, err := joinOrder.prepare(id, sel.costGroup)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	//too few evaluations to reach a check, the search completes
	_, err = joinOrder.runDP(ctx)
	require.NoError(t, err)
	_, err = joinOrder.runGreedy(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
