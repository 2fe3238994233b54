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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/cbo/pkg/storage"
	"github.com/daviszhen/cbo/pkg/util"
)

func TestOptimizeDeterministic(t *testing.T) {
	query := NewFilter(chainPlan(), Cmp(ET_Less, Col("A", "x"), Int(10)), Eq(Col("C", "k"), Int(3)))
	first := mustOptimize(t, newTestOptimizer(chainStats(), nil, nil), query)
	for i := 0; i < 5; i++ {
		again := mustOptimize(t, newTestOptimizer(chainStats(), nil, nil), query)
		assert.Equal(t, first.Signature, again.Signature)
		assert.Equal(t, first.String(), again.String())
	}
	fmt.Println(first)
	//the caller's plan is never modified
	assert.Equal(t, LOT_Filter, query.Typ)
}

func TestOptimizeRejectsMalformedPlans(t *testing.T) {
	opt := newTestOptimizer(chainStats(), nil, nil)
	bad := []*LogicalOperator{
		nil,
		{Typ: LOT_JOIN, JoinTyp: LOT_JoinTypeInner, Children: []*LogicalOperator{NewScan("A", "")}},
		NewFilter(NewScan("A", ""), Eq(Col("Z", "id"), Int(1))),
		NewScan("", "x"),
		NewAggregate(NewScan("A", ""), "", nil, Agg(ET_Count, "cnt", Col("A", "id"))),
		NewUnion("u", true, nil, NewScan("A", "")),
	}
	for i, root := range bad {
		_, err := opt.Optimize(context.Background(), root)
		assert.ErrorIs(t, err, ErrInvalidPlanShape, "plan %d", i)
	}
}

func TestOptimizeCancelled(t *testing.T) {
	opt := newTestOptimizer(chainStats(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := opt.Optimize(ctx, chainPlan())
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel = context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	_, err = opt.Optimize(ctx, chainPlan())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOptimizePlanCache(t *testing.T) {
	opt := newTestOptimizer(chainStats(), nil, func(opts *util.OptimizerOptions) {
		opts.MemoCacheTTL = time.Minute
	})
	now := time.Now()
	opt.cache.now = func() time.Time { return now }

	p1 := mustOptimize(t, opt, chainPlan())
	p2 := mustOptimize(t, opt, chainPlan())
	assert.Same(t, p1, p2)
	assert.Equal(t, uint64(1), opt.Stats().CacheHits)

	opt.InvalidateCache("B")
	p3 := mustOptimize(t, opt, chainPlan())
	assert.NotSame(t, p1, p3)
	assert.Equal(t, p1.Signature, p3.Signature)

	//expired entries are planned again
	now = now.Add(time.Minute)
	p4 := mustOptimize(t, opt, chainPlan())
	assert.NotSame(t, p3, p4)
	assert.Equal(t, uint64(1), opt.Stats().CacheHits)
	assert.Equal(t, uint64(4), opt.Stats().Queries)

	//without a ttl nothing is cached
	plain := newTestOptimizer(chainStats(), nil, nil)
	assert.NotSame(t, mustOptimize(t, plain, chainPlan()), mustOptimize(t, plain, chainPlan()))
	assert.Equal(t, 0, plain.cache.len())
}

func TestOptimizeStatisticsRefresh(t *testing.T) {
	ms := chainStats()
	opt := newTestOptimizer(ms, nil, func(opts *util.OptimizerOptions) {
		opts.MemoCacheTTL = time.Hour
		opts.StatsCacheTTL = time.Hour
	})
	before := mustOptimize(t, opt, NewScan("A", ""))
	assert.InDelta(t, 1000, before.Root.EstimatedRows, 1e-9)

	ms.Put(storage.NewTableStats("A", 5000))
	//still served from the caches
	assert.InDelta(t, 1000, mustOptimize(t, opt, NewScan("A", "")).Root.EstimatedRows, 1e-9)

	opt.InvalidateCache("A")
	after := mustOptimize(t, opt, NewScan("A", ""))
	assert.InDelta(t, 5000, after.Root.EstimatedRows, 1e-9)
}

func TestOptimizeConcurrent(t *testing.T) {
	opt := newTestOptimizer(chainStats(), nil, func(opts *util.OptimizerOptions) {
		opts.MemoCacheTTL = time.Minute
	})
	plans := make([]*Plan, 16)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range plans {
		g.Go(func() error {
			p, err := opt.Optimize(ctx, chainPlan())
			plans[i] = p
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, p := range plans {
		assert.Equal(t, plans[0].Signature, p.Signature)
	}
	st := opt.Stats()
	assert.Equal(t, uint64(16), st.Queries)
	fmt.Println(st)
}

func TestReportExecution(t *testing.T) {
	opt := newTestOptimizer(chainStats(), nil, nil)
	query := NewFilter(NewScan("A", ""), Eq(Col("A", "x"), Int(5)))
	p := mustOptimize(t, opt, query)
	require.Equal(t, POT_Scan, p.Root.Typ)
	assert.InDelta(t, 10, p.Root.EstimatedRows, 1e-9)

	assert.ErrorIs(t, opt.ReportExecution("feedface", 0, 10, 30), ErrUnknownPlan)
	assert.ErrorIs(t, opt.ReportExecution(p.Signature, 7, 10, 30), ErrUnknownOperator)
	assert.ErrorIs(t, opt.ReportExecution(p.Signature, -1, 10, 30), ErrUnknownOperator)

	//the scan keeps returning three times the estimate
	for i := 0; i < 10; i++ {
		require.NoError(t, opt.ReportExecution(p.Signature, 0, p.Root.EstimatedRows, 30))
	}
	corr := opt.Tracker().GetCorrection(p.Root.Signature)
	assert.GreaterOrEqual(t, corr, 2.85)
	assert.LessOrEqual(t, corr, 3.15)

	again := mustOptimize(t, opt, query)
	assert.Equal(t, p.Signature, again.Signature)
	assert.InDelta(t, 30, again.Root.EstimatedRows, 0.5)
	assert.InDelta(t, 3, again.Root.Correction, 1e-9)

	//reports against the corrected plan do not compound
	require.NoError(t, opt.ReportExecution(again.Signature, 0, again.Root.EstimatedRows, 30))
	assert.InDelta(t, 3, opt.Tracker().GetCorrection(p.Root.Signature), 1e-9)
}

func TestReportExecutionPassThrough(t *testing.T) {
	opt := newTestOptimizer(chainStats(), nil, nil)
	query := NewLimit(NewFilter(NewScan("A", ""), Eq(Col("A", "x"), Int(5))), 3)
	p := mustOptimize(t, opt, query)
	require.Equal(t, POT_Limit, p.Root.Typ)
	assert.Empty(t, p.Root.Signature)

	require.NoError(t, opt.ReportExecution(p.Signature, p.Root.Id, p.Root.EstimatedRows, 30))
	assert.Equal(t, 0, opt.Tracker().Len())

	scan := p.Root.Children[0]
	require.Equal(t, POT_Scan, scan.Typ)
	require.NoError(t, opt.ReportExecution(p.Signature, scan.Id, scan.EstimatedRows, 30))
	assert.Equal(t, 1, opt.Tracker().Len())
}

func TestExplain(t *testing.T) {
	opt := newTestOptimizer(chainStats(), nil, nil)
	p := mustOptimize(t, opt, NewLimit(NewFilter(chainPlan(), Cmp(ET_Less, Col("A", "x"), Int(10))), 5))
	ex := p.Explain
	require.NotNil(t, ex)
	assert.Len(t, ex.Nodes, 6)
	for i, node := range ex.Nodes {
		assert.Equal(t, i, node.Id)
		po, ok := p.Operator(node.Id)
		require.True(t, ok)
		assert.Equal(t, po.EstimatedRows, node.Rows)
	}
	assert.Equal(t, 0, ex.Nodes[0].Depth)
	assert.Equal(t, "Limit 5", ex.Nodes[0].Operator)
	assert.True(t, strings.HasPrefix(ex.Nodes[1].Operator, "hash_join(inner) on "))
	assert.False(t, ex.Degraded)
	assert.False(t, ex.Fallback)
	assert.Empty(t, ex.Warnings)
	assert.Equal(t, p.Signature, ex.Signature)
	assert.Contains(t, ex.String(), "Scan A")

	//unknown relations degrade the estimate but still produce a plan
	p = mustOptimize(t, opt, NewJoin(LOT_JoinTypeInner, NewScan("A", ""), NewScan("Z", ""), Eq(Col("A", "id"), Col("Z", "a_id"))))
	fmt.Println(p.Explain)
	assert.True(t, p.Explain.Degraded)
	assert.True(t, hasWarning(p, WarnDegradedEstimate))
	assert.Contains(t, p.Explain.String(), "[degraded]")
	assert.Greater(t, opt.Stats().Degraded, uint64(0))
}
