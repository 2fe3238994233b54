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
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/daviszhen/cbo/pkg/storage"
	"github.com/daviszhen/cbo/pkg/util"
)

// recently produced plans kept for feedback reporting
const recentPlanCapacity = 4096

// Env holds the process wide stores an optimization reads.
type Env struct {
	Stats    storage.StatsProvider
	Feedback *AdaptiveTracker
	Views    ViewRegistry
}

// Plan is the result of one optimization. It is shared with the plan
// cache and must be treated as read only.
type Plan struct {
	Root         *PhysicalOperator
	Signature    string
	Explain      *Explain
	Memo         *Memo
	Logical      *LogicalOperator
	Rules        RuleStats
	ViewRewrites int
	CSEHits      int
	Warnings     []Warning
	operators    []*PhysicalOperator
}

func (p *Plan) Operator(id int) (*PhysicalOperator, bool) {
	if id < 0 || id >= len(p.operators) {
		return nil, false
	}
	return p.operators[id], true
}

func (p *Plan) String() string {
	return p.Explain.String()
}

type OptimizerStats struct {
	Queries          uint64
	CacheHits        uint64
	RuleApplications uint64
	ViewRewrites     uint64
	Fallbacks        uint64
	Degraded         uint64
}

func (st OptimizerStats) String() string {
	return fmt.Sprintf("queries=%d cacheHits=%d rules=%d viewRewrites=%d fallbacks=%d degraded=%d",
		st.Queries, st.CacheHits, st.RuleApplications, st.ViewRewrites, st.Fallbacks, st.Degraded)
}

// Optimizer turns logical plans into physical plans. It is safe for
// concurrent use; every call builds its own memo.
type Optimizer struct {
	env    Env
	opts   util.OptimizerOptions
	stats  *storage.StatsCache
	cache  *planCache
	recent *planCache
	flight singleflight.Group

	queries   atomic.Uint64
	cacheHits atomic.Uint64
	ruleApps  atomic.Uint64
	rewrites  atomic.Uint64
	fallbacks atomic.Uint64
	degraded  atomic.Uint64
}

func NewOptimizer(env Env, opts util.OptimizerOptions) *Optimizer {
	opts.ApplyDefaults()
	if env.Stats == nil {
		env.Stats = storage.NewMemStats()
	}
	stats, ok := env.Stats.(*storage.StatsCache)
	if !ok {
		stats = storage.NewStatsCache(env.Stats, opts.StatsCacheTTL)
		env.Stats = stats
	}
	if env.Feedback == nil {
		env.Feedback = NewAdaptiveTracker(opts.EmaAlpha, opts.FeedbackCapacity)
	}
	util.Debug("optimizer created", zap.String("options", opts.String()))
	return &Optimizer{
		env:    env,
		opts:   opts,
		stats:  stats,
		cache:  newPlanCache(opts.PlanCacheCapacity, opts.MemoCacheTTL),
		recent: newPlanCache(recentPlanCapacity, 0),
	}
}

func (opt *Optimizer) Tracker() *AdaptiveTracker {
	return opt.env.Feedback
}

func (opt *Optimizer) Options() util.OptimizerOptions {
	return opt.opts
}

func (opt *Optimizer) Stats() OptimizerStats {
	return OptimizerStats{
		Queries:          opt.queries.Load(),
		CacheHits:        opt.cacheHits.Load(),
		RuleApplications: opt.ruleApps.Load(),
		ViewRewrites:     opt.rewrites.Load(),
		Fallbacks:        opt.fallbacks.Load(),
		Degraded:         opt.degraded.Load(),
	}
}

// InvalidateCache drops cached plans. Called after DDL, view refresh or a
// statistics refresh. An empty table list keeps the statistics cache.
func (opt *Optimizer) InvalidateCache(tables ...string) {
	for _, table := range tables {
		opt.stats.Invalidate(table)
	}
	n := opt.cache.invalidate()
	util.Debug("plan cache invalidated", zap.Int("plans", n), zap.Strings("tables", tables))
}

// Optimize returns the cheapest physical plan for root. Only a malformed
// input or a cancelled context makes it fail.
func (opt *Optimizer) Optimize(ctx context.Context, root *LogicalOperator) (*Plan, error) {
	opt.queries.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := Validate(root); err != nil {
		util.Error("reject plan", zap.Error(err))
		return nil, err
	}
	if opt.opts.MemoCacheTTL <= 0 {
		return opt.optimize(ctx, root)
	}

	key := planKey(root)
	if p, ok := opt.cache.get(key); ok {
		opt.cacheHits.Add(1)
		return p, nil
	}
	val, err, shared := opt.flight.Do(key, func() (any, error) {
		p, err := opt.optimize(ctx, root)
		if err != nil {
			return nil, err
		}
		opt.cache.put(key, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		opt.cacheHits.Add(1)
	}
	return val.(*Plan), nil
}

// optimize converts panics raised by the search into errors.
func (opt *Optimizer) optimize(ctx context.Context, root *LogicalOperator) (p *Plan, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, util.ConvertPanicError(r)
			util.Error("optimizer panic", zap.Error(err))
		}
	}()
	return opt.search(ctx, root)
}

func (opt *Optimizer) search(ctx context.Context, root *LogicalOperator) (*Plan, error) {
	rewritten, rs := ApplyRules(root)
	opt.ruleApps.Add(uint64(rs.Total()))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	est := NewEstimator(opt.env.Stats, opt.env.Feedback, opt.opts.DefaultSelectivity)
	est.Bind(rewritten)
	rewrites := 0
	if opt.opts.EnableViewMatching && opt.env.Views != nil {
		vm := NewViewMatcher(opt.env.Views, opt.opts.ViewStalenessThreshold)
		rewritten, rewrites = vm.Rewrite(rewritten)
		if rewrites > 0 {
			opt.rewrites.Add(uint64(rewrites))
			est.Bind(rewritten)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	memo := NewMemo(opt.opts.EnableCSE)
	rootID, hits, err := InsertPlan(memo, rewritten, opt.opts.EnableCSE)
	if err != nil {
		return nil, err
	}

	sel := &selector{
		ctx:  ctx,
		memo: memo,
		cm:   &costModel{est: est, crossPenalty: opt.opts.CrossProductPenalty},
		opts: opt.opts,
	}
	if err = sel.costGroup(rootID); err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	physical, err := extractPhysical(memo, rootID)
	if err != nil {
		return nil, err
	}
	p := &Plan{
		Root:         physical,
		Memo:         memo,
		Logical:      rewritten,
		Rules:        rs,
		ViewRewrites: rewrites,
		CSEHits:      hits,
		Warnings:     sel.warnings,
	}
	physical.Walk(func(po *PhysicalOperator) {
		po.Id = len(p.operators)
		p.operators = append(p.operators, po)
	})
	if est.DegradedCount() > 0 {
		opt.degraded.Add(uint64(est.DegradedCount()))
		p.Warnings = append(p.Warnings, Warning{
			Kind:   WarnDegradedEstimate,
			Detail: fmt.Sprintf("%d estimates used default selectivity", est.DegradedCount()),
		})
	}
	if sel.fallback {
		opt.fallbacks.Add(1)
	}
	p.Signature = planSignature(physical)
	p.Explain = newExplain(p)
	opt.recent.put(p.Signature, p)
	util.Debug("plan selected",
		zap.String("signature", p.Signature),
		zap.Float64("cost", physical.EstimatedCost),
		zap.Int("groups", memo.Len()))
	return p, nil
}

// ReportExecution feeds the actual row count of one operator of a recent
// plan back into the tracker. estimated is what the plan reported; the
// correction applied at planning time is divided out before recording.
func (opt *Optimizer) ReportExecution(planSig string, opID int, estimated, actual float64) error {
	p, ok := opt.recent.get(planSig)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlan, planSig)
	}
	op, ok := p.Operator(opID)
	if !ok {
		return fmt.Errorf("%w: %d in plan %s", ErrUnknownOperator, opID, planSig)
	}
	if op.Signature == "" {
		return nil
	}
	raw := estimated
	if op.Correction > 0 {
		raw = estimated / op.Correction
	}
	opt.env.Feedback.Record(op.Signature, raw, actual)
	return nil
}

// selector costs the memo bottom up. Inner join regions go through the
// join enumerator, every other group is costed expression by expression.
type selector struct {
	ctx      context.Context
	memo     *Memo
	cm       *costModel
	opts     util.OptimizerOptions
	warnings []Warning
	fallback bool
}

func (sel *selector) costGroup(id GroupID) error {
	g := sel.memo.Group(id)
	if g == nil {
		return invalidShape("group #%d does not exist", id)
	}
	if g.costed {
		return nil
	}
	if err := sel.ctx.Err(); err != nil {
		return err
	}
	g.costed = true
	if isInnerJoin(g.Exprs[0].Op) {
		joinOrder := NewJoinOrderOptimizer(sel.memo, sel.cm, sel.opts.MaxJoinTableDpccpThreshold, sel.opts.EnumerationBudget)
		err := joinOrder.Optimize(sel.ctx, id, sel.costGroup)
		sel.warnings = append(sel.warnings, joinOrder.Warnings()...)
		sel.fallback = sel.fallback || joinOrder.Fallback()
		return err
	}
	//new expressions are only added by the join enumerator
	for _, expr := range g.Exprs {
		for _, child := range expr.Children {
			if err := sel.costGroup(child); err != nil {
				return err
			}
		}
		sel.memo.UpdateBest(id, sel.cm.costExpr(sel.memo, expr))
	}
	return nil
}
