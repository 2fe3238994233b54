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
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/daviszhen/cbo/pkg/util"
)

// spjg is the canonical summary of a select project join fragment with an
// optional aggregate on top.
type spjg struct {
	scans []*LogicalOperator
	conds []*Expr
	agg   *LogicalOperator
}

func summarizeSPJG(lo *LogicalOperator) (*spjg, bool) {
	s := &spjg{}
	cur := lo
	if cur.Typ == LOT_AggGroup {
		for _, g := range cur.GroupBys {
			if !g.isColumn() {
				return nil, false
			}
		}
		s.agg = cur
		cur = cur.Children[0]
	}
	if !collectSPJ(cur, s) {
		return nil, false
	}
	for _, c := range s.conds {
		if hasSubquery(c) {
			return nil, false
		}
	}
	return s, true
}

func collectSPJ(lo *LogicalOperator, s *spjg) bool {
	switch lo.Typ {
	case LOT_Scan:
		s.scans = append(s.scans, lo)
		s.conds = append(s.conds, splitExprsByAnd(lo.Filters)...)
		return true
	case LOT_Filter:
		s.conds = append(s.conds, splitExprsByAnd(lo.Filters)...)
		return collectSPJ(lo.Children[0], s)
	case LOT_JOIN:
		if !lo.JoinTyp.reorderable() {
			return false
		}
		s.conds = append(s.conds, splitExprsByAnd(lo.OnConds)...)
		return collectSPJ(lo.Children[0], s) && collectSPJ(lo.Children[1], s)
	default:
		return false
	}
}

func (s *spjg) aliases() map[string]bool {
	ret := make(map[string]bool)
	for _, scan := range s.scans {
		ret[scan.Alias] = true
	}
	return ret
}

// aliasMapping maps view aliases onto query aliases by table name. Tables
// scanned more than once must use the same aliases on both sides.
func aliasMapping(view, query []*LogicalOperator) (map[string]string, bool) {
	if len(view) != len(query) {
		return nil, false
	}
	byTable := func(scans []*LogicalOperator) map[string][]string {
		ret := make(map[string][]string)
		for _, scan := range scans {
			ret[scan.Table] = append(ret[scan.Table], scan.Alias)
		}
		for _, aliases := range ret {
			sort.Strings(aliases)
		}
		return ret
	}
	vt, qt := byTable(view), byTable(query)
	if len(vt) != len(qt) {
		return nil, false
	}
	mapping := make(map[string]string)
	for table, va := range vt {
		qa, ok := qt[table]
		if !ok || len(qa) != len(va) {
			return nil, false
		}
		if len(va) == 1 {
			mapping[va[0]] = qa[0]
			continue
		}
		if !slices.Equal(va, qa) {
			return nil, false
		}
		for _, a := range va {
			mapping[a] = a
		}
	}
	return mapping, true
}

func renamedKeys(exprs []*Expr, mapping map[string]string) map[string]*Expr {
	ret := make(map[string]*Expr)
	for _, e := range exprs {
		cp := copyExpr(e)
		renameTables(cp, mapping)
		ret[exprKey(cp)] = cp
	}
	return ret
}

type viewMatch struct {
	view        *ViewDescriptor
	exact       bool
	replacement *LogicalOperator
}

func betterMatch(a, b *viewMatch) bool {
	if b == nil {
		return true
	}
	if a.exact != b.exact {
		return a.exact
	}
	if a.view.RowCount != b.view.RowCount {
		return a.view.RowCount < b.view.RowCount
	}
	return a.view.ID < b.view.ID
}

type viewCandidate struct {
	desc    *ViewDescriptor
	summary *spjg
}

// ViewMatcher rewrites plan fragments answered by materialized views into
// view scans. Stale or incompatible views are skipped silently.
type ViewMatcher struct {
	registry  ViewRegistry
	staleness time.Duration
	now       func() time.Time
}

func NewViewMatcher(registry ViewRegistry, staleness time.Duration) *ViewMatcher {
	return &ViewMatcher{
		registry:  registry,
		staleness: staleness,
		now:       time.Now,
	}
}

func (vm *ViewMatcher) SetClock(now func() time.Time) {
	vm.now = now
}

// MatchViews is a matcher without staleness limit.
func MatchViews(root *LogicalOperator, registry ViewRegistry) (*LogicalOperator, bool) {
	ret, cnt := NewViewMatcher(registry, 0).Rewrite(root)
	return ret, cnt > 0
}

// Rewrite returns a rewritten copy of root and the number of substituted
// fragments. Larger fragments are tried first.
func (vm *ViewMatcher) Rewrite(root *LogicalOperator) (*LogicalOperator, int) {
	if vm == nil || vm.registry == nil || root == nil {
		return root, 0
	}
	now := vm.now()
	var cands []*viewCandidate
	for _, desc := range vm.registry.ListViews() {
		if desc.stale(now, vm.staleness) {
			util.Debug("view skipped", zap.String("view", desc.String()))
			continue
		}
		summary, ok := summarizeSPJG(desc.Pattern)
		if !ok {
			continue
		}
		cands = append(cands, &viewCandidate{desc: desc, summary: summary})
	}
	if len(cands) == 0 {
		return root, 0
	}
	root = copyPlan(root)
	cnt := 0
	ret := vm.rewrite(root, root, cands, &cnt)
	return ret, cnt
}

func (vm *ViewMatcher) rewrite(lo, root *LogicalOperator, cands []*viewCandidate, cnt *int) *LogicalOperator {
	switch lo.Typ {
	case LOT_AggGroup, LOT_JOIN, LOT_Filter, LOT_Scan:
		if s, ok := summarizeSPJG(lo); ok {
			required := requiredColumns(root, lo)
			var best *viewMatch
			for _, cand := range cands {
				if m, ok := matchView(lo, s, cand, required); ok && betterMatch(m, best) {
					best = m
				}
			}
			if best == nil && s.agg == nil && len(s.scans) > 1 {
				best = stitchViews(s, cands, required)
			}
			if best != nil {
				*cnt++
				util.Debug("view matched",
					zap.String("view", best.view.String()),
					zap.Bool("exact", best.exact))
				return best.replacement
			}
		}
	}
	for i, child := range lo.Children {
		lo.Children[i] = vm.rewrite(child, root, cands, cnt)
	}
	return lo
}

// requiredColumns lists columns referenced outside the fragment.
func requiredColumns(root, fragment *LogicalOperator) map[string]bool {
	ret := make(map[string]bool)
	var walk func(*LogicalOperator)
	walk = func(op *LogicalOperator) {
		if op == nil || op == fragment {
			return
		}
		for _, e := range op.allExprs() {
			for _, col := range collectColumns(e) {
				ret[col.colKey()] = true
			}
		}
		for _, e := range op.Outputs {
			for _, col := range collectColumns(e) {
				ret[col.colKey()] = true
			}
		}
		for _, child := range op.Children {
			walk(child)
		}
	}
	walk(root)
	return ret
}

func columnsCovered(exprs []*Expr, outputs map[string]bool) bool {
	for _, e := range exprs {
		for _, col := range collectColumns(e) {
			if !outputs[col.colKey()] {
				return false
			}
		}
	}
	return true
}

func requiredCovered(required map[string]bool, tables map[string]bool, outputs map[string]bool) bool {
	for key := range required {
		table, _, _ := cutColKey(key)
		if tables[table] && !outputs[key] {
			return false
		}
	}
	return true
}

func cutColKey(key string) (string, string, bool) {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "", key, false
	}
	return key[:i], key[i+1:], true
}

func matchView(frag *LogicalOperator, query *spjg, cand *viewCandidate, required map[string]bool) (*viewMatch, bool) {
	view := cand.summary
	if (view.agg == nil) != (query.agg == nil) {
		return nil, false
	}
	mapping, ok := aliasMapping(view.scans, query.scans)
	if !ok {
		return nil, false
	}
	viewConds := renamedKeys(view.conds, mapping)
	queryConds := renamedKeys(query.conds, nil)
	for key := range viewConds {
		if _, ok := queryConds[key]; !ok {
			return nil, false
		}
	}
	var residual []*Expr
	for _, key := range util.SortedKeys(queryConds) {
		if _, ok := viewConds[key]; !ok {
			residual = append(residual, queryConds[key])
		}
	}

	desc := cand.desc
	if query.agg != nil {
		return matchAggView(frag, query, view, desc, mapping, residual)
	}

	outputs := make(map[string]bool)
	outs := copyExprs(desc.Columns...)
	for _, out := range outs {
		renameTables(out, mapping)
		if !out.isColumn() {
			return nil, false
		}
		outputs[out.colKey()] = true
	}
	if !columnsCovered(residual, outputs) || !requiredCovered(required, query.aliases(), outputs) {
		return nil, false
	}
	scan := &LogicalOperator{
		Typ:      LOT_ViewScan,
		ViewName: desc.Name,
		ViewID:   desc.ID,
		ViewRows: desc.RowCount,
		Outputs:  outs,
	}
	return &viewMatch{
		view:        desc,
		exact:       len(residual) == 0,
		replacement: wrapFilter(scan, residual),
	}, true
}

func matchAggView(frag *LogicalOperator, query, view *spjg, desc *ViewDescriptor, mapping map[string]string, residual []*Expr) (*viewMatch, bool) {
	viewGroups := renamedKeys(view.agg.GroupBys, mapping)
	queryGroups := renamedKeys(query.agg.GroupBys, nil)
	if len(viewGroups) != len(queryGroups) {
		return nil, false
	}
	groupCols := make(map[string]bool)
	for key, g := range queryGroups {
		if _, ok := viewGroups[key]; !ok {
			return nil, false
		}
		groupCols[g.colKey()] = true
	}
	aggKey := func(e *Expr, mapping map[string]string) string {
		cp := copyExpr(e)
		cp.Alias = ""
		renameTables(cp, mapping)
		return exprKey(cp)
	}
	viewAggs := make(map[string]bool)
	for _, a := range view.agg.Aggs {
		viewAggs[aggKey(a, mapping)] = true
	}
	for _, a := range query.agg.Aggs {
		if !viewAggs[aggKey(a, nil)] {
			return nil, false
		}
	}
	//a residual is only valid above the aggregate when it filters groups
	for _, r := range residual {
		if !onlyGroupColumns(r, groupCols) {
			return nil, false
		}
	}
	outs := copyExprs(query.agg.GroupBys...)
	for _, a := range query.agg.Aggs {
		outs = append(outs, Col(frag.Alias, a.Alias))
	}
	scan := &LogicalOperator{
		Typ:      LOT_ViewScan,
		Alias:    frag.Alias,
		ViewName: desc.Name,
		ViewID:   desc.ID,
		ViewRows: desc.RowCount,
		Outputs:  outs,
	}
	return &viewMatch{
		view:        desc,
		exact:       len(residual) == 0 && len(viewAggs) == len(query.agg.Aggs),
		replacement: wrapFilter(scan, residual),
	}, true
}

// stitchViews answers a join fragment with two views whose tables
// partition the fragment. The remaining predicates join the view scans.
func stitchViews(query *spjg, cands []*viewCandidate, required map[string]bool) *viewMatch {
	byTable := make(map[string]*LogicalOperator)
	for _, scan := range query.scans {
		if _, dup := byTable[scan.Table]; dup {
			return nil
		}
		byTable[scan.Table] = scan
	}
	queryConds := renamedKeys(query.conds, nil)

	type half struct {
		cand    *viewCandidate
		tables  map[string]bool
		conds   map[string]*Expr
		outputs []*Expr
	}
	prepare := func(cand *viewCandidate) *half {
		if cand.summary.agg != nil {
			return nil
		}
		h := &half{cand: cand, tables: make(map[string]bool)}
		mapping := make(map[string]string)
		for _, scan := range cand.summary.scans {
			qs, ok := byTable[scan.Table]
			if !ok || h.tables[qs.Alias] {
				return nil
			}
			mapping[scan.Alias] = qs.Alias
			h.tables[qs.Alias] = true
		}
		h.conds = renamedKeys(cand.summary.conds, mapping)
		for key := range h.conds {
			if _, ok := queryConds[key]; !ok {
				return nil
			}
		}
		h.outputs = copyExprs(cand.desc.Columns...)
		for _, out := range h.outputs {
			renameTables(out, mapping)
			if !out.isColumn() {
				return nil
			}
		}
		return h
	}

	var halves []*half
	for _, cand := range cands {
		if h := prepare(cand); h != nil {
			halves = append(halves, h)
		}
	}
	var best *viewMatch
	var bestRows uint64
	for i := 0; i < len(halves); i++ {
		for j := i + 1; j < len(halves); j++ {
			a, b := halves[i], halves[j]
			if len(a.tables)+len(b.tables) != len(query.scans) {
				continue
			}
			disjoint := true
			for table := range a.tables {
				if b.tables[table] {
					disjoint = false
				}
			}
			if !disjoint {
				continue
			}
			outputs := make(map[string]bool)
			for _, out := range append(a.outputs, b.outputs...) {
				outputs[out.colKey()] = true
			}
			var residual []*Expr
			for _, key := range util.SortedKeys(queryConds) {
				_, inA := a.conds[key]
				_, inB := b.conds[key]
				if !inA && !inB {
					residual = append(residual, queryConds[key])
				}
			}
			if !columnsCovered(residual, outputs) || !requiredCovered(required, query.aliases(), outputs) {
				continue
			}
			rows := a.cand.desc.RowCount + b.cand.desc.RowCount
			if best != nil && rows >= bestRows {
				continue
			}
			left := &LogicalOperator{Typ: LOT_ViewScan, ViewName: a.cand.desc.Name, ViewID: a.cand.desc.ID,
				ViewRows: a.cand.desc.RowCount, Outputs: copyExprs(a.outputs...)}
			right := &LogicalOperator{Typ: LOT_ViewScan, ViewName: b.cand.desc.Name, ViewID: b.cand.desc.ID,
				ViewRows: b.cand.desc.RowCount, Outputs: copyExprs(b.outputs...)}
			typ := LOT_JoinTypeInner
			if len(residual) == 0 {
				typ = LOT_JoinTypeCross
			}
			best = &viewMatch{
				view:        a.cand.desc,
				replacement: NewJoin(typ, left, right, residual...),
			}
			bestRows = rows
		}
	}
	return best
}
