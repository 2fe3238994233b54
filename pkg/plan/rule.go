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
	"sort"

	"go.uber.org/zap"

	"github.com/daviszhen/cbo/pkg/util"
)

// RuleStats counts what the rewrite rules did to one plan.
type RuleStats struct {
	Transitive  int //generated predicates
	Pushdown    int //pushdown passes that moved something
	Decorrelate int //subqueries turned into semi/anti joins
	ViewMerge   int //inlined views
	Passes      int
}

func (rs RuleStats) Total() int {
	return rs.Transitive + rs.Pushdown + rs.Decorrelate + rs.ViewMerge
}

func (rs RuleStats) String() string {
	return fmt.Sprintf("transitive=%d pushdown=%d decorrelate=%d viewMerge=%d passes=%d",
		rs.Transitive, rs.Pushdown, rs.Decorrelate, rs.ViewMerge, rs.Passes)
}

// ApplyRules rewrites a copy of root with the fixed rule order:
// transitive predicates, pushdown, decorrelation, view merging. When the
// last two changed the plan, the first two run once more.
func ApplyRules(root *LogicalOperator) (*LogicalOperator, RuleStats) {
	var st RuleStats
	root = copyPlan(root)
	root = applyRewrite(root, &st)
	before := planKey(root)
	root = decorrelate(root, &st)
	root = mergeViews(root, &st)
	if planKey(root) != before {
		root = applyRewrite(root, &st)
	}
	util.Debug("rules applied", zap.String("stats", st.String()))
	return root, st
}

func applyRewrite(root *LogicalOperator, st *RuleStats) *LogicalOperator {
	st.Passes++
	st.Transitive += generateTransitive(root)
	before := planKey(root)
	root = pushdown(root)
	if planKey(root) != before {
		st.Pushdown++
	}
	return root
}

func pushdown(root *LogicalOperator) *LogicalOperator {
	root, left := pushdownFilters(root, nil)
	return wrapFilter(root, left)
}

type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (uf *unionFind) find(x string) string {
	p, ok := uf.parent[x]
	if !ok {
		uf.parent[x] = x
		return x
	}
	if p == x {
		return x
	}
	root := uf.find(p)
	uf.parent[x] = root
	return root
}

// union keeps the smaller key as root so classes are stable.
func (uf *unionFind) union(a, b string) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		uf.parent[rb] = ra
	} else {
		uf.parent[ra] = rb
	}
}

// generateTransitive adds implied equalities to every inner join region
// and returns how many predicates it generated.
func generateTransitive(lo *LogicalOperator) int {
	if lo == nil {
		return 0
	}
	cnt := 0
	var above []*Expr
	cur := lo
	for cur.Typ == LOT_Filter {
		above = append(above, cur.Filters...)
		cur = cur.Children[0]
	}
	if isInnerJoin(cur) {
		var joins, leaves []*LogicalOperator
		collectInnerRegion(cur, &joins, &leaves)
		cnt += transitiveRegion(cur, above, joins, leaves)
		for _, leaf := range leaves {
			cnt += generateTransitive(leaf)
		}
		return cnt
	}
	for _, child := range cur.Children {
		cnt += generateTransitive(child)
	}
	return cnt
}

func isInnerJoin(lo *LogicalOperator) bool {
	return lo != nil && lo.Typ == LOT_JOIN && lo.JoinTyp.reorderable()
}

func collectInnerRegion(lo *LogicalOperator, joins, leaves *[]*LogicalOperator) {
	if isInnerJoin(lo) {
		*joins = append(*joins, lo)
		collectInnerRegion(lo.Children[0], joins, leaves)
		collectInnerRegion(lo.Children[1], joins, leaves)
		return
	}
	*leaves = append(*leaves, lo)
}

func transitiveRegion(root *LogicalOperator, above []*Expr, joins, leaves []*LogicalOperator) int {
	var source []*Expr
	source = append(source, above...)
	for _, j := range joins {
		source = append(source, j.OnConds...)
	}
	for _, leaf := range leaves {
		for op := leaf; op != nil; {
			if op.Typ == LOT_Scan {
				source = append(source, op.Filters...)
				break
			}
			if op.Typ != LOT_Filter {
				break
			}
			source = append(source, op.Filters...)
			op = op.Children[0]
		}
	}
	source = splitExprsByAnd(source)

	uf := newUnionFind()
	cols := make(map[string]*Expr)
	consts := make(map[string]*Expr)
	conflict := make(map[string]bool)
	var constEqs [][2]*Expr
	for _, e := range source {
		if hasSubquery(e) {
			continue
		}
		e = normalize(e)
		if e.Typ == ET_Func && e.SubTyp == ET_Equal && e.Children[0].isColumn() && e.Children[1].isColumn() {
			l, r := e.Children[0], e.Children[1]
			cols[l.colKey()] = l
			cols[r.colKey()] = r
			uf.union(l.colKey(), r.colKey())
			continue
		}
		if col, c, ok := columnConstEquality(e); ok && !c.Value.IsNull() {
			cols[col.colKey()] = col
			uf.find(col.colKey())
			constEqs = append(constEqs, [2]*Expr{col, c})
		}
	}
	for _, pair := range constEqs {
		root := uf.find(pair[0].colKey())
		if old, ok := consts[root]; ok {
			if !old.Value.Equal(pair[1].Value) {
				conflict[root] = true
			}
			continue
		}
		consts[root] = pair[1]
	}

	members := make(map[string][]string)
	for key := range cols {
		root := uf.find(key)
		members[root] = append(members[root], key)
	}

	present := make(map[string]bool)
	for _, e := range above {
		for _, x := range splitExprByAnd(e) {
			present[exprKey(x)] = true
		}
	}
	collectPresent(root, present)

	var generated []*Expr
	add := func(e *Expr) {
		key := exprKey(e)
		if present[key] {
			return
		}
		present[key] = true
		generated = append(generated, e)
	}
	for _, rootKey := range util.SortedKeys(members) {
		keys := members[rootKey]
		sort.Strings(keys)
		for i := 0; i < len(keys); i++ {
			for j := i + 1; j < len(keys); j++ {
				l, r := cols[keys[i]], cols[keys[j]]
				if l.Table == r.Table {
					continue
				}
				add(Eq(copyExpr(l), copyExpr(r)))
			}
		}
		c, ok := consts[rootKey]
		if !ok || conflict[rootKey] {
			continue
		}
		for _, key := range keys {
			add(Eq(copyExpr(cols[key]), copyExpr(c)))
		}
	}
	if len(generated) == 0 {
		return 0
	}
	root.OnConds = append(root.OnConds, generated...)
	if root.JoinTyp == LOT_JoinTypeCross {
		root.JoinTyp = LOT_JoinTypeInner
	}
	return len(generated)
}

// collectPresent records every conjunct evaluated inside the subtree.
func collectPresent(lo *LogicalOperator, present map[string]bool) {
	if lo == nil {
		return
	}
	for _, e := range lo.Filters {
		for _, x := range splitExprByAnd(e) {
			present[exprKey(x)] = true
		}
	}
	for _, e := range lo.OnConds {
		for _, x := range splitExprByAnd(e) {
			present[exprKey(x)] = true
		}
	}
	for _, child := range lo.Children {
		collectPresent(child, present)
	}
}

// decorrelate turns EXISTS, NOT EXISTS and IN subqueries of filters into
// semi and anti joins when every correlation is an equality.
func decorrelate(lo *LogicalOperator, st *RuleStats) *LogicalOperator {
	if lo == nil {
		return nil
	}
	for i, child := range lo.Children {
		lo.Children[i] = decorrelate(child, st)
	}
	if lo.Typ != LOT_Filter {
		return lo
	}
	child := lo.Children[0]
	var kept []*Expr
	for _, f := range splitExprsByAnd(lo.Filters) {
		join, ok := subqueryToJoin(f, child)
		if !ok {
			kept = append(kept, f)
			continue
		}
		child = join
		st.Decorrelate++
	}
	if len(kept) == 0 {
		return child
	}
	lo.Filters = kept
	lo.Children[0] = child
	return lo
}

func subqueryToJoin(f *Expr, outer *LogicalOperator) (*LogicalOperator, bool) {
	negate := false
	if f.Typ == ET_Func && f.SubTyp == ET_Not && f.Children[0].Typ == ET_Subquery {
		negate = true
		f = f.Children[0]
	}
	if f.Typ != ET_Subquery || f.Subquery == nil {
		return nil, false
	}
	var typ LOT_JoinType
	switch f.SubqueryTyp {
	case ET_SubqueryTypeExists:
		typ = LOT_JoinTypeSEMI
	case ET_SubqueryTypeNotExists:
		typ = LOT_JoinTypeANTI
	case ET_SubqueryTypeIn:
		if negate {
			//NOT IN has null semantics a semi join can not express
			return nil, false
		}
		typ = LOT_JoinTypeSEMI
	default:
		return nil, false
	}
	if negate {
		if typ == LOT_JoinTypeSEMI {
			typ = LOT_JoinTypeANTI
		} else {
			typ = LOT_JoinTypeSEMI
		}
	}

	outerTables := outputTables(outer)
	sub := copyPlan(f.Subquery)
	innerTables := definedTables(sub)
	var onConds []*Expr
	if !extractCorrelations(sub, nil, outerTables, innerTables, &onConds) {
		return nil, false
	}
	if len(correlatedColumns(sub)) > 0 {
		return nil, false
	}
	if f.SubqueryTyp == ET_SubqueryTypeIn {
		onConds = append(onConds, Eq(copyExpr(f.Children[0]), copyExpr(f.Children[1])))
	}
	return NewJoin(typ, outer, sub, onConds...), true
}

// extractCorrelations moves outer = inner equalities out of the subquery.
// It only descends through operators that keep the inner column visible.
func extractCorrelations(lo *LogicalOperator, projects []*LogicalOperator, outerTables, innerTables map[string]bool, onConds *[]*Expr) bool {
	isCorrelated := func(e *Expr) bool {
		for table := range exprTables(e) {
			if !innerTables[table] {
				return true
			}
		}
		return false
	}
	take := func(exprs []*Expr) ([]*Expr, bool) {
		var kept []*Expr
		for _, e := range splitExprsByAnd(exprs) {
			if !isCorrelated(e) {
				kept = append(kept, e)
				continue
			}
			if hasSubquery(e) || e.Typ != ET_Func || e.SubTyp != ET_Equal ||
				!e.Children[0].isColumn() || !e.Children[1].isColumn() {
				return nil, false
			}
			l, r := e.Children[0], e.Children[1]
			var inner *Expr
			switch {
			case outerTables[l.Table] && innerTables[r.Table]:
				inner = r
			case outerTables[r.Table] && innerTables[l.Table]:
				inner = l
			default:
				return nil, false
			}
			for _, proj := range projects {
				exposeColumn(proj, inner)
			}
			*onConds = append(*onConds, e)
		}
		return kept, true
	}

	var ok bool
	switch lo.Typ {
	case LOT_Scan:
		lo.Filters, ok = take(lo.Filters)
		return ok
	case LOT_Filter:
		if lo.Filters, ok = take(lo.Filters); !ok {
			return false
		}
		return extractCorrelations(lo.Children[0], projects, outerTables, innerTables, onConds)
	case LOT_Order:
		return extractCorrelations(lo.Children[0], projects, outerTables, innerTables, onConds)
	case LOT_Project:
		for _, p := range lo.Projects {
			if len(correlatedColumnsOf(p, innerTables)) > 0 {
				return false
			}
		}
		return extractCorrelations(lo.Children[0], append(projects, lo), outerTables, innerTables, onConds)
	case LOT_JOIN:
		if !lo.JoinTyp.reorderable() {
			return !hasCorrelation(lo, innerTables)
		}
		if lo.OnConds, ok = take(lo.OnConds); !ok {
			return false
		}
		return extractCorrelations(lo.Children[0], projects, outerTables, innerTables, onConds) &&
			extractCorrelations(lo.Children[1], projects, outerTables, innerTables, onConds)
	default:
		return !hasCorrelation(lo, innerTables)
	}
}

func correlatedColumnsOf(e *Expr, innerTables map[string]bool) []*Expr {
	var ret []*Expr
	for _, col := range collectColumns(e) {
		if !innerTables[col.Table] {
			ret = append(ret, col)
		}
	}
	return ret
}

func hasCorrelation(lo *LogicalOperator, innerTables map[string]bool) bool {
	for _, col := range correlatedColumns(lo) {
		if !innerTables[col.Table] {
			return true
		}
	}
	return false
}

// exposeColumn lets a column pass through a projection unchanged.
func exposeColumn(proj *LogicalOperator, col *Expr) {
	for _, p := range proj.Projects {
		if p.Alias == "" && p.isColumn() && p.colKey() == col.colKey() {
			return
		}
	}
	proj.Projects = append(proj.Projects, copyExpr(col))
}

// mergeViews inlines view references as a renaming projection over the
// view definition. Relations inside the definition get the prefix
// "<view alias>$" so they never clash with the outer query.
func mergeViews(lo *LogicalOperator, st *RuleStats) *LogicalOperator {
	if lo == nil {
		return nil
	}
	if lo.Typ == LOT_View && lo.View != nil && lo.View.Definition != nil {
		def := copyPlan(lo.View.Definition)
		mapping := make(map[string]string)
		for table := range definedTables(def) {
			mapping[table] = lo.Alias + "$" + table
		}
		renamePlanTables(def, mapping)
		cols := copyExprs(lo.View.Columns...)
		for _, c := range cols {
			renameTables(c, mapping)
		}
		st.ViewMerge++
		util.Debug("view merged", zap.String("view", lo.View.Name), zap.String("alias", lo.Alias))
		return mergeViews(NewProject(def, lo.Alias, cols...), st)
	}
	for i, child := range lo.Children {
		lo.Children[i] = mergeViews(child, st)
	}
	return lo
}
