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
	"strings"

	"github.com/huandu/go-clone"
	"github.com/xlab/treeprint"
)

type LOT int

const (
	LOT_Project LOT = iota
	LOT_Filter
	LOT_Scan
	LOT_JOIN
	LOT_AggGroup
	LOT_Order
	LOT_Limit
	LOT_Union
	LOT_View
	LOT_ViewScan
)

func (lt LOT) String() string {
	switch lt {
	case LOT_Project:
		return "Project"
	case LOT_Filter:
		return "Filter"
	case LOT_Scan:
		return "Scan"
	case LOT_JOIN:
		return "Join"
	case LOT_AggGroup:
		return "Aggregate"
	case LOT_Order:
		return "Order"
	case LOT_Limit:
		return "Limit"
	case LOT_Union:
		return "Union"
	case LOT_View:
		return "View"
	case LOT_ViewScan:
		return "ViewScan"
	default:
		panic(fmt.Sprintf("usp %d", lt))
	}
}

type LOT_JoinType int

const (
	LOT_JoinTypeCross LOT_JoinType = iota
	LOT_JoinTypeLeft
	LOT_JoinTypeInner
	LOT_JoinTypeSEMI
	LOT_JoinTypeANTI
)

func (lojt LOT_JoinType) String() string {
	switch lojt {
	case LOT_JoinTypeCross:
		return "cross"
	case LOT_JoinTypeLeft:
		return "left"
	case LOT_JoinTypeInner:
		return "inner"
	case LOT_JoinTypeSEMI:
		return "semi"
	case LOT_JoinTypeANTI:
		return "anti semi"
	default:
		panic(fmt.Sprintf("usp %d", lojt))
	}
}

// reorderable joins take part in join enumeration.
func (lojt LOT_JoinType) reorderable() bool {
	return lojt == LOT_JoinTypeInner || lojt == LOT_JoinTypeCross
}

// ViewDef is a non materialized view reference waiting to be merged.
type ViewDef struct {
	Name       string
	Definition *LogicalOperator
	Columns    []*Expr //output exprs over Definition, each with Alias
}

type LogicalOperator struct {
	Typ      LOT
	Children []*LogicalOperator
	Table    string   // table
	Alias    string   // alias of the produced relation
	Columns  []string // output columns of scan and union
	Filters  []*Expr  // filter, or pushed into scan
	JoinTyp  LOT_JoinType
	OnConds  []*Expr
	GroupBys []*Expr
	Aggs     []*Expr // each with Alias, referenced as Alias.aggAlias
	Projects []*Expr // each with Alias, referenced as Alias.projAlias
	OrderBys []*Expr
	Limit    uint64
	UnionAll bool
	View     *ViewDef
	ViewName string  // view scan
	ViewID   uint64  // view scan
	ViewRows uint64  // view scan
	Outputs  []*Expr // view scan
}

func NewScan(table, alias string, cols ...string) *LogicalOperator {
	if alias == "" {
		alias = table
	}
	return &LogicalOperator{Typ: LOT_Scan, Table: table, Alias: alias, Columns: cols}
}

func NewFilter(child *LogicalOperator, filters ...*Expr) *LogicalOperator {
	return &LogicalOperator{Typ: LOT_Filter, Filters: filters, Children: []*LogicalOperator{child}}
}

func NewJoin(typ LOT_JoinType, left, right *LogicalOperator, on ...*Expr) *LogicalOperator {
	return &LogicalOperator{Typ: LOT_JOIN, JoinTyp: typ, OnConds: on, Children: []*LogicalOperator{left, right}}
}

func NewAggregate(child *LogicalOperator, alias string, groupBys []*Expr, aggs ...*Expr) *LogicalOperator {
	return &LogicalOperator{Typ: LOT_AggGroup, Alias: alias, GroupBys: groupBys, Aggs: aggs, Children: []*LogicalOperator{child}}
}

func NewProject(child *LogicalOperator, alias string, projects ...*Expr) *LogicalOperator {
	return &LogicalOperator{Typ: LOT_Project, Alias: alias, Projects: projects, Children: []*LogicalOperator{child}}
}

func NewOrder(child *LogicalOperator, orderBys ...*Expr) *LogicalOperator {
	return &LogicalOperator{Typ: LOT_Order, OrderBys: orderBys, Children: []*LogicalOperator{child}}
}

func NewLimit(child *LogicalOperator, n uint64) *LogicalOperator {
	return &LogicalOperator{Typ: LOT_Limit, Limit: n, Children: []*LogicalOperator{child}}
}

func NewUnion(alias string, all bool, cols []string, children ...*LogicalOperator) *LogicalOperator {
	return &LogicalOperator{Typ: LOT_Union, Alias: alias, UnionAll: all, Columns: cols, Children: children}
}

func NewViewRef(alias string, def *ViewDef) *LogicalOperator {
	return &LogicalOperator{Typ: LOT_View, Alias: alias, View: def}
}

// shell copies the operator payload without children.
func (lo *LogicalOperator) shell() *LogicalOperator {
	ret := *lo
	ret.Children = nil
	return &ret
}

func copyPlan(lo *LogicalOperator) *LogicalOperator {
	if lo == nil {
		return nil
	}
	return clone.Clone(lo).(*LogicalOperator)
}

// allExprs lists every expression the operator evaluates.
func (lo *LogicalOperator) allExprs() []*Expr {
	var ret []*Expr
	ret = append(ret, lo.Filters...)
	ret = append(ret, lo.OnConds...)
	ret = append(ret, lo.GroupBys...)
	ret = append(ret, lo.Aggs...)
	ret = append(ret, lo.Projects...)
	ret = append(ret, lo.OrderBys...)
	return ret
}

// outputTables returns the relation names a parent may reference.
func outputTables(lo *LogicalOperator) map[string]bool {
	ret := make(map[string]bool)
	collectOutputTables(lo, ret)
	return ret
}

func collectOutputTables(lo *LogicalOperator, ret map[string]bool) {
	switch lo.Typ {
	case LOT_Scan, LOT_Union, LOT_View:
		ret[lo.Alias] = true
	case LOT_Filter, LOT_Order, LOT_Limit:
		collectOutputTables(lo.Children[0], ret)
	case LOT_JOIN:
		collectOutputTables(lo.Children[0], ret)
		if lo.JoinTyp != LOT_JoinTypeSEMI && lo.JoinTyp != LOT_JoinTypeANTI {
			collectOutputTables(lo.Children[1], ret)
		}
	case LOT_AggGroup:
		for _, g := range lo.GroupBys {
			for table := range exprTables(g) {
				ret[table] = true
			}
		}
		if lo.Alias != "" {
			ret[lo.Alias] = true
		}
	case LOT_Project:
		if lo.Alias != "" {
			ret[lo.Alias] = true
		}
		for _, p := range lo.Projects {
			if p.Alias == "" && p.isColumn() {
				ret[p.Table] = true
			}
		}
	case LOT_ViewScan:
		if lo.Alias != "" {
			ret[lo.Alias] = true
		}
		for _, out := range lo.Outputs {
			ret[out.Table] = true
		}
	default:
		panic(fmt.Sprintf("usp %v", lo.Typ))
	}
}

// definedTables lists every relation name introduced inside the plan.
func definedTables(lo *LogicalOperator) map[string]bool {
	ret := make(map[string]bool)
	var walk func(*LogicalOperator)
	walk = func(op *LogicalOperator) {
		if op == nil {
			return
		}
		if op.Alias != "" {
			ret[op.Alias] = true
		}
		if op.Typ == LOT_ViewScan {
			for _, out := range op.Outputs {
				ret[out.Table] = true
			}
		}
		for _, child := range op.Children {
			walk(child)
		}
	}
	walk(lo)
	return ret
}

// correlatedColumns returns column references inside lo that point to
// relations defined outside of it.
func correlatedColumns(lo *LogicalOperator) []*Expr {
	local := definedTables(lo)
	var ret []*Expr
	var walk func(*LogicalOperator)
	walk = func(op *LogicalOperator) {
		if op == nil {
			return
		}
		for _, e := range op.allExprs() {
			for _, col := range collectColumns(e) {
				if !local[col.Table] {
					ret = append(ret, col)
				}
			}
		}
		for _, child := range op.Children {
			walk(child)
		}
	}
	walk(lo)
	return ret
}

func renamePlanTables(lo *LogicalOperator, mapping map[string]string) {
	if lo == nil {
		return
	}
	if to, ok := mapping[lo.Alias]; ok {
		lo.Alias = to
	}
	for _, e := range lo.allExprs() {
		renameTables(e, mapping)
	}
	for _, e := range lo.Outputs {
		renameTables(e, mapping)
	}
	if lo.View != nil {
		for _, e := range lo.View.Columns {
			renameTables(e, mapping)
		}
	}
	for _, child := range lo.Children {
		renamePlanTables(child, mapping)
	}
}

// opKey is the canonical payload of one operator, children excluded.
func opKey(lo *LogicalOperator) string {
	sb := strings.Builder{}
	sb.WriteString(lo.Typ.String())
	switch lo.Typ {
	case LOT_Scan:
		fmt.Fprintf(&sb, "(%s AS %s|%s)", lo.Table, lo.Alias, strings.Join(exprKeys(lo.Filters), " AND "))
	case LOT_Filter:
		fmt.Fprintf(&sb, "(%s)", strings.Join(exprKeys(lo.Filters), " AND "))
	case LOT_JOIN:
		fmt.Fprintf(&sb, "[%v](%s)", lo.JoinTyp, strings.Join(exprKeys(lo.OnConds), " AND "))
	case LOT_AggGroup:
		fmt.Fprintf(&sb, "[%s](%s|%s)", lo.Alias, joinExprs(lo.GroupBys), joinExprs(lo.Aggs))
	case LOT_Project:
		fmt.Fprintf(&sb, "[%s](%s)", lo.Alias, joinExprs(lo.Projects))
	case LOT_Order:
		items := make([]string, len(lo.OrderBys))
		for i, e := range lo.OrderBys {
			items[i] = e.String()
			if e.Desc {
				items[i] += " DESC"
			}
		}
		fmt.Fprintf(&sb, "(%s)", strings.Join(items, ", "))
	case LOT_Limit:
		fmt.Fprintf(&sb, "(%d)", lo.Limit)
	case LOT_Union:
		fmt.Fprintf(&sb, "[%s all=%v](%s)", lo.Alias, lo.UnionAll, strings.Join(lo.Columns, ","))
	case LOT_View:
		def := ""
		if lo.View != nil && lo.View.Definition != nil {
			def = planKey(lo.View.Definition) + "|" + joinExprs(lo.View.Columns)
		}
		fmt.Fprintf(&sb, "[%s](%s)", lo.Alias, def)
	case LOT_ViewScan:
		fmt.Fprintf(&sb, "[%s#%d](%s)", lo.ViewName, lo.ViewID, joinExprs(lo.Outputs))
	default:
		panic(fmt.Sprintf("usp %v", lo.Typ))
	}
	return sb.String()
}

func joinExprs(exprs []*Expr) string {
	items := make([]string, len(exprs))
	for i, e := range exprs {
		items[i] = e.String()
		if e.Alias != "" {
			items[i] += " AS " + e.Alias
		}
	}
	return strings.Join(items, ", ")
}

// planKey is the structural fingerprint of the whole subtree.
func planKey(lo *LogicalOperator) string {
	if lo == nil {
		return "<nil>"
	}
	if len(lo.Children) == 0 {
		return opKey(lo)
	}
	sb := strings.Builder{}
	sb.WriteString(opKey(lo))
	sb.WriteString("{")
	for i, child := range lo.Children {
		if i > 0 {
			sb.WriteString(";")
		}
		sb.WriteString(planKey(child))
	}
	sb.WriteString("}")
	return sb.String()
}

// countOps counts operators of a type in the tree.
func countOps(lo *LogicalOperator, typ LOT) int {
	if lo == nil {
		return 0
	}
	cnt := 0
	if lo.Typ == typ {
		cnt++
	}
	for _, child := range lo.Children {
		cnt += countOps(child, typ)
	}
	return cnt
}

// Validate rejects structurally malformed plans.
func Validate(lo *LogicalOperator) error {
	return validatePlan(lo, nil)
}

func validatePlan(lo *LogicalOperator, outer map[string]bool) error {
	if lo == nil {
		return invalidShape("nil operator")
	}
	want := -1
	switch lo.Typ {
	case LOT_Scan:
		want = 0
		if lo.Table == "" {
			return invalidShape("scan without table")
		}
	case LOT_Filter, LOT_AggGroup, LOT_Project, LOT_Order, LOT_Limit:
		want = 1
	case LOT_JOIN:
		want = 2
	case LOT_Union:
		if len(lo.Children) < 2 {
			return invalidShape("union with %d inputs", len(lo.Children))
		}
	case LOT_View:
		want = 0
		if lo.View == nil || lo.View.Definition == nil {
			return invalidShape("view %s without definition", lo.Alias)
		}
		if err := validatePlan(lo.View.Definition, nil); err != nil {
			return err
		}
	case LOT_ViewScan:
		want = 0
	default:
		return invalidShape("unknown operator %d", lo.Typ)
	}
	if want >= 0 && len(lo.Children) != want {
		return invalidShape("%v expects %d inputs, got %d", lo.Typ, want, len(lo.Children))
	}
	for i, child := range lo.Children {
		if child == nil {
			return invalidShape("%v input %d is nil", lo.Typ, i)
		}
		if err := validatePlan(child, outer); err != nil {
			return err
		}
	}
	if lo.Typ == LOT_AggGroup && len(lo.Aggs) > 0 && lo.Alias == "" {
		return invalidShape("aggregate without alias")
	}

	//every column must resolve to an input relation or an outer one
	visible := make(map[string]bool)
	for table := range outer {
		visible[table] = true
	}
	for _, child := range lo.Children {
		for table := range outputTables(child) {
			visible[table] = true
		}
	}
	if lo.Typ == LOT_Scan {
		visible[lo.Alias] = true
	}
	for _, e := range lo.allExprs() {
		if err := checkExprRefs(lo, e, visible); err != nil {
			return err
		}
	}
	return nil
}

func checkExprRefs(lo *LogicalOperator, e *Expr, visible map[string]bool) error {
	switch e.Typ {
	case ET_Column:
		if !visible[e.Table] {
			return invalidShape("%v references unknown relation %q", lo.Typ, e.Table)
		}
		return nil
	case ET_Subquery:
		if e.Subquery == nil {
			return invalidShape("subquery without plan in %v", lo.Typ)
		}
		if err := validatePlan(e.Subquery, visible); err != nil {
			return err
		}
		if len(e.Children) == 2 {
			if err := checkExprRefs(lo, e.Children[0], visible); err != nil {
				return err
			}
			if !e.Children[1].isColumn() || !outputTables(e.Subquery)[e.Children[1].Table] {
				return invalidShape("subquery output %v is not produced by the subquery", e.Children[1])
			}
		}
		return nil
	}
	for _, child := range e.Children {
		if err := checkExprRefs(lo, child, visible); err != nil {
			return err
		}
	}
	return nil
}

func (lo *LogicalOperator) Print(tree treeprint.Tree) {
	if lo == nil {
		return
	}
	switch lo.Typ {
	case LOT_Project:
		tree = tree.AddBranch(fmt.Sprintf("Project %s:", lo.Alias))
		node := tree.AddMetaBranch("exprs", "")
		listExprsToTree(node, lo.Projects)
	case LOT_Filter:
		tree = tree.AddBranch("Filter:")
		node := tree.AddMetaBranch("exprs", "")
		listExprsToTree(node, lo.Filters)
	case LOT_Scan:
		tree = tree.AddBranch("Scan:")
		if lo.Alias != lo.Table {
			tree.AddMetaNode("table", fmt.Sprintf("%v %v", lo.Table, lo.Alias))
		} else {
			tree.AddMetaNode("table", lo.Table)
		}
		if len(lo.Filters) > 0 {
			node := tree.AddBranch("filters")
			listExprsToTree(node, lo.Filters)
		}
	case LOT_JOIN:
		tree = tree.AddBranch(fmt.Sprintf("Join (%v):", lo.JoinTyp))
		if len(lo.OnConds) > 0 {
			node := tree.AddMetaBranch("On", "")
			listExprsToTree(node, lo.OnConds)
		}
	case LOT_AggGroup:
		tree = tree.AddBranch(fmt.Sprintf("Aggregate %s:", lo.Alias))
		if len(lo.GroupBys) > 0 {
			node := tree.AddBranch("groupExprs")
			listExprsToTree(node, lo.GroupBys)
		}
		if len(lo.Aggs) > 0 {
			node := tree.AddBranch("aggExprs")
			listExprsToTree(node, lo.Aggs)
		}
	case LOT_Order:
		tree = tree.AddBranch("Order:")
		node := tree.AddMetaBranch("exprs", "")
		listExprsToTree(node, lo.OrderBys)
	case LOT_Limit:
		tree = tree.AddBranch(fmt.Sprintf("Limit: %d", lo.Limit))
	case LOT_Union:
		tree = tree.AddBranch(fmt.Sprintf("Union %s (all=%v):", lo.Alias, lo.UnionAll))
	case LOT_View:
		tree = tree.AddBranch(fmt.Sprintf("View %s:", lo.Alias))
		if lo.View != nil {
			lo.View.Definition.Print(tree.AddMetaBranch("definition", lo.View.Name))
		}
	case LOT_ViewScan:
		tree = tree.AddBranch(fmt.Sprintf("ViewScan %s:", lo.ViewName))
		node := tree.AddMetaBranch("outputs", "")
		listExprsToTree(node, lo.Outputs)
	default:
		panic(fmt.Sprintf("usp %v", lo.Typ))
	}

	for _, child := range lo.Children {
		child.Print(tree)
	}
}

func (lo *LogicalOperator) String() string {
	tree := treeprint.NewWithRoot("LogicalPlan:")
	lo.Print(tree)
	return tree.String()
}
