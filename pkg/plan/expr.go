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
	"slices"
	"sort"
	"strings"

	"github.com/huandu/go-clone"
	"github.com/xlab/treeprint"

	"github.com/daviszhen/cbo/pkg/common"
)

type ET int

const (
	ET_Column ET = iota
	ET_Const
	ET_Func
	ET_Subquery
)

func (et ET) String() string {
	switch et {
	case ET_Column:
		return "column"
	case ET_Const:
		return "const"
	case ET_Func:
		return "func"
	case ET_Subquery:
		return "subquery"
	default:
		panic(fmt.Sprintf("usp %d", et))
	}
}

type ET_SubTyp int

const (
	ET_Invalid ET_SubTyp = iota
	ET_Equal
	ET_NotEqual
	ET_Less
	ET_LessEqual
	ET_Greater
	ET_GreaterEqual
	ET_And
	ET_Or
	ET_Not
	ET_In
	ET_Between
	ET_Like
	ET_IsNull
	ET_IsNotNull
	ET_Count
	ET_Sum
	ET_Min
	ET_Max
	ET_Avg
)

func (et ET_SubTyp) String() string {
	switch et {
	case ET_Invalid:
		return "invalid"
	case ET_Equal:
		return "="
	case ET_NotEqual:
		return "<>"
	case ET_Less:
		return "<"
	case ET_LessEqual:
		return "<="
	case ET_Greater:
		return ">"
	case ET_GreaterEqual:
		return ">="
	case ET_And:
		return "AND"
	case ET_Or:
		return "OR"
	case ET_Not:
		return "NOT"
	case ET_In:
		return "IN"
	case ET_Between:
		return "BETWEEN"
	case ET_Like:
		return "LIKE"
	case ET_IsNull:
		return "IS NULL"
	case ET_IsNotNull:
		return "IS NOT NULL"
	case ET_Count:
		return "count"
	case ET_Sum:
		return "sum"
	case ET_Min:
		return "min"
	case ET_Max:
		return "max"
	case ET_Avg:
		return "avg"
	default:
		panic(fmt.Sprintf("usp %d", et))
	}
}

func (et ET_SubTyp) isComparison() bool {
	switch et {
	case ET_Equal, ET_NotEqual, ET_Less, ET_LessEqual, ET_Greater, ET_GreaterEqual:
		return true
	default:
		return false
	}
}

func (et ET_SubTyp) isAggregate() bool {
	switch et {
	case ET_Count, ET_Sum, ET_Min, ET_Max, ET_Avg:
		return true
	default:
		return false
	}
}

// flip gives the operator with swapped operands: a < b == b > a.
func (et ET_SubTyp) flip() ET_SubTyp {
	switch et {
	case ET_Less:
		return ET_Greater
	case ET_LessEqual:
		return ET_GreaterEqual
	case ET_Greater:
		return ET_Less
	case ET_GreaterEqual:
		return ET_LessEqual
	default:
		return et
	}
}

type ET_SubqueryType int

const (
	ET_SubqueryTypeExists ET_SubqueryType = iota
	ET_SubqueryTypeNotExists
	ET_SubqueryTypeIn
	ET_SubqueryTypeNotIn
)

func (st ET_SubqueryType) String() string {
	switch st {
	case ET_SubqueryTypeExists:
		return "EXISTS"
	case ET_SubqueryTypeNotExists:
		return "NOT EXISTS"
	case ET_SubqueryTypeIn:
		return "IN"
	case ET_SubqueryTypeNotIn:
		return "NOT IN"
	default:
		panic(fmt.Sprintf("usp %d", st))
	}
}

type Expr struct {
	Typ      ET
	SubTyp   ET_SubTyp
	Children []*Expr

	Table string // column
	Name  string // column
	Value common.Value

	Alias    string // output name of aggregates and projections
	Distinct bool   // count(distinct x)
	Desc     bool   // in order by

	SubqueryTyp ET_SubqueryType
	Subquery    *LogicalOperator
}

func Col(table, name string) *Expr {
	return &Expr{Typ: ET_Column, Table: table, Name: name}
}

func Const(v common.Value) *Expr {
	return &Expr{Typ: ET_Const, Value: v}
}

func Int(i int64) *Expr {
	return Const(common.IntValue(i))
}

func Str(s string) *Expr {
	return Const(common.StringValue(s))
}

func Bool(b bool) *Expr {
	return Const(common.BoolValue(b))
}

func Func(sub ET_SubTyp, args ...*Expr) *Expr {
	return &Expr{Typ: ET_Func, SubTyp: sub, Children: args}
}

func Eq(l, r *Expr) *Expr {
	return Func(ET_Equal, l, r)
}

func Cmp(sub ET_SubTyp, l, r *Expr) *Expr {
	return Func(sub, l, r)
}

func And(exprs ...*Expr) *Expr {
	if len(exprs) == 1 {
		return exprs[0]
	}
	return Func(ET_And, exprs...)
}

func Or(exprs ...*Expr) *Expr {
	if len(exprs) == 1 {
		return exprs[0]
	}
	return Func(ET_Or, exprs...)
}

func Not(e *Expr) *Expr {
	return Func(ET_Not, e)
}

// In builds x IN (v1, v2, ...).
func In(x *Expr, vals ...*Expr) *Expr {
	return Func(ET_In, append([]*Expr{x}, vals...)...)
}

func Between(x, lo, hi *Expr) *Expr {
	return Func(ET_Between, x, lo, hi)
}

func Like(x *Expr, pattern string) *Expr {
	return Func(ET_Like, x, Str(pattern))
}

func IsNull(x *Expr) *Expr {
	return Func(ET_IsNull, x)
}

func IsNotNull(x *Expr) *Expr {
	return Func(ET_IsNotNull, x)
}

// Agg builds an aggregate whose output is referenced as alias.
func Agg(sub ET_SubTyp, alias string, arg *Expr) *Expr {
	e := Func(sub, arg)
	e.Alias = alias
	return e
}

func As(e *Expr, alias string) *Expr {
	e.Alias = alias
	return e
}

func Exists(sub *LogicalOperator) *Expr {
	return &Expr{Typ: ET_Subquery, SubqueryTyp: ET_SubqueryTypeExists, Subquery: sub}
}

func NotExists(sub *LogicalOperator) *Expr {
	return &Expr{Typ: ET_Subquery, SubqueryTyp: ET_SubqueryTypeNotExists, Subquery: sub}
}

// InSubquery builds x IN (SELECT out FROM sub). out must be a column the
// sub plan produces.
func InSubquery(x *Expr, sub *LogicalOperator, out *Expr) *Expr {
	return &Expr{Typ: ET_Subquery, SubqueryTyp: ET_SubqueryTypeIn, Subquery: sub, Children: []*Expr{x, out}}
}

func NotInSubquery(x *Expr, sub *LogicalOperator, out *Expr) *Expr {
	return &Expr{Typ: ET_Subquery, SubqueryTyp: ET_SubqueryTypeNotIn, Subquery: sub, Children: []*Expr{x, out}}
}

func (e *Expr) isColumn() bool {
	return e != nil && e.Typ == ET_Column
}

func (e *Expr) isConst() bool {
	return e != nil && e.Typ == ET_Const
}

func (e *Expr) colKey() string {
	return e.Table + "." + e.Name
}

func (e *Expr) String() string {
	return e.format(false)
}

// shape prints the expression with constants replaced by '?'.
func (e *Expr) shape() string {
	return e.format(true)
}

func (e *Expr) format(hideConst bool) string {
	if e == nil {
		return ""
	}
	switch e.Typ {
	case ET_Column:
		if e.Table == "" {
			return e.Name
		}
		return e.colKey()
	case ET_Const:
		if hideConst {
			return "?"
		}
		return e.Value.String()
	case ET_Func:
		args := make([]string, len(e.Children))
		for i, child := range e.Children {
			args[i] = child.format(hideConst)
		}
		switch {
		case e.SubTyp.isComparison():
			return fmt.Sprintf("%s %s %s", args[0], e.SubTyp, args[1])
		case e.SubTyp == ET_And || e.SubTyp == ET_Or:
			return "(" + strings.Join(args, " "+e.SubTyp.String()+" ") + ")"
		case e.SubTyp == ET_Not:
			return fmt.Sprintf("NOT (%s)", args[0])
		case e.SubTyp == ET_In:
			if hideConst {
				return fmt.Sprintf("%s IN (?x%d)", args[0], len(args)-1)
			}
			return fmt.Sprintf("%s IN (%s)", args[0], strings.Join(args[1:], ", "))
		case e.SubTyp == ET_Between:
			return fmt.Sprintf("%s BETWEEN %s AND %s", args[0], args[1], args[2])
		case e.SubTyp == ET_Like:
			return fmt.Sprintf("%s LIKE %s", args[0], args[1])
		case e.SubTyp == ET_IsNull || e.SubTyp == ET_IsNotNull:
			return fmt.Sprintf("%s %s", args[0], e.SubTyp)
		case e.SubTyp.isAggregate():
			if e.Distinct {
				return fmt.Sprintf("%s(DISTINCT %s)", e.SubTyp, strings.Join(args, ", "))
			}
			if len(args) == 0 {
				return fmt.Sprintf("%s(*)", e.SubTyp)
			}
			return fmt.Sprintf("%s(%s)", e.SubTyp, strings.Join(args, ", "))
		default:
			panic(fmt.Sprintf("usp %v", e.SubTyp))
		}
	case ET_Subquery:
		sub := "<nil>"
		if e.Subquery != nil {
			sub = "{" + planKey(e.Subquery) + "}"
		}
		switch e.SubqueryTyp {
		case ET_SubqueryTypeIn, ET_SubqueryTypeNotIn:
			return fmt.Sprintf("%s %s %s.%s", e.Children[0].format(hideConst), e.SubqueryTyp, sub, e.Children[1].format(hideConst))
		default:
			return fmt.Sprintf("%s %s", e.SubqueryTyp, sub)
		}
	default:
		panic(fmt.Sprintf("usp %v", e.Typ))
	}
}

// normalize returns a canonical copy: constants move to the right of
// comparisons, operands of = and <> are ordered, AND/OR operands sorted.
func normalize(e *Expr) *Expr {
	if e == nil || e.Typ != ET_Func {
		return e
	}
	ret := *e
	ret.Children = make([]*Expr, len(e.Children))
	for i, child := range e.Children {
		ret.Children[i] = normalize(child)
	}
	switch {
	case ret.SubTyp.isComparison():
		l, r := ret.Children[0], ret.Children[1]
		swap := false
		if l.isConst() && !r.isConst() {
			swap = true
		} else if l.isConst() == r.isConst() {
			swap = l.String() > r.String()
		}
		if swap {
			ret.Children[0], ret.Children[1] = r, l
			ret.SubTyp = ret.SubTyp.flip()
		}
	case ret.SubTyp == ET_And || ret.SubTyp == ET_Or:
		sort.SliceStable(ret.Children, func(i, j int) bool {
			return ret.Children[i].String() < ret.Children[j].String()
		})
	case ret.SubTyp == ET_In:
		vals := ret.Children[1:]
		sort.SliceStable(vals, func(i, j int) bool {
			return vals[i].String() < vals[j].String()
		})
	}
	return &ret
}

// exprKey is the canonical text used for set membership of predicates.
func exprKey(e *Expr) string {
	return normalize(e).String()
}

func exprKeys(exprs []*Expr) []string {
	keys := make([]string, len(exprs))
	for i, e := range exprs {
		keys[i] = exprKey(e)
	}
	slices.Sort(keys)
	return keys
}

func (e *Expr) equal(o *Expr) bool {
	if e == nil || o == nil {
		return e == o
	}
	return exprKey(e) == exprKey(o)
}

func copyExpr(e *Expr) *Expr {
	if e == nil {
		return nil
	}
	return clone.Clone(e).(*Expr)
}

func copyExprs(exprs ...*Expr) []*Expr {
	ret := make([]*Expr, len(exprs))
	for i, e := range exprs {
		ret[i] = copyExpr(e)
	}
	return ret
}

// walkExpr visits e and its children in pre order. Subquery plans are not
// entered.
func walkExpr(e *Expr, fn func(*Expr) bool) {
	if e == nil {
		return
	}
	if !fn(e) {
		return
	}
	for _, child := range e.Children {
		walkExpr(child, fn)
	}
}

// collectColumns returns column references of e. Correlated columns of
// subqueries are included, columns local to the subquery are not.
func collectColumns(e *Expr) []*Expr {
	var cols []*Expr
	var walk func(x *Expr)
	walk = func(x *Expr) {
		if x == nil {
			return
		}
		switch x.Typ {
		case ET_Column:
			cols = append(cols, x)
		case ET_Subquery:
			if x.Subquery != nil {
				cols = append(cols, correlatedColumns(x.Subquery)...)
			}
			//the second child is the subquery output
			if len(x.Children) > 0 {
				walk(x.Children[0])
			}
			return
		}
		for _, child := range x.Children {
			walk(child)
		}
	}
	walk(e)
	return cols
}

func exprTables(e *Expr) map[string]bool {
	ret := make(map[string]bool)
	for _, col := range collectColumns(e) {
		ret[col.Table] = true
	}
	return ret
}

func hasSubquery(e *Expr) bool {
	found := false
	walkExpr(e, func(x *Expr) bool {
		if x.Typ == ET_Subquery {
			found = true
		}
		return !found
	})
	return found
}

func hasAggregate(e *Expr) bool {
	found := false
	walkExpr(e, func(x *Expr) bool {
		if x.Typ == ET_Func && x.SubTyp.isAggregate() {
			found = true
		}
		return !found
	})
	return found
}

func splitExprByAnd(e *Expr) []*Expr {
	if e == nil {
		return nil
	}
	if e.Typ == ET_Func && e.SubTyp == ET_And {
		var ret []*Expr
		for _, child := range e.Children {
			ret = append(ret, splitExprByAnd(child)...)
		}
		return ret
	}
	return []*Expr{e}
}

func splitExprsByAnd(exprs []*Expr) []*Expr {
	var ret []*Expr
	for _, e := range exprs {
		ret = append(ret, splitExprByAnd(e)...)
	}
	return ret
}

// isColumnEquality reports col = col between two different relations.
func isColumnEquality(e *Expr) bool {
	return e.Typ == ET_Func && e.SubTyp == ET_Equal &&
		e.Children[0].isColumn() && e.Children[1].isColumn() &&
		e.Children[0].Table != e.Children[1].Table
}

// columnConstEquality returns (col, const) for col = const.
func columnConstEquality(e *Expr) (*Expr, *Expr, bool) {
	if e.Typ != ET_Func || e.SubTyp != ET_Equal {
		return nil, nil, false
	}
	l, r := e.Children[0], e.Children[1]
	if l.isColumn() && r.isConst() {
		return l, r, true
	}
	if r.isColumn() && l.isConst() {
		return r, l, true
	}
	return nil, nil, false
}

const (
	NoneSide = iota
	LeftSide
	RightSide
	BothSide
	UnknownSide
)

func decideSide(e *Expr, leftTables, rightTables map[string]bool) int {
	side := NoneSide
	for table := range exprTables(e) {
		switch {
		case leftTables[table]:
			side |= LeftSide
		case rightTables[table]:
			side |= RightSide
		default:
			return UnknownSide
		}
	}
	return side
}

func onlyReferTo(e *Expr, tables map[string]bool) bool {
	refs := exprTables(e)
	if len(refs) == 0 {
		return false
	}
	for table := range refs {
		if !tables[table] {
			return false
		}
	}
	return true
}

func referTo(e *Expr, table string) bool {
	return exprTables(e)[table]
}

// restoreExpr replaces references to table.alias with the aliased expr.
func restoreExpr(e *Expr, table string, realExprs []*Expr) *Expr {
	if e == nil {
		return nil
	}
	if e.Typ == ET_Column && e.Table == table {
		for _, real := range realExprs {
			if real.Alias == e.Name {
				ret := copyExpr(real)
				ret.Alias = ""
				return ret
			}
		}
		return e
	}
	if e.Typ == ET_Subquery {
		return e
	}
	ret := *e
	ret.Children = make([]*Expr, len(e.Children))
	for i, child := range e.Children {
		ret.Children[i] = restoreExpr(child, table, realExprs)
	}
	return &ret
}

// renameTables rewrites column qualifiers by mapping.
func renameTables(e *Expr, mapping map[string]string) {
	walkExpr(e, func(x *Expr) bool {
		if x.Typ == ET_Column {
			if to, ok := mapping[x.Table]; ok {
				x.Table = to
			}
		}
		if x.Typ == ET_Subquery && x.Subquery != nil {
			renamePlanTables(x.Subquery, mapping)
		}
		return true
	})
}

// foldConstants evaluates comparisons between constants and simplifies
// boolean connectives with constant operands.
func foldConstants(e *Expr) *Expr {
	if e == nil || e.Typ != ET_Func {
		return e
	}
	ret := *e
	ret.Children = make([]*Expr, len(e.Children))
	for i, child := range e.Children {
		ret.Children[i] = foldConstants(child)
	}
	switch {
	case ret.SubTyp.isComparison():
		l, r := ret.Children[0], ret.Children[1]
		if !l.isConst() || !r.isConst() || l.Value.IsNull() || r.Value.IsNull() {
			break
		}
		c := l.Value.Compare(r.Value)
		var b bool
		switch ret.SubTyp {
		case ET_Equal:
			b = c == 0
		case ET_NotEqual:
			b = c != 0
		case ET_Less:
			b = c < 0
		case ET_LessEqual:
			b = c <= 0
		case ET_Greater:
			b = c > 0
		case ET_GreaterEqual:
			b = c >= 0
		}
		return Bool(b)
	case ret.SubTyp == ET_And:
		kept := make([]*Expr, 0, len(ret.Children))
		for _, child := range ret.Children {
			if isBoolConst(child, true) {
				continue
			}
			if isBoolConst(child, false) {
				return Bool(false)
			}
			kept = append(kept, child)
		}
		if len(kept) == 0 {
			return Bool(true)
		}
		return And(kept...)
	case ret.SubTyp == ET_Or:
		kept := make([]*Expr, 0, len(ret.Children))
		for _, child := range ret.Children {
			if isBoolConst(child, true) {
				return Bool(true)
			}
			if isBoolConst(child, false) {
				continue
			}
			kept = append(kept, child)
		}
		if len(kept) == 0 {
			return Bool(false)
		}
		return Or(kept...)
	case ret.SubTyp == ET_Not:
		if ret.Children[0].isConst() && ret.Children[0].Value.Typ == common.VT_Bool {
			return Bool(!ret.Children[0].Value.B)
		}
	}
	return &ret
}

func isBoolConst(e *Expr, val bool) bool {
	return e.isConst() && e.Value.Typ == common.VT_Bool && e.Value.B == val
}

func listExprsToTree(tree treeprint.Tree, exprs []*Expr) {
	for _, e := range exprs {
		if e.Alias != "" {
			tree.AddNode(fmt.Sprintf("%v AS %s", e, e.Alias))
		} else {
			tree.AddNode(e.String())
		}
	}
}
