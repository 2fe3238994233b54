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

package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	pg_query "github.com/pganalyze/pg_query_go/v5"

	"github.com/daviszhen/cbo/pkg/common"
	"github.com/daviszhen/cbo/pkg/plan"
)

var ErrUnsupported = errors.New("unsupported expression")

func Parse(s string) ([]*pg_query.RawStmt, error) {
	result, err := pg_query.Parse(s)
	if err != nil {
		return nil, err
	}
	return result.Stmts, nil
}

func parseSelect(s string) (*pg_query.SelectStmt, error) {
	stmts, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if len(stmts) != 1 {
		return nil, fmt.Errorf("expect one statement, got %d", len(stmts))
	}
	sel := stmts[0].Stmt.GetSelectStmt()
	if sel == nil {
		return nil, fmt.Errorf("%w: not a select", ErrUnsupported)
	}
	return sel, nil
}

// ParseExpr converts a boolean SQL expression like
// "A.id = B.a_id AND A.x < 10" into an optimizer expression. Columns
// must be qualified with the relation alias. An empty string yields nil.
func ParseExpr(s string) (*plan.Expr, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	sel, err := parseSelect("SELECT 1 WHERE " + s)
	if err != nil {
		return nil, err
	}
	return convertExpr(sel.WhereClause)
}

// ParseTargets converts a select list like "A.x, count(B.id) AS cnt".
// Aggregates without AS are named after the function.
func ParseTargets(s string) ([]*plan.Expr, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	sel, err := parseSelect("SELECT " + s)
	if err != nil {
		return nil, err
	}
	ret := make([]*plan.Expr, 0, len(sel.TargetList))
	for _, node := range sel.TargetList {
		target := node.GetResTarget()
		if target == nil {
			return nil, fmt.Errorf("%w: target %T", ErrUnsupported, node.GetNode())
		}
		e, err := convertExpr(target.Val)
		if err != nil {
			return nil, err
		}
		if target.Name != "" {
			e = plan.As(e, target.Name)
		}
		ret = append(ret, e)
	}
	return ret, nil
}

// ParseOrderBy converts "A.x DESC, B.id" into order keys.
func ParseOrderBy(s string) ([]*plan.Expr, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	sel, err := parseSelect("SELECT 1 ORDER BY " + s)
	if err != nil {
		return nil, err
	}
	ret := make([]*plan.Expr, 0, len(sel.SortClause))
	for _, node := range sel.SortClause {
		sortBy := node.GetSortBy()
		e, err := convertExpr(sortBy.Node)
		if err != nil {
			return nil, err
		}
		switch sortBy.SortbyDir {
		case pg_query.SortByDir_SORTBY_DEFAULT, pg_query.SortByDir_SORTBY_ASC:
		case pg_query.SortByDir_SORTBY_DESC:
			e.Desc = true
		default:
			return nil, fmt.Errorf("%w: order %v", ErrUnsupported, sortBy.SortbyDir)
		}
		ret = append(ret, e)
	}
	return ret, nil
}

func getTableColumn(expr *pg_query.ColumnRef) (string, string, error) {
	switch len(expr.Fields) {
	case 2:
		return expr.Fields[0].GetString_().GetSval(), expr.Fields[1].GetString_().GetSval(), nil
	case 1:
		return "", "", fmt.Errorf("column %s is not qualified", expr.Fields[0].GetString_().GetSval())
	default:
		return "", "", fmt.Errorf("%w: column %v", ErrUnsupported, expr.String())
	}
}

func convertExprs(nodes []*pg_query.Node) ([]*plan.Expr, error) {
	ret := make([]*plan.Expr, 0, len(nodes))
	for _, node := range nodes {
		e, err := convertExpr(node)
		if err != nil {
			return nil, err
		}
		ret = append(ret, e)
	}
	return ret, nil
}

func convertExpr(node *pg_query.Node) (*plan.Expr, error) {
	if node == nil {
		return nil, fmt.Errorf("%w: empty node", ErrUnsupported)
	}
	switch realExpr := node.GetNode().(type) {
	case *pg_query.Node_ColumnRef:
		table, col, err := getTableColumn(realExpr.ColumnRef)
		if err != nil {
			return nil, err
		}
		return plan.Col(table, col), nil
	case *pg_query.Node_AConst:
		return convertConst(realExpr.AConst)
	case *pg_query.Node_TypeCast:
		return convertTypeCast(realExpr.TypeCast)
	case *pg_query.Node_AExpr:
		return convertAExpr(realExpr.AExpr)
	case *pg_query.Node_BoolExpr:
		args, err := convertExprs(realExpr.BoolExpr.Args)
		if err != nil {
			return nil, err
		}
		switch realExpr.BoolExpr.Boolop {
		case pg_query.BoolExprType_AND_EXPR:
			return plan.And(args...), nil
		case pg_query.BoolExprType_OR_EXPR:
			return plan.Or(args...), nil
		case pg_query.BoolExprType_NOT_EXPR:
			return plan.Not(args[0]), nil
		default:
			return nil, fmt.Errorf("%w: bool op %v", ErrUnsupported, realExpr.BoolExpr.Boolop)
		}
	case *pg_query.Node_NullTest:
		arg, err := convertExpr(realExpr.NullTest.Arg)
		if err != nil {
			return nil, err
		}
		if realExpr.NullTest.Nulltesttype == pg_query.NullTestType_IS_NOT_NULL {
			return plan.IsNotNull(arg), nil
		}
		return plan.IsNull(arg), nil
	case *pg_query.Node_FuncCall:
		return convertFuncCall(realExpr.FuncCall)
	default:
		return nil, fmt.Errorf("%w: node %T", ErrUnsupported, realExpr)
	}
}

func convertConst(expr *pg_query.A_Const) (*plan.Expr, error) {
	if expr.GetIsnull() {
		return plan.Const(common.NullValue()), nil
	}
	switch realExpr := expr.GetVal().(type) {
	case *pg_query.A_Const_Ival:
		return plan.Int(int64(realExpr.Ival.Ival)), nil
	case *pg_query.A_Const_Fval:
		//integers wider than int32 also arrive as Fval
		if i, err := strconv.ParseInt(realExpr.Fval.Fval, 10, 64); err == nil {
			return plan.Int(i), nil
		}
		val, err := common.ParseDecimal(realExpr.Fval.Fval)
		if err != nil {
			return nil, err
		}
		return plan.Const(val), nil
	case *pg_query.A_Const_Sval:
		return plan.Str(realExpr.Sval.Sval), nil
	case *pg_query.A_Const_Boolval:
		return plan.Bool(realExpr.Boolval.Boolval), nil
	default:
		return nil, fmt.Errorf("%w: const %T", ErrUnsupported, realExpr)
	}
}

func convertTypeCast(expr *pg_query.TypeCast) (*plan.Expr, error) {
	typName := ""
	for _, name := range expr.TypeName.Names {
		if name.GetString_().GetSval() == "pg_catalog" {
			continue
		}
		typName = name.GetString_().GetSval()
	}
	arg, err := convertExpr(expr.Arg)
	if err != nil {
		return nil, err
	}
	if arg.Typ != plan.ET_Const {
		return nil, fmt.Errorf("%w: cast of %v", ErrUnsupported, arg)
	}
	text := arg.Value.String()
	if arg.Value.Typ == common.VT_Varchar {
		text = arg.Value.Str
	}
	switch typName {
	case "date":
		t, err := time.Parse(time.DateOnly, text)
		if err != nil {
			return nil, err
		}
		return plan.Const(common.DateValue(t)), nil
	case "numeric":
		val, err := common.ParseDecimal(text)
		if err != nil {
			return nil, err
		}
		return plan.Const(val), nil
	default:
		return nil, fmt.Errorf("%w: type %s", ErrUnsupported, typName)
	}
}

func convertAExpr(expr *pg_query.A_Expr) (*plan.Expr, error) {
	opName := ""
	if len(expr.Name) > 0 {
		opName = expr.Name[0].GetString_().GetSval()
	}
	left, err := convertExpr(expr.Lexpr)
	if err != nil {
		return nil, err
	}

	switch expr.Kind {
	case pg_query.A_Expr_Kind_AEXPR_IN:
		vals, err := convertExprs(expr.Rexpr.GetList().GetItems())
		if err != nil {
			return nil, err
		}
		if opName == "<>" {
			return plan.Not(plan.In(left, vals...)), nil
		}
		return plan.In(left, vals...), nil
	case pg_query.A_Expr_Kind_AEXPR_BETWEEN, pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN:
		bounds, err := convertExprs(expr.Rexpr.GetList().GetItems())
		if err != nil {
			return nil, err
		}
		if len(bounds) != 2 {
			return nil, fmt.Errorf("%w: between with %d bounds", ErrUnsupported, len(bounds))
		}
		ret := plan.Between(left, bounds[0], bounds[1])
		if expr.Kind == pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN {
			ret = plan.Not(ret)
		}
		return ret, nil
	}

	right, err := convertExpr(expr.Rexpr)
	if err != nil {
		return nil, err
	}
	switch expr.Kind {
	case pg_query.A_Expr_Kind_AEXPR_LIKE:
		if right.Typ != plan.ET_Const || right.Value.Typ != common.VT_Varchar {
			return nil, fmt.Errorf("%w: like pattern %v", ErrUnsupported, right)
		}
		switch opName {
		case "~~":
			return plan.Like(left, right.Value.Str), nil
		case "!~~":
			return plan.Not(plan.Like(left, right.Value.Str)), nil
		}
	case pg_query.A_Expr_Kind_AEXPR_OP:
		switch opName {
		case "=":
			return plan.Eq(left, right), nil
		case "<>":
			return plan.Cmp(plan.ET_NotEqual, left, right), nil
		case "<":
			return plan.Cmp(plan.ET_Less, left, right), nil
		case "<=":
			return plan.Cmp(plan.ET_LessEqual, left, right), nil
		case ">":
			return plan.Cmp(plan.ET_Greater, left, right), nil
		case ">=":
			return plan.Cmp(plan.ET_GreaterEqual, left, right), nil
		}
	}
	return nil, fmt.Errorf("%w: operator %q kind %v", ErrUnsupported, opName, expr.Kind)
}

func getFuncName(expr *pg_query.FuncCall) string {
	for _, node := range expr.Funcname {
		sval := node.GetString_().GetSval()
		if sval == "pg_catalog" {
			continue
		}
		return sval
	}
	return ""
}

func convertFuncCall(expr *pg_query.FuncCall) (*plan.Expr, error) {
	name := getFuncName(expr)
	var sub plan.ET_SubTyp
	switch name {
	case "count":
		sub = plan.ET_Count
	case "sum":
		sub = plan.ET_Sum
	case "min":
		sub = plan.ET_Min
	case "max":
		sub = plan.ET_Max
	case "avg":
		sub = plan.ET_Avg
	default:
		return nil, fmt.Errorf("%w: function %s", ErrUnsupported, name)
	}
	if expr.AggStar || len(expr.Args) != 1 {
		return nil, fmt.Errorf("%w: %s needs exactly one column argument", ErrUnsupported, name)
	}
	arg, err := convertExpr(expr.Args[0])
	if err != nil {
		return nil, err
	}
	ret := plan.Agg(sub, name, arg)
	ret.Distinct = expr.AggDistinct
	return ret, nil
}
