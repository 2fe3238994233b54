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
)

// pushdownFilters pushes down filters to the lowest possible position.
// It returns the new root and the filters that cannot be pushed down.
func pushdownFilters(root *LogicalOperator, filters []*Expr) (*LogicalOperator, []*Expr) {
	var left, childLeft []*Expr
	var childRoot *LogicalOperator
	var needs []*Expr

	filters = foldFilters(filters)

	switch root.Typ {
	case LOT_Scan:
		scanTables := map[string]bool{root.Alias: true}
		for _, f := range filters {
			if !hasSubquery(f) && onlyReferTo(f, scanTables) {
				//expr that only refer to the scan can be pushdown.
				root.Filters = appendUnique(root.Filters, f)
			} else {
				left = append(left, f)
			}
		}
		root.Filters = foldFilters(root.Filters)
	case LOT_JOIN:
		leftTables := outputTables(root.Children[0])
		rightTables := outputTables(root.Children[1])
		onConds := foldFilters(splitExprsByAnd(root.OnConds))
		root.OnConds = nil

		leftNeeds := make([]*Expr, 0)
		rightNeeds := make([]*Expr, 0)
		switch root.JoinTyp {
		case LOT_JoinTypeInner, LOT_JoinTypeCross:
			needs = append(filters, onConds...)
			for _, nd := range needs {
				switch decideSide(nd, leftTables, rightTables) {
				case NoneSide, BothSide:
					root.OnConds = appendUnique(root.OnConds, nd)
				case LeftSide:
					leftNeeds = append(leftNeeds, nd)
				case RightSide:
					rightNeeds = append(rightNeeds, nd)
				case UnknownSide:
					left = append(left, nd)
				}
			}
			if len(root.OnConds) > 0 {
				root.JoinTyp = LOT_JoinTypeInner
			} else {
				root.JoinTyp = LOT_JoinTypeCross
			}
		case LOT_JoinTypeLeft, LOT_JoinTypeSEMI, LOT_JoinTypeANTI:
			//only the preserved side takes filters from above
			for _, f := range filters {
				if decideSide(f, leftTables, rightTables) == LeftSide {
					leftNeeds = append(leftNeeds, f)
				} else {
					left = append(left, f)
				}
			}
			//on conds on the inner side restrict the inner input only
			for _, on := range onConds {
				if decideSide(on, leftTables, rightTables) == RightSide {
					rightNeeds = append(rightNeeds, on)
				} else {
					root.OnConds = appendUnique(root.OnConds, on)
				}
			}
		default:
			panic(fmt.Sprintf("usp join type %v", root.JoinTyp))
		}

		childRoot, childLeft = pushdownFilters(root.Children[0], leftNeeds)
		root.Children[0] = wrapFilter(childRoot, childLeft)

		childRoot, childLeft = pushdownFilters(root.Children[1], rightNeeds)
		root.Children[1] = wrapFilter(childRoot, childLeft)

	case LOT_AggGroup:
		groupCols := make(map[string]bool)
		for _, g := range root.GroupBys {
			if g.isColumn() {
				groupCols[g.colKey()] = true
			}
		}
		for _, f := range filters {
			if len(root.GroupBys) == 0 || hasSubquery(f) || !onlyGroupColumns(f, groupCols) {
				//expr that refer to the agg exprs can not be pushdown.
				left = append(left, f)
			} else {
				needs = append(needs, f)
			}
		}

		childRoot, childLeft = pushdownFilters(root.Children[0], needs)
		root.Children[0] = wrapFilter(childRoot, childLeft)
	case LOT_Project:
		//restore the real expr for the expr that refer to the expr in the project list.
		for _, f := range filters {
			restored := restoreExpr(f, root.Alias, root.Projects)
			if (root.Alias != "" && referTo(restored, root.Alias)) || hasAggregate(restored) {
				left = append(left, f)
				continue
			}
			needs = append(needs, restored)
		}

		childRoot, childLeft = pushdownFilters(root.Children[0], needs)
		root.Children[0] = wrapFilter(childRoot, childLeft)
	case LOT_Filter:
		needs = filters
		needs = append(needs, foldFilters(splitExprsByAnd(root.Filters))...)
		childRoot, childLeft = pushdownFilters(root.Children[0], needs)
		if len(childLeft) > 0 {
			root.Children[0] = childRoot
			root.Filters = dedupExprs(childLeft)
		} else {
			//remove this FILTER node
			root = childRoot
		}
	case LOT_Order:
		childRoot, childLeft = pushdownFilters(root.Children[0], filters)
		root.Children[0] = wrapFilter(childRoot, childLeft)
	default:
		//LIMIT, UNION and views keep filters above them
		left = filters
		for i, child := range root.Children {
			childRoot, childLeft = pushdownFilters(child, nil)
			root.Children[i] = wrapFilter(childRoot, childLeft)
		}
	}

	return root, left
}

func onlyGroupColumns(e *Expr, groupCols map[string]bool) bool {
	cols := collectColumns(e)
	if len(cols) == 0 {
		return false
	}
	for _, col := range cols {
		if !groupCols[col.colKey()] {
			return false
		}
	}
	return true
}

func wrapFilter(child *LogicalOperator, filters []*Expr) *LogicalOperator {
	if len(filters) == 0 {
		return child
	}
	return NewFilter(child, dedupExprs(copyExprs(filters...))...)
}

// foldFilters folds constants and drops TRUE conjuncts.
func foldFilters(filters []*Expr) []*Expr {
	var ret []*Expr
	for _, f := range splitExprsByAnd(filters) {
		f = foldConstants(f)
		if isBoolConst(f, true) {
			continue
		}
		ret = append(ret, splitExprByAnd(f)...)
	}
	return ret
}

func appendUnique(list []*Expr, e *Expr) []*Expr {
	key := exprKey(e)
	for _, x := range list {
		if exprKey(x) == key {
			return list
		}
	}
	return append(list, e)
}

func dedupExprs(exprs []*Expr) []*Expr {
	var ret []*Expr
	for _, e := range exprs {
		ret = appendUnique(ret, e)
	}
	return ret
}
