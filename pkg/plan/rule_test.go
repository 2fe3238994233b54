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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findScan(lo *LogicalOperator, alias string) *LogicalOperator {
	if lo == nil {
		return nil
	}
	if lo.Typ == LOT_Scan && lo.Alias == alias {
		return lo
	}
	for _, child := range lo.Children {
		if ret := findScan(child, alias); ret != nil {
			return ret
		}
	}
	return nil
}

func filterColumns(lo *LogicalOperator) []string {
	var ret []string
	for _, f := range lo.Filters {
		for _, col := range collectColumns(f) {
			ret = append(ret, col.colKey())
		}
	}
	return ret
}

func TestRulesTransitivePredicates(t *testing.T) {
	root := NewFilter(
		NewJoin(LOT_JoinTypeInner, NewScan("A", ""), NewScan("B", ""), Eq(Col("A", "id"), Col("B", "a_id"))),
		Eq(Col("A", "id"), Int(5)))
	rewritten, rs := ApplyRules(root)
	fmt.Println(rewritten)

	assert.Equal(t, 1, rs.Transitive)
	require.Equal(t, LOT_JOIN, rewritten.Typ)
	assert.Equal(t, []string{"A.id"}, filterColumns(findScan(rewritten, "A")))
	assert.Equal(t, []string{"B.a_id"}, filterColumns(findScan(rewritten, "B")))
	assert.Len(t, rewritten.OnConds, 1)

	//the input is left alone
	assert.Equal(t, LOT_Filter, root.Typ)
	assert.Empty(t, findScan(root, "B").Filters)
}

func TestRulesTransitiveJoinEdges(t *testing.T) {
	//A.id = B.a_id and B.a_id = C.b_id imply A.id = C.b_id
	root := NewJoin(LOT_JoinTypeInner,
		NewJoin(LOT_JoinTypeInner, NewScan("A", ""), NewScan("B", ""), Eq(Col("A", "id"), Col("B", "a_id"))),
		NewScan("C", ""),
		Eq(Col("B", "a_id"), Col("C", "b_id")))
	rewritten, rs := ApplyRules(root)
	assert.Equal(t, 1, rs.Transitive)
	assert.Len(t, rewritten.OnConds, 2)

	//conflicting constants generate nothing for the class
	root = NewFilter(
		NewJoin(LOT_JoinTypeInner, NewScan("A", ""), NewScan("B", ""), Eq(Col("A", "id"), Col("B", "a_id"))),
		Eq(Col("A", "id"), Int(5)), Eq(Col("B", "a_id"), Int(6)))
	_, rs = ApplyRules(root)
	assert.Equal(t, 0, rs.Transitive)
}

func TestRulesIdempotent(t *testing.T) {
	plans := []*LogicalOperator{
		chainPlan(),
		NewFilter(chainPlan(), Eq(Col("A", "id"), Int(5)), Cmp(ET_Less, Col("C", "k"), Int(10))),
		NewLimit(NewOrder(NewFilter(NewScan("A", ""), Cmp(ET_Greater, Col("A", "x"), Int(3))), Col("A", "x")), 10),
		NewFilter(NewScan("A", ""), Exists(NewFilter(NewScan("B", ""), Eq(Col("B", "a_id"), Col("A", "id"))))),
	}
	for i, root := range plans {
		once, _ := ApplyRules(root)
		twice, rs := ApplyRules(once)
		assert.Equal(t, planKey(once), planKey(twice), "plan %d", i)
		assert.Equal(t, 0, rs.Total(), "plan %d", i)
	}
}

func TestRulesPushdown(t *testing.T) {
	root := NewFilter(chainPlan(),
		Cmp(ET_Less, Col("A", "x"), Int(10)),
		Cmp(ET_Greater, Col("C", "k"), Int(40)),
		Or(Eq(Col("A", "x"), Int(1)), Eq(Col("C", "k"), Int(2))))
	rewritten, rs := ApplyRules(root)
	fmt.Println(rewritten)
	assert.Equal(t, 1, rs.Pushdown)
	require.Equal(t, LOT_JOIN, rewritten.Typ)
	assert.Equal(t, []string{"A.x"}, filterColumns(findScan(rewritten, "A")))
	assert.Equal(t, []string{"C.k"}, filterColumns(findScan(rewritten, "C")))
	//the disjunction spans both sides and stays on the top join
	assert.Len(t, rewritten.OnConds, 2)

	//limit blocks pushdown
	root = NewFilter(NewLimit(NewScan("A", ""), 5), Cmp(ET_Less, Col("A", "x"), Int(10)))
	rewritten, _ = ApplyRules(root)
	assert.Equal(t, LOT_Filter, rewritten.Typ)
	assert.Empty(t, findScan(rewritten, "A").Filters)
}

func TestRulesDecorrelate(t *testing.T) {
	root := NewFilter(NewScan("A", ""),
		Exists(NewFilter(NewScan("B", ""), Eq(Col("B", "a_id"), Col("A", "id")), Cmp(ET_Less, Col("B", "id"), Int(10)))))
	rewritten, rs := ApplyRules(root)
	fmt.Println(rewritten)
	assert.Equal(t, 1, rs.Decorrelate)
	assert.Equal(t, 2, rs.Passes)
	require.Equal(t, LOT_JOIN, rewritten.Typ)
	assert.Equal(t, LOT_JoinTypeSEMI, rewritten.JoinTyp)
	assert.Len(t, rewritten.OnConds, 1)
	assert.Equal(t, LOT_Scan, rewritten.Children[1].Typ)
	assert.Equal(t, []string{"B.id"}, filterColumns(rewritten.Children[1]))

	root = NewFilter(NewScan("A", ""),
		NotExists(NewFilter(NewScan("B", ""), Eq(Col("B", "a_id"), Col("A", "id")))))
	rewritten, rs = ApplyRules(root)
	assert.Equal(t, 1, rs.Decorrelate)
	assert.Equal(t, LOT_JoinTypeANTI, rewritten.JoinTyp)

	root = NewFilter(NewScan("A", ""), InSubquery(Col("A", "id"), NewScan("B", ""), Col("B", "a_id")))
	rewritten, rs = ApplyRules(root)
	assert.Equal(t, 1, rs.Decorrelate)
	assert.Equal(t, LOT_JoinTypeSEMI, rewritten.JoinTyp)
	assert.Len(t, rewritten.OnConds, 1)

	//NOT IN and non equality correlations stay subqueries
	for _, f := range []*Expr{
		NotInSubquery(Col("A", "id"), NewScan("B", ""), Col("B", "a_id")),
		Exists(NewFilter(NewScan("B", ""), Cmp(ET_Less, Col("B", "a_id"), Col("A", "id")))),
	} {
		rewritten, rs = ApplyRules(NewFilter(NewScan("A", ""), f))
		assert.Equal(t, 0, rs.Decorrelate)
		assert.Equal(t, LOT_Filter, rewritten.Typ)
		assert.Equal(t, 1, rs.Passes)
	}
}

func TestRulesMergeView(t *testing.T) {
	view := &ViewDef{
		Name:       "big_b",
		Definition: NewFilter(NewScan("B", ""), Cmp(ET_Greater, Col("B", "id"), Int(100))),
		Columns:    []*Expr{As(Col("B", "id"), "bid"), As(Col("B", "a_id"), "aid")},
	}
	root := NewJoin(LOT_JoinTypeInner, NewScan("A", ""), NewViewRef("v", view), Eq(Col("A", "id"), Col("v", "aid")))
	require.NoError(t, Validate(root))
	rewritten, rs := ApplyRules(root)
	fmt.Println(rewritten)
	assert.Equal(t, 1, rs.ViewMerge)
	assert.Equal(t, 2, rs.Passes)
	assert.Equal(t, 0, countOps(rewritten, LOT_View))
	assert.Equal(t, 1, countOps(rewritten, LOT_Project))
	inner := findScan(rewritten, "v$B")
	require.NotNil(t, inner)
	assert.Equal(t, "B", inner.Table)
	assert.Equal(t, []string{"v$B.id"}, filterColumns(inner))
	require.NoError(t, Validate(rewritten))
}
