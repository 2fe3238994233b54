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

	"github.com/cespare/xxhash/v2"
	"github.com/xlab/treeprint"
)

type POT int

const (
	POT_Project POT = iota
	POT_Filter
	POT_Agg
	POT_HashJoin
	POT_NestedLoopJoin
	POT_CrossProduct
	POT_Order
	POT_Limit
	POT_Scan
	POT_Union
	POT_ViewScan
)

var potToStr = map[POT]string{
	POT_Project:        "project",
	POT_Filter:         "filter",
	POT_Agg:            "agg",
	POT_HashJoin:       "hash join",
	POT_NestedLoopJoin: "nested loop join",
	POT_CrossProduct:   "cross product",
	POT_Order:          "order",
	POT_Limit:          "limit",
	POT_Scan:           "scan",
	POT_Union:          "union",
	POT_ViewScan:       "view scan",
}

func (t POT) String() string {
	if s, has := potToStr[t]; has {
		return s
	}
	panic(fmt.Sprintf("usp %d", t))
}

func (t POT) isJoin() bool {
	return t == POT_HashJoin || t == POT_NestedLoopJoin || t == POT_CrossProduct
}

// PhysicalOperator is the plan handed to the execution engine.
type PhysicalOperator struct {
	Typ     POT
	Id      int
	Table   string // table
	Alias   string // alias
	JoinTyp LOT_JoinType
	//hash join builds on the right child
	Outputs       []*Expr
	Projects      []*Expr
	Filters       []*Expr
	Aggs          []*Expr
	GroupBys      []*Expr
	OnConds       []*Expr
	OrderBys      []*Expr
	Limit         uint64
	UnionAll      bool
	ViewName      string
	ViewID        uint64
	EstimatedRows float64
	EstimatedCost float64
	Correction    float64
	Degraded      bool
	Fallback      bool
	//feedback key of the operator
	Signature    string
	Group        GroupID
	Alternatives int
	Children     []*PhysicalOperator
}

func (po *PhysicalOperator) String() string {
	tree := treeprint.NewWithRoot("PhysicalPlan:")
	po.Print(tree)
	return tree.String()
}

func printPhyOutputs(tree treeprint.Tree, root *PhysicalOperator) {
	tree.AddMetaNode("Id", fmt.Sprintf("%d", root.Id))
	if len(root.Outputs) != 0 {
		node := tree.AddMetaBranch("outputs", "")
		listExprsToTree(node, root.Outputs)
	}
	tree.AddMetaNode("estCard", fmt.Sprintf("%.0f", root.EstimatedRows))
}

func (po *PhysicalOperator) Print(tree treeprint.Tree) {
	if po == nil {
		return
	}
	switch po.Typ {
	case POT_Project:
		tree = tree.AddBranch(fmt.Sprintf("Project %s:", po.Alias))
		printPhyOutputs(tree, po)
		node := tree.AddMetaBranch("exprs", "")
		listExprsToTree(node, po.Projects)
	case POT_Filter:
		tree = tree.AddBranch("Filter:")
		printPhyOutputs(tree, po)
		node := tree.AddMetaBranch("exprs", "")
		listExprsToTree(node, po.Filters)
	case POT_Scan:
		tree = tree.AddBranch("Scan:")
		printPhyOutputs(tree, po)
		if len(po.Alias) != 0 && po.Alias != po.Table {
			tree.AddMetaNode("table", fmt.Sprintf("%v %v", po.Table, po.Alias))
		} else {
			tree.AddMetaNode("table", po.Table)
		}
		if len(po.Filters) > 0 {
			node := tree.AddBranch("filters")
			listExprsToTree(node, po.Filters)
		}
	case POT_ViewScan:
		tree = tree.AddBranch(fmt.Sprintf("ViewScan: %v", po.ViewName))
		printPhyOutputs(tree, po)
	case POT_HashJoin, POT_NestedLoopJoin, POT_CrossProduct:
		tree = tree.AddBranch(fmt.Sprintf("%v (%v):", po.Typ, po.JoinTyp))
		printPhyOutputs(tree, po)
		if len(po.OnConds) > 0 {
			node := tree.AddMetaBranch("On", "")
			listExprsToTree(node, po.OnConds)
		}
	case POT_Agg:
		tree = tree.AddBranch(fmt.Sprintf("Aggregate %s:", po.Alias))
		printPhyOutputs(tree, po)
		if len(po.GroupBys) > 0 {
			node := tree.AddBranch("groupExprs")
			listExprsToTree(node, po.GroupBys)
		}
		if len(po.Aggs) > 0 {
			node := tree.AddBranch("aggExprs")
			listExprsToTree(node, po.Aggs)
		}
	case POT_Order:
		tree = tree.AddBranch("Order:")
		printPhyOutputs(tree, po)
		node := tree.AddMetaBranch("exprs", "")
		listExprsToTree(node, po.OrderBys)
	case POT_Limit:
		tree = tree.AddBranch(fmt.Sprintf("Limit: %d", po.Limit))
		printPhyOutputs(tree, po)
	case POT_Union:
		tree = tree.AddBranch(fmt.Sprintf("Union %s (all=%v):", po.Alias, po.UnionAll))
		printPhyOutputs(tree, po)
	default:
		panic(fmt.Sprintf("usp %v", po.Typ))
	}

	for _, child := range po.Children {
		child.Print(tree)
	}
}

// shape is the operator tree without estimates. Equal plans have equal
// shapes.
func (po *PhysicalOperator) shape(sb *strings.Builder) {
	sb.WriteString(po.Typ.String())
	switch po.Typ {
	case POT_Scan:
		fmt.Fprintf(sb, "(%s %s|%s)", po.Table, po.Alias, joinExprs(po.Filters))
	case POT_ViewScan:
		fmt.Fprintf(sb, "(%s|%s)", po.ViewName, joinExprs(po.Outputs))
	case POT_Filter:
		fmt.Fprintf(sb, "(%s)", joinExprs(po.Filters))
	case POT_HashJoin, POT_NestedLoopJoin, POT_CrossProduct:
		fmt.Fprintf(sb, "(%v|%s)", po.JoinTyp, joinExprs(po.OnConds))
	case POT_Agg:
		fmt.Fprintf(sb, "(%s|%s|%s)", po.Alias, joinExprs(po.GroupBys), joinExprs(po.Aggs))
	case POT_Project:
		fmt.Fprintf(sb, "(%s|%s)", po.Alias, joinExprs(po.Projects))
	case POT_Order:
		fmt.Fprintf(sb, "(%s)", joinExprs(po.OrderBys))
	case POT_Limit:
		fmt.Fprintf(sb, "(%d)", po.Limit)
	case POT_Union:
		fmt.Fprintf(sb, "(%s|%v)", po.Alias, po.UnionAll)
	}
	if len(po.Children) > 0 {
		sb.WriteString("[")
		for i, child := range po.Children {
			if i > 0 {
				sb.WriteString(",")
			}
			child.shape(sb)
		}
		sb.WriteString("]")
	}
}

func (po *PhysicalOperator) Shape() string {
	sb := strings.Builder{}
	po.shape(&sb)
	return sb.String()
}

// planSignature identifies a physical plan for feedback reporting.
func planSignature(po *PhysicalOperator) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(po.Shape()))
}

// Walk visits operators in preorder.
func (po *PhysicalOperator) Walk(fn func(*PhysicalOperator)) {
	if po == nil {
		return
	}
	fn(po)
	for _, child := range po.Children {
		child.Walk(fn)
	}
}

func (po *PhysicalOperator) Count(typ POT) int {
	cnt := 0
	po.Walk(func(op *PhysicalOperator) {
		if op.Typ == typ {
			cnt++
		}
	})
	return cnt
}

func collectFilterExprs(root *PhysicalOperator) []*Expr {
	if root == nil {
		return nil
	}
	ret := make([]*Expr, 0)
	ret = append(ret, root.Filters...)
	ret = append(ret, root.OnConds...)
	for _, child := range root.Children {
		ret = append(ret, collectFilterExprs(child)...)
	}
	return ret
}

// Joins counts the join operators of the tree.
func (po *PhysicalOperator) Joins() int {
	cnt := 0
	po.Walk(func(op *PhysicalOperator) {
		if op.Typ.isJoin() {
			cnt++
		}
	})
	return cnt
}

// Predicates lists filters and join conditions of the tree, preorder.
func (po *PhysicalOperator) Predicates() []*Expr {
	return collectFilterExprs(po)
}

// extractPhysical walks the best alternatives from id down.
func extractPhysical(m *Memo, id GroupID) (*PhysicalOperator, error) {
	best, ok := m.GetBest(id)
	if !ok {
		return nil, invalidShape("group #%d has no costed alternative", id)
	}
	op := best.Expr.Op
	po := &PhysicalOperator{
		Table:         op.Table,
		Alias:         op.Alias,
		JoinTyp:       op.JoinTyp,
		Outputs:       copyExprs(op.Outputs...),
		Projects:      copyExprs(op.Projects...),
		Filters:       copyExprs(op.Filters...),
		Aggs:          copyExprs(op.Aggs...),
		GroupBys:      copyExprs(op.GroupBys...),
		OnConds:       copyExprs(op.OnConds...),
		OrderBys:      copyExprs(op.OrderBys...),
		Limit:         op.Limit,
		UnionAll:      op.UnionAll,
		ViewName:      op.ViewName,
		ViewID:        op.ViewID,
		EstimatedRows: best.Rows,
		EstimatedCost: best.Cost,
		Correction:    best.Correction,
		Degraded:      best.Degraded,
		Fallback:      best.Fallback,
		Signature:     best.Signature,
		Group:         id,
		Alternatives:  len(m.Group(id).Exprs),
	}
	switch op.Typ {
	case LOT_Scan:
		po.Typ = POT_Scan
	case LOT_ViewScan:
		po.Typ = POT_ViewScan
	case LOT_Filter:
		po.Typ = POT_Filter
	case LOT_JOIN:
		switch best.Method {
		case JM_Hash:
			po.Typ = POT_HashJoin
		case JM_NestedLoop:
			po.Typ = POT_NestedLoopJoin
		default:
			po.Typ = POT_CrossProduct
		}
	case LOT_AggGroup:
		po.Typ = POT_Agg
	case LOT_Project:
		po.Typ = POT_Project
	case LOT_Order:
		po.Typ = POT_Order
	case LOT_Limit:
		po.Typ = POT_Limit
	case LOT_Union:
		po.Typ = POT_Union
	default:
		return nil, invalidShape("%v has no physical operator", op.Typ)
	}
	for _, child := range best.Expr.Children {
		cpo, err := extractPhysical(m, child)
		if err != nil {
			return nil, err
		}
		po.Children = append(po.Children, cpo)
	}
	return po, nil
}
