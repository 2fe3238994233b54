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

	"github.com/xlab/treeprint"
)

// ExplainNode is one operator line of the EXPLAIN output.
type ExplainNode struct {
	Id           int
	Depth        int
	Operator     string
	Rows         float64
	Cost         float64
	Correction   float64
	Group        GroupID
	Alternatives int
	Degraded     bool
	Fallback     bool
}

// Explain is the human readable trace of a plan.
type Explain struct {
	Signature string
	Nodes     []ExplainNode
	Warnings  []Warning
	Degraded  bool
	Fallback  bool
	Rules     RuleStats
	Views     int
	CSEHits   int
	Joins     int
	Preds     int
	root      *PhysicalOperator
}

func newExplain(p *Plan) *Explain {
	ex := &Explain{
		Signature: p.Signature,
		Warnings:  p.Warnings,
		Rules:     p.Rules,
		Views:     p.ViewRewrites,
		CSEHits:   p.CSEHits,
		Joins:     p.Root.Joins(),
		Preds:     len(p.Root.Predicates()),
		root:      p.Root,
	}
	var walk func(po *PhysicalOperator, depth int)
	walk = func(po *PhysicalOperator, depth int) {
		ex.Nodes = append(ex.Nodes, ExplainNode{
			Id:           po.Id,
			Depth:        depth,
			Operator:     explainLabel(po),
			Rows:         po.EstimatedRows,
			Cost:         po.EstimatedCost,
			Correction:   po.Correction,
			Group:        po.Group,
			Alternatives: po.Alternatives,
			Degraded:     po.Degraded,
			Fallback:     po.Fallback,
		})
		ex.Degraded = ex.Degraded || po.Degraded
		ex.Fallback = ex.Fallback || po.Fallback
		for _, child := range po.Children {
			walk(child, depth+1)
		}
	}
	walk(p.Root, 0)
	for _, w := range p.Warnings {
		switch w.Kind {
		case WarnDegradedEstimate:
			ex.Degraded = true
		case WarnEnumerationFallback:
			ex.Fallback = true
		}
	}
	return ex
}

func explainLabel(po *PhysicalOperator) string {
	switch po.Typ {
	case POT_Scan:
		if po.Alias != po.Table {
			return fmt.Sprintf("Scan %s %s", po.Table, po.Alias)
		}
		return "Scan " + po.Table
	case POT_ViewScan:
		return "ViewScan " + po.ViewName
	case POT_HashJoin, POT_NestedLoopJoin, POT_CrossProduct:
		name := strings.ReplaceAll(po.Typ.String(), " ", "_")
		if len(po.OnConds) > 0 {
			return fmt.Sprintf("%s(%v) on %s", name, po.JoinTyp, joinExprs(po.OnConds))
		}
		return fmt.Sprintf("%s(%v)", name, po.JoinTyp)
	case POT_Filter:
		return "Filter " + joinExprs(po.Filters)
	case POT_Agg:
		return "Aggregate " + joinExprs(po.GroupBys)
	case POT_Project:
		return "Project " + po.Alias
	case POT_Order:
		return "Order " + joinExprs(po.OrderBys)
	case POT_Limit:
		return fmt.Sprintf("Limit %d", po.Limit)
	case POT_Union:
		return "Union " + po.Alias
	default:
		panic(fmt.Sprintf("usp %v", po.Typ))
	}
}

func (ex *Explain) Print(tree treeprint.Tree) {
	var add func(tree treeprint.Tree, po *PhysicalOperator)
	add = func(tree treeprint.Tree, po *PhysicalOperator) {
		flags := ""
		if po.Degraded {
			flags += " [degraded]"
		}
		if po.Fallback {
			flags += " [greedy]"
		}
		node := tree.AddMetaBranch(
			fmt.Sprintf("#%d rows=%.0f cost=%.2f group=%d alts=%d", po.Id, po.EstimatedRows, po.EstimatedCost, po.Group, po.Alternatives),
			explainLabel(po)+flags)
		for _, child := range po.Children {
			add(node, child)
		}
	}
	add(tree, ex.root)
	if len(ex.Warnings) > 0 {
		node := tree.AddBranch("warnings")
		for _, w := range ex.Warnings {
			node.AddNode(w.String())
		}
	}
}

func (ex *Explain) String() string {
	tree := treeprint.NewWithRoot(fmt.Sprintf("Explain %s (degraded=%v fallback=%v rules=%d views=%d cse=%d joins=%d preds=%d):",
		ex.Signature, ex.Degraded, ex.Fallback, ex.Rules.Total(), ex.Views, ex.CSEHits, ex.Joins, ex.Preds))
	ex.Print(tree)
	return tree.String()
}
