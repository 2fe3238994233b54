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
	"math"
	"slices"
	"strings"
)

const (
	scanCostPerRow        = 1.0
	filterCostPerRow      = 0.2
	hashProbeCostPerRow   = 1.0
	hashBuildCostPerRow   = 1.5
	nestedLoopCostPerPair = 0.01
	aggCostPerRow         = 0.3
	sortCostFactor        = 0.1
)

type JoinMethod int

const (
	JM_None JoinMethod = iota
	JM_Hash
	JM_NestedLoop
	JM_Cross
)

func (jm JoinMethod) String() string {
	switch jm {
	case JM_None:
		return "none"
	case JM_Hash:
		return "hash"
	case JM_NestedLoop:
		return "nested loop"
	case JM_Cross:
		return "cross product"
	default:
		panic(fmt.Sprintf("usp %d", jm))
	}
}

// costModel turns row estimates into costs. Costs are cumulative: an
// alternative's cost includes the cost of its inputs.
type costModel struct {
	est          *Estimator
	crossPenalty float64
}

func (cm *costModel) joinLocalCost(method JoinMethod, left, right, out float64) float64 {
	switch method {
	case JM_Hash:
		return left*hashProbeCostPerRow + right*hashBuildCostPerRow + out
	case JM_NestedLoop:
		return left*right*nestedLoopCostPerPair + out
	case JM_Cross:
		return (left*right*nestedLoopCostPerPair + out) * cm.crossPenalty
	default:
		panic(fmt.Sprintf("usp %v", method))
	}
}

func sortCost(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return n * math.Log2(n) * sortCostFactor
}

// chooseJoinMethod picks hash join when some predicate equates a column
// of each side, nested loop for other predicates.
func chooseJoinMethod(preds []*Expr, leftTables, rightTables map[string]bool) JoinMethod {
	if len(preds) == 0 {
		return JM_Cross
	}
	for _, p := range preds {
		if isEquiJoinPred(p, leftTables, rightTables) {
			return JM_Hash
		}
	}
	return JM_NestedLoop
}

func isEquiJoinPred(p *Expr, leftTables, rightTables map[string]bool) bool {
	if p.Typ != ET_Func || p.SubTyp != ET_Equal {
		return false
	}
	l, r := p.Children[0], p.Children[1]
	if hasSubquery(l) || hasSubquery(r) {
		return false
	}
	ls := decideSide(l, leftTables, rightTables)
	rs := decideSide(r, leftTables, rightTables)
	return (ls == LeftSide && rs == RightSide) || (ls == RightSide && rs == LeftSide)
}

// joinRows is the output of a join given its predicate selectivity.
func joinRows(typ LOT_JoinType, l, r, sel float64) float64 {
	switch typ {
	case LOT_JoinTypeCross:
		return l * r
	case LOT_JoinTypeInner:
		return l * r * sel
	case LOT_JoinTypeLeft:
		return math.Max(l, l*r*sel)
	case LOT_JoinTypeSEMI:
		return l * math.Min(1, sel*r)
	case LOT_JoinTypeANTI:
		return math.Max(1, l-l*math.Min(1, sel*r))
	default:
		panic(fmt.Sprintf("usp %v", typ))
	}
}

func joinSignatureName(typ LOT_JoinType) string {
	switch typ {
	case LOT_JoinTypeLeft:
		return "LeftJoin"
	case LOT_JoinTypeSEMI:
		return "SemiJoin"
	case LOT_JoinTypeANTI:
		return "AntiJoin"
	default:
		return "Join"
	}
}

// joinSignature does not depend on join order: base tables and predicate
// shapes are sorted.
func (est *Estimator) joinSignature(typ LOT_JoinType, tables map[string]bool, preds []*Expr) string {
	names := make([]string, 0, len(tables))
	for alias := range tables {
		if table, ok := est.resolver.scans[alias]; ok {
			names = append(names, table)
		} else {
			names = append(names, alias)
		}
	}
	slices.Sort(names)
	shapes := make([]string, len(preds))
	for i, p := range preds {
		shapes[i] = est.shapeOf(p)
	}
	slices.Sort(shapes)
	return fmt.Sprintf("%s(%s|%s)", joinSignatureName(typ), strings.Join(names, ","), strings.Join(shapes, " AND "))
}

func (est *Estimator) aggSignature(groupBys []*Expr) string {
	shapes := make([]string, len(groupBys))
	for i, g := range groupBys {
		shapes[i] = est.shapeOf(g)
	}
	slices.Sort(shapes)
	return fmt.Sprintf("Aggregate(%s)", strings.Join(shapes, ","))
}

// costExpr costs one memo expression from the best alternatives of its
// inputs. Join regions are costed by the enumerator instead.
func (cm *costModel) costExpr(m *Memo, expr *MemoExpr) *PlanAlternative {
	est := cm.est
	op := expr.Op
	inputs := make([]*PlanAlternative, len(expr.Children))
	for i, child := range expr.Children {
		inputs[i], _ = m.GetBest(child)
	}
	alt := &PlanAlternative{Expr: expr, Correction: 1}
	switch op.Typ {
	case LOT_Scan:
		card := est.EstimateCardinality(Relation{Table: op.Table, Alias: op.Alias}, op.Filters)
		base, _ := est.relationRows(Relation{Table: op.Table})
		alt.Rows = float64(card.Rows)
		alt.RawRows = card.Raw
		alt.Correction = card.Correction
		alt.Degraded = card.Degraded
		alt.Signature = card.Signature
		alt.Cost = base * scanCostPerRow
		if len(op.Filters) > 0 {
			alt.Cost += base * filterCostPerRow
		}
	case LOT_ViewScan:
		sig := fmt.Sprintf("ViewScan(%s)", op.ViewName)
		alt.Correction = est.tracker.GetCorrection(sig)
		alt.RawRows = float64(op.ViewRows)
		alt.Rows = float64(roundRows(alt.RawRows*alt.Correction, op.ViewRows > 0))
		alt.Signature = sig
		alt.Cost = float64(op.ViewRows) * scanCostPerRow
	case LOT_Filter:
		in := inputs[0]
		card := est.EstimateCardinality(Relation{Rows: in.Rows}, op.Filters)
		alt.Rows = float64(card.Rows)
		alt.RawRows = card.Raw
		alt.Correction = card.Correction
		alt.Degraded = card.Degraded
		alt.Signature = card.Signature
		alt.Cost = in.Cost + in.Rows*filterCostPerRow
	case LOT_JOIN:
		l, r := inputs[0], inputs[1]
		leftTables := m.Group(expr.Children[0]).tables
		rightTables := m.Group(expr.Children[1]).tables
		sel, degraded := est.conjunction(op.OnConds)
		raw := joinRows(op.JoinTyp, l.Rows, r.Rows, sel)
		tables := make(map[string]bool)
		for table := range leftTables {
			tables[table] = true
		}
		for table := range rightTables {
			tables[table] = true
		}
		alt.Signature = est.joinSignature(op.JoinTyp, tables, op.OnConds)
		alt.Correction = est.tracker.GetCorrection(alt.Signature)
		alt.RawRows = raw
		nonEmpty := l.Rows > 0 && (r.Rows > 0 || op.JoinTyp == LOT_JoinTypeLeft || op.JoinTyp == LOT_JoinTypeANTI)
		alt.Rows = float64(roundRows(raw*alt.Correction, nonEmpty))
		alt.Degraded = degraded
		alt.Method = chooseJoinMethod(op.OnConds, leftTables, rightTables)
		alt.leftRows = l.Rows
		alt.Cost = l.Cost + r.Cost + cm.joinLocalCost(alt.Method, l.Rows, r.Rows, alt.Rows)
		if degraded {
			est.degraded++
		}
	case LOT_AggGroup:
		in := inputs[0]
		groups, degraded := est.groupRows(in.Rows, op.GroupBys)
		alt.Signature = est.aggSignature(op.GroupBys)
		alt.Correction = est.tracker.GetCorrection(alt.Signature)
		alt.RawRows = groups
		alt.Rows = float64(roundRows(groups*alt.Correction, true))
		if len(op.GroupBys) > 0 {
			alt.Rows = math.Min(alt.Rows, math.Max(in.Rows, 1))
		}
		alt.Degraded = degraded
		alt.Cost = in.Cost + in.Rows*aggCostPerRow
		if degraded {
			est.degraded++
		}
	//pass through operators read no correction, so they take no feedback
	case LOT_Project:
		in := inputs[0]
		alt.Rows, alt.RawRows, alt.Cost = in.Rows, in.Rows, in.Cost
	case LOT_Order:
		in := inputs[0]
		alt.Rows, alt.RawRows = in.Rows, in.Rows
		alt.Cost = in.Cost + sortCost(in.Rows)
	case LOT_Limit:
		in := inputs[0]
		alt.Rows = math.Min(in.Rows, float64(op.Limit))
		alt.RawRows = alt.Rows
		alt.Cost = in.Cost
	case LOT_Union:
		for _, in := range inputs {
			alt.Rows += in.Rows
			alt.Cost += in.Cost
			alt.Degraded = alt.Degraded || in.Degraded
		}
		alt.RawRows = alt.Rows
	case LOT_View:
		//unmerged view: nothing known about it
		alt.Rows, alt.RawRows = defaultRowCount, defaultRowCount
		alt.Cost = defaultRowCount * scanCostPerRow
		alt.Degraded = true
		est.degraded++
	default:
		panic(fmt.Sprintf("usp %v", op.Typ))
	}
	return alt
}
