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

	"github.com/daviszhen/cbo/pkg/util"
)

type GroupID uint32

// InvalidGroup is never assigned; slot 0 of the arena stays empty.
const InvalidGroup GroupID = 0

// MemoExpr is one logical expression: an operator payload with its
// inputs given as groups. It is immutable once inserted.
type MemoExpr struct {
	Op       *LogicalOperator
	Children []GroupID
	key      string
	hash     uint64
}

func NewMemoExpr(op *LogicalOperator, children ...GroupID) *MemoExpr {
	shell := op.shell()
	sb := strings.Builder{}
	sb.WriteString(opKey(shell))
	sb.WriteString("{")
	for i, child := range children {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "#%d", child)
	}
	sb.WriteString("}")
	key := sb.String()
	return &MemoExpr{
		Op:       shell,
		Children: children,
		key:      key,
		hash:     xxhash.Sum64String(key),
	}
}

func (e *MemoExpr) Key() string {
	return e.key
}

func (e *MemoExpr) Hash() uint64 {
	return e.hash
}

func (e *MemoExpr) String() string {
	return e.key
}

// PlanAlternative is a costed way to produce a group.
type PlanAlternative struct {
	Group      GroupID
	Expr       *MemoExpr
	Rows       float64
	RawRows    float64
	Cost       float64
	Correction float64
	Degraded   bool
	Fallback   bool
	Method     JoinMethod
	Signature  string
	leftRows   float64
}

func (alt *PlanAlternative) String() string {
	return fmt.Sprintf("#%d rows=%.0f cost=%.2f corr=%.3f %s", alt.Group, alt.Rows, alt.Cost, alt.Correction, alt.Expr)
}

// betterAlternative orders alternatives: lower cost, then smaller left
// input, then the smaller expression key.
func betterAlternative(a, b *PlanAlternative) bool {
	if b == nil {
		return true
	}
	if !util.AlmostEqual(a.Cost, b.Cost) {
		return a.Cost < b.Cost
	}
	if !util.AlmostEqual(a.leftRows, b.leftRows) {
		return a.leftRows < b.leftRows
	}
	return a.Expr.key < b.Expr.key
}

type Group struct {
	ID     GroupID
	Exprs  []*MemoExpr
	tables map[string]bool
	best   *PlanAlternative
	costed bool
}

func (g *Group) Tables() map[string]bool {
	return g.tables
}

// Memo is the table of groups of one optimization call.
type Memo struct {
	groups  []*Group
	index   map[uint64][]*MemoExpr
	owner   map[*MemoExpr]GroupID
	logical map[string]GroupID
	dedup   bool
}

func NewMemo(dedup bool) *Memo {
	return &Memo{
		groups:  []*Group{nil},
		index:   make(map[uint64][]*MemoExpr),
		owner:   make(map[*MemoExpr]GroupID),
		logical: make(map[string]GroupID),
		dedup:   dedup,
	}
}

func (m *Memo) valid(id GroupID) bool {
	return id != InvalidGroup && int(id) < len(m.groups)
}

func (m *Memo) lookup(expr *MemoExpr) (GroupID, bool) {
	for _, cand := range m.index[expr.hash] {
		if cand.key == expr.key {
			return m.owner[cand], true
		}
	}
	return InvalidGroup, false
}

// Insert returns the group holding expr, creating one when the memo has
// no structurally identical expression. Dangling inputs give InvalidGroup.
func (m *Memo) Insert(expr *MemoExpr) GroupID {
	for _, child := range expr.Children {
		if !m.valid(child) {
			return InvalidGroup
		}
	}
	if m.dedup {
		if id, ok := m.lookup(expr); ok {
			return id
		}
	}
	g := &Group{
		ID:     GroupID(len(m.groups)),
		tables: m.exprTables(expr),
	}
	m.groups = append(m.groups, g)
	m.add(g, expr)
	return g.ID
}

// InsertInto adds an equivalent expression to an existing group. When the
// expression is already known the owning group is returned unchanged.
func (m *Memo) InsertInto(expr *MemoExpr, id GroupID) (GroupID, bool) {
	if !m.valid(id) {
		return InvalidGroup, false
	}
	for _, child := range expr.Children {
		if !m.valid(child) {
			return InvalidGroup, false
		}
	}
	if owner, ok := m.lookup(expr); ok {
		return owner, false
	}
	m.add(m.groups[id], expr)
	return id, true
}

func (m *Memo) add(g *Group, expr *MemoExpr) {
	g.Exprs = append(g.Exprs, expr)
	m.index[expr.hash] = append(m.index[expr.hash], expr)
	m.owner[expr] = g.ID
}

func (m *Memo) Group(id GroupID) *Group {
	if !m.valid(id) {
		return nil
	}
	return m.groups[id]
}

func (m *Memo) Groups() []*Group {
	return m.groups[1:]
}

func (m *Memo) Len() int {
	return len(m.groups) - 1
}

func (m *Memo) GetBest(id GroupID) (*PlanAlternative, bool) {
	g := m.Group(id)
	if g == nil || g.best == nil {
		return nil, false
	}
	return g.best, true
}

// UpdateBest keeps cand only when it beats the stored best.
func (m *Memo) UpdateBest(id GroupID, cand *PlanAlternative) bool {
	g := m.Group(id)
	if g == nil || cand == nil {
		return false
	}
	cand.Group = id
	if !betterAlternative(cand, g.best) {
		return false
	}
	g.best = cand
	return true
}

func (m *Memo) logicalGroup(key string) (GroupID, bool) {
	id, ok := m.logical[key]
	return id, ok
}

func (m *Memo) setLogical(key string, id GroupID) {
	if _, ok := m.logical[key]; !ok {
		m.logical[key] = id
	}
}

// DuplicateGroups returns pairs of distinct groups holding structurally
// identical expressions.
func (m *Memo) DuplicateGroups() [][2]GroupID {
	var ret [][2]GroupID
	seen := make(map[string]GroupID)
	for _, g := range m.Groups() {
		for _, e := range g.Exprs {
			if other, ok := seen[e.key]; ok && other != g.ID {
				ret = append(ret, [2]GroupID{other, g.ID})
				continue
			}
			seen[e.key] = g.ID
		}
	}
	return ret
}

// exprTables is the set of relation names the group output exposes.
func (m *Memo) exprTables(expr *MemoExpr) map[string]bool {
	ret := make(map[string]bool)
	childTables := func(i int) {
		if i < len(expr.Children) {
			for table := range m.groups[expr.Children[i]].tables {
				ret[table] = true
			}
		}
	}
	op := expr.Op
	switch op.Typ {
	case LOT_Scan, LOT_Union, LOT_View:
		ret[op.Alias] = true
	case LOT_Filter, LOT_Order, LOT_Limit:
		childTables(0)
	case LOT_JOIN:
		childTables(0)
		if op.JoinTyp != LOT_JoinTypeSEMI && op.JoinTyp != LOT_JoinTypeANTI {
			childTables(1)
		}
	case LOT_AggGroup:
		for _, g := range op.GroupBys {
			for table := range exprTables(g) {
				ret[table] = true
			}
		}
		if op.Alias != "" {
			ret[op.Alias] = true
		}
	case LOT_Project:
		if op.Alias != "" {
			ret[op.Alias] = true
		}
		for _, p := range op.Projects {
			if p.Alias == "" && p.isColumn() {
				ret[p.Table] = true
			}
		}
	case LOT_ViewScan:
		if op.Alias != "" {
			ret[op.Alias] = true
		}
		for _, out := range op.Outputs {
			ret[out.Table] = true
		}
	}
	return ret
}

func (m *Memo) Print(tree treeprint.Tree) {
	for _, g := range m.Groups() {
		node := tree.AddBranch(fmt.Sprintf("Group #%d", g.ID))
		if g.best != nil {
			node.AddMetaNode("best", fmt.Sprintf("rows=%.0f cost=%.2f", g.best.Rows, g.best.Cost))
		}
		for _, e := range g.Exprs {
			mark := ""
			if g.best != nil && g.best.Expr == e {
				mark = "* "
			}
			node.AddNode(mark + e.key)
		}
	}
}

func (m *Memo) String() string {
	tree := treeprint.NewWithRoot("Memo:")
	m.Print(tree)
	return tree.String()
}
