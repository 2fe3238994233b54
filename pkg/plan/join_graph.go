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
	"math/bits"
	"slices"
	"sort"
	"strings"
)

// maxJoinRelations is the widest region the bitset can describe.
const maxJoinRelations = 64

// relationSet is a set of relation indexes of one join graph.
type relationSet uint64

func singleRelation(i int) relationSet {
	return relationSet(1) << uint(i)
}

func (s relationSet) has(i int) bool {
	return s&singleRelation(i) != 0
}

func (s relationSet) count() int {
	return bits.OnesCount64(uint64(s))
}

func (s relationSet) lowest() int {
	return bits.TrailingZeros64(uint64(s))
}

func (s relationSet) subsetOf(o relationSet) bool {
	return s&o == s
}

func (s relationSet) overlaps(o relationSet) bool {
	return s&o != 0
}

func (s relationSet) forEach(fn func(i int)) {
	for rest := s; rest != 0; rest &= rest - 1 {
		fn(rest.lowest())
	}
}

func (s relationSet) String() string {
	items := make([]string, 0, s.count())
	s.forEach(func(i int) {
		items = append(items, fmt.Sprint(i))
	})
	return "{" + strings.Join(items, ",") + "}"
}

type joinEdge struct {
	pred     *Expr
	key      string
	mask     relationSet
	sel      float64
	degraded bool
	//equivalence class of column equalities, -1 otherwise
	class int
	cols  [2]string
}

// joinGraph is the request scoped graph of one inner join region: base
// relations are memo groups, edges are the region's predicates.
type joinGraph struct {
	root      GroupID
	rels      []GroupID
	relTables []map[string]bool
	rows      []float64
	edges     []*joinEdge
	adj       []relationSet
	crossAdj  []relationSet
	all       relationSet
	classes   int
	est       *Estimator
	cards     map[relationSet]graphCard
}

type graphCard struct {
	raw        float64
	rows       float64
	correction float64
	degraded   bool
	signature  string
}

func (g *joinGraph) String() string {
	sb := strings.Builder{}
	for i, id := range g.rels {
		fmt.Fprintf(&sb, "rel %d: #%d rows=%.0f\n", i, id, g.rows[i])
	}
	for _, e := range g.edges {
		fmt.Fprintf(&sb, "edge %v: %s sel=%.6f class=%d\n", e.mask, e.key, e.sel, e.class)
	}
	return sb.String()
}

type regionJoin struct {
	id    GroupID
	set   relationSet
	preds []*Expr
}

// extractRegion collects base relations and predicates below an inner
// join group. Relations are numbered left to right. Groups reached twice
// make dup true.
func extractRegion(m *Memo, root GroupID) (rels []GroupID, preds []*Expr, joins []regionJoin, dup bool) {
	seen := make(map[GroupID]bool)
	var walk func(id GroupID) (relationSet, []*Expr)
	walk = func(id GroupID) (relationSet, []*Expr) {
		if seen[id] {
			dup = true
		}
		seen[id] = true
		first := m.Group(id).Exprs[0]
		if !isInnerJoin(first.Op) {
			rels = append(rels, id)
			if len(rels) > maxJoinRelations {
				return 0, nil
			}
			return singleRelation(len(rels) - 1), nil
		}
		own := splitExprsByAnd(first.Op.OnConds)
		preds = append(preds, own...)
		ls, lp := walk(first.Children[0])
		rs, rp := walk(first.Children[1])
		sub := slices.Concat(own, lp, rp)
		joins = append(joins, regionJoin{id: id, set: ls | rs, preds: sub})
		return ls | rs, sub
	}
	walk(root)
	return
}

func newJoinGraph(m *Memo, est *Estimator, root GroupID, rels []GroupID, preds []*Expr) *joinGraph {
	g := &joinGraph{
		root:      root,
		rels:      rels,
		relTables: make([]map[string]bool, len(rels)),
		rows:      make([]float64, len(rels)),
		adj:       make([]relationSet, len(rels)),
		crossAdj:  make([]relationSet, len(rels)),
		est:       est,
		cards:     make(map[relationSet]graphCard),
	}
	for i, id := range rels {
		grp := m.Group(id)
		g.relTables[i] = grp.tables
		if best, ok := m.GetBest(id); ok {
			g.rows[i] = best.Rows
		}
		g.all |= singleRelation(i)
	}

	uf := newUnionFind()
	seen := make(map[string]bool)
	for _, p := range preds {
		key := exprKey(p)
		if seen[key] {
			continue
		}
		seen[key] = true
		e := &joinEdge{pred: p, key: key, class: -1}
		for table := range exprTables(p) {
			found := false
			for i, tables := range g.relTables {
				if tables[table] {
					e.mask |= singleRelation(i)
					found = true
				}
			}
			if !found {
				//outer reference, evaluate once everything is joined
				e.mask = g.all
			}
		}
		if e.mask == 0 {
			e.mask = g.all
		}
		es := est.EstimateSelectivity(p)
		e.sel, e.degraded = es.Selectivity, es.Degraded
		np := normalize(p)
		if e.mask.count() == 2 && np.Typ == ET_Func && np.SubTyp == ET_Equal &&
			np.Children[0].isColumn() && np.Children[1].isColumn() {
			e.cols = [2]string{np.Children[0].colKey(), np.Children[1].colKey()}
			uf.union(e.cols[0], e.cols[1])
		}
		g.edges = append(g.edges, e)
	}
	sort.SliceStable(g.edges, func(i, j int) bool {
		return g.edges[i].key < g.edges[j].key
	})

	classIDs := make(map[string]int)
	for _, e := range g.edges {
		if e.cols[0] == "" {
			continue
		}
		root := uf.find(e.cols[0])
		id, ok := classIDs[root]
		if !ok {
			id = len(classIDs)
			classIDs[root] = id
		}
		e.class = id
	}
	g.classes = len(classIDs)

	for _, e := range g.edges {
		if e.mask.count() < 2 {
			continue
		}
		e.mask.forEach(func(i int) {
			g.adj[i] |= e.mask &^ singleRelation(i)
		})
	}
	return g
}

// connected reports whether s is connected through predicate edges.
func (g *joinGraph) connected(s relationSet) bool {
	if s == 0 {
		return false
	}
	start := singleRelation(s.lowest())
	reached := start
	frontier := start
	for frontier != 0 {
		var next relationSet
		frontier.forEach(func(i int) {
			next |= (g.adj[i] | g.crossAdj[i]) & s
		})
		frontier = next &^ reached
		reached |= next
	}
	return reached == s
}

// components lists connected components ordered by their lowest relation.
func (g *joinGraph) components() []relationSet {
	var ret []relationSet
	rest := g.all
	for rest != 0 {
		start := singleRelation(rest.lowest())
		comp := start
		frontier := start
		for frontier != 0 {
			var next relationSet
			frontier.forEach(func(i int) {
				next |= g.adj[i] & rest
			})
			frontier = next &^ comp
			comp |= next
		}
		ret = append(ret, comp)
		rest &^= comp
	}
	return ret
}

// addCrossEdges links relations of different components so enumeration
// can finish with cartesian products. It reports whether any were needed.
func (g *joinGraph) addCrossEdges() bool {
	comps := g.components()
	if len(comps) <= 1 {
		return false
	}
	for i, ci := range comps {
		for j, cj := range comps {
			if i == j {
				continue
			}
			ci.forEach(func(r int) {
				g.crossAdj[r] |= cj
			})
		}
	}
	return true
}

// joinable reports an edge, or a cartesian link, between two sets.
func (g *joinGraph) joinable(l, r relationSet) bool {
	s := l | r
	for _, e := range g.edges {
		if e.mask.count() >= 2 && e.mask.subsetOf(s) && e.mask.overlaps(l) && e.mask.overlaps(r) {
			return true
		}
	}
	linked := false
	l.forEach(func(i int) {
		linked = linked || g.crossAdj[i].overlaps(r)
	})
	return linked
}

// predsBetween returns the predicates that become evaluable when l and r
// are joined.
func (g *joinGraph) predsBetween(l, r relationSet) []*Expr {
	s := l | r
	var ret []*Expr
	for _, e := range g.edges {
		if e.mask.subsetOf(s) && !e.mask.subsetOf(l) && !e.mask.subsetOf(r) {
			ret = append(ret, e.pred)
		}
	}
	return ret
}

// predsWithin returns the predicates evaluable inside s.
func (g *joinGraph) predsWithin(s relationSet) []*Expr {
	var ret []*Expr
	for _, e := range g.edges {
		if e.mask.subsetOf(s) && e.mask.count() >= 2 {
			ret = append(ret, e.pred)
		}
		if e.mask.count() < 2 && e.mask.subsetOf(s) && s.count() >= 2 {
			ret = append(ret, e.pred)
		}
	}
	return ret
}

func (g *joinGraph) tablesOf(s relationSet) map[string]bool {
	ret := make(map[string]bool)
	s.forEach(func(i int) {
		for table := range g.relTables[i] {
			ret[table] = true
		}
	})
	return ret
}

// cardinality of the join of s. Equalities of one equivalence class are
// applied along a spanning forest so implied predicates are not counted
// twice; the least selective edges are taken first.
func (g *joinGraph) cardinality(s relationSet) graphCard {
	if card, ok := g.cards[s]; ok {
		return card
	}
	raw := 1.0
	s.forEach(func(i int) {
		raw *= g.rows[i]
	})
	var card graphCard
	if s.count() == 1 {
		card = graphCard{raw: raw, rows: raw, correction: 1}
		g.cards[s] = card
		return card
	}
	byClass := make([][]*joinEdge, g.classes)
	for _, e := range g.edges {
		if !e.mask.subsetOf(s) {
			continue
		}
		if e.mask.count() < 2 && s.count() < 2 {
			continue
		}
		card.degraded = card.degraded || e.degraded
		if e.class >= 0 {
			byClass[e.class] = append(byClass[e.class], e)
			continue
		}
		raw *= e.sel
	}
	for _, edges := range byClass {
		if len(edges) == 0 {
			continue
		}
		sort.SliceStable(edges, func(i, j int) bool {
			if edges[i].sel != edges[j].sel {
				return edges[i].sel > edges[j].sel
			}
			return edges[i].key < edges[j].key
		})
		uf := newUnionFind()
		for _, e := range edges {
			if uf.find(e.cols[0]) == uf.find(e.cols[1]) {
				continue
			}
			uf.union(e.cols[0], e.cols[1])
			raw *= e.sel
		}
	}
	card.raw = raw
	card.signature = g.est.joinSignature(LOT_JoinTypeInner, g.tablesOf(s), g.predsWithin(s))
	card.correction = g.est.tracker.GetCorrection(card.signature)
	anyRows := true
	s.forEach(func(i int) {
		anyRows = anyRows && g.rows[i] > 0
	})
	card.rows = float64(roundRows(raw*card.correction, anyRows))
	g.cards[s] = card
	return card
}

// logicalKey identifies the result of joining s: its base groups and the
// predicates applied inside it.
func (g *joinGraph) logicalKey(s relationSet) string {
	ids := make([]string, 0, s.count())
	s.forEach(func(i int) {
		ids = append(ids, fmt.Sprintf("#%d", g.rels[i]))
	})
	slices.Sort(ids)
	keys := exprKeys(g.predsWithin(s))
	return "join[" + strings.Join(ids, ",") + "|" + strings.Join(keys, " AND ") + "]"
}
