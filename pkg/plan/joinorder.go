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
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/daviszhen/cbo/pkg/util"
)

// budget and cancellation are checked once per this many evaluations
const enumCheckInterval = 64

var errEnumBudget = errors.New("join enumeration budget exhausted")

// JoinNode is one entry of the DP table: the best way found to join the
// relations of set.
type JoinNode struct {
	set    relationSet
	left   *JoinNode
	right  *JoinNode
	rel    int
	rows   float64
	cost   float64
	card   graphCard
	method JoinMethod
	preds  []*Expr
	group  GroupID
}

func (jnode *JoinNode) isBase() bool {
	return jnode.left == nil
}

func (jnode *JoinNode) String() string {
	if jnode.isBase() {
		return fmt.Sprintf("R%d", jnode.rel)
	}
	return fmt.Sprintf("(%v %v)", jnode.left, jnode.right)
}

// better is the DP tie rule: lower cost, then the smaller left input,
// then the smaller left relation set.
func (jnode *JoinNode) better(o *JoinNode) bool {
	if o == nil {
		return true
	}
	if !util.AlmostEqual(jnode.cost, o.cost) {
		return jnode.cost < o.cost
	}
	if !util.AlmostEqual(jnode.left.rows, o.left.rows) {
		return jnode.left.rows < o.left.rows
	}
	return jnode.left.set < o.left.set
}

// JoinOrderOptimizer orders one inner join region of the memo.
type JoinOrderOptimizer struct {
	memo      *Memo
	cm        *costModel
	graph     *joinGraph
	plans     map[relationSet]*JoinNode
	threshold int
	budget    time.Duration
	deadline  time.Time
	evaluated int
	fallback  bool
	warnings  []Warning
}

func NewJoinOrderOptimizer(memo *Memo, cm *costModel, threshold int, budget time.Duration) *JoinOrderOptimizer {
	return &JoinOrderOptimizer{
		memo:      memo,
		cm:        cm,
		plans:     make(map[relationSet]*JoinNode),
		threshold: threshold,
		budget:    budget,
	}
}

// Optimize fills the best alternatives of the region rooted at root.
// Base relations are costed by costChild before enumeration starts.
func (joinOrder *JoinOrderOptimizer) Optimize(ctx context.Context, root GroupID, costChild func(GroupID) error) error {
	written, err := joinOrder.prepare(root, costChild)
	if err != nil || written {
		return err
	}
	n := len(joinOrder.graph.rels)
	if n > joinOrder.threshold {
		joinOrder.warn(WarnEnumerationFallback, fmt.Sprintf("%d relations exceed dpccp threshold %d", n, joinOrder.threshold))
		return joinOrder.greedy(ctx)
	}
	err = joinOrder.solveJoinOrder(ctx)
	if errors.Is(err, errEnumBudget) {
		joinOrder.warn(WarnEnumerationFallback, fmt.Sprintf("%v after %d evaluations", err, joinOrder.evaluated))
		return joinOrder.greedy(ctx)
	}
	return err
}

// prepare builds the join graph and the base entries of the DP table.
// Regions that cannot be enumerated are costed as written instead.
func (joinOrder *JoinOrderOptimizer) prepare(root GroupID, costChild func(GroupID) error) (bool, error) {
	rels, preds, joins, dup := extractRegion(joinOrder.memo, root)
	for _, rel := range rels {
		if err := costChild(rel); err != nil {
			return false, err
		}
	}
	if dup || len(rels) > maxJoinRelations {
		joinOrder.warn(WarnRelationLimit, fmt.Sprintf("join region #%d with %d relations kept in written order", root, len(rels)))
		joinOrder.costAsWritten(joins)
		return true, nil
	}

	joinOrder.graph = newJoinGraph(joinOrder.memo, joinOrder.cm.est, root, rels, preds)
	if joinOrder.graph.addCrossEdges() {
		joinOrder.warn(WarnDisconnectedGraph, fmt.Sprintf("join region #%d needs cross products", root))
	}
	util.Debug("join graph", zap.Uint32("root", uint32(root)), zap.String("graph", joinOrder.graph.String()))

	//the root and every written join that applies exactly its own
	//predicates are the groups of their relation sets
	for _, join := range joins {
		if join.id == root || slices.Equal(exprKeys(join.preds), exprKeys(joinOrder.graph.predsWithin(join.set))) {
			joinOrder.memo.setLogical(joinOrder.graph.logicalKey(join.set), join.id)
		}
	}

	for i, rel := range rels {
		best, _ := joinOrder.memo.GetBest(rel)
		node := &JoinNode{
			set:   singleRelation(i),
			rel:   i,
			rows:  joinOrder.graph.rows[i],
			group: rel,
			card:  joinOrder.graph.cardinality(singleRelation(i)),
		}
		if best != nil {
			node.cost = best.Cost
		}
		joinOrder.plans[node.set] = node
	}
	if joinOrder.budget > 0 {
		joinOrder.deadline = time.Now().Add(joinOrder.budget)
	}
	return false, nil
}

func (joinOrder *JoinOrderOptimizer) warn(kind WarningKind, detail string) {
	joinOrder.warnings = append(joinOrder.warnings, Warning{Kind: kind, Detail: detail})
	util.Debug("join enumeration", zap.String("kind", kind.String()), zap.String("detail", detail))
}

func (joinOrder *JoinOrderOptimizer) Warnings() []Warning {
	return joinOrder.warnings
}

func (joinOrder *JoinOrderOptimizer) Fallback() bool {
	return joinOrder.fallback
}

// costAsWritten costs the region joins bottom up without reordering.
func (joinOrder *JoinOrderOptimizer) costAsWritten(joins []regionJoin) {
	//joins are listed children first
	for _, join := range joins {
		if _, ok := joinOrder.memo.GetBest(join.id); ok {
			continue
		}
		for _, expr := range joinOrder.memo.Group(join.id).Exprs {
			joinOrder.memo.UpdateBest(join.id, joinOrder.cm.costExpr(joinOrder.memo, expr))
		}
	}
}

// solveJoinOrder is DPccp over bitsets: connected subsets by increasing
// size, each split into connected complement pairs joined by an edge.
func (joinOrder *JoinOrderOptimizer) solveJoinOrder(ctx context.Context) error {
	if err := checkEnumFault(); err != nil {
		return err
	}
	graph := joinOrder.graph
	n := len(graph.rels)
	for k := 2; k <= n; k++ {
		for set := relationSet(1)<<uint(k) - 1; set.subsetOf(graph.all); set = nextSubset(set) {
			if !graph.connected(set) {
				continue
			}
			var best *JoinNode
			low := singleRelation(set.lowest())
			rest := set &^ low
			for x := rest; ; x = (x - 1) & rest {
				sub := low | x
				if sub != set {
					left, right := joinOrder.plans[sub], joinOrder.plans[set&^sub]
					if left != nil && right != nil && graph.joinable(sub, set&^sub) {
						for _, cand := range []*JoinNode{
							joinOrder.createJoinTree(set, left, right),
							joinOrder.createJoinTree(set, right, left),
						} {
							if cand.better(best) {
								best = cand
							}
						}
						if err := joinOrder.checkBudget(ctx, 2); err != nil {
							return err
						}
					}
				}
				if x == 0 {
					break
				}
			}
			if best != nil {
				joinOrder.plans[set] = best
				joinOrder.emit(best)
			}
		}
	}
	if joinOrder.plans[graph.all] == nil {
		return fmt.Errorf("%w: join region #%d has no complete order", ErrInvalidPlanShape, graph.root)
	}
	return nil
}

// nextSubset is the next larger set with the same number of members.
func nextSubset(set relationSet) relationSet {
	if set == 0 {
		return 0
	}
	c := set & -set
	r := set + c
	if r == 0 {
		//ran past the top bit
		return ^relationSet(0)
	}
	return (((r ^ set) >> 2) / c) | r
}

func (joinOrder *JoinOrderOptimizer) checkBudget(ctx context.Context, evals int) error {
	before := joinOrder.evaluated
	joinOrder.evaluated += evals
	if before/enumCheckInterval == joinOrder.evaluated/enumCheckInterval {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !joinOrder.deadline.IsZero() && time.Now().After(joinOrder.deadline) {
		return errEnumBudget
	}
	return checkEnumFault()
}

func checkEnumFault() error {
	if fa := util.CheckFault(util.FAULTS_SCOPE_JOIN_ENUM, util.FaultExhaustEnumBudget); fa != nil {
		if err := fa.Run(); err != nil {
			return err
		}
		return errEnumBudget
	}
	return nil
}

func (joinOrder *JoinOrderOptimizer) createJoinTree(set relationSet, left, right *JoinNode) *JoinNode {
	graph := joinOrder.graph
	card := graph.cardinality(set)
	preds := graph.predsBetween(left.set, right.set)
	method := chooseJoinMethod(preds, graph.tablesOf(left.set), graph.tablesOf(right.set))
	cost := left.cost + right.cost + joinOrder.cm.joinLocalCost(method, left.rows, right.rows, card.rows)
	return &JoinNode{
		set:    set,
		left:   left,
		right:  right,
		rows:   card.rows,
		cost:   cost,
		card:   card,
		method: method,
		preds:  preds,
	}
}

// emit stores node into the memo group of its relation set.
func (joinOrder *JoinOrderOptimizer) emit(node *JoinNode) {
	memo := joinOrder.memo
	op := &LogicalOperator{
		Typ:     LOT_JOIN,
		JoinTyp: LOT_JoinTypeInner,
		OnConds: copyExprs(node.preds...),
	}
	if len(node.preds) == 0 {
		op.JoinTyp = LOT_JoinTypeCross
	}
	expr := NewMemoExpr(op, node.left.group, node.right.group)
	key := joinOrder.graph.logicalKey(node.set)
	id, ok := memo.logicalGroup(key)
	if !ok {
		id = memo.Insert(expr)
		memo.setLogical(key, id)
	} else if owner, _ := memo.InsertInto(expr, id); owner != InvalidGroup {
		id = owner
	}
	node.group = id
	memo.UpdateBest(id, &PlanAlternative{
		Expr:       expr,
		Rows:       node.rows,
		RawRows:    node.card.raw,
		Cost:       node.cost,
		Correction: node.card.correction,
		Degraded:   node.card.degraded,
		Fallback:   joinOrder.fallback,
		Method:     node.method,
		Signature:  node.card.signature,
		leftRows:   node.left.rows,
	})
}

// greedy builds a left-deep order: start from the connected pair with the
// smallest result, then keep adding the connected relation that gives the
// smallest intermediate.
func (joinOrder *JoinOrderOptimizer) greedy(ctx context.Context) error {
	joinOrder.fallback = true
	graph := joinOrder.graph
	n := len(graph.rels)

	var cur *JoinNode
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			l, r := singleRelation(i), singleRelation(j)
			if !graph.joinable(l, r) {
				continue
			}
			cand := joinOrder.bestPair(l|r, joinOrder.plans[l], joinOrder.plans[r])
			if cur == nil || cand.rows < cur.rows {
				cur = cand
			}
		}
	}
	if cur == nil {
		return fmt.Errorf("%w: join region #%d has no joinable pair", ErrInvalidPlanShape, graph.root)
	}
	joinOrder.keep(cur)

	for cur.set != graph.all {
		if err := ctx.Err(); err != nil {
			return err
		}
		var next *JoinNode
		for i := 0; i < n; i++ {
			rel := singleRelation(i)
			if cur.set.has(i) || !graph.joinable(cur.set, rel) {
				continue
			}
			cand := joinOrder.bestPair(cur.set|rel, cur, joinOrder.plans[rel])
			if next == nil || cand.rows < next.rows {
				next = cand
			}
		}
		if next == nil {
			return fmt.Errorf("%w: join region #%d is not connected", ErrInvalidPlanShape, graph.root)
		}
		cur = next
		joinOrder.keep(cur)
	}
	return nil
}

func (joinOrder *JoinOrderOptimizer) bestPair(set relationSet, left, right *JoinNode) *JoinNode {
	a := joinOrder.createJoinTree(set, left, right)
	b := joinOrder.createJoinTree(set, right, left)
	if b.better(a) {
		return b
	}
	return a
}

// keep reuses an entry the DP already found for the set when it is cheaper.
func (joinOrder *JoinOrderOptimizer) keep(node *JoinNode) {
	if old := joinOrder.plans[node.set]; old != nil && !old.isBase() && !node.better(old) {
		return
	}
	joinOrder.plans[node.set] = node
	joinOrder.emit(node)
}

// runDP and runGreedy order a region on their own. Tests compare them.
func (joinOrder *JoinOrderOptimizer) runDP(ctx context.Context) (*JoinNode, error) {
	if err := joinOrder.solveJoinOrder(ctx); err != nil {
		return nil, err
	}
	return joinOrder.plans[joinOrder.graph.all], nil
}

func (joinOrder *JoinOrderOptimizer) runGreedy(ctx context.Context) (*JoinNode, error) {
	if err := joinOrder.greedy(ctx); err != nil {
		return nil, err
	}
	return joinOrder.plans[joinOrder.graph.all], nil
}
