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

	"github.com/daviszhen/cbo/pkg/common"
	"github.com/daviszhen/cbo/pkg/storage"
	"github.com/daviszhen/cbo/pkg/util"
)

// selectivities used when a column is known but has no histogram
const (
	defaultEqSel        = 0.005
	defaultNotEqSel     = 0.995
	defaultRangeSel     = 0.333
	defaultLikeSel      = 0.1
	defaultInSel        = 0.1
	defaultIsNullSel    = 0.01
	defaultIsNotNullSel = 0.99
	defaultRowCount     = 1000
	defaultGroupRatio   = 10
)

type colOrigin struct {
	table  string
	column string
}

func (co colOrigin) String() string {
	return co.table + "." + co.column
}

// columnResolver maps column references back to base table columns
// through scans, projections and view scans.
type columnResolver struct {
	scans   map[string]string
	derived map[string]*Expr
}

func newColumnResolver() *columnResolver {
	return &columnResolver{
		scans:   make(map[string]string),
		derived: make(map[string]*Expr),
	}
}

func (cr *columnResolver) addPlan(lo *LogicalOperator) {
	if lo == nil {
		return
	}
	switch lo.Typ {
	case LOT_Scan:
		cr.scans[lo.Alias] = lo.Table
	case LOT_Project:
		for _, p := range lo.Projects {
			if p.Alias != "" && lo.Alias != "" {
				cr.derived[lo.Alias+"."+p.Alias] = p
			}
		}
	case LOT_View:
		if lo.View != nil {
			cr.addPlan(lo.View.Definition)
			for _, c := range lo.View.Columns {
				cr.derived[lo.Alias+"."+c.Alias] = c
			}
		}
	}
	for _, e := range lo.allExprs() {
		walkExpr(e, func(x *Expr) bool {
			if x.Typ == ET_Subquery {
				cr.addPlan(x.Subquery)
			}
			return true
		})
	}
	for _, child := range lo.Children {
		cr.addPlan(child)
	}
}

func (cr *columnResolver) origin(col *Expr) (colOrigin, bool) {
	for depth := 0; depth < 16 && col != nil; depth++ {
		if !col.isColumn() {
			return colOrigin{}, false
		}
		if table, ok := cr.scans[col.Table]; ok {
			return colOrigin{table: table, column: col.Name}, true
		}
		col = cr.derived[col.colKey()]
	}
	return colOrigin{}, false
}

// Estimate is a predicate selectivity. Histogram bounds such as
// 1/distinct for equality hold for Raw; Selectivity is Raw times the
// learned correction and may exceed them when execution saw more rows.
type Estimate struct {
	Selectivity float64
	Raw         float64
	Degraded    bool
	Correction  float64
	Signature   string
}

type CardEstimate struct {
	Rows       uint64
	Raw        float64
	Degraded   bool
	Correction float64
	Signature  string
}

// Relation is the input of a cardinality estimate: a base table, or a
// derived input whose row count is already known.
type Relation struct {
	Table string
	Alias string
	Rows  float64
}

// Estimator answers selectivity and cardinality questions from the
// statistics handle, corrected by execution feedback.
type Estimator struct {
	stats      storage.StatsProvider
	tracker    *AdaptiveTracker
	defaultSel float64
	resolver   *columnResolver
	degraded   int
}

func NewEstimator(stats storage.StatsProvider, tracker *AdaptiveTracker, defaultSel float64) *Estimator {
	if defaultSel <= 0 || defaultSel > 1 {
		defaultSel = 0.1
	}
	return &Estimator{
		stats:      stats,
		tracker:    tracker,
		defaultSel: defaultSel,
		resolver:   newColumnResolver(),
	}
}

// Bind registers the relations of a plan so column references resolve.
func (est *Estimator) Bind(root *LogicalOperator) {
	est.resolver.addPlan(root)
}

func (est *Estimator) DegradedCount() int {
	return est.degraded
}

// EstimateSelectivity returns the corrected selectivity of pred in [0,1].
// The distinct count bound is applied before the correction.
func (est *Estimator) EstimateSelectivity(pred *Expr) Estimate {
	sel, degraded := est.selectivity(pred)
	sig := "Filter(" + est.shapeOf(pred) + ")"
	corr := est.tracker.GetCorrection(sig)
	if degraded {
		est.degraded++
	}
	return Estimate{
		Selectivity: util.Clamp(sel*corr, 0, 1),
		Raw:         sel,
		Degraded:    degraded,
		Correction:  corr,
		Signature:   sig,
	}
}

// EstimateCardinality estimates rows of rel after applying preds.
func (est *Estimator) EstimateCardinality(rel Relation, preds []*Expr) CardEstimate {
	rows, degraded := est.relationRows(rel)
	sel, selDegraded := est.conjunction(preds)
	sig := est.relationSignature(rel, preds)
	corr := est.tracker.GetCorrection(sig)
	raw := rows * sel
	ret := CardEstimate{
		Raw:        raw,
		Degraded:   degraded || selDegraded,
		Correction: corr,
		Signature:  sig,
	}
	ret.Rows = roundRows(raw*corr, rows > 0)
	if ret.Degraded {
		est.degraded++
	}
	return ret
}

// roundRows keeps non empty inputs at one row at least.
func roundRows(rows float64, nonEmpty bool) uint64 {
	if math.IsNaN(rows) || rows <= 0 {
		if nonEmpty {
			return 1
		}
		return 0
	}
	if rows >= math.MaxUint64/2 {
		return math.MaxUint64 / 2
	}
	r := uint64(math.Round(rows))
	if r == 0 && nonEmpty {
		return 1
	}
	return r
}

func (est *Estimator) relationRows(rel Relation) (float64, bool) {
	if rel.Table == "" {
		return rel.Rows, false
	}
	cnt, ok := est.stats.RowCount(rel.Table)
	if !ok {
		return defaultRowCount, true
	}
	return float64(cnt), false
}

func (est *Estimator) tableRows(table string) (float64, bool) {
	cnt, ok := est.stats.RowCount(table)
	if !ok {
		return defaultRowCount, false
	}
	return float64(cnt), true
}

func (est *Estimator) relationSignature(rel Relation, preds []*Expr) string {
	shapes := make([]string, len(preds))
	for i, p := range preds {
		shapes[i] = est.shapeOf(p)
	}
	slices.Sort(shapes)
	if rel.Table != "" {
		return fmt.Sprintf("Scan(%s|%s)", rel.Table, strings.Join(shapes, " AND "))
	}
	return fmt.Sprintf("Filter(%s)", strings.Join(shapes, " AND "))
}

// shapeOf prints pred over base table columns with constants hidden, so
// the same predicate in different queries shares a signature.
func (est *Estimator) shapeOf(pred *Expr) string {
	if pred == nil {
		return ""
	}
	cp := copyExpr(pred)
	walkExpr(cp, func(x *Expr) bool {
		if x.isColumn() {
			if org, ok := est.resolver.origin(x); ok {
				x.Table, x.Name = org.table, org.column
			}
		}
		return true
	})
	return normalize(cp).shape()
}

// conjunction estimates AND of preds. Equalities with constants on one
// table use joint statistics when the table has them for exactly those
// columns; everything else multiplies.
func (est *Estimator) conjunction(preds []*Expr) (float64, bool) {
	preds = splitExprsByAnd(preds)
	type eqItem struct {
		idx int
		col string
		val common.Value
	}
	byTable := make(map[string][]eqItem)
	for i, p := range preds {
		p = normalize(p)
		col, val, ok := columnConstEquality(p)
		if !ok {
			continue
		}
		org, ok := est.resolver.origin(col)
		if !ok {
			continue
		}
		byTable[org.table] = append(byTable[org.table], eqItem{idx: i, col: org.column, val: val.Value})
	}

	used := make(map[int]bool)
	sel := 1.0
	degraded := false
	for _, table := range util.SortedKeys(byTable) {
		items := byTable[table]
		if len(items) < 2 {
			continue
		}
		cols := make([]string, len(items))
		for i, it := range items {
			cols[i] = it.col
		}
		js, ok := est.stats.JointStats(table, cols)
		if !ok || len(js.Columns) != len(items) {
			continue
		}
		vals := make([]common.Value, len(js.Columns))
		matched := 0
		for i, c := range js.Columns {
			for _, it := range items {
				if it.col == c {
					vals[i] = it.val
					matched++
					break
				}
			}
		}
		if matched != len(js.Columns) {
			continue
		}
		rows, _ := est.tableRows(table)
		if rows <= 0 {
			continue
		}
		var s float64
		if cnt, ok := js.Lookup(vals); ok {
			s = float64(cnt) / rows
		} else if rem := js.Remainder(uint64(rows)); rem > 0 {
			s = rem / rows
		} else if js.DistinctCount > 0 {
			s = 1 / float64(js.DistinctCount)
		} else {
			continue
		}
		sel *= util.Clamp(s, 0, 1)
		for _, it := range items {
			used[it.idx] = true
		}
	}
	for i, p := range preds {
		if used[i] {
			continue
		}
		s, d := est.selectivity(p)
		sel *= s
		degraded = degraded || d
	}
	return util.Clamp(sel, 0, 1), degraded
}

// selectivity is the uncorrected estimate of pred.
func (est *Estimator) selectivity(pred *Expr) (float64, bool) {
	if pred == nil {
		return 1, false
	}
	pred = normalize(pred)
	switch pred.Typ {
	case ET_Const:
		if pred.Value.Typ == common.VT_Bool {
			if pred.Value.B {
				return 1, false
			}
			return 0, false
		}
		return est.defaultSel, true
	case ET_Column:
		return est.defaultSel, true
	case ET_Subquery:
		return est.defaultSel, true
	}

	switch pred.SubTyp {
	case ET_And:
		return est.conjunction(pred.Children)
	case ET_Or:
		sel, degraded := 0.0, false
		for _, child := range pred.Children {
			s, d := est.selectivity(child)
			sel = sel + s - sel*s
			degraded = degraded || d
		}
		return util.Clamp(sel, 0, 1), degraded
	case ET_Not:
		s, d := est.selectivity(pred.Children[0])
		return util.Clamp(1-s, 0, 1), d
	case ET_Equal, ET_NotEqual, ET_Less, ET_LessEqual, ET_Greater, ET_GreaterEqual:
		return est.comparison(pred)
	case ET_In:
		x := pred.Children[0]
		if !x.isColumn() {
			return est.defaultSel, true
		}
		sel, degraded := 0.0, false
		for _, v := range pred.Children[1:] {
			if !v.isConst() {
				return est.knownOr(x, defaultInSel)
			}
			s, d := est.equality(x, v.Value)
			sel += s
			degraded = degraded || d
		}
		return util.Clamp(sel, 0, 1), degraded
	case ET_Between:
		x, lo, hi := pred.Children[0], pred.Children[1], pred.Children[2]
		if !x.isColumn() || !lo.isConst() || !hi.isConst() {
			return est.defaultSel, true
		}
		return est.rangeSel(x, &rangeBound{val: lo.Value, incl: true}, &rangeBound{val: hi.Value, incl: true})
	case ET_Like:
		x, pat := pred.Children[0], pred.Children[1]
		if !x.isColumn() {
			return est.defaultSel, true
		}
		if pat.isConst() && pat.Value.Typ == common.VT_Varchar && !strings.ContainsAny(pat.Value.Str, "%_") {
			return est.equality(x, pat.Value)
		}
		return est.knownOr(x, defaultLikeSel)
	case ET_IsNull, ET_IsNotNull:
		x := pred.Children[0]
		frac, ok := est.nullFraction(x)
		if !ok {
			if pred.SubTyp == ET_IsNull {
				return est.knownOr(x, defaultIsNullSel)
			}
			return est.knownOr(x, defaultIsNotNullSel)
		}
		if pred.SubTyp == ET_IsNull {
			return frac, false
		}
		return 1 - frac, false
	default:
		return est.defaultSel, true
	}
}

// knownOr returns the operator default when the column's table has
// statistics and the configured default otherwise. Both are degraded.
func (est *Estimator) knownOr(col *Expr, opDefault float64) (float64, bool) {
	if org, ok := est.resolver.origin(col); ok {
		if _, ok := est.stats.RowCount(org.table); ok {
			return opDefault, true
		}
	}
	return est.defaultSel, true
}

func (est *Estimator) nullFraction(col *Expr) (float64, bool) {
	org, ok := est.resolver.origin(col)
	if !ok {
		return 0, false
	}
	rows, ok := est.tableRows(org.table)
	if !ok || rows <= 0 {
		return 0, false
	}
	nulls, ok := est.stats.NullCount(org.table, org.column)
	if !ok {
		return 0, false
	}
	return util.Clamp(float64(nulls)/rows, 0, 1), true
}

func (est *Estimator) comparison(pred *Expr) (float64, bool) {
	l, r := pred.Children[0], pred.Children[1]
	switch {
	case l.isColumn() && r.isConst():
		switch pred.SubTyp {
		case ET_Equal:
			return est.equality(l, r.Value)
		case ET_NotEqual:
			s, d := est.equality(l, r.Value)
			if d {
				return est.knownOr(l, defaultNotEqSel)
			}
			return util.Clamp(1-s, 0, 1), false
		case ET_Less:
			return est.rangeSel(l, nil, &rangeBound{val: r.Value})
		case ET_LessEqual:
			return est.rangeSel(l, nil, &rangeBound{val: r.Value, incl: true})
		case ET_Greater:
			return est.rangeSel(l, &rangeBound{val: r.Value}, nil)
		case ET_GreaterEqual:
			return est.rangeSel(l, &rangeBound{val: r.Value, incl: true}, nil)
		}
	case l.isColumn() && r.isColumn():
		if pred.SubTyp == ET_Equal {
			return est.joinEquality(l, r)
		}
		_, lok := est.resolver.origin(l)
		_, rok := est.resolver.origin(r)
		if lok && rok {
			if pred.SubTyp == ET_NotEqual {
				return defaultNotEqSel, true
			}
			return defaultRangeSel, true
		}
	case l.isConst() && r.isConst():
		folded := foldConstants(pred)
		if isBoolConst(folded, true) {
			return 1, false
		}
		//false, or a comparison with NULL
		return 0, false
	}
	return est.defaultSel, true
}

// equality estimates col = v as bucket_rows / bucket_ndv / total_rows.
func (est *Estimator) equality(col *Expr, v common.Value) (float64, bool) {
	org, ok := est.resolver.origin(col)
	if !ok {
		return est.defaultSel, true
	}
	if v.IsNull() {
		return 0, false
	}
	total, hasRows := est.tableRows(org.table)
	if hist, ok := est.stats.Histogram(org.table, org.column); ok && hist.Len() > 0 {
		total = math.Max(total, float64(hist.TotalRows()))
		if total <= 0 {
			return 0, false
		}
		idx := hist.Find(v)
		if idx < 0 {
			return 0, false
		}
		b := &hist.Buckets[idx]
		if b.DistinctCount == 0 {
			return 0, false
		}
		return util.Clamp(float64(b.RowCount)/float64(b.DistinctCount)/total, 0, 1), false
	}
	if ndv, ok := est.stats.DistinctCount(org.table, org.column); ok && ndv > 0 {
		frac, _ := est.nullFraction(col)
		return util.Clamp((1-frac)/float64(ndv), 0, 1), false
	}
	if hasRows {
		return defaultEqSel, true
	}
	return est.defaultSel, true
}

type rangeBound struct {
	val  common.Value
	incl bool
}

// rangeSel sums buckets inside [lo, hi] plus interpolated fractions of
// the boundary buckets. A nil bound is unbounded.
func (est *Estimator) rangeSel(col *Expr, lo, hi *rangeBound) (float64, bool) {
	org, ok := est.resolver.origin(col)
	if !ok {
		return est.defaultSel, true
	}
	hist, ok := est.stats.Histogram(org.table, org.column)
	if !ok || hist.Len() == 0 {
		return est.knownOr(col, defaultRangeSel)
	}
	lo, hi = discreteBounds(lo, hi)
	if lo != nil && hi != nil {
		c := lo.val.Compare(hi.val)
		if c > 0 || (c == 0 && (!lo.incl || !hi.incl)) {
			return 0, false
		}
	}
	total, _ := est.tableRows(org.table)
	total = math.Max(total, float64(hist.TotalRows()))
	if total <= 0 {
		return 0, false
	}
	start := 0
	if lo != nil {
		start = hist.LowerBound(lo.val)
	}
	rows := 0.0
	for i := start; i < hist.Len(); i++ {
		b := &hist.Buckets[i]
		if hi != nil && b.Lower.Compare(hi.val) > 0 {
			break
		}
		rows += float64(b.RowCount) * bucketFraction(b, lo, hi)
	}
	return util.Clamp(rows/total, 0, 1), false
}

// discreteBounds turns exclusive integer bounds into inclusive ones.
func discreteBounds(lo, hi *rangeBound) (*rangeBound, *rangeBound) {
	if lo != nil && !lo.incl && lo.val.Typ == common.VT_Integer && lo.val.I64 < math.MaxInt64 {
		lo = &rangeBound{val: common.IntValue(lo.val.I64 + 1), incl: true}
	}
	if hi != nil && !hi.incl && hi.val.Typ == common.VT_Integer && hi.val.I64 > math.MinInt64 {
		hi = &rangeBound{val: common.IntValue(hi.val.I64 - 1), incl: true}
	}
	return lo, hi
}

// bucketFraction is the share of b inside [lo, hi].
func bucketFraction(b *storage.Bucket, lo, hi *rangeBound) float64 {
	inLo := lo == nil || lo.val.Compare(b.Lower) < 0 || (lo.incl && lo.val.Compare(b.Lower) == 0)
	inHi := hi == nil || hi.val.Compare(b.Upper) > 0 || (hi.incl && hi.val.Compare(b.Upper) == 0)
	if inLo && inHi {
		return 1
	}
	if lo != nil && (lo.val.Compare(b.Upper) > 0 || (!lo.incl && lo.val.Compare(b.Upper) == 0)) {
		return 0
	}
	if hi != nil && (hi.val.Compare(b.Lower) < 0 || (!hi.incl && hi.val.Compare(b.Lower) == 0)) {
		return 0
	}
	bl, okl := b.Lower.Position()
	bu, oku := b.Upper.Position()
	if !okl || !oku {
		return 0.5
	}
	ql, qu := bl, bu
	if lo != nil {
		if p, ok := lo.val.Position(); ok {
			ql = math.Max(ql, p)
		} else {
			return 0.5
		}
	}
	if hi != nil {
		if p, ok := hi.val.Position(); ok {
			qu = math.Min(qu, p)
		} else {
			return 0.5
		}
	}
	if qu < ql {
		return 0
	}
	if isDiscrete(b) {
		return util.Clamp((qu-ql+1)/(bu-bl+1), 0, 1)
	}
	if bu == bl {
		return 1
	}
	return util.Clamp((qu-ql)/(bu-bl), 0, 1)
}

func isDiscrete(b *storage.Bucket) bool {
	return (b.Lower.Typ == common.VT_Integer || b.Lower.Typ == common.VT_Date) &&
		(b.Upper.Typ == common.VT_Integer || b.Upper.Typ == common.VT_Date)
}

// overlapFraction is the share of b inside [lo, hi], both inclusive.
func overlapFraction(b *storage.Bucket, lo, hi common.Value) float64 {
	return bucketFraction(b, &rangeBound{val: lo, incl: true}, &rangeBound{val: hi, incl: true})
}

// joinEquality estimates l = r. With histograms on both sides the buckets
// are aligned and each overlap contributes rows_l*rows_r/max(ndv_l, ndv_r).
func (est *Estimator) joinEquality(l, r *Expr) (float64, bool) {
	lo, lok := est.resolver.origin(l)
	ro, rok := est.resolver.origin(r)
	if !lok || !rok {
		return est.defaultSel, true
	}
	lh, lhok := est.stats.Histogram(lo.table, lo.column)
	rh, rhok := est.stats.Histogram(ro.table, ro.column)
	if lhok && rhok && lh.Len() > 0 && rh.Len() > 0 {
		lrows, _ := est.tableRows(lo.table)
		rrows, _ := est.tableRows(ro.table)
		lrows = math.Max(lrows, float64(lh.TotalRows()))
		rrows = math.Max(rrows, float64(rh.TotalRows()))
		if lrows <= 0 || rrows <= 0 {
			return 0, false
		}
		return util.Clamp(alignedMatches(lh, rh)/(lrows*rrows), 0, 1), false
	}
	lndv, lnok := est.distinct(lo)
	rndv, rnok := est.distinct(ro)
	switch {
	case lnok && rnok:
		return 1 / math.Max(lndv, rndv), false
	case lnok:
		return 1 / lndv, false
	case rnok:
		return 1 / rndv, false
	}
	return est.defaultSel, true
}

func (est *Estimator) distinct(org colOrigin) (float64, bool) {
	if ndv, ok := est.stats.DistinctCount(org.table, org.column); ok && ndv > 0 {
		return float64(ndv), true
	}
	if h, ok := est.stats.Histogram(org.table, org.column); ok && h.TotalDistinct() > 0 {
		return float64(h.TotalDistinct()), true
	}
	return 0, false
}

func alignedMatches(lh, rh *storage.Histogram) float64 {
	matches := 0.0
	i, j := 0, 0
	for i < lh.Len() && j < rh.Len() {
		lb, rb := &lh.Buckets[i], &rh.Buckets[j]
		lo := lb.Lower
		if rb.Lower.Compare(lo) > 0 {
			lo = rb.Lower
		}
		hi := lb.Upper
		if rb.Upper.Compare(hi) < 0 {
			hi = rb.Upper
		}
		if lo.Compare(hi) <= 0 {
			lf := overlapFraction(lb, lo, hi)
			rf := overlapFraction(rb, lo, hi)
			lrows := float64(lb.RowCount) * lf
			rrows := float64(rb.RowCount) * rf
			lndv := math.Max(1, float64(lb.DistinctCount)*lf)
			rndv := math.Max(1, float64(rb.DistinctCount)*rf)
			matches += lrows * rrows / math.Max(lndv, rndv)
		}
		if lb.Upper.Compare(rb.Upper) < 0 {
			i++
		} else if lb.Upper.Compare(rb.Upper) > 0 {
			j++
		} else {
			i++
			j++
		}
	}
	return matches
}

// groupRows estimates the number of groups: product of the group keys'
// distinct counts capped by the input, or input/10 without statistics.
func (est *Estimator) groupRows(input float64, groupBys []*Expr) (float64, bool) {
	if len(groupBys) == 0 {
		return 1, false
	}
	if input <= 1 {
		return math.Max(input, 1), false
	}
	prod := 1.0
	for _, g := range groupBys {
		org, ok := est.resolver.origin(g)
		if !ok {
			return util.Clamp(input/defaultGroupRatio, 1, input), true
		}
		ndv, ok := est.distinct(org)
		if !ok {
			return util.Clamp(input/defaultGroupRatio, 1, input), true
		}
		prod *= ndv
		if prod >= input {
			return input, false
		}
	}
	return util.Clamp(prod, 1, input), false
}
