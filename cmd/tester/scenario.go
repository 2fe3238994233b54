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

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/daviszhen/cbo/pkg/common"
	"github.com/daviszhen/cbo/pkg/parser"
	"github.com/daviszhen/cbo/pkg/plan"
	"github.com/daviszhen/cbo/pkg/storage"
)

// Scenario is a self contained optimizer input: statistics, materialized
// views, one query tree and optional execution feedback.
type Scenario struct {
	Name       string         `toml:"name"`
	Tables     []TableDef     `toml:"tables"`
	Views      []ViewDef      `toml:"views"`
	Query      NodeDef        `toml:"query"`
	Executions []ExecutionDef `toml:"executions"`
}

type TableDef struct {
	Name    string      `toml:"name"`
	Rows    uint64      `toml:"rows"`
	Columns []ColumnDef `toml:"columns"`
	Joints  []JointDef  `toml:"joints"`
}

// ColumnDef either lists buckets, lists the column values or asks for a
// uniform histogram over [lo, hi] with n buckets.
type ColumnDef struct {
	Name     string      `toml:"name"`
	Distinct uint64      `toml:"distinct"`
	Nulls    uint64      `toml:"nulls"`
	Lo       int64       `toml:"lo"`
	Hi       int64       `toml:"hi"`
	N        int         `toml:"buckets"`
	Buckets  []BucketDef `toml:"histogram"`
	Values   []any       `toml:"values"`
}

type BucketDef struct {
	Lower    any    `toml:"lower"`
	Upper    any    `toml:"upper"`
	Rows     uint64 `toml:"rows"`
	Distinct uint64 `toml:"distinct"`
}

type JointDef struct {
	Columns     []string       `toml:"columns"`
	Distinct    uint64         `toml:"distinct"`
	Frequencies []FrequencyDef `toml:"frequencies"`
}

type FrequencyDef struct {
	Values []any  `toml:"values"`
	Count  uint64 `toml:"count"`
}

type ViewDef struct {
	ID        uint64  `toml:"id"`
	Name      string  `toml:"name"`
	Rows      uint64  `toml:"rows"`
	Columns   string  `toml:"columns"`
	StaleMins int     `toml:"stale_minutes"`
	Query     NodeDef `toml:"query"`
}

// NodeDef is one logical operator. Expressions are SQL text.
type NodeDef struct {
	Op       string    `toml:"op"`
	Table    string    `toml:"table"`
	Alias    string    `toml:"alias"`
	Type     string    `toml:"type"`
	On       string    `toml:"on"`
	Where    string    `toml:"where"`
	Exprs    string    `toml:"exprs"`
	GroupBy  string    `toml:"group_by"`
	OrderBy  string    `toml:"order_by"`
	Limit    uint64    `toml:"limit"`
	All      bool      `toml:"all"`
	Columns  []string  `toml:"columns"`
	Children []NodeDef `toml:"children"`

	//filter on a subquery
	Subquery    *NodeDef `toml:"subquery"`
	SubqueryTyp string   `toml:"subquery_type"`
	SubqueryLhs string   `toml:"subquery_lhs"`
	SubqueryOut string   `toml:"subquery_out"`
}

// ExecutionDef reports the actual rows of one operator of the first plan.
type ExecutionDef struct {
	Operator int     `toml:"operator"`
	Actual   float64 `toml:"actual"`
	Repeat   int     `toml:"repeat"`
}

func LoadScenario(path string) (*Scenario, error) {
	sc := &Scenario{}
	meta, err := toml.DecodeFile(path, sc)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}
	return sc, nil
}

func DecodeScenario(data string) (*Scenario, error) {
	sc := &Scenario{}
	if _, err := toml.Decode(data, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *Scenario) BuildStats() (*storage.MemStats, error) {
	ms := storage.NewMemStats()
	var errs []error
	for _, td := range sc.Tables {
		ts, err := td.build()
		if err != nil {
			errs = append(errs, fmt.Errorf("table %s: %w", td.Name, err))
			continue
		}
		ms.Put(ts)
	}
	return ms, errors.Join(errs...)
}

func (td *TableDef) build() (*storage.TableStats, error) {
	ts := storage.NewTableStats(td.Name, td.Rows)
	for _, cd := range td.Columns {
		if len(cd.Values) > 0 {
			vals := make([]common.Value, 0, len(cd.Values))
			for _, x := range cd.Values {
				val, err := common.ValueFrom(x)
				if err != nil {
					return nil, fmt.Errorf("column %s: %w", cd.Name, err)
				}
				vals = append(vals, val)
			}
			ts.AddColumn(storage.BuildColumnStats(cd.Name, vals, max(cd.N, 1)))
			continue
		}
		col := &storage.ColumnStats{
			Name:          cd.Name,
			DistinctCount: cd.Distinct,
			NullCount:     cd.Nulls,
		}
		switch {
		case len(cd.Buckets) > 0:
			buckets := make([]storage.Bucket, 0, len(cd.Buckets))
			for _, bd := range cd.Buckets {
				lower, err := common.ValueFrom(bd.Lower)
				if err != nil {
					return nil, err
				}
				upper, err := common.ValueFrom(bd.Upper)
				if err != nil {
					return nil, err
				}
				buckets = append(buckets, storage.Bucket{
					Lower:         lower,
					Upper:         upper,
					RowCount:      bd.Rows,
					DistinctCount: bd.Distinct,
				})
			}
			hist, err := storage.NewHistogram(buckets)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", cd.Name, err)
			}
			col.Histogram = hist
		case cd.N > 0:
			ndv := cd.Distinct
			if ndv == 0 {
				ndv = uint64(cd.Hi - cd.Lo + 1)
			}
			col.Histogram = storage.UniformHistogram(cd.Lo, cd.Hi, td.Rows-min(td.Rows, cd.Nulls), ndv, cd.N)
		}
		ts.AddColumn(col)
	}
	for _, jd := range td.Joints {
		js := &storage.JointStats{
			Columns:       jd.Columns,
			DistinctCount: jd.Distinct,
		}
		for _, fd := range jd.Frequencies {
			vals := make([]common.Value, 0, len(fd.Values))
			for _, x := range fd.Values {
				val, err := common.ValueFrom(x)
				if err != nil {
					return nil, err
				}
				vals = append(vals, val)
			}
			js.Frequencies = append(js.Frequencies, storage.JointFrequency{Values: vals, Count: fd.Count})
		}
		ts.AddJoint(js)
	}
	return ts, ts.Validate()
}

func (sc *Scenario) BuildViews(now time.Time) (*plan.MemViewRegistry, error) {
	reg := plan.NewMemViewRegistry()
	for _, vd := range sc.Views {
		pattern, err := vd.Query.Build()
		if err != nil {
			return nil, fmt.Errorf("view %s: %w", vd.Name, err)
		}
		cols, err := parser.ParseTargets(vd.Columns)
		if err != nil {
			return nil, fmt.Errorf("view %s: %w", vd.Name, err)
		}
		err = reg.Register(&plan.ViewDescriptor{
			ID:          vd.ID,
			Name:        vd.Name,
			Pattern:     pattern,
			Columns:     cols,
			RowCount:    vd.Rows,
			RefreshedAt: now.Add(-time.Duration(vd.StaleMins) * time.Minute),
		})
		if err != nil {
			return nil, fmt.Errorf("view %s: %w", vd.Name, err)
		}
	}
	return reg, nil
}

func parseJoinType(typ string) (plan.LOT_JoinType, error) {
	switch strings.ToLower(typ) {
	case "", "inner":
		return plan.LOT_JoinTypeInner, nil
	case "cross":
		return plan.LOT_JoinTypeCross, nil
	case "left":
		return plan.LOT_JoinTypeLeft, nil
	case "semi":
		return plan.LOT_JoinTypeSEMI, nil
	case "anti":
		return plan.LOT_JoinTypeANTI, nil
	default:
		return 0, fmt.Errorf("unknown join type %q", typ)
	}
}

func conjuncts(sql string) ([]*plan.Expr, error) {
	e, err := parser.ParseExpr(sql)
	if err != nil || e == nil {
		return nil, err
	}
	if e.Typ == plan.ET_Func && e.SubTyp == plan.ET_And {
		return e.Children, nil
	}
	return []*plan.Expr{e}, nil
}

// Build converts the node tree into a logical plan.
func (nd *NodeDef) Build() (*plan.LogicalOperator, error) {
	children := make([]*plan.LogicalOperator, 0, len(nd.Children))
	for i := range nd.Children {
		child, err := nd.Children[i].Build()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	one := func() (*plan.LogicalOperator, error) {
		if len(children) != 1 {
			return nil, fmt.Errorf("%s needs one child, got %d", nd.Op, len(children))
		}
		return children[0], nil
	}

	switch strings.ToLower(nd.Op) {
	case "scan":
		return plan.NewScan(nd.Table, nd.Alias, nd.Columns...), nil
	case "filter":
		child, err := one()
		if err != nil {
			return nil, err
		}
		filters, err := conjuncts(nd.Where)
		if err != nil {
			return nil, err
		}
		if nd.Subquery != nil {
			sub, err := nd.subqueryExpr()
			if err != nil {
				return nil, err
			}
			filters = append(filters, sub)
		}
		return plan.NewFilter(child, filters...), nil
	case "join":
		if len(children) != 2 {
			return nil, fmt.Errorf("join needs two children, got %d", len(children))
		}
		typ, err := parseJoinType(nd.Type)
		if err != nil {
			return nil, err
		}
		on, err := conjuncts(nd.On)
		if err != nil {
			return nil, err
		}
		return plan.NewJoin(typ, children[0], children[1], on...), nil
	case "aggregate":
		child, err := one()
		if err != nil {
			return nil, err
		}
		groupBys, err := parser.ParseTargets(nd.GroupBy)
		if err != nil {
			return nil, err
		}
		aggs, err := parser.ParseTargets(nd.Exprs)
		if err != nil {
			return nil, err
		}
		return plan.NewAggregate(child, nd.Alias, groupBys, aggs...), nil
	case "project":
		child, err := one()
		if err != nil {
			return nil, err
		}
		projects, err := parser.ParseTargets(nd.Exprs)
		if err != nil {
			return nil, err
		}
		return plan.NewProject(child, nd.Alias, projects...), nil
	case "order":
		child, err := one()
		if err != nil {
			return nil, err
		}
		orderBys, err := parser.ParseOrderBy(nd.OrderBy)
		if err != nil {
			return nil, err
		}
		return plan.NewOrder(child, orderBys...), nil
	case "limit":
		child, err := one()
		if err != nil {
			return nil, err
		}
		return plan.NewLimit(child, nd.Limit), nil
	case "union":
		return plan.NewUnion(nd.Alias, nd.All, nd.Columns, children...), nil
	default:
		return nil, fmt.Errorf("unknown operator %q", nd.Op)
	}
}

func (nd *NodeDef) subqueryExpr() (*plan.Expr, error) {
	sub, err := nd.Subquery.Build()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(nd.SubqueryTyp) {
	case "", "exists":
		return plan.Exists(sub), nil
	case "not exists":
		return plan.NotExists(sub), nil
	case "in", "not in":
		lhs, err := parser.ParseExpr(nd.SubqueryLhs)
		if err != nil {
			return nil, err
		}
		out, err := parser.ParseExpr(nd.SubqueryOut)
		if err != nil {
			return nil, err
		}
		if lhs == nil || out == nil {
			return nil, fmt.Errorf("%s subquery needs subquery_lhs and subquery_out", nd.SubqueryTyp)
		}
		if strings.ToLower(nd.SubqueryTyp) == "in" {
			return plan.InSubquery(lhs, sub, out), nil
		}
		return plan.NotInSubquery(lhs, sub, out), nil
	default:
		return nil, fmt.Errorf("unknown subquery type %q", nd.SubqueryTyp)
	}
}
