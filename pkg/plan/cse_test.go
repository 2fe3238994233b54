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

	"github.com/daviszhen/cbo/pkg/util"
)

// smallA is SELECT * FROM A WHERE A.x < 10, built fresh on every call.
func smallA() *LogicalOperator {
	return NewFilter(NewScan("A", ""), Cmp(ET_Less, Col("A", "x"), Int(10)))
}

func unionOfSubqueries() *LogicalOperator {
	return NewUnion("u", true, nil, smallA(), smallA())
}

func TestInsertPlanSharesSubtrees(t *testing.T) {
	m := NewMemo(true)
	id, hits, err := InsertPlan(m, unionOfSubqueries(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
	assert.Equal(t, 3, m.Len())
	union := m.Group(id).Exprs[0]
	require.Len(t, union.Children, 2)
	assert.Equal(t, union.Children[0], union.Children[1])
	assert.Empty(t, m.DuplicateGroups())
	fmt.Println(m)
}

func TestInsertPlanWithoutCSE(t *testing.T) {
	m := NewMemo(false)
	id, hits, err := InsertPlan(m, unionOfSubqueries(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, hits)
	assert.Equal(t, 5, m.Len())
	union := m.Group(id).Exprs[0]
	assert.NotEqual(t, union.Children[0], union.Children[1])
	assert.NotEmpty(t, m.DuplicateGroups())
}

func TestInsertPlanErrors(t *testing.T) {
	_, _, err := InsertPlan(NewMemo(true), nil, true)
	assert.ErrorIs(t, err, ErrInvalidPlanShape)
}

func TestOptimizeSharedSubquery(t *testing.T) {
	shared := mustOptimize(t, newTestOptimizer(chainStats(), nil, nil), unionOfSubqueries())
	fmt.Println(shared.Explain)
	assert.Equal(t, 1, shared.CSEHits)
	require.Equal(t, POT_Union, shared.Root.Typ)
	require.Len(t, shared.Root.Children, 2)
	assert.Equal(t, shared.Root.Children[0].Group, shared.Root.Children[1].Group)
	assert.Empty(t, shared.Memo.DuplicateGroups())

	plain := mustOptimize(t, newTestOptimizer(chainStats(), nil, func(opts *util.OptimizerOptions) {
		opts.EnableCSE = false
	}), unionOfSubqueries())
	assert.Equal(t, 0, plain.CSEHits)
	assert.NotEqual(t, plain.Root.Children[0].Group, plain.Root.Children[1].Group)
	assert.NotEmpty(t, plain.Memo.DuplicateGroups())
	//sharing does not change the estimate
	assert.InDelta(t, shared.Root.EstimatedRows, plain.Root.EstimatedRows, 1e-9)
}
