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

package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/cbo/pkg/common"
	"github.com/daviszhen/cbo/pkg/plan"
)

func TestParser(t *testing.T) {
	stmts, err := Parse("SELECT 42")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(stmts))
	assert.Equal(t, int32(42), stmts[0].Stmt.GetSelectStmt().GetTargetList()[0].GetResTarget().GetVal().GetAConst().GetIval().Ival)
}

func TestParseExpr(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"A.id = B.a_id", "A.id = B.a_id"},
		{"A.x < 10", "A.x < 10"},
		{"A.x >= -3", "A.x >= -3"},
		{"A.x <> 4", "A.x <> 4"},
		{"A.x != 4", "A.x <> 4"},
		{"A.name = 'bob'", "A.name = 'bob'"},
		{"A.price > 9.90", "A.price > 9.90"},
		{"A.id = 10000000000", "A.id = 10000000000"},
		{"A.d < '1995-03-15'::date", "A.d < 1995-03-15"},
		{"A.d < date '1995-03-15'", "A.d < 1995-03-15"},
		{"A.flag = true", "A.flag = true"},
	}
	for _, tt := range tests {
		e, err := ParseExpr(tt.sql)
		require.NoError(t, err, tt.sql)
		assert.Equal(t, tt.want, e.String(), tt.sql)
	}

	e, err := ParseExpr("A.x < 10 AND (B.y = 1 OR B.y = 2)")
	require.NoError(t, err)
	assert.Equal(t, plan.ET_And, e.SubTyp)
	require.Len(t, e.Children, 2)
	assert.Equal(t, plan.ET_Or, e.Children[1].SubTyp)

	e, err = ParseExpr("A.x IN (1, 2, 3)")
	require.NoError(t, err)
	assert.Equal(t, plan.ET_In, e.SubTyp)
	assert.Len(t, e.Children, 4)

	e, err = ParseExpr("A.x NOT IN (1, 2)")
	require.NoError(t, err)
	assert.Equal(t, plan.ET_Not, e.SubTyp)

	e, err = ParseExpr("A.x BETWEEN 5 AND 9")
	require.NoError(t, err)
	assert.Equal(t, plan.ET_Between, e.SubTyp)

	e, err = ParseExpr("A.name LIKE 'ab%'")
	require.NoError(t, err)
	assert.Equal(t, plan.ET_Like, e.SubTyp)
	assert.Equal(t, "ab%", e.Children[1].Value.Str)

	e, err = ParseExpr("A.name IS NOT NULL")
	require.NoError(t, err)
	assert.Equal(t, plan.ET_IsNotNull, e.SubTyp)

	e, err = ParseExpr("A.price = '9.90'::numeric")
	require.NoError(t, err)
	assert.Equal(t, common.VT_Decimal, e.Children[1].Value.Typ)

	e, err = ParseExpr("  ")
	assert.NoError(t, err)
	assert.Nil(t, e)
}

func TestParseExprErrors(t *testing.T) {
	for _, sql := range []string{
		"x = 1",
		"A.x + 1 > 2",
		"upper(A.name) = 'X'",
		"A.x = (SELECT 1)",
		"A.x <",
	} {
		_, err := ParseExpr(sql)
		assert.Error(t, err, sql)
	}
	_, err := ParseExpr("A.x + 1 > 2")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestParseTargets(t *testing.T) {
	exprs, err := ParseTargets("A.x, count(B.id) AS cnt, sum(DISTINCT B.v)")
	require.NoError(t, err)
	require.Len(t, exprs, 3)
	assert.Equal(t, plan.ET_Column, exprs[0].Typ)
	assert.Equal(t, plan.ET_Count, exprs[1].SubTyp)
	assert.Equal(t, "cnt", exprs[1].Alias)
	assert.Equal(t, "sum", exprs[2].Alias)
	assert.True(t, exprs[2].Distinct)

	_, err = ParseTargets("count(*)")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestParseOrderBy(t *testing.T) {
	exprs, err := ParseOrderBy("A.x DESC, B.id")
	require.NoError(t, err)
	require.Len(t, exprs, 2)
	assert.True(t, exprs[0].Desc)
	assert.False(t, exprs[1].Desc)
	assert.Equal(t, "B.id", exprs[1].String())
}
