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

package common

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"time"

	dec "github.com/govalues/decimal"
)

type ValueType int

const (
	VT_Null ValueType = iota
	VT_Bool
	VT_Integer
	VT_Float
	VT_Decimal
	VT_Varchar
	VT_Date
)

func (vt ValueType) String() string {
	switch vt {
	case VT_Null:
		return "null"
	case VT_Bool:
		return "bool"
	case VT_Integer:
		return "integer"
	case VT_Float:
		return "float"
	case VT_Decimal:
		return "decimal"
	case VT_Varchar:
		return "varchar"
	case VT_Date:
		return "date"
	default:
		panic(fmt.Sprintf("usp %d", vt))
	}
}

func (vt ValueType) IsNumeric() bool {
	switch vt {
	case VT_Integer, VT_Float, VT_Decimal, VT_Date:
		return true
	default:
		return false
	}
}

// Value is a constant in predicates and a bucket bound in histograms.
// Dates are stored as days since the unix epoch in I64.
type Value struct {
	Typ ValueType
	I64 int64
	F64 float64
	Dec dec.Decimal
	Str string
	B   bool
}

func NullValue() Value {
	return Value{Typ: VT_Null}
}

func IntValue(i int64) Value {
	return Value{Typ: VT_Integer, I64: i}
}

func FloatValue(f float64) Value {
	return Value{Typ: VT_Float, F64: f}
}

func StringValue(s string) Value {
	return Value{Typ: VT_Varchar, Str: s}
}

func BoolValue(b bool) Value {
	return Value{Typ: VT_Bool, B: b}
}

func DecimalValue(d dec.Decimal) Value {
	return Value{Typ: VT_Decimal, Dec: d}
}

func DateValue(t time.Time) Value {
	days := t.UTC().Truncate(24*time.Hour).Unix() / 86400
	return Value{Typ: VT_Date, I64: days}
}

// ParseDecimal parses s like "12.50".
func ParseDecimal(s string) (Value, error) {
	d, err := dec.Parse(s)
	if err != nil {
		return Value{}, err
	}
	return DecimalValue(d), nil
}

func MustDecimal(s string) Value {
	return DecimalValue(dec.MustParse(s))
}

func (v Value) IsNull() bool {
	return v.Typ == VT_Null
}

// Position maps a numeric value onto the real line for interpolation
// inside histogram buckets. ok is false for non numeric values.
func (v Value) Position() (float64, bool) {
	switch v.Typ {
	case VT_Integer, VT_Date:
		return float64(v.I64), true
	case VT_Float:
		return v.F64, true
	case VT_Decimal:
		f, ok := v.Dec.Float64()
		return f, ok
	case VT_Bool:
		if v.B {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Compare orders values. Nulls sort first. Numeric kinds compare by value
// across kinds; a numeric and a string compare by kind.
func (v Value) Compare(o Value) int {
	if v.Typ == VT_Null || o.Typ == VT_Null {
		return cmp.Compare(nullRank(v), nullRank(o))
	}
	if v.Typ == o.Typ {
		switch v.Typ {
		case VT_Integer, VT_Date:
			return cmp.Compare(v.I64, o.I64)
		case VT_Float:
			return cmp.Compare(v.F64, o.F64)
		case VT_Decimal:
			return v.Dec.Cmp(o.Dec)
		case VT_Varchar:
			return strings.Compare(v.Str, o.Str)
		case VT_Bool:
			return cmp.Compare(boolRank(v.B), boolRank(o.B))
		}
	}
	if v.Typ == VT_Decimal && o.Typ == VT_Integer {
		return v.Dec.Cmp(dec.MustNew(o.I64, 0))
	}
	if v.Typ == VT_Integer && o.Typ == VT_Decimal {
		return dec.MustNew(v.I64, 0).Cmp(o.Dec)
	}
	lp, lok := v.Position()
	rp, rok := o.Position()
	if lok && rok {
		return cmp.Compare(lp, rp)
	}
	return cmp.Compare(v.Typ, o.Typ)
}

func (v Value) Equal(o Value) bool {
	return v.Typ == o.Typ && v.Compare(o) == 0
}

func nullRank(v Value) int {
	if v.Typ == VT_Null {
		return 0
	}
	return 1
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (v Value) String() string {
	switch v.Typ {
	case VT_Null:
		return "NULL"
	case VT_Bool:
		return strconv.FormatBool(v.B)
	case VT_Integer:
		return strconv.FormatInt(v.I64, 10)
	case VT_Float:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case VT_Decimal:
		return v.Dec.String()
	case VT_Varchar:
		return "'" + v.Str + "'"
	case VT_Date:
		return time.Unix(v.I64*86400, 0).UTC().Format(time.DateOnly)
	default:
		panic(fmt.Sprintf("usp %d", v.Typ))
	}
}

// ValueFrom converts literal go values read from scenario files.
func ValueFrom(x any) (Value, error) {
	switch val := x.(type) {
	case nil:
		return NullValue(), nil
	case bool:
		return BoolValue(val), nil
	case int:
		return IntValue(int64(val)), nil
	case int64:
		return IntValue(val), nil
	case float64:
		return FloatValue(val), nil
	case string:
		if strings.HasPrefix(val, "dec:") {
			return ParseDecimal(strings.TrimPrefix(val, "dec:"))
		}
		if strings.HasPrefix(val, "date:") {
			t, err := time.Parse(time.DateOnly, strings.TrimPrefix(val, "date:"))
			if err != nil {
				return Value{}, err
			}
			return DateValue(t), nil
		}
		return StringValue(val), nil
	case time.Time:
		return DateValue(val), nil
	default:
		return Value{}, fmt.Errorf("unsupported literal %T", x)
	}
}
