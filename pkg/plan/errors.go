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
	"errors"
	"fmt"
)

// ErrInvalidPlanShape is the only fatal planning error. Everything else
// degrades to a valid plan and is reported through Explain.
var ErrInvalidPlanShape = errors.New("invalid plan shape")

var ErrUnknownPlan = errors.New("unknown plan signature")

var ErrUnknownOperator = errors.New("unknown operator id")

func invalidShape(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPlanShape, fmt.Sprintf(format, args...))
}

// Warning kinds surfaced in Explain.
type WarningKind int

const (
	WarnDegradedEstimate WarningKind = iota
	WarnDisconnectedGraph
	WarnEnumerationFallback
	WarnRelationLimit
)

func (wk WarningKind) String() string {
	switch wk {
	case WarnDegradedEstimate:
		return "degraded estimate"
	case WarnDisconnectedGraph:
		return "disconnected join graph"
	case WarnEnumerationFallback:
		return "enumeration fallback"
	case WarnRelationLimit:
		return "relation limit"
	default:
		panic(fmt.Sprintf("usp %d", wk))
	}
}

type Warning struct {
	Kind   WarningKind
	Detail string
}

func (w Warning) String() string {
	return fmt.Sprintf("%v: %s", w.Kind, w.Detail)
}
