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
	"strings"

	"github.com/cespare/xxhash/v2"
)

type cseEntry struct {
	key string
	id  GroupID
}

// cseBuilder inserts a logical tree into the memo top down. Subtrees seen
// before resolve to their group without visiting their children again.
type cseBuilder struct {
	memo    *Memo
	enable  bool
	keys    map[*LogicalOperator]string
	subtree map[uint64][]cseEntry
	hits    int
}

func newCSEBuilder(memo *Memo, enable bool) *cseBuilder {
	return &cseBuilder{
		memo:    memo,
		enable:  enable,
		keys:    make(map[*LogicalOperator]string),
		subtree: make(map[uint64][]cseEntry),
	}
}

// fingerprint computes the full structural key of every subtree once.
func (cse *cseBuilder) fingerprint(lo *LogicalOperator) string {
	if key, ok := cse.keys[lo]; ok {
		return key
	}
	sb := strings.Builder{}
	sb.WriteString(opKey(lo))
	if len(lo.Children) > 0 {
		sb.WriteString("{")
		for i, child := range lo.Children {
			if i > 0 {
				sb.WriteString(";")
			}
			sb.WriteString(cse.fingerprint(child))
		}
		sb.WriteString("}")
	}
	key := sb.String()
	cse.keys[lo] = key
	return key
}

func (cse *cseBuilder) build(lo *LogicalOperator) (GroupID, error) {
	if lo == nil {
		return InvalidGroup, invalidShape("nil operator")
	}
	var hash uint64
	var key string
	if cse.enable {
		key = cse.fingerprint(lo)
		hash = xxhash.Sum64String(key)
		for _, ent := range cse.subtree[hash] {
			if ent.key == key {
				cse.hits++
				return ent.id, nil
			}
		}
	}
	children := make([]GroupID, len(lo.Children))
	for i, child := range lo.Children {
		id, err := cse.build(child)
		if err != nil {
			return InvalidGroup, err
		}
		children[i] = id
	}
	id := cse.memo.Insert(NewMemoExpr(lo, children...))
	if id == InvalidGroup {
		return InvalidGroup, invalidShape("%v references a missing group", lo.Typ)
	}
	if cse.enable {
		cse.subtree[hash] = append(cse.subtree[hash], cseEntry{key: key, id: id})
	}
	return id, nil
}

// InsertPlan loads root into memo and returns the root group and the
// number of subtrees resolved by elimination.
func InsertPlan(memo *Memo, root *LogicalOperator, enable bool) (GroupID, int, error) {
	cse := newCSEBuilder(memo, enable)
	id, err := cse.build(root)
	return id, cse.hits, err
}
