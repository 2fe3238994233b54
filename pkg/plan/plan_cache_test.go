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
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlanCacheEviction(t *testing.T) {
	pc := newPlanCache(3, 0)
	plans := make([]*Plan, 5)
	for i := range plans {
		plans[i] = &Plan{Signature: fmt.Sprint(i)}
		pc.put(fmt.Sprint(i), plans[i])
	}
	assert.Equal(t, 3, pc.len())
	_, ok := pc.get("0")
	assert.False(t, ok)
	_, ok = pc.get("1")
	assert.False(t, ok)
	p, ok := pc.get("4")
	assert.True(t, ok)
	assert.Same(t, plans[4], p)

	//putting a key again makes it the newest
	pc.put("2", plans[2])
	pc.put("5", &Plan{})
	_, ok = pc.get("3")
	assert.False(t, ok)
	_, ok = pc.get("2")
	assert.True(t, ok)

	assert.Equal(t, 3, pc.invalidate())
	assert.Equal(t, 0, pc.len())
}

func TestPlanCacheExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	pc := newPlanCache(8, time.Second)
	pc.now = func() time.Time { return now }
	pc.put("q", &Plan{})

	now = now.Add(999 * time.Millisecond)
	_, ok := pc.get("q")
	assert.True(t, ok)

	now = now.Add(time.Millisecond)
	_, ok = pc.get("q")
	assert.False(t, ok)
	assert.Equal(t, 0, pc.len())
}
