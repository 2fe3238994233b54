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
	"sync"
	"time"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/daviszhen/cbo/pkg/util"
)

var ErrInvalidView = errors.New("invalid view descriptor")

// ViewDescriptor describes a materialized view. Pattern is a select,
// project, join plan with an optional aggregate on top. Columns lists
// the outputs of views without aggregate.
type ViewDescriptor struct {
	ID          uint64
	Name        string
	Pattern     *LogicalOperator
	Columns     []*Expr
	RowCount    uint64
	RefreshedAt time.Time
	Invalid     bool
}

func (desc *ViewDescriptor) String() string {
	return fmt.Sprintf("%s#%d rows=%d", desc.Name, desc.ID, desc.RowCount)
}

// stale reports a view that must not answer queries.
func (desc *ViewDescriptor) stale(now time.Time, threshold time.Duration) bool {
	if desc.Invalid {
		return true
	}
	return threshold > 0 && now.Sub(desc.RefreshedAt) > threshold
}

type ViewRegistry interface {
	ListViews() []*ViewDescriptor
}

func viewLess(a, b *ViewDescriptor) bool {
	return a.ID < b.ID
}

// MemViewRegistry keeps descriptors ordered by id. Readers get a snapshot
// slice; descriptors are replaced, never mutated in place.
type MemViewRegistry struct {
	lock  sync.RWMutex
	views *btree.BTreeG[*ViewDescriptor]
}

func NewMemViewRegistry() *MemViewRegistry {
	return &MemViewRegistry{
		views: btree.NewBTreeG[*ViewDescriptor](viewLess),
	}
}

func (reg *MemViewRegistry) Register(desc *ViewDescriptor) error {
	if desc == nil || desc.Pattern == nil {
		return fmt.Errorf("%w: missing pattern", ErrInvalidView)
	}
	if err := Validate(desc.Pattern); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidView, desc.Name, err)
	}
	if _, ok := summarizeSPJG(desc.Pattern); !ok {
		return fmt.Errorf("%w: %s is not a select-project-join-aggregate", ErrInvalidView, desc.Name)
	}
	cp := *desc
	cp.Pattern = copyPlan(desc.Pattern)
	cp.Columns = copyExprs(desc.Columns...)
	reg.lock.Lock()
	defer reg.lock.Unlock()
	reg.views.Set(&cp)
	util.Debug("view registered", zap.String("view", cp.String()))
	return nil
}

func (reg *MemViewRegistry) Get(id uint64) (*ViewDescriptor, bool) {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return reg.views.Get(&ViewDescriptor{ID: id})
}

func (reg *MemViewRegistry) Drop(id uint64) bool {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	_, ok := reg.views.Delete(&ViewDescriptor{ID: id})
	return ok
}

// Invalidate marks the view unusable until the next Refresh.
func (reg *MemViewRegistry) Invalidate(id uint64) bool {
	return reg.update(id, func(desc *ViewDescriptor) {
		desc.Invalid = true
	})
}

func (reg *MemViewRegistry) Refresh(id uint64, rows uint64, at time.Time) bool {
	return reg.update(id, func(desc *ViewDescriptor) {
		desc.Invalid = false
		desc.RowCount = rows
		desc.RefreshedAt = at
	})
}

func (reg *MemViewRegistry) update(id uint64, fn func(*ViewDescriptor)) bool {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	old, ok := reg.views.Get(&ViewDescriptor{ID: id})
	if !ok {
		return false
	}
	cp := *old
	fn(&cp)
	reg.views.Set(&cp)
	return true
}

func (reg *MemViewRegistry) ListViews() []*ViewDescriptor {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	ret := make([]*ViewDescriptor, 0, reg.views.Len())
	reg.views.Scan(func(desc *ViewDescriptor) bool {
		ret = append(ret, desc)
		return true
	})
	return ret
}

func (reg *MemViewRegistry) Len() int {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return reg.views.Len()
}
