// Copyright 2025 The prestosql Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"github.com/pingcap/errors"
)

// TrackingContext bundles the ledger of one operator with the root
// aggregated context of each memory class, plus one operator-local slot per
// class. It is created per operator instance and closed exactly once when the
// operator finishes.
type TrackingContext struct {
	ledger *Ledger

	userRoot      AggregatedMemoryContext
	systemRoot    AggregatedMemoryContext
	revocableRoot AggregatedMemoryContext

	userLocal      LocalMemoryContext
	systemLocal    LocalMemoryContext
	revocableLocal LocalMemoryContext
}

// NewTrackingContext creates a TrackingContext whose reservations are drawn
// from pool.
func NewTrackingContext(pool *Pool) *TrackingContext {
	ledger := NewLedger()
	return &TrackingContext{
		ledger:        ledger,
		userRoot:      NewAggregatedMemoryContextRoot(ledger, UserMemory, pool),
		systemRoot:    NewAggregatedMemoryContextRoot(ledger, SystemMemory, pool),
		revocableRoot: NewAggregatedMemoryContextRoot(ledger, RevocableMemory, pool),
	}
}

// InitializeLocalContexts creates the operator-local slot of each class,
// tagged with the operator type. It must be called exactly once.
func (t *TrackingContext) InitializeLocalContexts(tag string) {
	if t.userLocal != nil {
		panic("local memory contexts already initialized")
	}
	t.userLocal = t.userRoot.NewLocalMemoryContext(tag)
	t.systemLocal = t.systemRoot.NewLocalMemoryContext(tag)
	t.revocableLocal = t.revocableRoot.NewLocalMemoryContext(tag)
}

// LocalUserMemoryContext returns the operator-local user memory slot.
func (t *TrackingContext) LocalUserMemoryContext() LocalMemoryContext {
	return t.userLocal
}

// LocalSystemMemoryContext returns the operator-local system memory slot.
func (t *TrackingContext) LocalSystemMemoryContext() LocalMemoryContext {
	return t.systemLocal
}

// LocalRevocableMemoryContext returns the operator-local revocable memory
// slot.
func (t *TrackingContext) LocalRevocableMemoryContext() LocalMemoryContext {
	return t.revocableLocal
}

// AggregateUserMemoryContext returns the root user memory fan-in node.
func (t *TrackingContext) AggregateUserMemoryContext() AggregatedMemoryContext {
	return t.userRoot
}

// NewAggregateSystemMemoryContext creates a caller-owned system memory fan-in
// node under the root.
func (t *TrackingContext) NewAggregateSystemMemoryContext() AggregatedMemoryContext {
	return t.systemRoot.NewAggregatedMemoryContext()
}

// NewLocalSystemMemoryContext creates a caller-owned system memory slot under
// the root.
func (t *TrackingContext) NewLocalSystemMemoryContext(tag string) LocalMemoryContext {
	return t.systemRoot.NewLocalMemoryContext(tag)
}

// UserBytes returns the current user memory reservation.
func (t *TrackingContext) UserBytes() int64 {
	return t.ledger.UserBytes()
}

// SystemBytes returns the current system memory reservation.
func (t *TrackingContext) SystemBytes() int64 {
	return t.ledger.SystemBytes()
}

// RevocableBytes returns the current revocable memory reservation.
func (t *TrackingContext) RevocableBytes() int64 {
	return t.ledger.RevocableBytes()
}

// TotalBytes returns user plus system memory.
func (t *TrackingContext) TotalBytes() int64 {
	return t.ledger.TotalBytes()
}

// Close closes the root context of each class, cascading to the children
// they created.
func (t *TrackingContext) Close() error {
	if err := t.userRoot.Close(); err != nil {
		return errors.Trace(err)
	}
	if err := t.systemRoot.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(t.revocableRoot.Close())
}
