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
	"fmt"
	"sync/atomic"
)

// Class identifies one of the independently tracked memory classes of an
// operator.
type Class int

// Memory classes.
const (
	// UserMemory is memory attributable to the data the query processes.
	UserMemory Class = iota
	// SystemMemory is bookkeeping memory the engine holds on behalf of the
	// operator.
	SystemMemory
	// RevocableMemory is memory the operator can give back on request,
	// typically by spilling to disk.
	RevocableMemory
)

// String implements the fmt.Stringer interface.
func (c Class) String() string {
	switch c {
	case UserMemory:
		return "user memory"
	case SystemMemory:
		return "system memory"
	case RevocableMemory:
		return "revocable memory"
	}
	return fmt.Sprintf("unknown memory class %d", int(c))
}

// Ledger is the ground-truth byte accounting for one operator. It keeps one
// non-negative counter per memory class. All mutations go through memory
// contexts; reads are lock-free and always consistent with the last completed
// mutation of each counter.
type Ledger struct {
	user      int64
	system    int64
	revocable int64
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

func (l *Ledger) counter(c Class) *int64 {
	switch c {
	case UserMemory:
		return &l.user
	case SystemMemory:
		return &l.system
	case RevocableMemory:
		return &l.revocable
	}
	panic(fmt.Sprintf("unknown memory class %d", int(c)))
}

// add applies a delta to one class. A counter dropping below zero means a
// context freed more than it reserved, which is an engine bug.
func (l *Ledger) add(c Class, delta int64) {
	if newv := atomic.AddInt64(l.counter(c), delta); newv < 0 {
		panic(fmt.Sprintf("%s ledger dropped below zero (%d bytes)", c, newv))
	}
}

// Bytes returns the current value of one class counter.
func (l *Ledger) Bytes(c Class) int64 {
	return atomic.LoadInt64(l.counter(c))
}

// UserBytes returns the current user memory reservation.
func (l *Ledger) UserBytes() int64 {
	return atomic.LoadInt64(&l.user)
}

// SystemBytes returns the current system memory reservation.
func (l *Ledger) SystemBytes() int64 {
	return atomic.LoadInt64(&l.system)
}

// RevocableBytes returns the current revocable memory reservation.
func (l *Ledger) RevocableBytes() int64 {
	return atomic.LoadInt64(&l.revocable)
}

// TotalBytes returns user plus system memory. Revocable memory is reported
// separately because it can be reclaimed without failing the operator.
func (l *Ledger) TotalBytes() int64 {
	return l.UserBytes() + l.SystemBytes()
}
