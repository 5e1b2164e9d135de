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

package executor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/javainthinking/prestosql/config"
	"github.com/javainthinking/prestosql/util/logutil"
	"github.com/javainthinking/prestosql/util/memory"
	"go.uber.org/zap"
)

// DriverContext owns the resources shared by the operators of one driver:
// the memory pool reservations are drawn from, the spill budget, and the
// pipeline/stage identity used to stamp operator stats. Spill budget methods
// are fire-and-forget delta applications; exceeding the configured quota is
// logged, not enforced.
type DriverContext struct {
	stageID    int
	pipelineID int
	pool       *memory.Pool

	spillQuota    int64
	reservedSpill int64
	spillWarnOnce sync.Once
}

// NewDriverContext creates a DriverContext drawing from pool. The spill quota
// comes from the global config.
func NewDriverContext(stageID, pipelineID int, pool *memory.Pool) *DriverContext {
	return &DriverContext{
		stageID:    stageID,
		pipelineID: pipelineID,
		pool:       pool,
		spillQuota: config.GetGlobalConfig().Resource.SpillQuota,
	}
}

// StageID returns the stage this driver belongs to.
func (d *DriverContext) StageID() int {
	return d.stageID
}

// PipelineID returns the pipeline this driver belongs to.
func (d *DriverContext) PipelineID() int {
	return d.pipelineID
}

// MemoryPool returns the shared memory pool of this driver.
func (d *DriverContext) MemoryPool() *memory.Pool {
	return d.pool
}

// ReserveSpill adds bytes to the shared spill budget.
func (d *DriverContext) ReserveSpill(bytes int64) {
	if bytes < 0 {
		panic(fmt.Sprintf("cannot reserve negative spill bytes (%d)", bytes))
	}
	reserved := atomic.AddInt64(&d.reservedSpill, bytes)
	if d.spillQuota > 0 && reserved > d.spillQuota {
		d.spillWarnOnce.Do(func() {
			logutil.BgLogger().Warn("spill budget exceeded",
				zap.Int("stage", d.stageID),
				zap.Int("pipeline", d.pipelineID),
				zap.String("reserved", memory.FormatBytes(reserved)),
				zap.String("quota", memory.FormatBytes(d.spillQuota)))
		})
	}
}

// FreeSpill returns bytes to the shared spill budget. Freeing more than is
// reserved is a programming error.
func (d *DriverContext) FreeSpill(bytes int64) {
	if bytes < 0 {
		panic(fmt.Sprintf("cannot free negative spill bytes (%d)", bytes))
	}
	for {
		reserved := atomic.LoadInt64(&d.reservedSpill)
		if bytes > reserved {
			panic(fmt.Sprintf("tried to free %d spill bytes with %d bytes reserved", bytes, reserved))
		}
		if atomic.CompareAndSwapInt64(&d.reservedSpill, reserved, reserved-bytes) {
			return
		}
	}
}

// ReservedSpillBytes returns the bytes currently reserved for spill.
func (d *DriverContext) ReservedSpillBytes() int64 {
	return atomic.LoadInt64(&d.reservedSpill)
}

// NewOperatorContext creates the resource context for one operator instance
// of this driver.
func (d *DriverContext) NewOperatorContext(operatorID int, planNodeID, operatorType string) *OperatorContext {
	return NewOperatorContext(operatorID, planNodeID, operatorType, d)
}
