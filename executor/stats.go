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
	"strings"
	"time"

	"github.com/javainthinking/prestosql/util/memory"
	"go.uber.org/atomic"
)

// Counter is a cumulative counter safe for concurrent update.
type Counter struct {
	total atomic.Int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	c.total.Add(delta)
}

// Total returns the cumulative total.
func (c *Counter) Total() int64 {
	return c.total.Load()
}

// OperationTiming accumulates the call count, wall time and CPU time of one
// operation phase. Every field is independently concurrency-safe.
type OperationTiming struct {
	calls     atomic.Int64
	wallNanos atomic.Int64
	cpuNanos  atomic.Int64
}

// Record adds one completed call with the given wall and CPU durations.
func (t *OperationTiming) Record(wall, cpu time.Duration) {
	t.calls.Inc()
	t.wallNanos.Add(int64(wall))
	t.cpuNanos.Add(int64(cpu))
}

// Calls returns the number of recorded calls.
func (t *OperationTiming) Calls() int64 {
	return t.calls.Load()
}

// WallTime returns the accumulated wall time.
func (t *OperationTiming) WallTime() time.Duration {
	return time.Duration(t.wallNanos.Load())
}

// CPUTime returns the accumulated CPU time. It only grows through Record
// calls that pass an explicit CPU duration; the driving loop measures it.
func (t *OperationTiming) CPUTime() time.Duration {
	return time.Duration(t.cpuNanos.Load())
}

// OperationTimer measures the wall time of successive driver calls into an
// operator. It is used by a single driving goroutine.
type OperationTimer struct {
	start time.Time
}

// NewOperationTimer starts a timer.
func NewOperationTimer() *OperationTimer {
	return &OperationTimer{start: time.Now()}
}

// RecordOperationComplete records the elapsed wall time into timing and
// restarts the timer.
func (t *OperationTimer) RecordOperationComplete(timing *OperationTiming) {
	now := time.Now()
	timing.Record(now.Sub(t.start), 0)
	t.start = now
}

// BlockedReason explains why an operator is currently blocked.
type BlockedReason string

// BlockedReasonWaitingForMemory means the operator is parked on the shared
// memory pool.
const BlockedReasonWaitingForMemory BlockedReason = "WAITING_FOR_MEMORY"

// OperatorStats is an immutable point-in-time snapshot of one operator's
// resource usage and throughput. Fields are sampled independently; the
// snapshot is not a single atomic transaction across counters.
type OperatorStats struct {
	StageID      int    `json:"stage_id"`
	PipelineID   int    `json:"pipeline_id"`
	OperatorID   int    `json:"operator_id"`
	PlanNodeID   string `json:"plan_node_id"`
	OperatorType string `json:"operator_type"`

	AddInputCalls    int64         `json:"add_input_calls"`
	AddInputWallTime time.Duration `json:"add_input_wall_time"`
	AddInputCPUTime  time.Duration `json:"add_input_cpu_time"`

	PhysicalInputBytes int64 `json:"physical_input_bytes"`
	NetworkInputBytes  int64 `json:"network_input_bytes"`
	TotalInputBytes    int64 `json:"total_input_bytes"`
	InputBytes         int64 `json:"input_bytes"`
	InputPositions     int64 `json:"input_positions"`

	GetOutputCalls    int64         `json:"get_output_calls"`
	GetOutputWallTime time.Duration `json:"get_output_wall_time"`
	GetOutputCPUTime  time.Duration `json:"get_output_cpu_time"`
	OutputBytes       int64         `json:"output_bytes"`
	OutputPositions   int64         `json:"output_positions"`

	PhysicalWrittenBytes int64 `json:"physical_written_bytes"`

	BlockedWallTime time.Duration `json:"blocked_wall_time"`

	FinishCalls    int64         `json:"finish_calls"`
	FinishWallTime time.Duration `json:"finish_wall_time"`
	FinishCPUTime  time.Duration `json:"finish_cpu_time"`

	UserMemoryBytes      int64 `json:"user_memory_bytes"`
	RevocableMemoryBytes int64 `json:"revocable_memory_bytes"`
	SystemMemoryBytes    int64 `json:"system_memory_bytes"`

	PeakUserMemoryBytes   int64 `json:"peak_user_memory_bytes"`
	PeakSystemMemoryBytes int64 `json:"peak_system_memory_bytes"`
	PeakTotalMemoryBytes  int64 `json:"peak_total_memory_bytes"`

	SpilledBytes int64 `json:"spilled_bytes"`

	// BlockedReason is non-empty iff the operator's regular memory signal is
	// currently unresolved.
	BlockedReason BlockedReason `json:"blocked_reason,omitempty"`

	// Info is the operator-specific info produced by the installed supplier,
	// nil if none was installed.
	Info any `json:"info,omitempty"`
}

// String implements the fmt.Stringer interface.
func (s *OperatorStats) String() string {
	parts := make([]string, 0, 8)
	parts = append(parts, fmt.Sprintf("operator:%s-%s", s.OperatorType, s.PlanNodeID))
	parts = append(parts, fmt.Sprintf("input:%s/%d rows", memory.FormatBytes(s.InputBytes), s.InputPositions))
	parts = append(parts, fmt.Sprintf("output:%s/%d rows", memory.FormatBytes(s.OutputBytes), s.OutputPositions))
	parts = append(parts, fmt.Sprintf("memory:%s user, %s system, %s revocable",
		memory.FormatBytes(s.UserMemoryBytes), memory.FormatBytes(s.SystemMemoryBytes), memory.FormatBytes(s.RevocableMemoryBytes)))
	if s.SpilledBytes > 0 {
		parts = append(parts, fmt.Sprintf("spilled:%s", memory.FormatBytes(s.SpilledBytes)))
	}
	if s.BlockedReason != "" {
		parts = append(parts, fmt.Sprintf("blocked:%s", s.BlockedReason))
	}
	return strings.Join(parts, " ")
}
