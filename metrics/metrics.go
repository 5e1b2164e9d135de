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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label constants.
const (
	// LblPool is the label of a memory pool name.
	LblPool = "pool"
)

// Executor resource metrics.
var (
	// MemoryPoolUsageGauge tracks the reserved bytes of each memory pool.
	MemoryPoolUsageGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "prestosql",
			Subsystem: "executor",
			Name:      "memory_pool_usage_bytes",
			Help:      "Gauge of bytes reserved from a memory pool.",
		}, []string{LblPool})

	// SpilledBytesCounter counts the cumulative bytes operators spilled to disk.
	SpilledBytesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prestosql",
			Subsystem: "executor",
			Name:      "spilled_bytes_total",
			Help:      "Counter of bytes spilled to disk by operators.",
		})

	// MemoryRevokingRequestCounter counts memory revocation requests that
	// actually targeted revocable memory.
	MemoryRevokingRequestCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prestosql",
			Subsystem: "executor",
			Name:      "memory_revoking_requests_total",
			Help:      "Counter of memory revoking requests delivered to operators.",
		})

	// OperatorBlockedSeconds counts the wall time operators spent blocked.
	OperatorBlockedSeconds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prestosql",
			Subsystem: "executor",
			Name:      "operator_blocked_seconds_total",
			Help:      "Counter of wall seconds operators spent blocked.",
		})
)

// RegisterMetrics registers the executor resource metrics with the default
// prometheus registerer.
func RegisterMetrics() {
	prometheus.MustRegister(MemoryPoolUsageGauge)
	prometheus.MustRegister(SpilledBytesCounter)
	prometheus.MustRegister(MemoryRevokingRequestCounter)
	prometheus.MustRegister(OperatorBlockedSeconds)
}
