// Copyright 2025 Google LLC
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

// Package common holds the kernel-wide metric counters. Exporting them is
// out of scope; the counters are cheap and always on so that tests and the
// run loop can observe subsystem traffic.
package common

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the events the kernel core emits.
type Metrics struct {
	PageFaults   prometheus.Counter
	StackGrowths prometheus.Counter
	Evictions    prometheus.Counter
	SwapOuts     prometheus.Counter
	SwapIns      prometheus.Counter
	Syscalls     *prometheus.CounterVec
}

// NewMetrics creates the counter set and registers it on reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PageFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teachos_page_faults_total",
			Help: "Page faults resolved by the VM subsystem.",
		}),
		StackGrowths: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teachos_stack_growths_total",
			Help: "Faults classified as stack growth.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teachos_frame_evictions_total",
			Help: "Frames reclaimed by the clock-hand policy.",
		}),
		SwapOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teachos_swap_outs_total",
			Help: "Pages written to the swap device.",
		}),
		SwapIns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teachos_swap_ins_total",
			Help: "Pages read back from the swap device.",
		}),
		Syscalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teachos_syscalls_total",
			Help: "System calls dispatched, by name.",
		}, []string{"name"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PageFaults,
			m.StackGrowths,
			m.Evictions,
			m.SwapOuts,
			m.SwapIns,
			m.Syscalls)
	}

	return m
}
