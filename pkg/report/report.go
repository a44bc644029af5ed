// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package report renders the one-shot admin commands' output (spec.md §4.8):
// metrics, power, queue depths, and the per-CPU flow-group summary the
// rebalancer emits after a set_cpus call.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
)

// CPUMetrics is the subset of a running CPU's telemetry the one-shot
// commands print; it mirrors the fields read out of shm.CPUMetrics.
type CPUMetrics struct {
	CPU           int
	QueuingDelay  float64
	BatchSize     float64
	QueueSize     [3]float64
	Idle          [3]float64
}

// Metrics writes one aligned row per CPU: queuing delay and batch size, the
// two numbers the original control plane's --show-metrics prints.
func Metrics(w io.Writer, metrics []CPUMetrics) {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	for _, m := range metrics {
		fmt.Fprintf(tw, "CPU %d:\tqueuing delay: %.0f us\tbatch size: %.0f pkts\n", m.CPU, m.QueuingDelay, m.BatchSize)
	}
	tw.Flush()
}

// Power writes the package power reading --print-power surfaces.
func Power(w io.Writer, pkgPowerWatts float32) {
	fmt.Fprintf(w, "%g\n", pkgPowerWatts)
}

// Queues writes fast/medium/slow queue depths per running CPU, as
// --print-queues does.
func Queues(w io.Writer, metrics []CPUMetrics) {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	for _, m := range metrics {
		fmt.Fprintf(tw, "%d\t%g/%g/%g\n", m.CPU, m.QueueSize[0], m.QueueSize[1], m.QueueSize[2])
	}
	tw.Flush()
}

// Assignment writes the per-CPU flow-group summary the rebalancer emits
// after every set_cpus call, one line per non-empty CPU.
func Assignment(w io.Writer, assignment map[int][]int) {
	cpus := make([]int, 0, len(assignment))
	for cpu, fgs := range assignment {
		if len(fgs) == 0 {
			continue
		}
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	for _, cpu := range cpus {
		fmt.Fprintf(w, "# CPU %02d: flow groups: %s\n", cpu, FlowGroupRuns(assignment[cpu]))
	}
}

// FlowGroupRuns renders a set of flow-group ids as a run-length summary,
// e.g. FlowGroupRuns([]int{0,1,2,3,6,9,10}) == "7:[0-3,6,9-10]".
func FlowGroupRuns(ids []int) string {
	if len(ids) == 0 {
		return "0:[]"
	}

	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)

	var runs []string
	runStart, runEnd := sorted[0], sorted[0]
	flush := func() {
		if runStart == runEnd {
			runs = append(runs, fmt.Sprintf("%d", runStart))
		} else {
			runs = append(runs, fmt.Sprintf("%d-%d", runStart, runEnd))
		}
	}
	for _, id := range sorted[1:] {
		if id == runEnd+1 {
			runEnd = id
			continue
		}
		flush()
		runStart, runEnd = id, id
	}
	flush()

	return fmt.Sprintf("%d:[%s]", len(ids), strings.Join(runs, ","))
}
