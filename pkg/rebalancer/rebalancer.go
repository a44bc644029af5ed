// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package rebalancer implements the flow-group migration algorithm of
// spec.md §4.4: given a current CPU->flow-group assignment and a target
// active CPU set, it issues the minimum ordered sequence of MIGRATE and
// IDLE commands that reaches a balanced assignment.
package rebalancer

import (
	"sort"

	"github.com/go-logr/logr"
)

// Channel is the command-submission surface the rebalancer drives. It is
// satisfied by *cmdchannel.Channel; the narrow interface keeps this package
// independent of the shared-memory layout and testable against a fake.
type Channel interface {
	Migrate(source, target int, flowGroups []int) error
	Idle(cpu int) error
	WakeUp(cpu int) error
	SetNoIdle(cpu int, on bool)
}

// Rebalancer owns the live CPU->flow-group assignment. It is the exclusive
// mutator of that assignment (spec.md §4.2 ownership note); every other
// component treats it as read-only.
type Rebalancer struct {
	channel    Channel
	nrCPUs     int
	assignment map[int][]int
	logger     logr.Logger
}

// New creates a Rebalancer over channel, seeded with the current assignment
// (CPU -> ordered flow-group ids, insertion order preserved) and the total
// number of logical CPU slots the segment exposes.
func New(logger logr.Logger, channel Channel, nrCPUs int, assignment map[int][]int) *Rebalancer {
	r := &Rebalancer{
		channel:    channel,
		nrCPUs:     nrCPUs,
		assignment: make(map[int][]int, len(assignment)),
		logger:     logger.WithName("rebalancer"),
	}
	for cpu, fgs := range assignment {
		r.assignment[cpu] = append([]int(nil), fgs...)
	}
	return r
}

// Assignment returns a defensive copy of the live CPU->flow-group mapping.
func (r *Rebalancer) Assignment() map[int][]int {
	out := make(map[int][]int, len(r.assignment))
	for cpu, fgs := range r.assignment {
		out[cpu] = append([]int(nil), fgs...)
	}
	return out
}

// NrFlowGroups returns the total number of flow groups currently tracked,
// the sum of per-CPU assignment sizes.
func (r *Rebalancer) NrFlowGroups() int {
	n := 0
	for _, fgs := range r.assignment {
		n += len(fgs)
	}
	return n
}

// Quotas computes the per-CPU target size for activeCPUs: base =
// floor(nrFlowGroups / len(activeCPUs)), with the first nrFlowGroups mod
// len(activeCPUs) entries (in activeCPUs order) carrying base+1.
func Quotas(nrFlowGroups int, activeCPUs []int) map[int]int {
	quotas := make(map[int]int, len(activeCPUs))
	if len(activeCPUs) == 0 {
		return quotas
	}
	base := nrFlowGroups / len(activeCPUs)
	remainder := nrFlowGroups % len(activeCPUs)
	for i, cpu := range activeCPUs {
		if i < remainder {
			quotas[cpu] = base + 1
		} else {
			quotas[cpu] = base
		}
	}
	return quotas
}

// SetCPUs transitions the assignment to activeCPUs, issuing the ordered
// MIGRATE sequence of spec.md §4.4 followed by IDLE on every CPU left with
// an empty assignment. activeCPUs is processed in the given order: each
// target is topped up to quota before the next target is considered, so
// earlier CPUs in the list never starve later ones of their share.
func (r *Rebalancer) SetCPUs(activeCPUs []int) error {
	quotas := Quotas(r.NrFlowGroups(), activeCPUs)
	active := make(map[int]bool, len(activeCPUs))
	for _, cpu := range activeCPUs {
		active[cpu] = true
	}

	for _, target := range activeCPUs {
		r.channel.SetNoIdle(target, true)
		if err := r.channel.WakeUp(target); err != nil {
			return err
		}

		for source := 0; source < r.nrCPUs; source++ {
			if source == target {
				continue
			}
			deficit := quotas[target] - len(r.assignment[target])
			if deficit <= 0 {
				break
			}

			count := deficit
			if len(r.assignment[source]) < count {
				count = len(r.assignment[source])
			}
			if active[source] {
				surplus := len(r.assignment[source]) - quotas[source]
				if surplus < count {
					count = surplus
				}
			}
			if count <= 0 {
				continue
			}

			toMove := tailSlice(r.assignment[source], count)
			if err := r.channel.Migrate(source, target, toMove); err != nil {
				return err
			}
			r.assignment[source] = r.assignment[source][:len(r.assignment[source])-count]
			r.assignment[target] = append(r.assignment[target], toMove...)
		}

		r.channel.SetNoIdle(target, false)
	}

	for cpu := 0; cpu < r.nrCPUs; cpu++ {
		if len(r.assignment[cpu]) == 0 {
			if err := r.channel.Idle(cpu); err != nil {
				return err
			}
		}
	}

	r.logger.Info("rebalanced", "activeCPUs", activeCPUs, "quotas", quotas)
	return nil
}

// tailSlice returns a copy of the last n entries of fgs, sorted for
// deterministic command ordering (the live assignment is otherwise kept in
// insertion order per spec.md §4.4 item iii).
func tailSlice(fgs []int, n int) []int {
	tail := append([]int(nil), fgs[len(fgs)-n:]...)
	sort.Ints(tail)
	return tail
}
