// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package steps derives the operating-point ladder (spec.md §4.5) and its
// matching down-shift idle thresholds (spec.md §4.6) from CPU topology and
// available frequencies.
package steps

import (
	"fmt"

	"github.com/ix-project/cpctl/pkg/errors"
)

// Policy selects which ladder DeriveSteps builds.
type Policy int

const (
	// EnergyEfficiency scales core count out at minimum frequency, then
	// scales frequency up once every core and its sibling are active.
	EnergyEfficiency Policy = iota
	// BackgroundTask keeps a fixed second-highest frequency while scaling
	// core+sibling pairs out together, trading peak frequency for headroom
	// a co-resident background job can use.
	BackgroundTask
	// MinMax offers only the lowest and highest operating points.
	MinMax
)

func (p Policy) String() string {
	switch p {
	case EnergyEfficiency:
		return "energy-efficiency"
	case BackgroundTask:
		return "background-task"
	case MinMax:
		return "minmax"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a CLI-facing name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "energy-efficiency":
		return EnergyEfficiency, nil
	case "background-task":
		return BackgroundTask, nil
	case "minmax":
		return MinMax, nil
	default:
		return 0, errors.InvalidStepPolicy(name)
	}
}

// Step is one operating point: the set of logical CPUs to keep active and
// the frequency (kHz) every active CPU's cpufreq node should be set to.
type Step struct {
	CPUs      []int
	Frequency int
}

// DeriveSteps builds the step ladder for policy over coreCount physical
// cores and the given ascending-sorted available frequencies, ordering CPUs
// by htAtTheEnd (spec.md §4.1/§4.5).
func DeriveSteps(policy Policy, coreCount int, frequencies []int, htAtTheEnd []int) ([]Step, error) {
	if coreCount <= 0 {
		return nil, fmt.Errorf("steps: core count must be positive, got %d", coreCount)
	}
	if len(frequencies) == 0 {
		return nil, fmt.Errorf("steps: no available frequencies")
	}
	if len(htAtTheEnd) < coreCount*2 {
		return nil, fmt.Errorf("steps: cpu ordering has %d entries, need at least %d", len(htAtTheEnd), coreCount*2)
	}

	var out []Step
	switch policy {
	case EnergyEfficiency:
		for k := 1; k <= coreCount; k++ {
			out = append(out, Step{CPUs: cloneCPUs(htAtTheEnd[:k]), Frequency: frequencies[0]})
		}
		for _, f := range frequencies {
			out = append(out, Step{CPUs: cloneCPUs(htAtTheEnd[:coreCount*2]), Frequency: f})
		}
	case BackgroundTask:
		for k := 1; k <= coreCount; k++ {
			cpus := append(cloneCPUs(htAtTheEnd[:k]), htAtTheEnd[coreCount:coreCount+k]...)
			out = append(out, Step{CPUs: cpus, Frequency: frequencies[secondHighestIndex(frequencies)]})
		}
		out = append(out, Step{CPUs: cloneCPUs(htAtTheEnd[:coreCount*2]), Frequency: frequencies[len(frequencies)-1]})
	case MinMax:
		out = append(out, Step{CPUs: []int{0}, Frequency: frequencies[0]})
		out = append(out, Step{CPUs: cloneCPUs(htAtTheEnd[:coreCount*2]), Frequency: frequencies[len(frequencies)-1]})
	default:
		return nil, errors.InvalidStepPolicy(policy.String())
	}
	return out, nil
}

func secondHighestIndex(frequencies []int) int {
	if len(frequencies) < 2 {
		return len(frequencies) - 1
	}
	return len(frequencies) - 2
}

func cloneCPUs(cpus []int) []int {
	return append([]int(nil), cpus...)
}

// IdleThresholds computes the down-shift idle threshold for each step
// (spec.md §4.6). Entry 0 is fixed at 2 (never down-shift from the lowest
// step); every entry is scaled by a 1.2 safety margin.
func IdleThresholds(steps []Step, coreCount int) []float64 {
	if len(steps) == 0 {
		return nil
	}

	turboFrequency := steps[0].Frequency
	for _, s := range steps {
		if s.Frequency > turboFrequency {
			turboFrequency = s.Frequency
		}
	}

	thresholds := make([]float64, len(steps))
	thresholds[0] = 2

	for i := 1; i < len(steps); i++ {
		cur, prev := steps[i], steps[i-1]
		switch {
		case len(cur.CPUs) == coreCount*2 && len(prev.CPUs) == coreCount:
			thresholds[i] = 1 - 1.0/1.3
		case len(cur.CPUs) != len(prev.CPUs):
			thresholds[i] = 1.0 / float64(CountPrimaries(cur.CPUs, coreCount))
		case cur.Frequency != turboFrequency:
			thresholds[i] = float64(cur.Frequency-prev.Frequency) / float64(cur.Frequency)
		default:
			thresholds[i] = 0.1
		}
	}

	for i := range thresholds {
		thresholds[i] *= 1.2
	}
	return thresholds
}

// CountPrimaries returns how many of cpus are primary threads (logical id
// below coreCount), used both for idle-threshold derivation and for sizing
// the background-task preemption the controller applies around a
// transition.
func CountPrimaries(cpus []int, coreCount int) int {
	n := 0
	for _, c := range cpus {
		if c < coreCount {
			n++
		}
	}
	return n
}
