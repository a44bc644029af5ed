// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// htAtEnd4Core mimics a 4-core, 8-thread host: primaries 0-3, siblings 4-7.
var htAtEnd4Core = []int{0, 1, 2, 3, 4, 5, 6, 7}

var freqs = []int{1200000, 1600000, 2000000, 2400000}

func TestDeriveSteps_EnergyEfficiency(t *testing.T) {
	got, err := DeriveSteps(EnergyEfficiency, 4, freqs, htAtEnd4Core)
	require.NoError(t, err)

	// 4 core-count steps at min frequency, then one step per frequency at
	// full population.
	require.Len(t, got, 8)
	assert.Equal(t, []int{0}, got[0].CPUs)
	assert.Equal(t, 1200000, got[0].Frequency)
	assert.Equal(t, []int{0, 1, 2, 3}, got[3].CPUs)
	assert.Equal(t, 1200000, got[3].Frequency)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, got[4].CPUs)
	assert.Equal(t, 1200000, got[4].Frequency)
	assert.Equal(t, 2400000, got[7].Frequency)
}

func TestDeriveSteps_BackgroundTask(t *testing.T) {
	got, err := DeriveSteps(BackgroundTask, 4, freqs, htAtEnd4Core)
	require.NoError(t, err)

	require.Len(t, got, 5)
	assert.Equal(t, []int{0, 4}, got[0].CPUs)
	assert.Equal(t, 2000000, got[0].Frequency) // second-highest
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, got[3].CPUs)
	assert.Equal(t, 2000000, got[3].Frequency)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, got[4].CPUs)
	assert.Equal(t, 2400000, got[4].Frequency) // final step: max frequency
}

func TestDeriveSteps_MinMax(t *testing.T) {
	got, err := DeriveSteps(MinMax, 4, freqs, htAtEnd4Core)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, []int{0}, got[0].CPUs)
	assert.Equal(t, 1200000, got[0].Frequency)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, got[1].CPUs)
	assert.Equal(t, 2400000, got[1].Frequency)
}

func TestDeriveSteps_RejectsShortOrdering(t *testing.T) {
	_, err := DeriveSteps(EnergyEfficiency, 4, freqs, []int{0, 1})
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("background-task")
	require.NoError(t, err)
	assert.Equal(t, BackgroundTask, p)

	_, err = ParsePolicy("bogus")
	assert.Error(t, err)
}

func TestIdleThresholds_EnergyEfficiency(t *testing.T) {
	stepsList, err := DeriveSteps(EnergyEfficiency, 4, freqs, htAtEnd4Core)
	require.NoError(t, err)

	th := IdleThresholds(stepsList, 4)
	require.Len(t, th, len(stepsList))

	// Entry 0 is fixed at 2, scaled by the 1.2 margin.
	assert.InDelta(t, 2.4, th[0], 1e-9)

	// Steps 1-3 grow the primary count by one CPU each time (1/N core
	// scaling), so threshold = 1/N * 1.2.
	assert.InDelta(t, 1.0/2*1.2, th[1], 1e-9)
	assert.InDelta(t, 1.0/3*1.2, th[2], 1e-9)
	assert.InDelta(t, 1.0/4*1.2, th[3], 1e-9)

	// Step 4 activates siblings over step 3 (core count -> 2*core count).
	assert.InDelta(t, (1-1.0/1.3)*1.2, th[4], 1e-9)

	// Steps 5-7 are frequency-only transitions at non-turbo frequencies,
	// except the final one which hits turbo and falls to the 0.1 default.
	assert.InDelta(t, float64(1600000-1200000)/1600000*1.2, th[5], 1e-9)
	assert.InDelta(t, float64(2000000-1600000)/2000000*1.2, th[6], 1e-9)
	assert.InDelta(t, 0.1*1.2, th[7], 1e-9)
}

func TestIdleThresholds_Empty(t *testing.T) {
	assert.Nil(t, IdleThresholds(nil, 4))
}
