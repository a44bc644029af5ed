// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package controller

import (
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ix-project/cpctl/pkg/history"
	"github.com/ix-project/cpctl/pkg/shm"
	"github.com/ix-project/cpctl/pkg/steps"
)

// fakeView is an in-memory MetricsSource, standing in for a mapped segment.
type fakeView struct {
	mu          sync.Mutex
	nrCPUs      int
	commands    []shm.Command
	metrics     []shm.CPUMetrics
	cyclesPerUs uint32
	scratchIdx  uint32
	scratchpad  []shm.Scratchpad
}

func newFakeView(nrCPUs int) *fakeView {
	return &fakeView{
		nrCPUs:      nrCPUs,
		commands:    make([]shm.Command, nrCPUs),
		metrics:     make([]shm.CPUMetrics, nrCPUs),
		cyclesPerUs: 1,
		scratchpad:  make([]shm.Scratchpad, shm.ScratchpadSlots),
	}
}

func (f *fakeView) NrCPUs() int { return f.nrCPUs }

func (f *fakeView) Command(logical int) *shm.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &f.commands[logical]
}

func (f *fakeView) Metrics(logical int) shm.CPUMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics[logical]
}

func (f *fakeView) setMetrics(logical int, m shm.CPUMetrics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[logical] = m
}

func (f *fakeView) setRunning(logical int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands[logical].CPUState = shm.CPUStateRunning
}

func (f *fakeView) CyclesPerUs() uint32 { return f.cyclesPerUs }

func (f *fakeView) ScratchpadIdx() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scratchIdx
}

func (f *fakeView) ScratchpadAt(idx uint32) shm.Scratchpad {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scratchpad[int(idx)%shm.ScratchpadSlots]
}

type fakeRebalancer struct {
	mu    sync.Mutex
	calls [][]int
}

func (f *fakeRebalancer) SetCPUs(activeCPUs []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]int(nil), activeCPUs...))
	return nil
}

func (f *fakeRebalancer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestController(t *testing.T, view MetricsSource, reb Rebalancer) *Controller {
	t.Helper()
	stepsList := []steps.Step{
		{CPUs: []int{0}, Frequency: 1000},
		{CPUs: []int{0, 1}, Frequency: 1000},
		{CPUs: []int{0, 1, 2}, Frequency: 2000},
	}
	idleThresholds := []float64{2.4, 1.2, 0.1}

	h, err := history.New(8)
	require.NoError(t, err)

	c, err := New(Config{
		Logger:         logr.Discard(),
		View:           view,
		Rebalancer:     reb,
		Steps:          stepsList,
		IdleThresholds: idleThresholds,
		CoreCount:      3,
		SysfsRoot:      t.TempDir(),
		History:        h,
	})
	require.NoError(t, err)
	return c
}

func TestTick_UpShiftsOnHighFastQueue(t *testing.T) {
	view := newFakeView(3)
	view.setRunning(0)
	view.setMetrics(0, shm.CPUMetrics{QueueSize: [3]float64{100, 0, 0}})

	reb := &fakeRebalancer{}
	c := newTestController(t, view, reb)

	c.Tick(time.Now())
	require.Eventually(t, func() bool { return reb.callCount() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.CurrentStep() == 1 }, time.Second, time.Millisecond)
}

func TestTick_NoTransitionWhenNothingCrossesWatermarks(t *testing.T) {
	view := newFakeView(3)
	view.setRunning(0)

	reb := &fakeRebalancer{}
	c := newTestController(t, view, reb)

	c.Tick(time.Now())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, reb.callCount())
	assert.Equal(t, 0, c.CurrentStep())
}

func TestTick_RespectsUpShiftCooldownAfterDownShift(t *testing.T) {
	view := newFakeView(3)
	view.setRunning(0)
	view.setMetrics(0, shm.CPUMetrics{QueueSize: [3]float64{100, 0, 0}})

	reb := &fakeRebalancer{}
	c := newTestController(t, view, reb)
	c.mu.Lock()
	c.lastDown = time.Now()
	c.mu.Unlock()

	c.Tick(time.Now())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, reb.callCount(), "up-shift must wait out the post-down-shift cooldown")
}

func TestTick_DownShiftsOnIdleSlowQueue(t *testing.T) {
	view := newFakeView(3)
	view.setRunning(0)
	view.setRunning(1)
	view.setMetrics(0, shm.CPUMetrics{QueueSize: [3]float64{0, 0, 1}, Idle: [3]float64{1.5, 0, 0}})
	view.setMetrics(1, shm.CPUMetrics{QueueSize: [3]float64{0, 0, 1}, Idle: [3]float64{1.5, 0, 0}})

	reb := &fakeRebalancer{}
	c := newTestController(t, view, reb)
	c.mu.Lock()
	c.curr = 1
	c.lastUp = time.Now().Add(-time.Hour)
	c.lastDown = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	c.Tick(time.Now())
	require.Eventually(t, func() bool { return reb.callCount() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.CurrentStep() == 0 }, time.Second, time.Millisecond)
}

func TestTick_DoesNotStartASecondTransitionWhileBusy(t *testing.T) {
	view := newFakeView(3)
	view.setRunning(0)
	view.setMetrics(0, shm.CPUMetrics{QueueSize: [3]float64{100, 0, 0}})

	reb := &fakeRebalancer{}
	c := newTestController(t, view, reb)
	c.busy.Store(true)

	c.Tick(time.Now())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, reb.callCount())
}
