// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package controller implements the adaptive step controller of spec.md
// §4.7: per-tick sampling, asymmetric up/down hysteresis, and a single
// in-flight step transition that rebalances flow groups and pins the
// background task around it.
//
// The original control plane synchronizes its one worker thread with the
// main loop through a raw boolean flag and a scratchpad index read with
// relaxed ordering. A goroutine plus an atomic busy flag is the idiomatic
// Go equivalent and is what this package uses instead.
package controller

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/ix-project/cpctl/pkg/history"
	"github.com/ix-project/cpctl/pkg/rebalancer"
	"github.com/ix-project/cpctl/pkg/shm"
	"github.com/ix-project/cpctl/pkg/steps"
)

const (
	tickInterval = 100 * time.Millisecond

	fastQueueHighWatermark = 32
	slowQueueLowWatermark  = 8

	upShiftMinInterval       = 200 * time.Millisecond
	upShiftCooldownAfterDown = 2 * time.Second
	downShiftMinUpInterval   = 4 * time.Second
	downShiftMinInterval     = 4 * time.Second
)

// Rebalancer is the surface the controller drives to realize a step's CPU
// set. Satisfied by *rebalancer.Rebalancer.
type Rebalancer interface {
	SetCPUs(activeCPUs []int) error
}

var _ Rebalancer = (*rebalancer.Rebalancer)(nil)

// MetricsSource is the telemetry and scratchpad surface the controller
// samples from. Satisfied by *shm.View; kept as a narrow interface so tests
// can supply a fake segment without mapping real shared memory.
type MetricsSource interface {
	NrCPUs() int
	Command(logical int) *shm.Command
	Metrics(logical int) shm.CPUMetrics
	CyclesPerUs() uint32
	ScratchpadIdx() uint32
	ScratchpadAt(idx uint32) shm.Scratchpad
}

var _ MetricsSource = (*shm.View)(nil)

// Controller runs the step-selection loop over one shared-memory view.
type Controller struct {
	logger logr.Logger
	view   MetricsSource
	reb    Rebalancer

	steps          []steps.Step
	idleThresholds []float64
	coreCount      int
	sysfsRoot      string
	background     *BackgroundJob
	history        *history.Ring

	mu       sync.Mutex
	curr     int
	lastUp   time.Time
	lastDown time.Time

	busy atomic.Bool
}

// Config assembles a Controller. Background may be nil to disable
// background-task coordination entirely.
type Config struct {
	Logger         logr.Logger
	View           MetricsSource
	Rebalancer     Rebalancer
	Steps          []steps.Step
	IdleThresholds []float64
	CoreCount      int
	SysfsRoot      string
	Background     *BackgroundJob
	History        *history.Ring
}

// New creates a Controller starting at step 0.
func New(cfg Config) (*Controller, error) {
	if len(cfg.Steps) == 0 {
		return nil, fmt.Errorf("controller: no steps configured")
	}
	if len(cfg.IdleThresholds) != len(cfg.Steps) {
		return nil, fmt.Errorf("controller: %d idle thresholds for %d steps", len(cfg.IdleThresholds), len(cfg.Steps))
	}
	if cfg.Background == nil {
		cfg.Background = &BackgroundJob{}
	}
	cfg.Background.logger = cfg.Logger.WithName("background")

	return &Controller{
		logger:         cfg.Logger.WithName("controller"),
		view:           cfg.View,
		reb:            cfg.Rebalancer,
		steps:          cfg.Steps,
		idleThresholds: cfg.IdleThresholds,
		coreCount:      cfg.CoreCount,
		sysfsRoot:      cfg.SysfsRoot,
		background:     cfg.Background,
		history:        cfg.History,
	}, nil
}

// CurrentStep returns the index of the step the controller last settled on.
// The index changes only once a transition completes, so while one is in
// flight this still reports the step being left.
func (c *Controller) CurrentStep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curr
}

// Run drives the controller loop until ctx is done.
func (c *Controller) Run(ctx doneChecker) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Tick(now)
		}
	}
}

// doneChecker is satisfied by context.Context; kept narrow so this package
// does not force a context import on callers that only want Tick.
type doneChecker interface {
	Done() <-chan struct{}
}

type sample struct {
	fast float64
	slow float64
	idle float64
}

func (c *Controller) sample() sample {
	var fastMax, slowSum, idleSum float64
	n := 0
	for cpu := 0; cpu < c.view.NrCPUs(); cpu++ {
		cmd := c.view.Command(cpu)
		if atomic.LoadUint32(&cmd.CPUState) != shm.CPUStateRunning {
			continue
		}
		m := c.view.Metrics(cpu)
		if m.QueueSize[0] > fastMax {
			fastMax = m.QueueSize[0]
		}
		slowSum += m.QueueSize[2]
		idleSum += m.Idle[0]
		n++
	}
	if n == 0 {
		return sample{}
	}
	return sample{fast: fastMax, slow: slowSum / float64(n), idle: idleSum / float64(n)}
}

// Tick gathers one round of metrics and, if a transition is due and none is
// already in flight, starts it. Metrics are sampled every tick; while a
// transition is in flight the tick makes no decision and starts nothing.
func (c *Controller) Tick(now time.Time) {
	s := c.sample()

	if c.busy.Load() {
		return
	}

	c.mu.Lock()
	curr, lastUp, lastDown := c.curr, c.lastUp, c.lastDown
	c.mu.Unlock()

	upShift := s.fast > fastQueueHighWatermark &&
		curr < len(c.steps)-1 &&
		now.Sub(lastUp) >= upShiftMinInterval &&
		now.Sub(lastDown) >= upShiftCooldownAfterDown

	downShift := s.slow < slowQueueLowWatermark &&
		s.idle > c.idleThresholds[curr] &&
		curr > 0 &&
		now.Sub(lastUp) >= downShiftMinUpInterval &&
		now.Sub(lastDown) >= downShiftMinInterval

	var dir history.Direction
	var next int
	switch {
	case upShift:
		dir, next = history.Up, curr+1
	case downShift:
		dir, next = history.Down, curr-1
	default:
		return
	}

	if !c.busy.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	if dir == history.Up {
		c.lastUp = now
	} else {
		c.lastDown = now
	}
	c.mu.Unlock()

	preScratchpadIdx := c.view.ScratchpadIdx()
	go c.runTransition(curr, next, dir, preScratchpadIdx, now)
}

func (c *Controller) runTransition(from, to int, dir history.Direction, preScratchpadIdx uint32, start time.Time) {
	defer c.busy.Store(false)

	step := c.steps[to]
	primaries := steps.CountPrimaries(step.CPUs, c.coreCount)

	if dir == history.Up {
		if err := c.background.apply(primaries); err != nil {
			c.logger.Error(err, "pinning background task before up-shift")
		}
	}

	if err := applyFrequency(c.sysfsRoot, step.Frequency); err != nil {
		c.logger.Error(err, "applying step frequency", "step", to)
		return
	}
	if err := c.reb.SetCPUs(step.CPUs); err != nil {
		c.logger.Error(err, "rebalancing to step", "step", to)
		return
	}

	if dir == history.Down {
		if err := c.background.apply(primaries); err != nil {
			c.logger.Error(err, "releasing background task after down-shift")
		}
	}

	c.mu.Lock()
	c.curr = to
	c.mu.Unlock()

	duration := time.Since(start)
	postScratchpadIdx := c.view.ScratchpadIdx()
	minUs, avgUs, maxUs := c.emitScratchpadSummary(preScratchpadIdx, postScratchpadIdx)

	if c.history != nil {
		c.history.Push(history.Transition{
			At:             start,
			Dir:            dir,
			FromStep:       from,
			ToStep:         to,
			FrequencyKHz:   step.Frequency,
			ActiveCPUs:     append([]int(nil), step.CPUs...),
			Duration:       duration,
			MigrationMinUs: minUs,
			MigrationAvgUs: avgUs,
			MigrationMaxUs: maxUs,
		})
	}

	c.logger.Info("step transition complete",
		"direction", dir, "fromStep", from, "toStep", to,
		"frequencyKHz", step.Frequency, "duration", duration)
}

// emitScratchpadSummary walks the scratchpad ring from the pre-transition
// index up to (but not including) the current index, logging each
// migration's phase breakdown in microseconds, and returns the min/avg/max
// total migration duration observed.
func (c *Controller) emitScratchpadSummary(fromIdx, toIdx uint32) (minUs, avgUs, maxUs int64) {
	cyclesPerUs := int64(c.view.CyclesPerUs())
	if cyclesPerUs == 0 {
		return 0, 0, 0
	}

	var sum, count int64
	first := true

	for idx := fromIdx; idx != toIdx; idx = (idx + 1) % shm.ScratchpadSlots {
		rec := c.view.ScratchpadAt(idx)
		totalUs := (rec.TsMigrationEnd - rec.TsMigrationStart) / cyclesPerUs

		c.logger.Info("migration",
			"index", idx,
			"totalUs", totalUs,
			"dataStructuresUs", (rec.TsDataStructuresDone-rec.TsMigrationStart)/cyclesPerUs,
			"backlogDrainUs", (rec.TsAfterBacklog-rec.TsBeforeBacklog)/cyclesPerUs,
			"backlogBefore", rec.BacklogBefore,
			"backlogAfter", rec.BacklogAfter,
		)

		sum += totalUs
		count++
		if first || totalUs < minUs {
			minUs = totalUs
		}
		if first || totalUs > maxUs {
			maxUs = totalUs
		}
		first = false
	}

	if count == 0 {
		return 0, 0, 0
	}
	return minUs, sum / count, maxUs
}
