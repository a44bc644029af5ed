// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command cpctl drives the CPU-allocation control plane for a kernel-bypass
// dataplane build: the one-shot admin operations of spec.md §4.8, and the
// adaptive controller loop of §4.7 under --control.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/ix-project/cpctl/pkg/cmdchannel"
	"github.com/ix-project/cpctl/pkg/controller"
	cpctlerrors "github.com/ix-project/cpctl/pkg/errors"
	"github.com/ix-project/cpctl/pkg/history"
	"github.com/ix-project/cpctl/pkg/rebalancer"
	"github.com/ix-project/cpctl/pkg/report"
	"github.com/ix-project/cpctl/pkg/shm"
	"github.com/ix-project/cpctl/pkg/steps"
	"github.com/ix-project/cpctl/pkg/topology"
)

var (
	shmName   = flag.String("shm-name", "/ix", "Name of the POSIX shared-memory segment the dataplane publishes")
	sysfsRoot = flag.String("sysfs-root", "/sys/devices/system/cpu", "Root of the sysfs CPU topology tree")
	fifoDir   = flag.String("fifo-dir", ".", "Directory for parked-CPU wakeup pipes")
	verbose   = flag.Bool("verbose", false, "Enable verbose logging")

	singleCPU    = flag.Bool("single-cpu", false, "Collapse all flow groups onto CPU 0")
	cpuCount     = flag.Int("cpus", 0, "Set the active CPU count (HT-interleaved order)")
	cpulist      = flag.String("cpulist", "", "Comma-separated physical CPU ids to make active")
	idleCPU      = flag.Int("idle", -1, "Park the given logical CPU")
	wakeCPU      = flag.Int("wake-up", -1, "Wake the given parked logical CPU")
	showMetrics  = flag.Bool("show-metrics", false, "Print per-CPU queuing delay and batch size")
	printPower   = flag.Bool("print-power", false, "Print the package power reading")
	printQueues  = flag.Bool("print-queues", false, "Print per-CPU queue depths")
	controlMode  = flag.String("control", "", "Run the adaptive controller loop: energy-efficiency, background-task, or minmax")
	backgroundFIFO = flag.String("background-fifo", "", "Named pipe the background task's desired thread count is written to")
	backgroundPID  = flag.Int("background-pid", 0, "PID of the background task to pin")
	backgroundCPUs = flag.String("background-cpus", "", "Comma-separated candidate CPUs for the background task")
)

func main() {
	flag.Parse()

	var logger logr.Logger
	if *verbose {
		zapLog, _ := zap.NewDevelopment()
		logger = zapr.NewLogger(zapLog)
	} else {
		logger = logr.Discard()
	}

	if err := run(logger); err != nil {
		logger.Error(err, "cpctl failed")
		fmt.Fprintln(os.Stderr, "cpctl:", err)
		os.Exit(1)
	}
}

func run(logger logr.Logger) error {
	view, err := shm.Open(*shmName)
	if err != nil {
		return err
	}
	defer view.Close()

	channel := cmdchannel.New(view, *fifoDir)
	topo := topology.New(logger, *sysfsRoot)

	switch {
	case *singleCPU:
		return collapseToSingle(logger, view, channel)
	case *cpuCount > 0:
		return setCount(logger, view, channel, topo, *cpuCount)
	case *cpulist != "":
		return setCPUList(logger, view, channel, *cpulist)
	case *idleCPU >= 0:
		return channel.Idle(*idleCPU)
	case *wakeCPU >= 0:
		return channel.WakeUp(*wakeCPU)
	case *showMetrics:
		report.Metrics(os.Stdout, collectMetrics(view))
		return nil
	case *printPower:
		report.Power(os.Stdout, view.PkgPower())
		return nil
	case *printQueues:
		report.Queues(os.Stdout, collectMetrics(view))
		return nil
	case *controlMode != "":
		return runController(logger, view, channel, topo)
	default:
		flag.Usage()
		return fmt.Errorf("no operation specified")
	}
}

func collectMetrics(view *shm.View) []report.CPUMetrics {
	var out []report.CPUMetrics
	for cpu := 0; cpu < view.NrCPUs(); cpu++ {
		if view.Command(cpu).CPUState != shm.CPUStateRunning {
			continue
		}
		m := view.Metrics(cpu)
		out = append(out, report.CPUMetrics{
			CPU:          cpu,
			QueuingDelay: m.QueuingDelay,
			BatchSize:    m.BatchSize,
			QueueSize:    m.QueueSize,
			Idle:         m.Idle,
		})
	}
	return out
}

func collapseToSingle(logger logr.Logger, view *shm.View, channel *cmdchannel.Channel) error {
	reb := rebalancer.New(logger, channel, view.NrCPUs(), view.FlowGroupAssignment())
	if err := reb.SetCPUs([]int{0}); err != nil {
		return err
	}
	report.Assignment(os.Stdout, reb.Assignment())
	return nil
}

func setCount(logger logr.Logger, view *shm.View, channel *cmdchannel.Channel, topo *topology.Reader, count int) error {
	physicalCPUs := make([]int32, view.NrCPUs())
	for i := range physicalCPUs {
		physicalCPUs[i] = view.PhysicalCPU(i)
	}
	interleaved, _, err := topo.Orderings(physicalCPUs)
	if err != nil {
		return err
	}
	if count > len(interleaved) {
		count = len(interleaved)
	}

	reb := rebalancer.New(logger, channel, view.NrCPUs(), view.FlowGroupAssignment())
	if err := reb.SetCPUs(interleaved[:count]); err != nil {
		return err
	}
	report.Assignment(os.Stdout, reb.Assignment())
	return nil
}

func setCPUList(logger logr.Logger, view *shm.View, channel *cmdchannel.Channel, list string) error {
	reverse := view.ReverseMap()

	var active []int
	for _, field := range strings.Split(list, ",") {
		physCPU, err := strconv.ParseInt(strings.TrimSpace(field), 10, 32)
		if err != nil {
			return fmt.Errorf("cpctl: invalid cpulist entry %q: %w", field, err)
		}
		logical, ok := reverse[int32(physCPU)]
		if !ok {
			return cpctlerrors.InvalidCpulist(int32(physCPU))
		}
		active = append(active, logical)
	}

	reb := rebalancer.New(logger, channel, view.NrCPUs(), view.FlowGroupAssignment())
	if err := reb.SetCPUs(active); err != nil {
		return err
	}
	report.Assignment(os.Stdout, reb.Assignment())
	return nil
}

func parseIntList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("cpctl: invalid integer %q: %w", field, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func runController(logger logr.Logger, view *shm.View, channel *cmdchannel.Channel, topo *topology.Reader) error {
	policy, err := steps.ParsePolicy(expandControlAlias(*controlMode))
	if err != nil {
		return err
	}

	coreCount, err := topo.CoreCount()
	if err != nil {
		return err
	}
	frequencies, err := topo.AvailableFrequencies()
	if err != nil {
		return err
	}

	physicalCPUs := make([]int32, view.NrCPUs())
	for i := range physicalCPUs {
		physicalCPUs[i] = view.PhysicalCPU(i)
	}
	_, htAtTheEnd, err := topo.Orderings(physicalCPUs)
	if err != nil {
		return err
	}

	stepList, err := steps.DeriveSteps(policy, coreCount, frequencies, htAtTheEnd)
	if err != nil {
		return err
	}
	idleThresholds := steps.IdleThresholds(stepList, coreCount)

	bgCPUs, err := parseIntList(*backgroundCPUs)
	if err != nil {
		return err
	}
	background := &controller.BackgroundJob{
		CPUs: bgCPUs,
		FIFO: *backgroundFIFO,
		PID:  *backgroundPID,
	}

	reb := rebalancer.New(logger, channel, view.NrCPUs(), view.FlowGroupAssignment())
	hist, err := history.New(256)
	if err != nil {
		return err
	}

	ctl, err := controller.New(controller.Config{
		Logger:         logger,
		View:           view,
		Rebalancer:     reb,
		Steps:          stepList,
		IdleThresholds: idleThresholds,
		CoreCount:      coreCount,
		SysfsRoot:      *sysfsRoot,
		Background:     background,
		History:        hist,
	})
	if err != nil {
		return err
	}

	// Rebalance flow groups onto the lowest step's CPU set before entering
	// the loop. The step's frequency is not written here; cpufreq is first
	// set by the controller's first transition.
	if err := reb.SetCPUs(stepList[0].CPUs); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// SIGUSR1 dumps recent step transitions without disturbing the loop,
	// so a long-running --control session can be asked "what did the
	// controller just do" without re-deriving it from logs.
	dumpSig := make(chan os.Signal, 1)
	signal.Notify(dumpSig, syscall.SIGUSR1)
	defer signal.Stop(dumpSig)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-dumpSig:
				dumpHistory(logger, hist)
			}
		}
	}()

	ctl.Run(ctx)
	return nil
}

func dumpHistory(logger logr.Logger, hist *history.Ring) {
	recent := hist.Recent()
	logger.Info("recent step transitions", "count", hist.Len())
	for _, t := range recent {
		logger.Info("transition",
			"at", t.At, "direction", t.Dir,
			"fromStep", t.FromStep, "toStep", t.ToStep,
			"frequencyKHz", t.FrequencyKHz, "activeCPUs", t.ActiveCPUs,
			"duration", t.Duration,
			"migrationMinUs", t.MigrationMinUs, "migrationAvgUs", t.MigrationAvgUs, "migrationMaxUs", t.MigrationMaxUs,
		)
	}
}

func expandControlAlias(mode string) string {
	switch mode {
	case "eff":
		return "energy-efficiency"
	case "back":
		return "background-task"
	case "minmax":
		return "minmax"
	default:
		return mode
	}
}
