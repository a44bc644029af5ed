// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package controller

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/ix-project/cpctl/pkg/errors"
)

// BackgroundJob describes the co-resident task the controller shrinks to
// make room for the dataplane on up-shift and grows back on down-shift
// (spec.md §4.7). A zero-value BackgroundJob disables the coordination
// entirely, matching the original's "no --background-cpus" behavior.
type BackgroundJob struct {
	// CPUs is the background task's full candidate set. The task keeps the
	// low-index entries longest; high-index entries are given up first.
	CPUs []int
	// FIFO is a named pipe the desired thread count is written to, empty to
	// skip.
	FIFO string
	// PID is the process whose affinity mask is rewritten, 0 to skip.
	PID int
	// AffinityTool is the external command invoked as
	// "<tool> -ap <hex-mask> <pid>"; defaults to "taskset".
	AffinityTool string

	logger logr.Logger
	exec   func(name string, args ...string) error
}

func (b *BackgroundJob) enabled() bool {
	return b != nil && len(b.CPUs) > 0
}

func (b *BackgroundJob) tool() string {
	if b.AffinityTool != "" {
		return b.AffinityTool
	}
	return "taskset"
}

// apply computes the background thread count for dataplanePrimaries active
// primary CPUs and pushes it to the configured fifo and affinity tool.
func (b *BackgroundJob) apply(dataplanePrimaries int) error {
	if !b.enabled() {
		return nil
	}

	threads := len(b.CPUs) - dataplanePrimaries
	if threads < 0 {
		threads = 0
	}

	var mask uint64
	for i := 0; i < threads && i < len(b.CPUs); i++ {
		mask |= 1 << uint(b.CPUs[i])
	}

	if b.FIFO != "" {
		fd, err := os.OpenFile(b.FIFO, os.O_WRONLY, 0)
		if err != nil {
			return errors.BackgroundControlFailed(fmt.Errorf("opening %s: %w", b.FIFO, err))
		}
		_, writeErr := fd.WriteString(strconv.Itoa(threads) + "\n")
		closeErr := fd.Close()
		if writeErr != nil {
			return errors.BackgroundControlFailed(writeErr)
		}
		if closeErr != nil {
			return errors.BackgroundControlFailed(closeErr)
		}
	}

	if b.PID != 0 && mask != 0 {
		if err := b.run(b.tool(), "-ap", fmt.Sprintf("%x", mask), strconv.Itoa(b.PID)); err != nil {
			return errors.BackgroundControlFailed(err)
		}
	}

	b.logger.Info("background task adjusted", "threads", threads, "mask", fmt.Sprintf("%x", mask))
	return nil
}

func (b *BackgroundJob) run(name string, args ...string) error {
	if b.exec != nil {
		return b.exec(name, args...)
	}
	cmd := exec.Command(name, args...)
	return cmd.Run()
}
