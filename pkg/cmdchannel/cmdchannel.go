// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cmdchannel implements the per-CPU host->worker command protocol of
// spec.md §4.3: NOP, MIGRATE, and IDLE over a shared-memory command slot,
// plus parked-CPU wakeup over a named pipe.
package cmdchannel

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ix-project/cpctl/pkg/shm"
)

const (
	bitsPerWord = 64
	// fgBitmapWords is the packed-bitmap width for ETH_MAX_TOTAL_FG bits.
	fgBitmapWords = shm.MaxTotalFlowGroups / bitsPerWord
	// migrateCPUOffset is the byte offset of the MIGRATE target-CPU field
	// within the command params block, immediately after the bitmap.
	migrateCPUOffset = fgBitmapWords * (bitsPerWord / 8)
)

// Channel drives the command protocol for one shared-memory view. It holds
// no per-CPU state of its own beyond the fifo directory: all state lives in
// the mapped segment, consistent with the view owning the region and the
// channel only ever borrowing references into it.
type Channel struct {
	view    *shm.View
	fifoDir string
}

// New creates a Channel over view. fifoDir is where parked-CPU wakeup pipes
// are created, matching the original control plane's use of the process's
// current working directory.
func New(view *shm.View, fifoDir string) *Channel {
	return &Channel{view: view, fifoDir: fifoDir}
}

func (c *Channel) fifoPath(cpu int) string {
	return filepath.Join(c.fifoDir, fmt.Sprintf("block-%d.fifo", cpu))
}

// IsIdle reports whether cpu has an outstanding wakeup pipe, i.e. whether a
// park request has been issued for it. Parking and waking are both
// idempotent against this check.
func (c *Channel) IsIdle(cpu int) bool {
	_, err := os.Stat(c.fifoPath(cpu))
	return err == nil
}

// waitReady busy-waits until the command slot's status field observes
// StatusReady, with an acquire-ordered load since the slot lives in memory
// a worker process writes to concurrently.
func waitReady(cmd *shm.Command) {
	for atomic.LoadUint32(&cmd.Status) != shm.StatusReady {
	}
}

// arm writes cmd_id and commits the slot to the worker by storing
// StatusRunning with release ordering, per the submission protocol: status
// must observe Running only once params are fully written.
func arm(cmd *shm.Command, cmdID uint32) {
	cmd.CmdID = cmdID
	atomic.StoreUint32(&cmd.Status, shm.StatusRunning)
}

// Migrate moves flowGroups from source to target. It sets no_idle on source
// for the duration of the call so the source CPU cannot self-park while the
// MIGRATE is in flight, submits the command, busy-waits for completion, and
// clears no_idle again before returning.
func (c *Channel) Migrate(source, target int, flowGroups []int) error {
	cmd := c.view.Command(source)

	waitReady(cmd)
	cmd.NoIdle = 1

	bitmap := packBitmap(flowGroups)
	writeMigrateParams(&cmd.Params, bitmap, uint32(target))

	arm(cmd, shm.CmdMigrate)
	waitReady(cmd)

	cmd.NoIdle = 0
	return nil
}

// Idle parks cpu, blocking its worker on a freshly created named pipe. A
// no-op if the CPU already has an outstanding park request.
func (c *Channel) Idle(cpu int) error {
	if c.IsIdle(cpu) {
		return nil
	}

	path := c.fifoPath(cpu)
	if len(path)+1 >= 256 {
		return fmt.Errorf("cmdchannel: fifo path %q exceeds command slot's 256-byte field", path)
	}
	if err := unix.Mkfifo(path, 0644); err != nil {
		return fmt.Errorf("cmdchannel: creating %s: %w", path, err)
	}

	cmd := c.view.Command(cpu)
	waitReady(cmd)
	writeIdleParams(&cmd.Params, path)
	arm(cmd, shm.CmdIdle)
	waitReady(cmd)
	return nil
}

// WakeUp wakes a parked cpu: opens its pipe for write, writes one byte,
// closes and removes the pipe, then busy-waits for cpu_state to observe
// Running. A no-op if cpu has no outstanding park request.
func (c *Channel) WakeUp(cpu int) error {
	if !c.IsIdle(cpu) {
		return nil
	}

	path := c.fifoPath(cpu)
	fd, err := unix.Open(path, unix.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("cmdchannel: opening %s: %w", path, err)
	}
	if _, err := unix.Write(fd, []byte{1}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("cmdchannel: writing to %s: %w", path, err)
	}
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("cmdchannel: closing %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("cmdchannel: removing %s: %w", path, err)
	}

	cmd := c.view.Command(cpu)
	for atomic.LoadUint32(&cmd.CPUState) != shm.CPUStateRunning {
	}
	return nil
}

// Nop submits a no-op command and waits for its immediate completion.
// Mostly useful for liveness checks against a single CPU slot.
func (c *Channel) Nop(cpu int) error {
	cmd := c.view.Command(cpu)
	waitReady(cmd)
	arm(cmd, shm.CmdNop)
	waitReady(cmd)
	return nil
}

// SetNoIdle sets or clears the advisory no_idle gate directly, without a
// command round trip: the rebalancer holds it set on a migration target for
// the span of a whole top-up pass (spec.md §4.4), not just one MIGRATE.
func (c *Channel) SetNoIdle(cpu int, on bool) {
	cmd := c.view.Command(cpu)
	if on {
		cmd.NoIdle = 1
	} else {
		cmd.NoIdle = 0
	}
}

// packBitmap packs a set of flow-group ids into ETH_MAX_TOTAL_FG/64 words,
// bit b of word b/64 set for each id in on.
func packBitmap(on []int) [fgBitmapWords]uint64 {
	var bitmap [fgBitmapWords]uint64
	for _, pos := range on {
		bitmap[pos/bitsPerWord] |= 1 << uint(pos%bitsPerWord)
	}
	return bitmap
}

// unpackBitmap returns the sorted set of positions whose bit is set,
// the inverse of packBitmap; used by the package's bitmap round-trip
// property test (spec.md §8 item 4).
func unpackBitmap(bitmap [fgBitmapWords]uint64) []int {
	var on []int
	for word, bits := range bitmap {
		for bit := 0; bit < bitsPerWord; bit++ {
			if bits&(1<<uint(bit)) != 0 {
				on = append(on, word*bitsPerWord+bit)
			}
		}
	}
	return on
}

func writeMigrateParams(params *shm.CommandParams, bitmap [fgBitmapWords]uint64, targetCPU uint32) {
	for i, word := range bitmap {
		binary.LittleEndian.PutUint64(params[i*8:(i+1)*8], word)
	}
	binary.LittleEndian.PutUint32(params[migrateCPUOffset:migrateCPUOffset+4], targetCPU)
}

func writeIdleParams(params *shm.CommandParams, path string) {
	if len(path) >= 256 {
		panic("cmdchannel: fifo path does not fit the idle params block")
	}
	for i := range params {
		params[i] = 0
	}
	copy(params[:], path)
}

func readMigrateBitmap(params *shm.CommandParams) [fgBitmapWords]uint64 {
	var bitmap [fgBitmapWords]uint64
	for i := range bitmap {
		bitmap[i] = binary.LittleEndian.Uint64(params[i*8 : (i+1)*8])
	}
	return bitmap
}

func readMigrateTargetCPU(params *shm.CommandParams) uint32 {
	return binary.LittleEndian.Uint32(params[migrateCPUOffset : migrateCPUOffset+4])
}
