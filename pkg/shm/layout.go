// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package shm maps the fixed-layout shared-memory segment the dataplane
// workers publish (spec.md §6) and exposes typed, non-owning views into it:
// per-CPU metrics, flow-group assignments, command slots, and the
// scratchpad ring. The View owns the mapping; everything else in this
// module holds a reference into it.
package shm

import "unsafe"

const (
	// MaxCPUs is the fixed logical-CPU table size (NCPU in the original).
	MaxCPUs = 128

	// MaxFlowGroupsPerDevice and MaxEthDevices bound the total number of
	// flow groups a dataplane build can have (ETH_MAX_NUM_FG * NETHDEV).
	MaxFlowGroupsPerDevice = 512
	MaxEthDevices          = 16
	MaxTotalFlowGroups     = MaxFlowGroupsPerDevice * MaxEthDevices // 8192

	bitsPerWord = 64
	// bitmapWords is the packed bitmap width for a MIGRATE command; asserted
	// below to be an exact word count (spec.md §9 "Parameter sizing").
	bitmapWords = MaxTotalFlowGroups / bitsPerWord

	idleFIFOSize      = 256
	ScratchpadSlots   = 1024
	scratchpadFields  = 16
)

func init() {
	if MaxTotalFlowGroups%bitsPerWord != 0 {
		panic("shm: MaxTotalFlowGroups is not a multiple of the word width")
	}
}

// CPU command states.
const (
	CPUStateIdle uint32 = iota
	CPUStateRunning
)

// Command ids.
const (
	CmdNop uint32 = iota
	CmdMigrate
	CmdIdle
)

// Command slot status: the two-state host/worker handshake of spec.md §4.3.
const (
	StatusReady uint32 = iota
	StatusRunning
)

// CPUMetrics is one dataplane worker's per-tick telemetry (128 bytes).
type CPUMetrics struct {
	QueuingDelay float64
	BatchSize    float64
	QueueSize    [3]float64
	LoopDuration int64
	Idle         [3]float64
	_            [56]byte // pads the record to a 64-byte-aligned 128 bytes
}

// FlowGroupMetrics records the owning CPU of one flow group (64 bytes).
type FlowGroupMetrics struct {
	CPU uint32
	_   [60]byte
}

// migrateParams is the MIGRATE command's parameter block: a packed bitmap
// of flow groups to move, plus the target CPU.
type migrateParams struct {
	FGBitmap [bitmapWords]uint64
	CPU      uint32
}

// idleParams is the IDLE command's parameter block: the path of the named
// pipe the worker blocks on until woken.
type idleParams struct {
	FIFO [idleFIFOSize]byte
}

// ParamsSize is the byte size of the cmd_params union: the larger of the
// MIGRATE and IDLE variants.
const ParamsSize = int(unsafe.Sizeof(migrateParams{}))

// CommandParams is the cmd_params union. Go has no native union type; the
// byte array is sized to the larger variant and reinterpreted by the
// command channel depending on cmd_id, mirroring the C union's storage.
type CommandParams [ParamsSize]byte

// Command is one CPU's command slot (spec.md §4.3/§6).
type Command struct {
	CPUState uint32
	CmdID    uint32
	Status   uint32
	Params   CommandParams
	NoIdle   int8
	_        [3]byte
}

// Scratchpad is one migration event's timing record (16 signed int64
// fields, spec.md §3/§9). Field names follow the real layout the source
// reads from, not the mismatched names its own reset call used.
type Scratchpad struct {
	RemoteQueuePktsBegin int64
	RemoteQueuePktsEnd   int64
	LocalQueuePkts       int64
	BacklogBefore        int64
	BacklogAfter         int64
	Timers               int64
	TimerFired           int64
	TsMigrationStart     int64
	TsDataStructuresDone int64
	TsBeforeBacklog      int64
	TsAfterBacklog       int64
	TsMigrationEnd       int64
	TsFirstPktAtPrev     int64
	TsLastPktAtPrev      int64
	TsFirstPktAtTarget   int64
	TsLastPktAtTarget    int64
}

// layout is the full shared-memory segment, field-for-field with spec.md §6.
type layout struct {
	NrFlowGroups uint32
	NrCPUs       uint32
	PkgPower     float32
	CPU          [MaxCPUs]int32
	_            [52]byte // pads CpuMetrics onto a 64-byte cache line

	CPUMetrics [MaxCPUs]CPUMetrics
	FlowGroup  [MaxTotalFlowGroups]FlowGroupMetrics
	Command    [MaxCPUs]Command

	CyclesPerUs   uint32
	ScratchpadIdx uint32
	Scratchpad    [ScratchpadSlots]Scratchpad
}

// Size is the total byte size of the shared-memory layout; a segment
// smaller than this is rejected as unavailable.
var Size = int(unsafe.Sizeof(layout{}))
