// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package shm

import (
	"fmt"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"

	cpctlerrors "github.com/ix-project/cpctl/pkg/errors"
)

// shmDir is where Linux's POSIX shared-memory implementation backs named
// segments created with shm_open; posix_ipc.SharedMemory("/ix", ...) in the
// original control plane resolves to exactly this path.
const shmDir = "/dev/shm"

// View maps a named shared-memory segment and exposes typed, non-owning
// references into it. View exclusively owns the mapping for the process
// lifetime; everything else in this module only ever holds pointers derived
// from an open View.
type View struct {
	name string
	data []byte
	l    *layout
}

// Open maps the named POSIX shared-memory segment read-write. name is
// typically "/ix" as posix_ipc names it; the leading slash is stripped when
// resolving the backing file under /dev/shm.
func Open(name string) (*View, error) {
	return OpenAt(name, filepath.Join(shmDir, stripLeadingSlash(name)))
}

// OpenAt maps the segment at an explicit filesystem path instead of
// resolving it under /dev/shm, the way CollectionConfig.HostSysPath lets
// callers redirect sysfs reads in tests. Production code should call Open;
// tests use OpenAt against a scratch file.
func OpenAt(name, path string) (*View, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, cpctlerrors.ShmUnavailable(name, err)
	}
	defer unix.Close(fd)

	st, err := unix.Fstat(fd)
	if err != nil {
		return nil, cpctlerrors.ShmUnavailable(name, err)
	}
	if int(st.Size) < Size {
		return nil, cpctlerrors.ShmUnavailable(name, fmt.Errorf("segment is %d bytes, want at least %d", st.Size, Size))
	}

	data, err := unix.Mmap(fd, 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, cpctlerrors.ShmUnavailable(name, err)
	}

	return &View{
		name: name,
		data: data,
		l:    (*layout)(unsafe.Pointer(&data[0])),
	}, nil
}

func stripLeadingSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

// Close unmaps the segment. Safe to call once; the View must not be used
// afterward.
func (v *View) Close() error {
	if v.data == nil {
		return nil
	}
	err := unix.Munmap(v.data)
	v.data = nil
	v.l = nil
	return err
}

// NrFlowGroups is the number of flow groups the dataplane build reports.
func (v *View) NrFlowGroups() int {
	return int(v.l.NrFlowGroups)
}

// NrCPUs is the number of logical CPUs the dataplane build reports.
func (v *View) NrCPUs() int {
	return int(v.l.NrCPUs)
}

// PkgPower is the package power reading (watts).
func (v *View) PkgPower() float32 {
	return v.l.PkgPower
}

// PhysicalCPU returns the OS-visible CPU id for a logical CPU index.
func (v *View) PhysicalCPU(logical int) int32 {
	return v.l.CPU[logical]
}

// ReverseMap builds physical CPU id -> logical CPU index over the first
// NrCPUs() entries of the cpu table.
func (v *View) ReverseMap() map[int32]int {
	m := make(map[int32]int, v.NrCPUs())
	for i := 0; i < v.NrCPUs(); i++ {
		m[v.l.CPU[i]] = i
	}
	return m
}

// Metrics returns a copy of a logical CPU's current telemetry record.
func (v *View) Metrics(logical int) CPUMetrics {
	return v.l.CPUMetrics[logical]
}

// FlowGroupAssignment builds the current CPU -> ordered flow-group-id
// mapping by scanning the flow-group ownership table, mirroring the
// original control plane's fg_per_cpu construction at startup.
func (v *View) FlowGroupAssignment() map[int][]int {
	assignment := make(map[int][]int)
	for fg := 0; fg < v.NrFlowGroups(); fg++ {
		cpu := int(v.l.FlowGroup[fg].CPU)
		assignment[cpu] = append(assignment[cpu], fg)
	}
	return assignment
}

// Command returns a mutable reference to a logical CPU's command slot.
func (v *View) Command(logical int) *Command {
	return &v.l.Command[logical]
}

// CyclesPerUs is the TSC-cycles-per-microsecond conversion factor the
// scratchpad timestamps are expressed in.
func (v *View) CyclesPerUs() uint32 {
	return v.l.CyclesPerUs
}

// ScratchpadIdx is the next-write index of the scratchpad ring; workers
// append at this index and never revisit older entries.
func (v *View) ScratchpadIdx() uint32 {
	return v.l.ScratchpadIdx
}

// ScratchpadAt returns the scratchpad record at the given ring index modulo
// the ring's capacity.
func (v *View) ScratchpadAt(idx uint32) Scratchpad {
	return v.l.Scratchpad[int(idx)%ScratchpadSlots]
}
