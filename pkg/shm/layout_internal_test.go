// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package shm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestView(t *testing.T) *View {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ix")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(Size)))
	require.NoError(t, f.Close())

	v, err := OpenAt("/ix", path)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestLayoutSize(t *testing.T) {
	// Sanity bound: the layout should be dominated by the flow-group table
	// (8192 * 64 bytes = 512KiB) and the scratchpad ring (1024 * 128 bytes),
	// not balloon from accidental struct padding.
	assert.Greater(t, Size, 512*1024)
	assert.Less(t, Size, 2*1024*1024)
	assert.Equal(t, 128, bitmapWords)
}

func TestView_PopulatedFlowGroupAssignment(t *testing.T) {
	v := newTestView(t)

	v.l.NrFlowGroups = 4
	v.l.NrCPUs = 2
	v.l.CPU[0] = 0
	v.l.CPU[1] = 4
	v.l.FlowGroup[0].CPU = 0
	v.l.FlowGroup[1].CPU = 0
	v.l.FlowGroup[2].CPU = 1
	v.l.FlowGroup[3].CPU = 1

	assert.Equal(t, 4, v.NrFlowGroups())
	assert.Equal(t, 2, v.NrCPUs())
	assert.Equal(t, int32(4), v.PhysicalCPU(1))

	assignment := v.FlowGroupAssignment()
	assert.Equal(t, []int{0, 1}, assignment[0])
	assert.Equal(t, []int{2, 3}, assignment[1])

	reverse := v.ReverseMap()
	assert.Equal(t, 0, reverse[0])
	assert.Equal(t, 1, reverse[4])
}

func TestView_ScratchpadRing(t *testing.T) {
	v := newTestView(t)

	v.l.Scratchpad[5].TsMigrationStart = 100
	v.l.Scratchpad[5].TsMigrationEnd = 250
	v.l.ScratchpadIdx = 6
	v.l.CyclesPerUs = 3

	assert.Equal(t, uint32(6), v.ScratchpadIdx())
	assert.Equal(t, uint32(3), v.CyclesPerUs())
	rec := v.ScratchpadAt(5)
	assert.Equal(t, int64(100), rec.TsMigrationStart)
	assert.Equal(t, int64(250), rec.TsMigrationEnd)

	// Wraps around the ring.
	v.l.Scratchpad[0].Timers = 7
	wrapped := v.ScratchpadAt(uint32(ScratchpadSlots))
	assert.Equal(t, int64(7), wrapped.Timers)
}
