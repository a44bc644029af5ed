// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package topology reads core and hyperthread-sibling layout from sysfs
// (spec.md §4.1) and derives the two CPU orderings the Step Table builds
// operating points from.
package topology

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/ix-project/cpctl/pkg/errors"
)

// Reader reads topology facts from a sysfs-shaped tree. The root is
// configurable, the way CollectionConfig.HostSysPath is in the teacher's
// collectors, so tests can point it at a fixture tree instead of the real
// /sys/devices/system/cpu.
type Reader struct {
	root   string
	logger logr.Logger
}

// New creates a Reader rooted at sysfsRoot, typically
// "/sys/devices/system/cpu".
func New(logger logr.Logger, sysfsRoot string) *Reader {
	return &Reader{root: sysfsRoot, logger: logger.WithName("topology")}
}

func (r *Reader) path(elem ...string) string {
	return filepath.Join(append([]string{r.root}, elem...)...)
}

// CoreCount returns the number of physical cores, derived as half the
// number of entries in cpu0's core_siblings_list under the assumption of
// two hyperthreads per core (spec.md §4.1). The list is read as a literal
// comma-separated id list, matching the original control plane's parsing;
// it does not expand "a-b" sysfs range syntax.
func (r *Reader) CoreCount() (int, error) {
	path := r.path("cpu0", "topology", "core_siblings_list")
	ids, err := readIDList(path)
	if err != nil {
		return 0, errors.TopologyUnavailable(path, err)
	}
	if len(ids)%2 != 0 {
		return 0, errors.TopologyUnavailable(path, os.ErrInvalid)
	}
	return len(ids) / 2, nil
}

// ThreadSiblings returns the physical CPU ids sharing a core with physCPU,
// including physCPU itself.
func (r *Reader) ThreadSiblings(physCPU int) ([]int, error) {
	path := r.path(cpuDirName(physCPU), "topology", "thread_siblings_list")
	ids, err := readIDList(path)
	if err != nil {
		return nil, errors.TopologyUnavailable(path, err)
	}
	return ids, nil
}

// AvailableFrequencies returns cpu0's scaling_available_frequencies, sorted
// ascending, in kHz.
func (r *Reader) AvailableFrequencies() ([]int, error) {
	path := r.path("cpu0", "cpufreq", "scaling_available_frequencies")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.TopologyUnavailable(path, err)
	}
	fields := strings.Fields(string(data))
	freqs := make([]int, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.TopologyUnavailable(path, err)
		}
		freqs = append(freqs, v)
	}
	sort.Ints(freqs)
	return freqs, nil
}

// Orderings derives the HT-interleaved and HT-at-the-end logical CPU
// orderings (spec.md §4.1) over the physical CPU ids the dataplane reports
// in its cpu[] table.
//
// HT-interleaved visits logical CPUs in order, emitting each one not yet
// emitted followed immediately by any of its siblings; taking the first N
// entries (N even) selects whole cores.
//
// HT-at-the-end emits every primary thread first, then appends the
// siblings; taking the first N entries with N <= core count selects N
// distinct physical cores.
func (r *Reader) Orderings(physicalCPUs []int32) (htInterleaved, htAtTheEnd []int, err error) {
	nrCPUs := len(physicalCPUs)
	reverse := make(map[int32]int, nrCPUs)
	for logical, phys := range physicalCPUs {
		reverse[phys] = logical
	}

	emitted := make(map[int]bool, nrCPUs)
	var siblingsLater []int

	for logical := 0; logical < nrCPUs; logical++ {
		if emitted[logical] {
			continue
		}
		htInterleaved = append(htInterleaved, logical)
		htAtTheEnd = append(htAtTheEnd, logical)
		emitted[logical] = true

		siblings, serr := r.ThreadSiblings(int(physicalCPUs[logical]))
		if serr != nil {
			return nil, nil, serr
		}
		for _, sibPhys := range siblings {
			sibLogical, ok := reverse[int32(sibPhys)]
			if !ok || sibLogical == logical || emitted[sibLogical] {
				continue
			}
			htInterleaved = append(htInterleaved, sibLogical)
			siblingsLater = append(siblingsLater, sibLogical)
			emitted[sibLogical] = true
		}
	}

	htAtTheEnd = append(htAtTheEnd, siblingsLater...)
	return htInterleaved, htAtTheEnd, nil
}

func readIDList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := strings.Split(strings.TrimSpace(string(data)), ",")
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		ids = append(ids, v)
	}
	return ids, nil
}

func cpuDirName(n int) string {
	return "cpu" + strconv.Itoa(n)
}
