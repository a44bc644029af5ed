// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package controller

import (
	"fmt"
	"os"
	"path/filepath"
)

// applyFrequency sets the userspace governor and a fixed target frequency
// on every cpu*/cpufreq node under sysfsRoot (spec.md §4.7 item 5a).
func applyFrequency(sysfsRoot string, frequencyKHz int) error {
	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		return fmt.Errorf("controller: reading %s: %w", sysfsRoot, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !isCPUDir(entry.Name()) {
			continue
		}
		dir := filepath.Join(sysfsRoot, entry.Name(), "cpufreq")
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, "scaling_governor"), []byte("userspace\n"), 0644); err != nil {
			return fmt.Errorf("controller: setting governor in %s: %w", dir, err)
		}
		if err := os.WriteFile(filepath.Join(dir, "scaling_setspeed"), []byte(fmt.Sprintf("%d\n", frequencyKHz)), 0644); err != nil {
			return fmt.Errorf("controller: setting frequency in %s: %w", dir, err)
		}
	}
	return nil
}

func isCPUDir(name string) bool {
	if len(name) < 4 || name[:3] != "cpu" {
		return false
	}
	for _, r := range name[3:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
