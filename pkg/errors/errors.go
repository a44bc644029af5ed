// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Sentinel kinds callers can match with errors.Is. Configuration and lookup
// kinds are surfaced to the operator with a single-line diagnostic and a
// non-zero exit and are not retried; ErrBackgroundControlFailed is instead
// logged by the control loop, which keeps running.
var (
	ErrShmUnavailable          = stdliberrors.New("shared memory segment unavailable")
	ErrTopologyUnavailable     = stdliberrors.New("cpu topology unavailable")
	ErrInvalidCpulist          = stdliberrors.New("invalid cpulist")
	ErrInvalidStepPolicy       = stdliberrors.New("invalid step policy")
	ErrBackgroundControlFailed = stdliberrors.New("background task control failed")
)

// ShmUnavailable wraps ErrShmUnavailable with the segment name and cause.
func ShmUnavailable(name string, cause error) error {
	return fmt.Errorf("%w: %q: %w", ErrShmUnavailable, name, cause)
}

// TopologyUnavailable wraps ErrTopologyUnavailable with the sysfs path and cause.
func TopologyUnavailable(path string, cause error) error {
	return fmt.Errorf("%w: %q: %w", ErrTopologyUnavailable, path, cause)
}

// InvalidCpulist wraps ErrInvalidCpulist with the offending physical CPU id.
func InvalidCpulist(physCPU int32) error {
	return fmt.Errorf("%w: physical cpu %d not present in shared memory cpu table", ErrInvalidCpulist, physCPU)
}

// InvalidStepPolicy wraps ErrInvalidStepPolicy with the offending policy name.
func InvalidStepPolicy(name string) error {
	return fmt.Errorf("%w: %q", ErrInvalidStepPolicy, name)
}

// BackgroundControlFailed wraps ErrBackgroundControlFailed with the cause,
// e.g. a non-zero exit from the affinity tool. Runtime errors of this kind
// are logged and the control loop continues, per the error handling design.
func BackgroundControlFailed(cause error) error {
	return fmt.Errorf("%w: %w", ErrBackgroundControlFailed, cause)
}
