//go:build linux

package svccore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PinToCPU restricts the calling OS thread to cpu. The caller must hold the
// thread with runtime.LockOSThread. Pinning is best-effort: a cpu outside the
// process affinity mask is rejected by the kernel and reported as an error.
func PinToCPU(cpu int) error {
	var mask unix.CPUSet
	mask.Set(cpu)
	if cpu < 0 || !mask.IsSet(cpu) {
		return fmt.Errorf("svccore: cpu %d out of range", cpu)
	}
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return fmt.Errorf("svccore: pin to cpu %d: %w", cpu, err)
	}
	return nil
}
