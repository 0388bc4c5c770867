//go:build !linux

package svccore

// PinToCPU is a no-op outside Linux.
func PinToCPU(int) error { return nil }
