//go:build !linux

package svccore

import "net"

// pollReadable is unsupported here; callers fall back to a deadline peek.
func pollReadable(net.Conn) (ready, supported bool, err error) {
	return false, false, nil
}
