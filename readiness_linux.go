//go:build linux

package svccore

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// pollReadable checks the socket behind c for pending input with a
// zero-timeout poll. supported is false when c exposes no file descriptor.
func pollReadable(c net.Conn) (ready, supported bool, err error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return false, false, nil
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return false, false, nil
	}

	var n int
	var perr error
	cerr := rc.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			n, perr = unix.Poll(fds, 0)
			if perr != unix.EINTR {
				return
			}
		}
	})
	if cerr != nil {
		return false, true, cerr
	}
	if perr != nil {
		return false, true, perr
	}
	return n > 0, true, nil
}
