// Package netutil provides the small set of socket helpers a reactor-driven
// server needs beyond endpoint.Parse: accepting connections onto already
// non-blocking, close-on-exec descriptors, toggling Nagle's algorithm, and
// classifying a non-blocking connect's outcome.
package netutil

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tripwire/reactor/internal/endpoint"
)

// ErrSyscall wraps any failing accept(2)/connect(2)/setsockopt(2) call.
var ErrSyscall = errors.New("netutil: syscall failed")

// ErrWouldBlock is returned by Accept when the listening socket has no
// pending connection — the caller should wait for the next read-readiness
// notification rather than treat this as a failure.
var ErrWouldBlock = errors.New("netutil: would block")

// SetNoDelay toggles Nagle's algorithm on fd; call after accepting a stream
// socket.
func SetNoDelay(fd int, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v); err != nil {
		return fmt.Errorf("%w: setsockopt TCP_NODELAY: %v", ErrSyscall, err)
	}
	return nil
}

// Connect issues a non-blocking connect(2) against s's resolved address.
// inProgress is true when the connect has not yet completed and the caller
// should watch the descriptor for write-readiness to learn the outcome.
func Connect(s *endpoint.Sock) (inProgress bool, err error) {
	sa := s.Addr()
	if sa == nil {
		return false, fmt.Errorf("%w: socket has no peer address", ErrSyscall)
	}
	err = unix.Connect(s.FD(), sa)
	if err == nil {
		return false, nil
	}
	if err == unix.EINPROGRESS {
		return true, nil
	}
	return false, fmt.Errorf("%w: connect: %v", ErrSyscall, err)
}
