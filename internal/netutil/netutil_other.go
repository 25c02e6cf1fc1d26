//go:build !linux

package netutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Accept accepts one pending connection on listenFD. Darwin and the other
// BSDs have no accept4(2); the non-blocking and close-on-exec flags are
// applied with separate calls immediately after accept(2) returns.
func Accept(listenFD int) (fd int, addr unix.Sockaddr, err error) {
	fd, sa, err := unix.Accept(listenFD)
	if err != nil {
		if err == unix.EAGAIN {
			return -1, nil, ErrWouldBlock
		}
		return -1, nil, fmt.Errorf("%w: accept: %v", ErrSyscall, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("%w: set non-blocking: %v", ErrSyscall, err)
	}
	unix.CloseOnExec(fd)
	return fd, sa, nil
}
