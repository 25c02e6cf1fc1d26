//go:build linux

package netutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Accept accepts one pending connection on listenFD, returning a socket
// that is already non-blocking and close-on-exec — accept4(2) applies both
// flags atomically, closing the window a plain accept(2) + fcntl(2) pair
// would leave between the two calls.
func Accept(listenFD int) (fd int, addr unix.Sockaddr, err error) {
	fd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN {
			return -1, nil, ErrWouldBlock
		}
		return -1, nil, fmt.Errorf("%w: accept4: %v", ErrSyscall, err)
	}
	return fd, sa, nil
}
