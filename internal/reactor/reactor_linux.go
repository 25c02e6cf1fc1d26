//go:build linux

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollReg tracks the combined interest state epoll_ctl needs for one
// descriptor. epoll arms a single event mask per fd rather than one per
// direction, so a descriptor with both a read and a write watch shares one
// epoll_ctl registration whose mask ORs the two together; registering or
// unregistering one direction re-derives the mask and MODs it in place.
type epollReg struct {
	fd    int
	read  *Watch
	write *Watch
}

// epollBackend is the Linux reactor backend.
type epollBackend struct {
	kfd     int
	events  []unix.EpollEvent
	byFD    map[int]*epollReg
	byTimer map[int]*Watch // timerfd -> its timer watch
	armed   int
}

// growEvents doubles the received-event buffer once the number of armed
// watches would exceed its capacity, so epoll_wait always has room to report
// every armed descriptor in a single call. Growth happens here, at arm time,
// rather than reactively after a full batch comes back from wait.
func (b *epollBackend) growEvents() {
	if b.armed <= len(b.events) {
		return
	}
	n := len(b.events) * 2
	if n == 0 {
		n = defaultCapacity
	}
	for n < b.armed {
		n *= 2
	}
	b.events = make([]unix.EpollEvent, n)
}

func newBackend(capacityHint int) (backend, error) {
	kfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: epoll_create1: %v", ErrSyscall, err)
	}
	return &epollBackend{
		kfd:     kfd,
		events:  make([]unix.EpollEvent, capacityHint),
		byFD:    make(map[int]*epollReg),
		byTimer: make(map[int]*Watch),
	}, nil
}

func epollMask(reg *epollReg) uint32 {
	mask := uint32(unix.EPOLLRDHUP)
	if reg.read != nil {
		mask |= unix.EPOLLIN
		if reg.read.Edge() {
			mask |= unix.EPOLLET
		}
	}
	if reg.write != nil {
		mask |= unix.EPOLLOUT
		if reg.write.Edge() {
			mask |= unix.EPOLLET
		}
	}
	return mask
}

func (b *epollBackend) arm(w *Watch) error {
	if w.Kind() == KindTimer {
		return b.armTimer(w)
	}

	reg, existed := b.byFD[w.FD()]
	if !existed {
		reg = &epollReg{fd: w.FD()}
	}
	if w.Kind() == KindRead {
		if reg.read != nil {
			return ErrExists
		}
		reg.read = w
	} else {
		if reg.write != nil {
			return ErrExists
		}
		reg.write = w
	}

	ev := unix.EpollEvent{Events: epollMask(reg), Fd: int32(w.FD())}
	op := unix.EPOLL_CTL_MOD
	if !existed {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(b.kfd, op, w.FD(), &ev); err != nil {
		if w.Kind() == KindRead {
			reg.read = nil
		} else {
			reg.write = nil
		}
		return fmt.Errorf("%w: epoll_ctl: %v", ErrSyscall, err)
	}
	if !existed {
		b.byFD[w.FD()] = reg
	}
	w.Backend = reg
	b.armed++
	b.growEvents()
	return nil
}

func (b *epollBackend) armTimer(w *Watch) error {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("%w: timerfd_create: %v", ErrSyscall, err)
	}
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(w.Interval().Nanoseconds()),
		Interval: unix.NsecToTimespec(w.Interval().Nanoseconds()),
	}
	if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		unix.Close(tfd)
		return fmt.Errorf("%w: timerfd_settime: %v", ErrSyscall, err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(tfd)}
	if err := unix.EpollCtl(b.kfd, unix.EPOLL_CTL_ADD, tfd, &ev); err != nil {
		unix.Close(tfd)
		return fmt.Errorf("%w: epoll_ctl: %v", ErrSyscall, err)
	}
	b.byTimer[tfd] = w
	w.Backend = tfd
	b.armed++
	b.growEvents()
	return nil
}

func (b *epollBackend) disarm(w *Watch) error {
	if w.Kind() == KindTimer {
		tfd, _ := w.Backend.(int)
		if err := unix.EpollCtl(b.kfd, unix.EPOLL_CTL_DEL, tfd, nil); err != nil {
			return fmt.Errorf("%w: epoll_ctl del: %v", ErrSyscall, err)
		}
		delete(b.byTimer, tfd)
		b.armed--
		// the timerfd is reactor-owned, never the caller's own descriptor
		return unix.Close(tfd)
	}

	reg, ok := w.Backend.(*epollReg)
	if !ok || reg == nil {
		return fmt.Errorf("%w: watch not armed on this backend", ErrInvalidArgument)
	}
	if w.Kind() == KindRead {
		reg.read = nil
	} else {
		reg.write = nil
	}
	b.armed--

	if reg.read == nil && reg.write == nil {
		if err := unix.EpollCtl(b.kfd, unix.EPOLL_CTL_DEL, reg.fd, nil); err != nil {
			return fmt.Errorf("%w: epoll_ctl del: %v", ErrSyscall, err)
		}
		delete(b.byFD, reg.fd)
		return nil
	}

	ev := unix.EpollEvent{Events: epollMask(reg), Fd: int32(reg.fd)}
	if err := unix.EpollCtl(b.kfd, unix.EPOLL_CTL_MOD, reg.fd, &ev); err != nil {
		return fmt.Errorf("%w: epoll_ctl mod: %v", ErrSyscall, err)
	}
	return nil
}

func (b *epollBackend) wait(timeout *time.Duration) ([]rawEvent, error) {
	ms := -1
	if timeout != nil {
		// epoll_wait's timeout resolution is whole milliseconds.
		ms = int(timeout.Milliseconds())
		if ms < 0 {
			ms = 0
		}
	}

	n, err := unix.EpollWait(b.kfd, b.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: epoll_wait: %v", ErrSyscall, err)
	}

	out := make([]rawEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := b.events[i]
		fd := int(ev.Fd)

		if w, isTimer := b.byTimer[fd]; isTimer {
			var buf [8]byte
			unix.Read(fd, buf[:]) // drain the expiration counter
			out = append(out, rawEvent{w: w, dir: KindTimer})
			continue
		}

		reg, ok := b.byFD[fd]
		if !ok {
			continue
		}
		hup := ev.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0
		if reg.read != nil && ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
			out = append(out, rawEvent{w: reg.read, dir: KindRead, hup: hup})
		}
		if reg.write != nil && ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			out = append(out, rawEvent{w: reg.write, dir: KindWrite, hup: hup})
		}
	}

	return out, nil
}

func (b *epollBackend) close() error {
	if err := unix.Close(b.kfd); err != nil {
		return fmt.Errorf("%w: close epoll fd: %v", ErrSyscall, err)
	}
	return nil
}
