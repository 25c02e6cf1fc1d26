//go:build darwin

package reactor

import (
	"fmt"
	"reflect"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueBackend is the Darwin/BSD reactor backend. Unlike epoll, kqueue
// addresses EVFILT_READ and EVFILT_WRITE independently on the same Ident,
// so read and write watches on one descriptor need no combined-mask
// bookkeeping — each direction gets its own kevent registration and its own
// lookup table.
type kqueueBackend struct {
	kfd       int
	events    []unix.Kevent_t
	byReadFD  map[int]*Watch
	byWriteFD map[int]*Watch
	byTimer   map[uintptr]*Watch // timer identity -> its watch
	armed     int
}

// growEvents doubles the received-event buffer once the number of armed
// watches would exceed its capacity, so a single kevent call always has room
// to report every armed descriptor. Growth happens here, at arm time, rather
// than reactively after a full batch comes back from wait.
func (b *kqueueBackend) growEvents() {
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
	b.events = make([]unix.Kevent_t, n)
}

func newBackend(capacityHint int) (backend, error) {
	kfd, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("%w: kqueue: %v", ErrSyscall, err)
	}
	unix.CloseOnExec(kfd)
	return &kqueueBackend{
		kfd:       kfd,
		events:    make([]unix.Kevent_t, capacityHint),
		byReadFD:  make(map[int]*Watch),
		byWriteFD: make(map[int]*Watch),
		byTimer:   make(map[uintptr]*Watch),
	}, nil
}

func (b *kqueueBackend) arm(w *Watch) error {
	if w.Kind() == KindTimer {
		return b.armTimer(w)
	}

	filter := int16(unix.EVFILT_READ)
	table := b.byReadFD
	if w.Kind() == KindWrite {
		filter = unix.EVFILT_WRITE
		table = b.byWriteFD
	}
	if _, exists := table[w.FD()]; exists {
		return ErrExists
	}

	flags := uint16(unix.EV_ADD)
	if w.Edge() {
		flags |= unix.EV_CLEAR
	}
	kev := unix.Kevent_t{Ident: uint64(w.FD()), Filter: filter, Flags: flags}
	if _, err := unix.Kevent(b.kfd, []unix.Kevent_t{kev}, nil, nil); err != nil {
		return fmt.Errorf("%w: kevent add: %v", ErrSyscall, err)
	}
	table[w.FD()] = w
	b.armed++
	b.growEvents()
	return nil
}

// armTimer keys the kevent by the watch's own memory address: a map holding
// *Watch as its value keeps the target alive for as long as the
// registration exists, so this identity trick needs no separate pinning.
func (b *kqueueBackend) armTimer(w *Watch) error {
	ident := reflect.ValueOf(w).Pointer()
	kev := unix.Kevent_t{
		Ident:  uint64(ident),
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_ADD,
		Fflags: unix.NOTE_NSECONDS,
		Data:   w.Interval().Nanoseconds(),
	}
	if _, err := unix.Kevent(b.kfd, []unix.Kevent_t{kev}, nil, nil); err != nil {
		return fmt.Errorf("%w: kevent add timer: %v", ErrSyscall, err)
	}
	b.byTimer[ident] = w
	b.armed++
	b.growEvents()
	return nil
}

func (b *kqueueBackend) disarm(w *Watch) error {
	if w.Kind() == KindTimer {
		ident := reflect.ValueOf(w).Pointer()
		kev := unix.Kevent_t{Ident: uint64(ident), Filter: unix.EVFILT_TIMER, Flags: unix.EV_DELETE}
		if _, err := unix.Kevent(b.kfd, []unix.Kevent_t{kev}, nil, nil); err != nil {
			return fmt.Errorf("%w: kevent delete timer: %v", ErrSyscall, err)
		}
		delete(b.byTimer, ident)
		b.armed--
		return nil
	}

	filter := int16(unix.EVFILT_READ)
	table := b.byReadFD
	if w.Kind() == KindWrite {
		filter = unix.EVFILT_WRITE
		table = b.byWriteFD
	}
	kev := unix.Kevent_t{Ident: uint64(w.FD()), Filter: filter, Flags: unix.EV_DELETE}
	if _, err := unix.Kevent(b.kfd, []unix.Kevent_t{kev}, nil, nil); err != nil {
		return fmt.Errorf("%w: kevent delete: %v", ErrSyscall, err)
	}
	delete(table, w.FD())
	b.armed--
	return nil
}

func (b *kqueueBackend) wait(timeout *time.Duration) ([]rawEvent, error) {
	var ts *unix.Timespec
	if timeout != nil {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(b.kfd, nil, b.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: kevent wait: %v", ErrSyscall, err)
	}

	out := make([]rawEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := b.events[i]
		hup := ev.Flags&unix.EV_EOF != 0 || ev.Flags&unix.EV_ERROR != 0

		switch ev.Filter {
		case unix.EVFILT_READ:
			if w, ok := b.byReadFD[int(ev.Ident)]; ok {
				out = append(out, rawEvent{w: w, dir: KindRead, hup: hup})
			}
		case unix.EVFILT_WRITE:
			if w, ok := b.byWriteFD[int(ev.Ident)]; ok {
				out = append(out, rawEvent{w: w, dir: KindWrite, hup: hup})
			}
		case unix.EVFILT_TIMER:
			if w, ok := b.byTimer[uintptr(ev.Ident)]; ok {
				out = append(out, rawEvent{w: w, dir: KindTimer})
			}
		}
	}

	return out, nil
}

func (b *kqueueBackend) close() error {
	if err := unix.Close(b.kfd); err != nil {
		return fmt.Errorf("%w: close kqueue fd: %v", ErrSyscall, err)
	}
	return nil
}
