// Package reactor implements the portable event-watcher abstraction: the
// Watch registration record, the kqueue/epoll-backed State and Loop, and the
// register/unregister/dispatch protocol that unifies the two backends.
//
// A Watch's storage must outlive its registration: the backend keeps a
// *Watch in a lookup table keyed by descriptor (or timer identity) and
// finds it there when the kernel reports an event. In Go this falls out
// naturally — as long as any backend map holds a *Watch, the garbage
// collector keeps its target alive — so no pinning primitive is required.
package reactor

import (
	"errors"
	"time"

	"github.com/tripwire/reactor/internal/timer"
)

// Kind identifies what a Watch is registered for.
type Kind int

const (
	// KindRead watches a descriptor for read readiness.
	KindRead Kind = iota
	// KindWrite watches a descriptor for write readiness.
	KindWrite
	// KindTimer fires on a periodic interval; it has no descriptor.
	KindTimer
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// IOFlag is the bitmask passed to InitIO. Exactly one of FlagRead/FlagWrite
// must be set, optionally OR'd with FlagEdge.
type IOFlag int

const (
	// FlagRead registers for read readiness.
	FlagRead IOFlag = 1 << iota
	// FlagWrite registers for write readiness.
	FlagWrite
	// FlagEdge requests edge-triggered delivery instead of the level-
	// triggered default. The callback must drain readiness to exhaustion.
	FlagEdge
)

// state is the Watch lifecycle: UNINIT -> READY -> REGISTERED -> READY.
type state int32

const (
	stateUninit state = iota
	stateReady
	stateRegistered
)

// Callback is invoked by the reactor's dispatch step for every readiness
// event delivered for w. loop is the Loop that owns w; dir is the direction
// that fired (always KindTimer for timer watches); hup is non-zero if the
// underlying mechanism also reported peer-closed, error, or read-hang-up
// alongside the readiness.
//
// Edge-triggered callbacks are responsible for draining readiness to
// exhaustion — read or write in a loop until the call returns EAGAIN.
//
// A callback may synchronously call Register or Unregister on any watch,
// including w itself; the dispatcher tolerates this by working off a
// snapshot of the event batch.
type Callback func(loop *Loop, w *Watch, dir Kind, hup bool)

var (
	// ErrInvalidArgument covers malformed flags, nil callbacks, and
	// descriptors <= 0 passed to Init functions.
	ErrInvalidArgument = errors.New("reactor: invalid argument")
)

// Watch is a caller-owned registration record. Its zero value is UNINIT and
// must be initialized with InitIO or InitTimer before Register.
type Watch struct {
	fd       int
	kind     Kind
	edge     bool
	callback Callback
	udata    any
	interval time.Duration

	st state

	// Backend is opaque storage the active reactor backend uses to keep
	// per-watch bookkeeping (on Linux: the per-descriptor epoll record of
	// an I/O watch, or the timerfd of a timer watch; the kqueue backend
	// does not use it). The reactor package is the only consumer.
	Backend any
}

// InitIO initializes w as an I/O watch on fd. flags must encode exactly one
// of FlagRead/FlagWrite, optionally OR'd with FlagEdge. On success w
// transitions to READY; on failure w.callback remains nil so a subsequent
// Register attempt is rejected rather than silently registering garbage.
func InitIO(w *Watch, fd int, flags IOFlag, cb Callback, udata any) error {
	if fd <= 0 || cb == nil {
		return ErrInvalidArgument
	}
	dir := flags & (FlagRead | FlagWrite)
	if dir != FlagRead && dir != FlagWrite {
		return ErrInvalidArgument
	}
	if flags&^(FlagRead|FlagWrite|FlagEdge) != 0 {
		return ErrInvalidArgument
	}

	w.fd = fd
	if dir == FlagRead {
		w.kind = KindRead
	} else {
		w.kind = KindWrite
	}
	w.edge = flags&FlagEdge != 0
	w.callback = cb
	w.udata = udata
	w.st = stateReady
	return nil
}

// InitTimer initializes w as a periodic timer watch firing every interval.
// interval must be positive. On failure w.callback remains nil.
func InitTimer(w *Watch, interval time.Duration, cb Callback, udata any) error {
	if cb == nil || interval <= 0 {
		return ErrInvalidArgument
	}
	w.fd = 0
	w.kind = KindTimer
	w.edge = false
	w.callback = cb
	w.udata = udata
	w.interval = interval
	w.st = stateReady
	return nil
}

// InitTimerSpec initializes w from a timer.Spec, validating it first. The
// backends arm a single uniform period, and that period is
// spec.FirstDelay(): Interval when Initial is unset, otherwise Initial.
// When Initial is set, the watch fires every Initial and Interval is not
// used.
func InitTimerSpec(w *Watch, spec timer.Spec, cb Callback, udata any) error {
	if err := spec.Validate(); err != nil {
		return ErrInvalidArgument
	}
	return InitTimer(w, spec.FirstDelay(), cb, udata)
}

// SetInterval updates the timer interval. The new value takes effect on the
// next registration; an already-registered watch keeps firing at the
// interval it was armed with until it is unregistered and registered again.
func (w *Watch) SetInterval(interval time.Duration) {
	w.interval = interval
}

// FD returns the watched descriptor, or 0 for timer watches.
func (w *Watch) FD() int { return w.fd }

// Kind returns the watch's direction/type tag.
func (w *Watch) Kind() Kind { return w.kind }

// Edge reports whether the watch was initialized with FlagEdge.
func (w *Watch) Edge() bool { return w.edge }

// Interval returns the currently configured timer interval.
func (w *Watch) Interval() time.Duration { return w.interval }

// UserData returns the opaque pointer supplied at Init time.
func (w *Watch) UserData() any { return w.udata }

// Registered reports whether the watch is currently registered with a loop.
func (w *Watch) Registered() bool { return w.st == stateRegistered }

// GetCallback returns the watch's callback, or nil if the watch has never
// been initialized.
func (w *Watch) GetCallback() Callback { return w.callback }

// MarkRegistered transitions the watch to REGISTERED. Called by the reactor
// package only, after a successful kernel-level arm.
func (w *Watch) MarkRegistered() { w.st = stateRegistered }

// MarkUnregistered transitions the watch back to READY, leaving its
// callback intact so it can be registered again. Called by the reactor
// package only, after a successful kernel-level disarm; double-unregister
// idempotency is handled by Unregister consulting Registered, not by this
// method.
func (w *Watch) MarkUnregistered() {
	w.st = stateReady
}
