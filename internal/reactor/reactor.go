package reactor

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tripwire/reactor/internal/endpoint"
	"github.com/tripwire/reactor/internal/reactormetrics"
)

var (
	// ErrNoMemory is the allocation-failure category of the error
	// taxonomy. No function in this package returns it: a failed map or
	// slice grow in Go is a runtime panic, not an error value.
	ErrNoMemory = errors.New("reactor: allocation failed")
	// ErrExists is returned by Register when a watch's descriptor/direction
	// is already armed.
	ErrExists = errors.New("reactor: resource exists")
	// ErrSyscall wraps any failing epoll_*/kqueue/kevent/timerfd_* call.
	ErrSyscall = errors.New("reactor: syscall failed")
	// ErrAlreadyActive is returned by RunForever/RunOnce when the loop is
	// already dispatching on another goroutine.
	ErrAlreadyActive = errors.New("reactor: loop already running")
)

const (
	defaultPollQuantum = time.Second
	defaultCapacity    = 4
)

// rawEvent is a decoded, backend-independent readiness notification.
type rawEvent struct {
	w   *Watch
	dir Kind
	hup bool
}

// backend is the platform-specific half of a reactor: the kernel event
// queue descriptor and whatever per-descriptor bookkeeping that kernel API
// needs to recover a *Watch from a raw event. Exactly one implementation is
// compiled in, chosen by build tag (reactor_linux.go, reactor_darwin.go,
// reactor_other.go).
type backend interface {
	arm(w *Watch) error
	disarm(w *Watch) error
	wait(timeout *time.Duration) ([]rawEvent, error)
	close() error
}

// State is the reactor's kernel-facing half: the backend, registration
// count, and run/stop flag. A Loop pairs a State with the Sock it watches.
type State struct {
	backend     backend
	registered  int
	running     atomic.Bool // guards RunForever/RunOnce against concurrent drivers
	stop        atomic.Bool // set by Stop, consulted by RunForever's loop condition
	cleanup     func(any)
	cleanupArg  any
	metrics     *reactormetrics.Set
	pollQuantum time.Duration
}

// Option configures a Loop at construction time.
type Option func(*State)

// WithMetrics attaches a reactormetrics.Set; every dispatch step updates it.
func WithMetrics(m *reactormetrics.Set) Option {
	return func(s *State) { s.metrics = m }
}

// WithCleanup registers a function invoked once, after the backend's kernel
// descriptor is closed, with arg. Typical use: close the listening Sock
// only after the reactor watching it has torn down.
func WithCleanup(fn func(any), arg any) Option {
	return func(s *State) { s.cleanup, s.cleanupArg = fn, arg }
}

// WithPollQuantum overrides the polling quantum RunForever uses to bound how
// long Stop takes to be noticed. d must be positive; a non-positive value is
// ignored and the default quantum applies.
func WithPollQuantum(d time.Duration) Option {
	return func(s *State) {
		if d > 0 {
			s.pollQuantum = d
		}
	}
}

// Loop pairs a State with the Sock it was built to watch. Sock is borrowed:
// Loop.Close destroys only the State.
type Loop struct {
	Sock  *endpoint.Sock
	state *State
}

// NewLoop creates a reactor loop. capacityHint sizes the initial kernel
// event buffer; the backend grows it on demand at register time and never
// shrinks it.
func NewLoop(sock *endpoint.Sock, capacityHint int, opts ...Option) (*Loop, error) {
	if capacityHint <= 0 {
		capacityHint = defaultCapacity
	}
	st := &State{}
	for _, opt := range opts {
		opt(st)
	}
	b, err := newBackend(capacityHint)
	if err != nil {
		return nil, err
	}
	st.backend = b
	return &Loop{Sock: sock, state: st}, nil
}

// Close tears down the loop's kernel descriptor and invokes the configured
// cleanup hook, if any. Sock is left untouched.
func (l *Loop) Close() error {
	err := l.state.backend.close()
	if l.state.cleanup != nil {
		l.state.cleanup(l.state.cleanupArg)
	}
	return err
}

// Registered reports the number of watches currently registered.
func (l *Loop) Registered() int { return l.state.registered }

// Register arms w against loop's backend. w must be READY — freshly
// initialized, or previously unregistered. Registering an already-
// REGISTERED watch returns ErrExists.
func Register(loop *Loop, w *Watch) error {
	if w.GetCallback() == nil {
		return fmt.Errorf("%w: watch has no callback (uninitialized?)", ErrInvalidArgument)
	}
	if w.Registered() {
		return ErrExists
	}
	if err := loop.state.backend.arm(w); err != nil {
		return err
	}
	w.MarkRegistered()
	loop.state.registered++
	return nil
}

// RegisterMany registers each watch in order, stopping at the first
// failure. Watches armed before the failure remain registered.
func RegisterMany(loop *Loop, ws ...*Watch) error {
	for i, w := range ws {
		if err := Register(loop, w); err != nil {
			return fmt.Errorf("register watch %d of %d: %w", i, len(ws), err)
		}
	}
	return nil
}

// Unregister disarms w. If closeFD is true and w is an I/O watch, its
// descriptor is closed after the kernel-level disarm completes: delete
// then close, so the descriptor number cannot be recycled and re-armed
// against stale kernel state before the disarm lands. Unregistering a
// watch that is not currently registered is a no-op.
func Unregister(loop *Loop, closeFD bool, w *Watch) error {
	if !w.Registered() {
		return nil
	}
	if err := loop.state.backend.disarm(w); err != nil {
		return err
	}
	fd := w.FD()
	w.MarkUnregistered()
	loop.state.registered--
	if closeFD && w.Kind() != KindTimer && fd > 0 {
		if err := unix.Close(fd); err != nil {
			return fmt.Errorf("%w: close: %v", ErrSyscall, err)
		}
	}
	return nil
}

// UnregisterMany unregisters every watch, continuing past individual
// failures so one bad watch does not strand the rest. Returns the first
// error encountered, if any.
func UnregisterMany(loop *Loop, closeFD bool, ws ...*Watch) error {
	var firstErr error
	for _, w := range ws {
		if err := Unregister(loop, closeFD, w); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DispatchStep waits up to timeout for readiness (nil blocks indefinitely;
// a non-nil zero duration polls) and invokes each fired watch's callback in
// the order the backend reports them. It returns the number of callbacks
// invoked.
func (l *Loop) DispatchStep(timeout *time.Duration) (int, error) {
	start := time.Now()
	events, err := l.state.backend.wait(timeout)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if cb := ev.w.GetCallback(); cb != nil {
			cb(l, ev.w, ev.dir, ev.hup)
		}
	}
	l.state.metrics.ObserveDispatch(len(events), l.state.registered, time.Since(start))
	return len(events), nil
}

// RunOnce runs a single DispatchStep under the reentrancy guard RunForever
// also uses, so a Loop cannot be driven from two goroutines concurrently.
func (l *Loop) RunOnce(timeout *time.Duration) (int, error) {
	if !l.state.running.CompareAndSwap(false, true) {
		return 0, ErrAlreadyActive
	}
	defer l.state.running.Store(false)
	return l.DispatchStep(timeout)
}

// RunForever dispatches in a loop, each step waiting at most one quantum
// for readiness, until Stop is called. The quantum bounds how long Stop takes to be noticed by a
// loop that would otherwise block indefinitely on an idle backend.
func (l *Loop) RunForever() error {
	if !l.state.running.CompareAndSwap(false, true) {
		return ErrAlreadyActive
	}
	defer l.state.running.Store(false)
	l.state.stop.Store(false)

	quantum := defaultPollQuantum
	if l.state.pollQuantum > 0 {
		quantum = l.state.pollQuantum
	}
	for !l.state.stop.Load() {
		if _, err := l.DispatchStep(&quantum); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests that a running RunForever loop exit at its next quantum
// boundary. Safe to call from another goroutine, e.g. a signal handler. It
// does not release the RunForever/RunOnce reentrancy guard, which clears
// only once the running loop itself returns.
func (l *Loop) Stop() {
	l.state.stop.Store(true)
}
