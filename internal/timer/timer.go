// Package timer holds the small value type that describes a periodic
// timer watch. Arming it against a kernel clock is a per-backend concern
// (reactor_linux.go's timerfd vs reactor_darwin.go's EVFILT_TIMER) and
// lives in the reactor package; this package only carries the caller's
// intent from configuration through to reactor.InitTimer.
package timer

import (
	"errors"
	"time"
)

// ErrInvalidInterval is returned by Spec.Validate for a non-positive
// interval.
var ErrInvalidInterval = errors.New("timer: interval must be positive")

// Spec describes a periodic timer: Initial is the delay before the first
// fire (zero means "use Interval"), Interval is the period between
// subsequent fires.
type Spec struct {
	Initial  time.Duration
	Interval time.Duration
}

// Validate reports whether the spec can be armed.
func (s Spec) Validate() error {
	if s.Interval <= 0 {
		return ErrInvalidInterval
	}
	if s.Initial < 0 {
		return ErrInvalidInterval
	}
	return nil
}

// FirstDelay returns the delay before the timer's first fire.
func (s Spec) FirstDelay() time.Duration {
	if s.Initial > 0 {
		return s.Initial
	}
	return s.Interval
}
