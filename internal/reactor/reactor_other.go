//go:build !linux && !darwin

package reactor

import (
	"errors"
	"time"
)

var errUnsupportedPlatform = errors.New("reactor: no event backend for this platform")

// unsupportedBackend satisfies the backend interface on platforms with
// neither epoll nor kqueue, so the package still builds there and fails at
// runtime with a clear error rather than not compiling at all.
type unsupportedBackend struct{}

func newBackend(capacityHint int) (backend, error) {
	return nil, errUnsupportedPlatform
}

func (unsupportedBackend) arm(w *Watch) error    { return errUnsupportedPlatform }
func (unsupportedBackend) disarm(w *Watch) error { return errUnsupportedPlatform }
func (unsupportedBackend) wait(timeout *time.Duration) ([]rawEvent, error) {
	return nil, errUnsupportedPlatform
}
func (unsupportedBackend) close() error { return nil }
