package reactor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tripwire/reactor/internal/endpoint"
	"github.com/tripwire/reactor/internal/reactor"
	"github.com/tripwire/reactor/internal/timer"
)

func mustLoopback(t *testing.T) *endpoint.Sock {
	t.Helper()
	s, err := endpoint.Parse("inet://127.0.0.1:0", endpoint.TypeStream)
	require.NoError(t, err)
	require.NoError(t, s.Listen(16))
	return s
}

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	return fds[0], fds[1]
}

func TestRegisterUnregister_RoundTrip(t *testing.T) {
	sock := mustLoopback(t)
	defer sock.Close()
	loop, err := reactor.NewLoop(sock, 4)
	require.NoError(t, err)
	defer loop.Close()

	a, b := socketpair(t)
	defer unix.Close(b)

	var w reactor.Watch
	fired := 0
	require.NoError(t, reactor.InitIO(&w, a, reactor.FlagRead, func(*reactor.Loop, *reactor.Watch, reactor.Kind, bool) {
		fired++
	}, nil))

	require.NoError(t, reactor.Register(loop, &w))
	require.True(t, w.Registered())
	require.Equal(t, 1, loop.Registered())

	require.NoError(t, reactor.Unregister(loop, true, &w))
	require.False(t, w.Registered())
	require.Equal(t, 0, loop.Registered())

	// idempotent: a second unregister of an already-unregistered watch is a no-op
	require.NoError(t, reactor.Unregister(loop, false, &w))
}

func TestRegisterUnregister_ReregistersAfterUnregister(t *testing.T) {
	sock := mustLoopback(t)
	defer sock.Close()
	loop, err := reactor.NewLoop(sock, 4)
	require.NoError(t, err)
	defer loop.Close()

	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	var w reactor.Watch
	require.NoError(t, reactor.InitIO(&w, a, reactor.FlagRead, func(*reactor.Loop, *reactor.Watch, reactor.Kind, bool) {}, nil))

	require.NoError(t, reactor.Register(loop, &w))
	require.NoError(t, reactor.Unregister(loop, false, &w))
	require.NoError(t, reactor.Register(loop, &w))
	require.True(t, w.Registered())
	require.NoError(t, reactor.Unregister(loop, false, &w))
	require.False(t, w.Registered())
}

func TestRegister_DuplicateDirectionFails(t *testing.T) {
	sock := mustLoopback(t)
	defer sock.Close()
	loop, err := reactor.NewLoop(sock, 4)
	require.NoError(t, err)
	defer loop.Close()

	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	var w1, w2 reactor.Watch
	noop := func(*reactor.Loop, *reactor.Watch, reactor.Kind, bool) {}
	require.NoError(t, reactor.InitIO(&w1, a, reactor.FlagRead, noop, nil))
	require.NoError(t, reactor.InitIO(&w2, a, reactor.FlagRead, noop, nil))

	require.NoError(t, reactor.Register(loop, &w1))
	defer reactor.Unregister(loop, false, &w1)

	err = reactor.Register(loop, &w2)
	require.ErrorIs(t, err, reactor.ErrExists)
}

func TestReadAndWrite_SameDescriptor(t *testing.T) {
	sock := mustLoopback(t)
	defer sock.Close()
	loop, err := reactor.NewLoop(sock, 4)
	require.NoError(t, err)
	defer loop.Close()

	a, b := socketpair(t)
	defer unix.Close(b)

	var readW, writeW reactor.Watch
	readFired, writeFired := false, false
	require.NoError(t, reactor.InitIO(&readW, a, reactor.FlagRead, func(*reactor.Loop, *reactor.Watch, reactor.Kind, bool) {
		readFired = true
	}, nil))
	require.NoError(t, reactor.InitIO(&writeW, a, reactor.FlagWrite, func(*reactor.Loop, *reactor.Watch, reactor.Kind, bool) {
		writeFired = true
	}, nil))

	require.NoError(t, reactor.Register(loop, &readW))
	require.NoError(t, reactor.Register(loop, &writeW))
	require.Equal(t, 2, loop.Registered())

	_, err = unix.Write(b, []byte("ping"))
	require.NoError(t, err)

	timeout := 500 * time.Millisecond
	for i := 0; i < 10 && !(readFired && writeFired); i++ {
		_, err := loop.DispatchStep(&timeout)
		require.NoError(t, err)
	}
	require.True(t, readFired, "read watch should have fired")
	require.True(t, writeFired, "write watch should have fired (fd is writable immediately)")

	require.NoError(t, reactor.Unregister(loop, false, &readW))
	require.NoError(t, reactor.Unregister(loop, true, &writeW))
}

func TestTimer_FiresRepeatedly(t *testing.T) {
	sock := mustLoopback(t)
	defer sock.Close()
	loop, err := reactor.NewLoop(sock, 4)
	require.NoError(t, err)
	defer loop.Close()

	var w reactor.Watch
	fires := 0
	require.NoError(t, reactor.InitTimer(&w, 40*time.Millisecond, func(*reactor.Loop, *reactor.Watch, reactor.Kind, bool) {
		fires++
	}, nil))
	require.NoError(t, reactor.Register(loop, &w))

	deadline := time.Now().Add(220 * time.Millisecond)
	for time.Now().Before(deadline) {
		step := 50 * time.Millisecond
		loop.DispatchStep(&step)
	}

	require.NoError(t, reactor.Unregister(loop, false, &w))
	require.GreaterOrEqual(t, fires, 3)
	require.LessOrEqual(t, fires, 6)
}

func TestInitTimerSpec_RejectsInvalidSpec(t *testing.T) {
	var w reactor.Watch
	err := reactor.InitTimerSpec(&w, timer.Spec{Interval: 0}, func(*reactor.Loop, *reactor.Watch, reactor.Kind, bool) {}, nil)
	require.ErrorIs(t, err, reactor.ErrInvalidArgument)
}

func TestInitTimerSpec_FiresRepeatedly(t *testing.T) {
	sock := mustLoopback(t)
	defer sock.Close()
	loop, err := reactor.NewLoop(sock, 4)
	require.NoError(t, err)
	defer loop.Close()

	var w reactor.Watch
	fires := 0
	spec := timer.Spec{Interval: 40 * time.Millisecond}
	require.NoError(t, reactor.InitTimerSpec(&w, spec, func(*reactor.Loop, *reactor.Watch, reactor.Kind, bool) {
		fires++
	}, nil))
	require.NoError(t, reactor.Register(loop, &w))

	deadline := time.Now().Add(220 * time.Millisecond)
	for time.Now().Before(deadline) {
		step := 50 * time.Millisecond
		loop.DispatchStep(&step)
	}

	require.NoError(t, reactor.Unregister(loop, false, &w))
	require.GreaterOrEqual(t, fires, 3)
	require.LessOrEqual(t, fires, 6)
}

func TestHangUp_Delivered(t *testing.T) {
	sock := mustLoopback(t)
	defer sock.Close()
	loop, err := reactor.NewLoop(sock, 4)
	require.NoError(t, err)
	defer loop.Close()

	a, b := socketpair(t)
	defer unix.Close(a)

	var w reactor.Watch
	gotHup := false
	require.NoError(t, reactor.InitIO(&w, a, reactor.FlagRead, func(_ *reactor.Loop, _ *reactor.Watch, _ reactor.Kind, hup bool) {
		if hup {
			gotHup = true
		}
	}, nil))
	require.NoError(t, reactor.Register(loop, &w))

	require.NoError(t, unix.Close(b))

	timeout := 500 * time.Millisecond
	for i := 0; i < 10 && !gotHup; i++ {
		loop.DispatchStep(&timeout)
	}
	require.True(t, gotHup, "closing the peer should deliver a hang-up")

	require.NoError(t, reactor.Unregister(loop, true, &w))
}

func TestCapacityGrowsPastInitial(t *testing.T) {
	sock := mustLoopback(t)
	defer sock.Close()
	loop, err := reactor.NewLoop(sock, 4)
	require.NoError(t, err)
	defer loop.Close()

	var watches []*reactor.Watch
	var fds []int
	noop := func(*reactor.Loop, *reactor.Watch, reactor.Kind, bool) {}
	for i := 0; i < 10; i++ {
		a, b := socketpair(t)
		fds = append(fds, a, b)
		w := &reactor.Watch{}
		require.NoError(t, reactor.InitIO(w, a, reactor.FlagRead, noop, nil))
		require.NoError(t, reactor.Register(loop, w))
		watches = append(watches, w)
	}
	require.Equal(t, 10, loop.Registered())

	for _, w := range watches {
		require.NoError(t, reactor.Unregister(loop, true, w))
	}
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func TestRunForever_StopsWithinOneQuantum(t *testing.T) {
	sock := mustLoopback(t)
	defer sock.Close()
	loop, err := reactor.NewLoop(sock, 4)
	require.NoError(t, err)
	defer loop.Close()

	done := make(chan error, 1)
	go func() { done <- loop.RunForever() }()

	time.Sleep(20 * time.Millisecond)
	loop.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunForever did not stop within a poll quantum")
	}
}

func TestRunForever_RejectsReentrantRun(t *testing.T) {
	sock := mustLoopback(t)
	defer sock.Close()
	loop, err := reactor.NewLoop(sock, 4)
	require.NoError(t, err)
	defer loop.Close()

	done := make(chan error, 1)
	go func() { done <- loop.RunForever() }()
	time.Sleep(20 * time.Millisecond)

	zero := time.Duration(0)
	_, err = loop.RunOnce(&zero)
	require.ErrorIs(t, err, reactor.ErrAlreadyActive)

	loop.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunForever did not stop within a poll quantum")
	}
}
