// Command reactorecho is a demo TCP/Unix echo server built directly on the
// reactor: it loads a YAML configuration file, binds every configured
// listen endpoint, registers one acceptor watch and one read watch per
// connection, and serves until SIGINT or SIGTERM.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/tripwire/reactor/internal/config"
	"github.com/tripwire/reactor/internal/endpoint"
	"github.com/tripwire/reactor/internal/netutil"
	"github.com/tripwire/reactor/internal/reactor"
	"github.com/tripwire/reactor/internal/reactormetrics"
)

const readBufSize = 4096

func main() {
	configPath := flag.String("config", "/etc/reactorecho/config.yaml", "path to the reactorecho YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reactorecho: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Any("listen", cfg.Listen),
		slog.Int("backlog", cfg.Backlog),
	)

	var metrics *reactormetrics.Set
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = reactormetrics.New(reg, "reactorecho")

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics server listening", slog.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", slog.Any("error", err))
			}
		}()
	}

	listeners := make([]*endpoint.Sock, 0, len(cfg.Listen))
	for _, addr := range cfg.Listen {
		sock, err := endpoint.Parse(addr, endpoint.TypeStream)
		if err != nil {
			logger.Error("failed to parse listen address", slog.String("addr", addr), slog.Any("error", err))
			os.Exit(1)
		}
		if err := sock.Listen(cfg.Backlog); err != nil {
			logger.Error("failed to listen", slog.String("addr", addr), slog.Any("error", err))
			os.Exit(1)
		}
		listeners = append(listeners, sock)
		logger.Info("listening", slog.String("addr", addr))
	}

	var opts []reactor.Option
	if metrics != nil {
		opts = append(opts, reactor.WithMetrics(metrics))
	}
	if cfg.PollQuantumMS > 0 {
		opts = append(opts, reactor.WithPollQuantum(time.Duration(cfg.PollQuantumMS)*time.Millisecond))
	}
	loop, err := reactor.NewLoop(nil, 4*len(listeners), opts...)
	if err != nil {
		logger.Error("failed to create reactor loop", slog.Any("error", err))
		os.Exit(1)
	}

	acceptWatches := make([]*reactor.Watch, 0, len(listeners))
	for _, sock := range listeners {
		sock := sock
		w := &reactor.Watch{}
		if err := reactor.InitIO(w, sock.FD(), reactor.FlagRead, acceptCallback(sock, logger), nil); err != nil {
			logger.Error("failed to init acceptor watch", slog.Any("error", err))
			os.Exit(1)
		}
		if err := reactor.Register(loop, w); err != nil {
			logger.Error("failed to register acceptor watch", slog.Any("error", err))
			os.Exit(1)
		}
		acceptWatches = append(acceptWatches, w)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		loop.Stop()
	}()

	if err := loop.RunForever(); err != nil {
		logger.Error("reactor loop exited with error", slog.Any("error", err))
	}

	for _, w := range acceptWatches {
		reactor.Unregister(loop, false, w)
	}
	for _, sock := range listeners {
		sock.Close()
	}
	loop.Close()

	logger.Info("reactorecho exited cleanly")
}

// acceptCallback returns a reactor.Callback that drains every pending
// connection on sock's listening descriptor, registering an echo watch for
// each. Draining in a loop matters even though the acceptor watch is
// level-triggered: a burst of simultaneous connect(2)s would otherwise wait
// for multiple dispatch rounds to be picked up one at a time.
func acceptCallback(sock *endpoint.Sock, logger *slog.Logger) reactor.Callback {
	return func(loop *reactor.Loop, w *reactor.Watch, dir reactor.Kind, hup bool) {
		for {
			fd, _, err := netutil.Accept(sock.FD())
			if err != nil {
				if errors.Is(err, netutil.ErrWouldBlock) {
					return
				}
				logger.Warn("accept failed", slog.Any("error", err))
				return
			}
			if sock.SockType() == endpoint.TypeStream {
				netutil.SetNoDelay(fd, true)
			}

			connW := &reactor.Watch{}
			if err := reactor.InitIO(connW, fd, reactor.FlagRead|reactor.FlagEdge, echoCallback(logger), nil); err != nil {
				logger.Warn("failed to init connection watch", slog.Any("error", err))
				unix.Close(fd)
				continue
			}
			if err := reactor.Register(loop, connW); err != nil {
				logger.Warn("failed to register connection watch", slog.Any("error", err))
				unix.Close(fd)
				continue
			}
		}
	}
}

// echoCallback returns a reactor.Callback that writes what it reads back
// to the same descriptor, draining read-readiness to exhaustion (required
// for the edge-triggered watch the connection is registered with) and
// tearing the connection down on EOF or hang-up. Each chunk gets a single
// non-blocking write: bytes that write does not accept (a short write, or
// EAGAIN) are dropped, not retried.
func echoCallback(logger *slog.Logger) reactor.Callback {
	return func(loop *reactor.Loop, w *reactor.Watch, dir reactor.Kind, hup bool) {
		buf := make([]byte, readBufSize)
		for {
			n, err := unix.Read(w.FD(), buf)
			if err != nil {
				if err == unix.EAGAIN {
					return
				}
				closeConn(loop, w, logger)
				return
			}
			if n == 0 {
				closeConn(loop, w, logger)
				return
			}
			if _, err := unix.Write(w.FD(), buf[:n]); err != nil && err != unix.EAGAIN {
				closeConn(loop, w, logger)
				return
			}
		}
	}
}

func closeConn(loop *reactor.Loop, w *reactor.Watch, logger *slog.Logger) {
	if err := reactor.Unregister(loop, true, w); err != nil {
		logger.Warn("failed to unregister connection watch", slog.Any("error", err))
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
