//go:build linux || darwin

// Package balancer wires together the listener, the worker pool, and the
// selector into the running process spec.md §4 describes, and owns the
// signal-driven graceful shutdown sequence.
package balancer

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cryshana/tcplb/internal/admission"
	"github.com/cryshana/tcplb/internal/hostset"
	"github.com/cryshana/tcplb/internal/logx"
	"github.com/cryshana/tcplb/internal/metrics"
	"github.com/cryshana/tcplb/internal/selector"
	"github.com/cryshana/tcplb/internal/worker"
)

// shutdownGrace is how long Balancer.Shutdown sleeps after flipping the
// shutdown flag before returning, giving in-flight worker iterations a
// chance to observe the flag and tear their tunnels down cleanly rather
// than being cut off mid-loop.
const shutdownGrace = 10 * time.Millisecond

// Config carries everything needed to construct a Balancer.
type Config struct {
	Port        int
	Hosts       *hostset.Set
	WorkerCount int
	Metrics     *metrics.Registry
}

// Balancer owns the listening socket and the worker pool that services
// accepted connections.
type Balancer struct {
	listener *net.TCPListener
	workers  []*worker.Worker
	admit    *admission.Layer
	shutdown atomic.Bool
	metrics  *metrics.Registry
}

// New binds the listening port and constructs a worker pool of the
// requested size. All workers share one *selector.Selector over hosts, so
// round-robin position and cooldown state are consistent across workers.
func New(cfg Config) (*Balancer, error) {
	if cfg.WorkerCount < 1 {
		return nil, errors.New("balancer: worker count must be at least 1")
	}

	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4zero, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("balancer: bind: %w", err)
	}

	sel, err := selector.New(cfg.Hosts)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	b := &Balancer{listener: ln, metrics: cfg.Metrics}

	workers := make([]*worker.Worker, cfg.WorkerCount)
	for i := range workers {
		w, werr := worker.New(i, sel, cfg.Metrics, &b.shutdown)
		if werr != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("balancer: starting worker %d: %w", i, werr)
		}
		workers[i] = w
	}
	b.workers = workers
	b.admit = admission.New(workers)

	return b, nil
}

// Addr returns the bound listen address, mainly for tests that bind to
// port 0.
func (b *Balancer) Addr() net.Addr { return b.listener.Addr() }

// RunUntilSignal runs the balancer and triggers a graceful Shutdown on
// SIGINT or SIGTERM, returning once every worker has drained.
func (b *Balancer) RunUntilSignal() error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	go func() {
		s, ok := <-sig
		if !ok {
			return
		}
		logx.Infof("balancer", -1, "received shutdown signal", map[string]any{"signal": s.String()})
		b.Shutdown()
	}()

	return b.Run()
}

// Run starts every worker goroutine and the accept loop, and blocks until
// Shutdown is called (typically from a signal handler installed by the
// caller).
func (b *Balancer) Run() error {
	var wg sync.WaitGroup
	wg.Add(len(b.workers))
	for _, w := range b.workers {
		w := w
		go func() {
			defer wg.Done()
			w.Run()
		}()
	}

	acceptErr := b.acceptLoop()

	wg.Wait()
	return acceptErr
}

// Shutdown flags the balancer to stop and closes the listener, typically
// from a signal handler. It returns after sleeping shutdownGrace; it does
// not wait for the workers to finish.
func (b *Balancer) Shutdown() {
	b.shutdown.Store(true)
	_ = b.listener.Close()
	time.Sleep(shutdownGrace)
}

func (b *Balancer) acceptLoop() error {
	for {
		conn, err := b.listener.AcceptTCP()
		if err != nil {
			if b.shutdown.Load() {
				return nil
			}
			var opErr *net.OpError
			if errors.As(err, &opErr) && errors.Is(opErr.Err, net.ErrClosed) {
				return nil
			}
			logx.Warnf("balancer", -1, "accept failed", map[string]any{"err": err.Error()})
			continue
		}

		fd, dupErr := dupFD(conn)
		peer := conn.RemoteAddr().String()
		_ = conn.Close()
		if dupErr != nil {
			logx.Errorf("balancer", -1, "failed to take raw ownership of accepted socket", dupErr, map[string]any{"peer": peer})
			continue
		}

		if err := unix.SetNonblock(fd, true); err != nil {
			logx.Errorf("balancer", -1, "failed to set accepted socket non-blocking", err, map[string]any{"peer": peer})
			_ = unix.Close(fd)
			continue
		}

		if !b.admit.Accept(fd, peer) {
			logx.Warnf("balancer", -1, "every worker's admission queue is full, dropping connection", map[string]any{"peer": peer})
			_ = unix.Close(fd)
			continue
		}
		b.metrics.TunnelsActive.Inc()
	}
}

// dupFD detaches a raw, independently owned file descriptor from an
// accepted *net.TCPConn. The balancer's tunnels own their sockets
// directly and drive them with raw reads/writes under their own
// readiness poller, not through Go's runtime network poller.
func dupFD(conn *net.TCPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	var dupErr error
	ctrlErr := sc.Control(func(ufd uintptr) {
		fd, dupErr = unix.Dup(int(ufd))
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, dupErr
}
