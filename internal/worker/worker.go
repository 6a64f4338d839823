//go:build linux || darwin

// Package worker implements the per-goroutine event loop described in
// spec.md §4.3: each Worker owns one readiness poller, a private map of
// tunnels keyed by a monotonic token, and runs entirely single-threaded —
// no locking is needed inside a Worker's own bookkeeping, only at its
// admission-queue boundary where other goroutines hand it new clients.
package worker

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/cryshana/tcplb/internal/ioloop"
	"github.com/cryshana/tcplb/internal/logx"
	"github.com/cryshana/tcplb/internal/metrics"
	"github.com/cryshana/tcplb/internal/selector"
	"github.com/cryshana/tcplb/internal/tunnel"
)

const (
	// pollTimeout bounds how long a Worker can block in one PollIO call
	// before re-checking its shutdown flag and admission queue.
	pollTimeout = 10 * time.Millisecond

	// ConnectTimeout is the per-attempt budget for a single upstream
	// connect before the Worker fails it over to the next endpoint.
	ConnectTimeout = 400 * time.Millisecond

	// TotalTimeout is the overall budget, measured from the tunnel's
	// last_connection_loss_at, before a client is given up on entirely.
	TotalTimeout = 4 * time.Second

	admissionQueueSize = 256
)

// pendingConn is a freshly accepted client socket waiting to be admitted
// into a Worker's tunnel table.
type pendingConn struct {
	fd   int
	addr string
}

// Worker runs one readiness-poller-driven event loop over a private set
// of tunnels. Workers never share tunnels or poller state; the only
// cross-goroutine surface is Admit and Load.
type Worker struct {
	id       int
	poller   ioloop.Poller
	sel      *selector.Selector
	metrics  *metrics.Registry
	shutdown *atomic.Bool

	pending chan pendingConn

	nextToken uint64
	tunnels   map[uint64]*tunnel.Tunnel

	activeCount atomic.Int64
}

// New constructs a Worker with its own poller. id is used only for logs
// and metrics labels.
func New(id int, sel *selector.Selector, reg *metrics.Registry, shutdown *atomic.Bool) (*Worker, error) {
	p, err := ioloop.New()
	if err != nil {
		return nil, err
	}
	return &Worker{
		id:       id,
		poller:   p,
		sel:      sel,
		metrics:  reg,
		shutdown: shutdown,
		pending:  make(chan pendingConn, admissionQueueSize),
		tunnels:  make(map[uint64]*tunnel.Tunnel),
	}, nil
}

// Load reports the number of tunnels currently assigned to this Worker.
// Safe to call concurrently; used by internal/admission to pick the
// least-loaded worker.
func (w *Worker) Load() int64 { return w.activeCount.Load() }

// Admit hands a freshly accepted client socket to this Worker. Safe to
// call from any goroutine. Returns false if the Worker's admission queue
// is saturated — the caller should try a different worker.
func (w *Worker) Admit(fd int, addr string) bool {
	select {
	case w.pending <- pendingConn{fd: fd, addr: addr}:
		return true
	default:
		return false
	}
}

// Run executes the event loop until the shared shutdown flag is set. It
// is meant to be the entire body of the goroutine internal/balancer
// spawns per worker.
//
// Per spec.md §4.3/§7: an interrupted poll is treated as an implicit
// shutdown request (the platform-portable fallback for signal handlers
// that can't interrupt a blocking syscall), while any other poll error is
// fatal only for this Worker — it logs and exits its own loop, leaving
// the rest of the pool running.
func (w *Worker) Run() {
	for !w.shutdown.Load() {
		if _, err := w.poller.PollIO(int(pollTimeout.Milliseconds())); err != nil {
			if errors.Is(err, ioloop.ErrInterrupted) {
				w.shutdown.Store(true)
				break
			}
			logx.Errorf("worker", w.id, "poll failed, exiting worker", err, nil)
			break
		}
		w.drainAdmissions()
		w.sweepTimeouts()
	}
	w.closeAll()
}

func (w *Worker) drainAdmissions() {
	for {
		select {
		case pc := <-w.pending:
			w.admitOne(pc)
		default:
			return
		}
	}
}

func (w *Worker) admitOne(pc pendingConn) {
	token := w.allocateToken()
	tun := tunnel.New(pc.fd, pc.addr, time.Now(), func(fd int) { _ = w.poller.UnregisterFD(fd) })
	w.tunnels[token] = tun
	w.activeCount.Add(1)

	if err := w.poller.RegisterFD(pc.fd, ioloop.EventRead, w.clientCallback(token)); err != nil {
		logx.Errorf("worker", w.id, "failed to register client socket", err, map[string]any{"peer": pc.addr})
		w.dropTunnel(token, tun)
		return
	}
	logx.Debugf("worker", w.id, "admitted connection", map[string]any{"peer": pc.addr, "token": token})
}

func (w *Worker) clientCallback(token uint64) ioloop.Callback {
	return func(ioloop.Events) { w.dispatch(token, false) }
}

func (w *Worker) upstreamCallback(token uint64) ioloop.Callback {
	return func(ioloop.Events) { w.dispatch(token, true) }
}

// allocateToken returns the next token in the monotonic sequence,
// skipping zero on wraparound (token 0 is reserved, never assigned).
func (w *Worker) allocateToken() uint64 {
	w.nextToken++
	if w.nextToken == 0 {
		w.nextToken = 1
	}
	return w.nextToken
}

// dispatch is the single path every readiness event funnels through,
// whichever of a tunnel's two sockets actually fired. firedUpstream
// distinguishes an upstream-fd event from a client-fd event — needed
// because ConfirmConnect's SO_ERROR peek is only meaningful once the
// upstream socket itself has been reported ready; a spurious wakeup from
// client-side traffic arriving early must not be misread as "connected".
func (w *Worker) dispatch(token uint64, firedUpstream bool) {
	tun, ok := w.tunnels[token]
	if !ok || !tun.ClientAlive() {
		return
	}

	if tun.UpstreamConnecting() && firedUpstream {
		w.confirmConnect(token, tun)
		// Report before anything else touches the tunnel: a failed
		// confirm immediately falls through to the Fresh/Failed branch
		// below, whose begin_connect would overwrite LastTarget with the
		// next attempt's endpoint before a single end-of-dispatch report
		// got a chance to see the one that just failed.
		w.afterOp(token, tun)
		if !tun.ClientAlive() {
			return
		}
	}

	switch {
	case tun.UpstreamEstablished():
		toUp, toClient := tun.Pump()
		w.metrics.RecordBytes(metrics.DirectionClientToUpstream, toUp)
		w.metrics.RecordBytes(metrics.DirectionUpstreamToClient, toClient)
	case !tun.UpstreamConnecting():
		w.attemptConnect(token, tun)
	}

	w.afterOp(token, tun)
}

func (w *Worker) confirmConnect(token uint64, tun *tunnel.Tunnel) {
	connected, err := tun.ConfirmConnect()
	elapsed := time.Since(tun.StartedConnectingAt()).Seconds()
	if err != nil {
		w.metrics.RecordConnect(metrics.ConnectFailure, elapsed)
		return
	}
	if connected {
		w.metrics.RecordConnect(metrics.ConnectSuccess, elapsed)
		if target, ok := tun.LastTarget(); ok && w.sel.IsOnCooldown(target) {
			w.sel.ReportSuccess(target)
		}
		// Both pollers are level-triggered: an established socket's send
		// buffer is essentially always writable, so leaving write interest
		// registered would make PollIO return immediately forever instead
		// of suspending up to pollTimeout. Write readiness was only ever
		// needed to detect connect completion.
		if err := w.poller.ModifyFD(tun.UpstreamFD(), ioloop.EventRead); err != nil {
			logx.Errorf("worker", w.id, "failed to narrow upstream poll interest", err, nil)
		}
	}
}

// attemptConnect is invoked for a Fresh or Failed tunnel: pick the next
// upstream and kick off a non-blocking connect, registering the new
// upstream socket under the same token the client socket already uses.
func (w *Worker) attemptConnect(token uint64, tun *tunnel.Tunnel) {
	ep := w.sel.Next()
	if err := tun.BeginConnect(ep, time.Now()); err != nil {
		logx.Warnf("worker", w.id, "failed to start upstream connect", map[string]any{"target": ep.String(), "err": err.Error()})
		return
	}
	if err := w.poller.RegisterFD(tun.UpstreamFD(), ioloop.EventRead|ioloop.EventWrite, w.upstreamCallback(token)); err != nil {
		logx.Errorf("worker", w.id, "failed to register upstream socket", err, map[string]any{"target": ep.String()})
		tun.CloseUpstream(true)
	}
}

// afterOp reports a just-failed endpoint to the selector's cooldown
// tracker and tears down dead tunnels. Every tunnel operation that might
// fail routes through here afterward, per spec.md §4.3.
func (w *Worker) afterOp(token uint64, tun *tunnel.Tunnel) {
	if tun.LastTargetErrored() {
		if target, ok := tun.LastTarget(); ok {
			w.sel.ReportError(target)
			w.metrics.CooldownsTotal.Inc()
		}
	}
	if !tun.ClientAlive() {
		w.dropTunnel(token, tun)
	}
}

// sweepTimeouts removes dead tunnels, fails over connect attempts that
// have run past ConnectTimeout, gives up on tunnels past TotalTimeout, and
// — since nothing else drives a Fresh or Failed tunnel forward when the
// client isn't sending data — kicks off the next connect attempt for any
// tunnel that's neither connecting nor established. Running every tick
// (not just reactively off client readiness) is what gives a freshly
// admitted tunnel a connect attempt within one poll interval instead of
// waiting indefinitely for client traffic.
func (w *Worker) sweepTimeouts() {
	now := time.Now()
	w.metrics.CooldownsActive.Set(float64(w.sel.CooldownCount()))
	for token, tun := range w.tunnels {
		if !tun.ClientAlive() {
			w.dropTunnel(token, tun)
			continue
		}

		if tun.UpstreamConnecting() {
			if now.Sub(tun.StartedConnectingAt()) > ConnectTimeout {
				tun.CloseUpstream(true)
				w.afterOp(token, tun)
				if tun.ClientAlive() {
					w.attemptConnect(token, tun)
					w.afterOp(token, tun)
				}
			}
			continue
		}

		if tun.UpstreamEstablished() {
			continue
		}

		if now.Sub(tun.LastConnectionLossAt()) > TotalTimeout {
			// Giving up here is attributed to the fleet as a whole, not to
			// whichever endpoint the tunnel last tried (spec.md §7) — go
			// straight to dropTunnel instead of afterOp, which would
			// re-report a stale LastTargetErrored left over from an
			// attempt already reported in an earlier tick.
			w.dropTunnel(token, tun)
			continue
		}

		w.attemptConnect(token, tun)
		w.afterOp(token, tun)
	}
}

// dropTunnel removes a dead tunnel from the token table. tun.Close() itself
// deregisters each socket it still owns from this Worker's poller (via the
// deregister hook passed to tunnel.New) before closing it, so no separate
// UnregisterFD call is needed here.
func (w *Worker) dropTunnel(token uint64, tun *tunnel.Tunnel) {
	tun.Close()
	delete(w.tunnels, token)
	w.activeCount.Add(-1)
	w.metrics.TunnelsActive.Dec()
}

func (w *Worker) closeAll() {
	for token, tun := range w.tunnels {
		w.dropTunnel(token, tun)
	}
	_ = w.poller.Close()
}
