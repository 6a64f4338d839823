//go:build linux || darwin

// Package tunnel implements the per-connection state machine that carries
// bytes between one accepted client socket and the upstream socket it is
// currently paired with.
//
// A Tunnel owns two raw, non-blocking file descriptors and nothing else:
// it performs no I/O multiplexing of its own (that's internal/ioloop's
// job, driven by internal/worker) and holds no locks, since each Tunnel is
// only ever touched by the single Worker goroutine that owns its token.
package tunnel

import (
	"errors"
	"time"

	"github.com/cryshana/tcplb/internal/hostset"
)

// State names the five positions in the per-connection lifecycle
// described in spec.md §4.2.
type State int

const (
	StateFresh State = iota
	StateConnecting
	StateEstablished
	StateFailed
	StateDead
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// BufferSize is the fixed per-tunnel forwarding buffer. A Tunnel allocates
// exactly one of these regardless of how much data actually flows through
// it — see spec.md §4.2.
const BufferSize = 4096

var (
	errShortWrite = errors.New("tunnel: short write on a socket reported ready")
	errNoUpstream = errors.New("tunnel: no upstream socket is attached")
	errNotFresh   = errors.New("tunnel: begin_connect called while already connecting")
)

// Tunnel is the per-client-connection record. It is not safe for
// concurrent use; the owning Worker serializes all access by construction
// (one token, one goroutine).
type Tunnel struct {
	clientFD   int
	clientAddr string

	upstreamFD int // -1 when no upstream socket is attached

	target            hostset.Endpoint
	haveTarget        bool
	lastTargetErrored bool

	buf [BufferSize]byte

	createdAt            time.Time
	startedConnectingAt  time.Time
	lastConnectionLossAt time.Time

	clientAlive         bool
	upstreamConnecting  bool
	upstreamEstablished bool

	// deregister is called with a socket's fd immediately before that
	// socket is closed, giving the owning Worker a chance to remove it
	// from its readiness poller first. Per spec.md §5, deregistration
	// must precede close to avoid the poller's bookkeeping outliving the
	// kernel object it describes. nil is accepted for tests that poke
	// raw fds directly without a poller in the loop.
	deregister func(fd int)
}

// New wraps an already-accepted, already-non-blocking client socket. The
// caller (internal/balancer) owns accepting the connection; Tunnel owns
// everything that happens to it afterward. deregister, if non-nil, is
// invoked with a socket's fd right before the Tunnel closes it.
func New(clientFD int, clientAddr string, now time.Time, deregister func(fd int)) *Tunnel {
	return &Tunnel{
		clientFD:             clientFD,
		clientAddr:           clientAddr,
		upstreamFD:           -1,
		createdAt:            now,
		lastConnectionLossAt: now,
		clientAlive:          true,
		deregister:           deregister,
	}
}

// ClientFD returns the raw client socket descriptor for poller registration.
func (t *Tunnel) ClientFD() int { return t.clientFD }

// ClientAddr returns the peer address captured at accept time, for logging.
func (t *Tunnel) ClientAddr() string { return t.clientAddr }

// UpstreamFD returns the raw upstream socket descriptor, or -1 if none is
// currently attached.
func (t *Tunnel) UpstreamFD() int { return t.upstreamFD }

func (t *Tunnel) ClientAlive() bool         { return t.clientAlive }
func (t *Tunnel) UpstreamConnecting() bool  { return t.upstreamConnecting }
func (t *Tunnel) UpstreamEstablished() bool { return t.upstreamEstablished }

// State derives the coarse lifecycle state from the tunnel's flags, mainly
// for logging and tests — the Worker acts on the flags directly.
func (t *Tunnel) State() State {
	switch {
	case !t.clientAlive:
		return StateDead
	case t.upstreamEstablished:
		return StateEstablished
	case t.upstreamConnecting:
		return StateConnecting
	case t.lastTargetErrored:
		return StateFailed
	default:
		return StateFresh
	}
}

// LastTarget returns the endpoint of the most recent connection attempt,
// if any has been made yet.
func (t *Tunnel) LastTarget() (hostset.Endpoint, bool) { return t.target, t.haveTarget }

// LastTargetErrored reports whether the most recent attempt against
// LastTarget ended in failure. The Worker consults this after every
// operation that might have failed, to decide whether to report the
// endpoint to the selector's cooldown tracker.
func (t *Tunnel) LastTargetErrored() bool { return t.lastTargetErrored }

// StartedConnectingAt is the timestamp of the current connection attempt,
// used by the Worker to enforce the per-attempt connect timeout.
func (t *Tunnel) StartedConnectingAt() time.Time { return t.startedConnectingAt }

// LastConnectionLossAt is the timestamp the Worker measures the overall
// retry budget from. It is set once at creation and again each time an
// established upstream connection is lost — but never reset merely
// because a new retry attempt begins. See DESIGN.md's Open Question note.
func (t *Tunnel) LastConnectionLossAt() time.Time { return t.lastConnectionLossAt }

// BeginConnect starts a non-blocking outbound connection attempt to ep.
// Any previously attached upstream socket is released first. A failure to
// even create the socket (resource exhaustion, bad address family) is
// reported as an immediately-failed attempt against ep, exactly as a
// later connect-time failure would be.
func (t *Tunnel) BeginConnect(ep hostset.Endpoint, now time.Time) error {
	if t.upstreamConnecting {
		return errNotFresh
	}
	if t.upstreamFD >= 0 {
		t.releaseUpstream()
	}

	t.target = ep
	t.haveTarget = true

	fd, err := dialNonblocking(ep.TCPAddr())
	if err != nil {
		t.lastTargetErrored = true
		return err
	}

	t.upstreamFD = fd
	t.upstreamConnecting = true
	t.upstreamEstablished = false
	t.lastTargetErrored = false
	t.startedConnectingAt = now
	return nil
}

// ConfirmConnect peeks at a connecting upstream socket's error state. The
// caller (internal/worker) must only invoke this once the poller has
// reported the upstream fd itself ready — see connectError's doc comment.
// A non-nil error means the attempt failed and the upstream side has
// already been torn down, with the endpoint marked errored for the
// selector.
func (t *Tunnel) ConfirmConnect() (connected bool, err error) {
	if t.upstreamFD < 0 {
		return false, errNoUpstream
	}

	if cerr := connectError(t.upstreamFD); cerr != nil {
		t.CloseUpstream(true)
		return false, cerr
	}

	t.upstreamConnecting = false
	t.upstreamEstablished = true
	return true, nil
}

// Pump moves at most one buffer's worth of bytes in each direction. It is
// safe to call whenever the tunnel is established, including spuriously:
// a would-block result from either direction is simply a no-op.
//
// A zero-byte read from the client is a clean client disconnect and tears
// down the whole tunnel. A zero-byte read from the upstream only closes
// the upstream side, leaving the client able to trigger a fresh retry.
func (t *Tunnel) Pump() (toUpstream, toClient int) {
	if !t.upstreamEstablished {
		return 0, 0
	}

	toUpstream, ok := t.pumpDirection(t.clientFD, t.upstreamFD, true)
	if !ok {
		return toUpstream, 0 // the upstream socket (and possibly the client) is already closed
	}
	toClient, _ = t.pumpDirection(t.upstreamFD, t.clientFD, false)
	return toUpstream, toClient
}

// pumpDirection reads once from src and, if any bytes were read, writes
// them to dst. fromClient distinguishes which teardown rule applies on
// EOF/error. The bool return value only matters for the client->upstream
// call: false means a teardown ran — of the whole tunnel, or of the
// upstream side alone after a failed write to it — and the
// upstream->client leg must not run (there's no upstream socket left to
// read from).
func (t *Tunnel) pumpDirection(src, dst int, fromClient bool) (int, bool) {
	n, wouldBlock, err := rawRead(src, t.buf[:])
	if wouldBlock {
		return 0, true
	}
	if err != nil {
		t.teardownAfterIOError(fromClient)
		return 0, false
	}
	if n == 0 {
		t.teardownAfterEOF(fromClient)
		return 0, false
	}

	// A would-block write is not one of the outcomes spec.md §4.2 names for
	// this path (only reads are specified as able to report would-block);
	// the bytes just read are dropped rather than buffered for a retry. At
	// a 4KiB forwarding buffer against kernel send buffers sized in the
	// hundreds of KiB, a freshly-writable-per-poller-event socket refusing
	// a 4KiB write essentially doesn't happen in practice.
	// A write failure belongs to dst, the opposite side from the one a read
	// failure on src would blame: writing to the upstream socket fails the
	// upstream side, writing to the client socket fails the client side.
	if _, werr := rawWrite(dst, t.buf[:n]); werr != nil {
		t.teardownAfterIOError(!fromClient)
		return 0, false
	}
	return n, true
}

func (t *Tunnel) teardownAfterEOF(fromClient bool) {
	if fromClient {
		t.CloseClient()
		return
	}
	t.CloseUpstream(false)
}

func (t *Tunnel) teardownAfterIOError(fromClient bool) {
	if fromClient {
		t.CloseClient()
		return
	}
	t.CloseUpstream(true)
}

// CloseUpstream shuts down and releases the upstream socket. When
// markErrored is true the endpoint is recorded as the tunnel's failed
// target, for the Worker to report to the selector's cooldown tracker.
func (t *Tunnel) CloseUpstream(markErrored bool) {
	if t.upstreamFD < 0 {
		return
	}
	if t.upstreamEstablished {
		t.lastConnectionLossAt = time.Now()
	}
	if markErrored {
		t.lastTargetErrored = true
	}
	t.releaseUpstream()
}

func (t *Tunnel) releaseUpstream() {
	t.deregisterFD(t.upstreamFD)
	closeRaw(t.upstreamFD)
	t.upstreamFD = -1
	t.upstreamConnecting = false
	t.upstreamEstablished = false
}

// CloseClient shuts down the client socket and releases any upstream
// socket still attached. Once called, the tunnel is dead and the Worker
// must drop it from its token table.
func (t *Tunnel) CloseClient() {
	if t.clientAlive {
		t.deregisterFD(t.clientFD)
		closeRaw(t.clientFD)
		t.clientAlive = false
	}
	t.CloseUpstream(false)
}

// deregisterFD gives the owning Worker a chance to unregister fd from its
// poller before it's closed. A no-op when the Tunnel was constructed
// without a deregister hook.
func (t *Tunnel) deregisterFD(fd int) {
	if t.deregister != nil {
		t.deregister(fd)
	}
}

// Close tears the tunnel down unconditionally, mirroring the destructor
// guarantee spec.md §4.2 requires: however a Tunnel's life ends, both
// sockets are released.
func (t *Tunnel) Close() {
	t.CloseClient()
}
