// Package admission implements the least-loaded worker selection spec.md
// §4.4 describes: a single accept loop hands each freshly connected client
// socket to whichever Worker currently holds the fewest tunnels.
package admission

import "github.com/cryshana/tcplb/internal/worker"

// WorkerHandle is the subset of *worker.Worker admission needs, factored
// out so tests can exercise the selection policy with fakes.
type WorkerHandle interface {
	Load() int64
	Admit(fd int, addr string) bool
}

// Layer fans newly accepted client sockets out across a fixed pool of
// workers.
type Layer struct {
	workers []WorkerHandle
}

// New builds a Layer over the given workers. workers must be non-empty.
func New(workers []*worker.Worker) *Layer {
	handles := make([]WorkerHandle, len(workers))
	for i, w := range workers {
		handles[i] = w
	}
	return &Layer{workers: handles}
}

// newFromHandles is the test-only constructor accepting fakes directly.
func newFromHandles(handles []WorkerHandle) *Layer {
	return &Layer{workers: handles}
}

// Accept hands fd to the least-loaded worker. Ties are broken in favor of
// the lowest worker index, for deterministic distribution under a fresh
// pool. If the chosen worker's queue is full, the remaining workers are
// tried in index order. Returns false only if every worker's admission
// queue is momentarily saturated — the caller should close the socket.
func (l *Layer) Accept(fd int, addr string) bool {
	best := l.workers[0]
	bestLoad := best.Load()
	for _, w := range l.workers[1:] {
		if load := w.Load(); load < bestLoad {
			best, bestLoad = w, load
		}
	}
	if best.Admit(fd, addr) {
		return true
	}
	for _, w := range l.workers {
		if w != best && w.Admit(fd, addr) {
			return true
		}
	}
	return false
}
