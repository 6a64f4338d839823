//go:build linux

package ioloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// registration holds per-fd callback state.
type registration struct {
	callback Callback
	events   Events
}

// epollPoller implements Poller using Linux epoll.
//
// Unlike the teacher event loop's FastPoller (which preallocates a fixed
// [65536]fdInfo array for direct O(1) indexing at very high fan-out), this
// poller is keyed by a map: a balancer's fan-out is bounded by accepted
// client connections times a handful of upstream attempts, not by the
// tens of thousands of fds a generic JS-runtime I/O multiplexer might
// service. See DESIGN.md's Open Question on poller sizing.
type epollPoller struct {
	epfd     int
	mu       sync.RWMutex
	fds      map[int]registration
	eventBuf []unix.EpollEvent
	closed   atomic.Bool
}

// New creates and initializes a Linux epoll-backed Poller.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epfd:     epfd,
		fds:      make(map[int]registration),
		eventBuf: make([]unix.EpollEvent, 256),
	}, nil
}

func (p *epollPoller) RegisterFD(fd int, events Events, cb Callback) error {
	if p.closed.Load() {
		return ErrClosed
	}

	p.mu.Lock()
	if _, exists := p.fds[fd]; exists {
		p.mu.Unlock()
		return ErrAlreadyRegistered
	}
	p.fds[fd] = registration{callback: cb, events: events}
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.mu.Lock()
		delete(p.fds, fd)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *epollPoller) ModifyFD(fd int, events Events) error {
	p.mu.Lock()
	reg, exists := p.fds[fd]
	if !exists {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	reg.events = events
	p.fds[fd] = reg
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) UnregisterFD(fd int) error {
	p.mu.Lock()
	if _, exists := p.fds[fd]; !exists {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	delete(p.fds, fd)
	p.mu.Unlock()

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, ErrInterrupted
		}
		return 0, err
	}

	p.dispatch(n)
	return n, nil
}

func (p *epollPoller) dispatch(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)

		p.mu.RLock()
		reg, ok := p.fds[fd]
		p.mu.RUnlock()

		if ok && reg.callback != nil {
			reg.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
}

func (p *epollPoller) Close() error {
	p.closed.Store(true)
	return unix.Close(p.epfd)
}

func eventsToEpoll(events Events) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) Events {
	var events Events
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
