//go:build darwin

package ioloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type registration struct {
	callback Callback
	events   Events
}

// kqueuePoller implements Poller using Darwin kqueue.
type kqueuePoller struct {
	kq       int
	mu       sync.RWMutex
	fds      map[int]registration
	eventBuf []unix.Kevent_t
	closed   atomic.Bool
}

// New creates and initializes a kqueue-backed Poller.
func New() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &kqueuePoller{
		kq:       kq,
		fds:      make(map[int]registration),
		eventBuf: make([]unix.Kevent_t, 256),
	}, nil
}

func (p *kqueuePoller) RegisterFD(fd int, events Events, cb Callback) error {
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

	kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
			p.mu.Lock()
			delete(p.fds, fd)
			p.mu.Unlock()
			return err
		}
	}
	return nil
}

func (p *kqueuePoller) ModifyFD(fd int, events Events) error {
	p.mu.Lock()
	reg, exists := p.fds[fd]
	if !exists {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	old := reg.events
	reg.events = events
	p.fds[fd] = reg
	p.mu.Unlock()

	if removed := old &^ events; removed != 0 {
		if kevents := eventsToKevents(fd, removed, unix.EV_DELETE); len(kevents) > 0 {
			_, _ = unix.Kevent(p.kq, kevents, nil, nil)
		}
	}
	if added := events &^ old; added != 0 {
		if kevents := eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
			if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *kqueuePoller) UnregisterFD(fd int) error {
	p.mu.Lock()
	reg, exists := p.fds[fd]
	if !exists {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	delete(p.fds, fd)
	p.mu.Unlock()

	if kevents := eventsToKevents(fd, reg.events, unix.EV_DELETE); len(kevents) > 0 {
		_, _ = unix.Kevent(p.kq, kevents, nil, nil)
	}
	return nil
}

func (p *kqueuePoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1_000_000),
		}
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, ErrInterrupted
		}
		return 0, err
	}

	p.dispatch(n)
	return n, nil
}

func (p *kqueuePoller) dispatch(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)

		p.mu.RLock()
		reg, ok := p.fds[fd]
		p.mu.RUnlock()

		if ok && reg.callback != nil {
			reg.callback(keventToEvents(&p.eventBuf[i]))
		}
	}
}

func (p *kqueuePoller) Close() error {
	p.closed.Store(true)
	return unix.Close(p.kq)
}

func eventsToKevents(fd int, events Events, flags uint16) []unix.Kevent_t {
	var out []unix.Kevent_t
	if events&EventRead != 0 {
		out = append(out, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		out = append(out, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return out
}

func keventToEvents(kev *unix.Kevent_t) Events {
	var events Events
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
