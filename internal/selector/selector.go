// Package selector implements round-robin upstream selection with
// per-host cooldown, as specified in spec.md §4.1.
package selector

import (
	"sync"
	"time"

	"github.com/cryshana/tcplb/internal/hostset"
)

// Cooldown is the duration an upstream is excluded from selection after an
// error is reported against it (spec.md §3 design value).
const Cooldown = 30 * time.Second

// clock abstracts time.Now so tests can inject a fake monotonic source
// without sleeping for real seconds.
type clock func() time.Time

// Selector is a stateful, round-robin picker over a fixed Host Set, with a
// cooldown table tracking upstreams that recently errored. It is safe for
// concurrent use: mutating operations (Next, ReportError, ReportSuccess)
// take a single write lock; IsOnCooldown takes a read lock (spec.md §5).
type Selector struct {
	mu     sync.RWMutex
	hosts  *hostset.Set
	cursor int

	// cooldowns is keyed by the endpoint's string form rather than the
	// Endpoint value itself: Endpoint wraps a *net.TCPAddr, and two
	// Endpoints resolved independently for the same "ip:port" carry
	// different pointers, so comparing Endpoint values directly (as a Go
	// map key would) misses the address-equality invariant spec.md §3
	// requires. The string form is what Endpoint.Equal ultimately compares.
	cooldowns map[string]time.Time
	now       clock
}

// New constructs a Selector over hosts. hosts must be non-empty — spec.md
// §9's open question on an empty-set Next() is resolved by refusing to
// construct rather than returning an undefined value from Next.
func New(hosts *hostset.Set) (*Selector, error) {
	if hosts.Len() == 0 {
		return nil, hostset.ErrEmptyHostSet
	}
	return &Selector{
		hosts:     hosts,
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}, nil
}

// newWithClock is used by tests to control the passage of time.
func newWithClock(hosts *hostset.Set, now clock) (*Selector, error) {
	s, err := New(hosts)
	if err != nil {
		return nil, err
	}
	s.now = now
	return s, nil
}

// Next returns the endpoint the caller should attempt next. It skips
// endpoints on an unexpired cooldown, lazily removing cooldown entries it
// finds expired along the way. If a full cycle through the host set finds
// every remaining endpoint on cooldown, it returns the endpoint at the
// cursor position where the scan began ("best we've got") and advances the
// cursor one further step so the next call tries a different slot. The
// cursor always advances, cooldown or not, to preserve round-robin
// fairness under success.
func (s *Selector) Next() hostset.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.hosts.Len()
	start := s.cursor
	lastResort := s.hosts.At(start)

	idx := start
	for {
		candidate := s.hosts.At(idx)
		next := idx + 1
		if next >= n {
			next = 0
		}
		cycleReached := next == start

		cooledUntil, onCooldown := s.cooldowns[candidate.String()]
		if onCooldown && s.now().After(cooledUntil) {
			delete(s.cooldowns, candidate.String())
			onCooldown = false
		}

		if !onCooldown {
			s.cursor = next
			return candidate
		}
		if cycleReached {
			// Every endpoint in this cycle is on an unexpired cooldown.
			// Advance one extra step so the next call doesn't retrace the
			// same ground, and hand back the best we've got.
			s.cursor = next + 1
			if s.cursor >= n {
				s.cursor = 0
			}
			return lastResort
		}
		idx = next
	}
}

// ReportError inserts or refreshes a cooldown entry for endpoint, expiring
// Cooldown from now. Idempotent: repeated calls within the window simply
// reset the timer.
func (s *Selector) ReportError(endpoint hostset.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[endpoint.String()] = s.now().Add(Cooldown)
}

// ReportSuccess removes any cooldown entry for endpoint. No-op if absent.
func (s *Selector) ReportSuccess(endpoint hostset.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cooldowns, endpoint.String())
}

// IsOnCooldown is a cheap membership test with no expiration check —
// callers who need precision should attempt a selection instead.
func (s *Selector) IsOnCooldown(endpoint hostset.Endpoint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cooldowns[endpoint.String()]
	return ok
}

// CooldownCount returns the number of endpoints with an entry in the
// cooldown table, expired or not — it's a cheap size check for metrics,
// not a precise "currently excluded" count (entries only get pruned when
// Next happens to scan past them).
func (s *Selector) CooldownCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cooldowns)
}
