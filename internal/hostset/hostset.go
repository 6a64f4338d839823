// Package hostset holds the immutable, ordered set of upstream endpoints a
// balancer was started with, and the parser that produces it from the
// host-list file described in spec.md §6.
package hostset

import (
	"errors"
	"net"
)

// ErrEmptyHostSet is returned when a host-list file (or any other source)
// resolves to zero usable endpoints. spec.md §6 treats this as a clean exit
// (code 0), not a hard failure — callers decide what that means for them.
var ErrEmptyHostSet = errors.New("hostset: empty host set")

// Endpoint is a resolved upstream address. It is immutable once constructed
// and compared by full address (spec.md §3).
type Endpoint struct {
	addr *net.TCPAddr
}

// NewEndpoint wraps a resolved address.
func NewEndpoint(addr *net.TCPAddr) Endpoint {
	return Endpoint{addr: addr}
}

// TCPAddr returns the underlying resolved address.
func (e Endpoint) TCPAddr() *net.TCPAddr { return e.addr }

// String returns the "ip:port" form used in logs.
func (e Endpoint) String() string {
	if e.addr == nil {
		return "<nil>"
	}
	return e.addr.String()
}

// Equal implements address equality, the invariant the cooldown table and
// selector cursor rely on.
func (e Endpoint) Equal(other Endpoint) bool {
	if e.addr == nil || other.addr == nil {
		return e.addr == other.addr
	}
	return e.addr.IP.Equal(other.addr.IP) && e.addr.Port == other.addr.Port && e.addr.Zone == other.addr.Zone
}

// Set is an ordered, immutable sequence of upstream endpoints. Order is
// meaningful: it defines the round-robin cycle (spec.md §3).
type Set struct {
	endpoints []Endpoint
}

// NewSet constructs a Set from already-resolved endpoints. Returns
// ErrEmptyHostSet if given none.
func NewSet(endpoints []Endpoint) (*Set, error) {
	if len(endpoints) == 0 {
		return nil, ErrEmptyHostSet
	}
	cp := make([]Endpoint, len(endpoints))
	copy(cp, endpoints)
	return &Set{endpoints: cp}, nil
}

// Len returns the number of endpoints.
func (s *Set) Len() int { return len(s.endpoints) }

// At returns the endpoint at the given cursor position. The caller owns
// bounds-checking against Len.
func (s *Set) At(i int) Endpoint { return s.endpoints[i] }

// All returns a copy of the endpoint slice, for logging/diagnostics.
func (s *Set) All() []Endpoint {
	cp := make([]Endpoint, len(s.endpoints))
	copy(cp, s.endpoints)
	return cp
}
