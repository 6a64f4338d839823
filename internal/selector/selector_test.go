package selector

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryshana/tcplb/internal/hostset"
)

func ep(t *testing.T, addr string) hostset.Endpoint {
	t.Helper()
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	require.NoError(t, err)
	return hostset.NewEndpoint(tcpAddr)
}

func mustSet(t *testing.T, addrs ...string) *hostset.Set {
	t.Helper()
	var endpoints []hostset.Endpoint
	for _, a := range addrs {
		endpoints = append(endpoints, ep(t, a))
	}
	s, err := hostset.NewSet(endpoints)
	require.NoError(t, err)
	return s
}

// fakeClock lets tests move time forward deterministically.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestNew_EmptyHostSetRejected(t *testing.T) {
	_, err := New(&hostset.Set{})
	require.ErrorIs(t, err, hostset.ErrEmptyHostSet)
}

func TestNext_RoundRobinFairness(t *testing.T) {
	hosts := mustSet(t, "127.0.0.1:1", "127.0.0.1:2", "127.0.0.1:3")
	s, err := New(hosts)
	require.NoError(t, err)

	const k = 11
	counts := map[string]int{}
	for i := 0; i < k; i++ {
		counts[s.Next().String()]++
	}

	for _, c := range counts {
		assert.True(t, c == k/3 || c == k/3+1, "count %d out of expected spread", c)
	}
	assert.Len(t, counts, 3)
}

func TestNext_SingleHostDegeneracy(t *testing.T) {
	hosts := mustSet(t, "127.0.0.1:1")
	s, err := New(hosts)
	require.NoError(t, err)

	only := ep(t, "127.0.0.1:1")
	s.ReportError(only)
	for i := 0; i < 5; i++ {
		assert.True(t, s.Next().Equal(only))
	}
}

func TestCooldown_HonoredWhenAlternativesExist(t *testing.T) {
	hosts := mustSet(t, "127.0.0.1:1", "127.0.0.1:2", "127.0.0.1:3")
	s, err := New(hosts)
	require.NoError(t, err)

	b := ep(t, "127.0.0.1:2")
	s.ReportError(b)

	for i := 0; i < hosts.Len()-1; i++ {
		got := s.Next()
		assert.False(t, got.Equal(b), "call %d returned cooled-down host", i)
	}
}

func TestCooldown_ExpiresAndIsRemoved(t *testing.T) {
	hosts := mustSet(t, "127.0.0.1:1", "127.0.0.1:2")
	clk := &fakeClock{t: time.Now()}
	s, err := newWithClock(hosts, clk.now)
	require.NoError(t, err)

	b := ep(t, "127.0.0.1:2")
	s.ReportError(b)
	assert.True(t, s.IsOnCooldown(b))

	clk.advance(Cooldown + time.Millisecond)

	// Drive Next() around the cycle until it would encounter b again.
	var sawB bool
	for i := 0; i < hosts.Len(); i++ {
		if s.Next().Equal(b) {
			sawB = true
			break
		}
	}
	assert.True(t, sawB, "expired cooldown host should become selectable again")
	assert.False(t, s.IsOnCooldown(b))
}

func TestNext_LastResortWhenAllOnCooldown(t *testing.T) {
	hosts := mustSet(t, "127.0.0.1:1", "127.0.0.1:2", "127.0.0.1:3")
	s, err := New(hosts)
	require.NoError(t, err)

	for _, a := range hosts.All() {
		s.ReportError(a)
	}

	// Next must still return something, not block or panic.
	got := s.Next()
	found := false
	for _, a := range hosts.All() {
		if got.Equal(a) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestReportSuccess_ClearsCooldown(t *testing.T) {
	hosts := mustSet(t, "127.0.0.1:1", "127.0.0.1:2")
	s, err := New(hosts)
	require.NoError(t, err)

	a := ep(t, "127.0.0.1:1")
	s.ReportError(a)
	require.True(t, s.IsOnCooldown(a))

	s.ReportSuccess(a)
	assert.False(t, s.IsOnCooldown(a))

	// No-op when absent.
	s.ReportSuccess(a)
	assert.False(t, s.IsOnCooldown(a))
}

func TestCooldownCount_ReflectsTableSize(t *testing.T) {
	hosts := mustSet(t, "127.0.0.1:1", "127.0.0.1:2")
	s, err := New(hosts)
	require.NoError(t, err)

	assert.Equal(t, 0, s.CooldownCount())

	s.ReportError(ep(t, "127.0.0.1:1"))
	assert.Equal(t, 1, s.CooldownCount())

	s.ReportError(ep(t, "127.0.0.1:2"))
	assert.Equal(t, 2, s.CooldownCount())

	s.ReportSuccess(ep(t, "127.0.0.1:1"))
	assert.Equal(t, 1, s.CooldownCount())
}

func TestReportError_IsIdempotentAndRefreshesTimer(t *testing.T) {
	hosts := mustSet(t, "127.0.0.1:1", "127.0.0.1:2")
	clk := &fakeClock{t: time.Now()}
	s, err := newWithClock(hosts, clk.now)
	require.NoError(t, err)

	a := ep(t, "127.0.0.1:1")
	s.ReportError(a)
	clk.advance(Cooldown - time.Second)
	s.ReportError(a) // refresh
	clk.advance(Cooldown - time.Second)

	// Still within the refreshed window.
	assert.True(t, s.IsOnCooldown(a))
	// IsOnCooldown ignores expiry; Next does not. The first entry would
	// have expired without the refresh, so Next skipping a proves it held.
	assert.False(t, s.Next().Equal(a))
}
