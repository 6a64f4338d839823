//go:build linux || darwin

package ioloop

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeFD(t *testing.T) (readFD int, cleanup func()) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	return int(r.Fd()), func() {
		_ = r.Close()
		_ = w.Close()
	}
}

func TestPoller_RegisterAndDispatchReadable(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := make(chan Events, 1)
	require.NoError(t, p.RegisterFD(int(r.Fd()), EventRead, func(ev Events) {
		fired <- ev
	}))
	defer p.UnregisterFD(int(r.Fd()))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	n, err := p.PollIO(1000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	select {
	case ev := <-fired:
		assert.NotZero(t, ev&EventRead)
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}
}

func TestPoller_DoubleRegisterFails(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fd, cleanup := newPipeFD(t)
	defer cleanup()

	require.NoError(t, p.RegisterFD(fd, EventRead, func(Events) {}))
	err = p.RegisterFD(fd, EventRead, func(Events) {})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestPoller_UnregisterUnknownFails(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	err = p.UnregisterFD(99999)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestPoller_PollTimesOutWithNoEvents(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	n, err := p.PollIO(10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
