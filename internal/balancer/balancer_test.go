//go:build linux || darwin

package balancer

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryshana/tcplb/internal/hostset"
	"github.com/cryshana/tcplb/internal/metrics"
)

func echoUpstream(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()

	addr, ok := ln.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr
}

func TestBalancer_RelaysBytesEndToEnd(t *testing.T) {
	upstreamAddr := echoUpstream(t)

	set, err := hostset.NewSet([]hostset.Endpoint{hostset.NewEndpoint(upstreamAddr)})
	require.NoError(t, err)

	reg := metrics.New(prometheus.NewRegistry())
	b, err := New(Config{Port: 0, Hosts: set, WorkerCount: 2, Metrics: reg})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.Run() }()
	defer func() {
		b.Shutdown()
		<-done
	}()

	clientAddr := b.Addr().(*net.TCPAddr)
	conn, err := net.DialTCP("tcp", nil, clientAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)
}
