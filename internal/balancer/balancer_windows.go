//go:build windows

package balancer

import (
	"errors"
	"net"

	"github.com/cryshana/tcplb/internal/hostset"
	"github.com/cryshana/tcplb/internal/metrics"
)

// ErrUnsupportedPlatform mirrors internal/ioloop's: the balancer's core is
// built on raw non-blocking sockets driven by a readiness poller, which
// this module only implements for linux/darwin. See DESIGN.md.
var ErrUnsupportedPlatform = errors.New("balancer: unsupported on this platform")

// Config carries everything needed to construct a Balancer.
type Config struct {
	Port        int
	Hosts       *hostset.Set
	WorkerCount int
	Metrics     *metrics.Registry
}

// Balancer is an unusable placeholder on this platform.
type Balancer struct{}

// New always fails on Windows.
func New(Config) (*Balancer, error) { return nil, ErrUnsupportedPlatform }

func (b *Balancer) Addr() net.Addr        { return nil }
func (b *Balancer) Run() error            { return ErrUnsupportedPlatform }
func (b *Balancer) RunUntilSignal() error { return ErrUnsupportedPlatform }
func (b *Balancer) Shutdown()             {}
