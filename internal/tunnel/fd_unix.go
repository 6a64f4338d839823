//go:build linux || darwin

package tunnel

import (
	"net"

	"golang.org/x/sys/unix"
)

// dialNonblocking creates a non-blocking TCP socket and initiates (but does
// not wait for) a connection to addr. The returned fd is always valid when
// err is nil, even though the connection itself is still in progress —
// that's the point: BeginConnect never blocks the Worker goroutine.
func dialNonblocking(addr *net.TCPAddr) (int, error) {
	family := unix.AF_INET
	if addr.IP.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	sa, err := sockaddrFromTCPAddr(addr)
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// sockaddrFromTCPAddr converts a resolved *net.TCPAddr into the
// golang.org/x/sys/unix sockaddr form needed for a raw Connect call.
func sockaddrFromTCPAddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, nil
}

// connectError inspects a connecting socket's pending error without
// consuming any data (the "non-destructive peek" spec.md §4.2 describes).
// It must only be called once the poller has actually reported the
// upstream fd ready — SO_ERROR reads 0 both on success and, on most
// kernels, while a connect is still unresolved, so calling this before
// the upstream fd itself has fired would misreport "still connecting" as
// success. A nil error means the connect succeeded.
func connectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// rawRead performs one non-blocking read. A "would block" condition is
// reported via (0, true, nil); the caller must not treat that as EOF.
func rawRead(fd int, buf []byte) (n int, wouldBlock bool, err error) {
	n, err = unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, true, nil
		}
		return 0, false, err
	}
	return n, false, nil
}

// rawWrite performs one non-blocking write of the full buffer. Per spec.md
// §4.2, short writes from a socket that was just reported ready are not
// expected, and are treated as a failure rather than silently retried.
func rawWrite(fd int, buf []byte) (wouldBlock bool, err error) {
	if len(buf) == 0 {
		return false, nil
	}
	n, err := unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return true, nil
		}
		return false, err
	}
	if n != len(buf) {
		return false, errShortWrite
	}
	return false, nil
}

// closeRaw shuts down and closes a raw socket, ignoring errors from a
// peer that already went away.
func closeRaw(fd int) {
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	_ = unix.Close(fd)
}
