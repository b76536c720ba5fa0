//go:build linux

package reactor

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mir00r/reactor-proxy/internal/domain"
)

// Listen opens a blocking IPv4 listening socket bound to addr. Port 0 binds
// an ephemeral port; use LocalAddr to find it.
func Listen(addr domain.InetAddr, backlog int) (int, error) {
	sa, err := sockaddr(addr)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}
	return fd, nil
}

// Connect starts a non-blocking connect to addr and waits up to timeout for
// it to complete. The returned fd is non-blocking.
func Connect(addr domain.InetAddr, timeout time.Duration) (int, error) {
	sa, err := sockaddr(addr)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		return fd, nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
	default:
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, err)
	}

	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = -1
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("connect %s: poll: %w", addr, err)
		}
		if n == 0 {
			unix.Close(fd)
			return -1, fmt.Errorf("connect %s: %w", addr, unix.ETIMEDOUT)
		}
		break
	}

	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: getsockopt: %w", addr, err)
	}
	if soerr != 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, unix.Errno(soerr))
	}
	return fd, nil
}

// SetNonblock puts fd into non-blocking mode.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// PeerAddr returns the remote endpoint of a connected socket.
func PeerAddr(fd int) (domain.InetAddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return domain.InetAddr{}, err
	}
	return inetAddr(sa)
}

// LocalAddr returns the local endpoint of a socket.
func LocalAddr(fd int) (domain.InetAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return domain.InetAddr{}, err
	}
	return inetAddr(sa)
}

// ShutdownWrite half-closes fd.
func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// IsWouldBlock reports whether err is the non-blocking backpressure errno.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func sockaddr(addr domain.InetAddr) (*unix.SockaddrInet4, error) {
	ip := net.ParseIP(addr.IP).To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid IPv4 address %q", addr.IP)
	}
	sa := &unix.SockaddrInet4{Port: int(addr.Port)}
	copy(sa.Addr[:], ip)
	return sa, nil
}

func inetAddr(sa unix.Sockaddr) (domain.InetAddr, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return domain.InetAddr{IP: net.IP(v.Addr[:]).String(), Port: uint16(v.Port)}, nil
	case *unix.SockaddrInet6:
		return domain.InetAddr{IP: net.IP(v.Addr[:]).String(), Port: uint16(v.Port)}, nil
	default:
		return domain.InetAddr{}, fmt.Errorf("unsupported socket address %T", sa)
	}
}
