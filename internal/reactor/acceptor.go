//go:build linux

package reactor

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mir00r/reactor-proxy/internal/domain"
	perrors "github.com/mir00r/reactor-proxy/internal/errors"
	"github.com/mir00r/reactor-proxy/internal/pubsub"
)

// Acceptor owns the blocking listening socket and publishes Accepted for
// every connection it takes.
type Acceptor struct {
	fd   int
	addr domain.InetAddr
	bus  *pubsub.Bus
	id   pubsub.PublisherID

	shut      atomic.Bool
	closeOnce sync.Once
}

// NewAcceptor listens on addr.
func NewAcceptor(bus *pubsub.Bus, addr domain.InetAddr, backlog int) (*Acceptor, error) {
	fd, err := Listen(addr, backlog)
	if err != nil {
		return nil, perrors.WrapError(err, perrors.ErrCodeListenFailed, "acceptor", "failed to listen on "+addr.String())
	}

	bound, err := LocalAddr(fd)
	if err != nil {
		unix.Close(fd)
		return nil, perrors.WrapError(err, perrors.ErrCodeListenFailed, "acceptor", "getsockname failed")
	}

	return &Acceptor{
		fd:   fd,
		addr: bound,
		bus:  bus,
		id:   bus.RegisterPublisher("acceptor"),
	}, nil
}

// Addr returns the bound address, with the kernel-chosen port when the
// acceptor was created on port 0.
func (a *Acceptor) Addr() domain.InetAddr {
	return a.addr
}

// PublisherID returns the id Accepted events are published under.
func (a *Acceptor) PublisherID() pubsub.PublisherID {
	return a.id
}

// Accept blocks for the next connection. Transient failures come back as a
// retryable ACCEPT_FAILED error; after Shutdown it returns a
// CONNECTION_CLOSED error.
func (a *Acceptor) Accept() (int, error) {
	fd, _, err := unix.Accept4(a.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		if a.shut.Load() {
			return -1, perrors.WrapError(err, perrors.ErrCodeConnectionClosed, "acceptor", "listener shut down")
		}
		if isTransientAccept(err) {
			return -1, perrors.WrapError(err, perrors.ErrCodeAcceptFailed, "acceptor", "accept failed")
		}
		return -1, perrors.WrapError(err, perrors.ErrCodeListenFailed, "acceptor", "accept failed")
	}

	a.bus.Publish(a.id, pubsub.Accepted{FD: fd})
	return fd, nil
}

func isTransientAccept(err error) bool {
	for _, e := range []unix.Errno{
		unix.EINTR, unix.EAGAIN, unix.ECONNABORTED, unix.EPROTO,
		unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM, unix.EPERM,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// Shutdown unblocks a pending Accept. The fd stays open until Close.
func (a *Acceptor) Shutdown() {
	if a.shut.CompareAndSwap(false, true) {
		unix.Shutdown(a.fd, unix.SHUT_RDWR)
	}
}

// Close shuts the listener down and releases its fd.
func (a *Acceptor) Close() error {
	a.Shutdown()
	var err error
	a.closeOnce.Do(func() {
		a.bus.UnregisterPublisher(a.id)
		err = unix.Close(a.fd)
	})
	return err
}
