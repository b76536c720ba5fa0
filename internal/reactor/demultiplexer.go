//go:build linux

// Package reactor implements the readiness-driven event reactor: epoll
// multiplexers, the channels that bind one fd to one multiplexer, the
// thread group that drives the multiplexers, and the accept loop.
//
// Nothing here calls back into connection code directly. Every state change
// is published on a pubsub.Bus and consumed by whoever subscribed.
package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mir00r/reactor-proxy/internal/domain"
	perrors "github.com/mir00r/reactor-proxy/internal/errors"
	"github.com/mir00r/reactor-proxy/internal/pubsub"
	"github.com/mir00r/reactor-proxy/pkg/logger"
)

const maxEvents = 256

// ErrHandedOff marks a Register failure that happened after Registered was
// published. Removed has been published too, and the fd now belongs to the
// subscribers: the caller must not close it.
var ErrHandedOff = errors.New("fd handed off to subscribers")

// Demultiplexer owns one epoll instance. Wait is meant to be called from a
// single goroutine; Register, Modify and Remove may be called from any.
type Demultiplexer struct {
	epfd   int
	wakefd int
	bus    *pubsub.Bus
	id     pubsub.PublisherID
	notify atomic.Bool
	events []unix.EpollEvent
	logger *logger.Logger

	closeOnce sync.Once
}

// NewDemultiplexer creates an epoll instance and registers it as a publisher
// on bus. Registered/Modified/Removed notifications start enabled.
func NewDemultiplexer(bus *pubsub.Bus, name string, log *logger.Logger) (*Demultiplexer, error) {
	if log == nil {
		log = logger.Discard()
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, perrors.WrapError(err, perrors.ErrCodePollerSetup, "reactor", "epoll_create1 failed")
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, perrors.WrapError(err, perrors.ErrCodePollerSetup, "reactor", "eventfd failed")
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, perrors.WrapError(err, perrors.ErrCodePollerSetup, "reactor", "arming wake fd failed")
	}

	d := &Demultiplexer{
		epfd:   epfd,
		wakefd: wakefd,
		bus:    bus,
		events: make([]unix.EpollEvent, maxEvents),
	}
	d.id = bus.RegisterPublisher(name)
	d.notify.Store(true)
	d.logger = log.WithField("publisher", name)
	return d, nil
}

// PublisherID returns the id events from this multiplexer are published
// under.
func (d *Demultiplexer) PublisherID() pubsub.PublisherID {
	return d.id
}

// EnableNotify switches Registered/Modified/Removed publication for Register.
// WaitResult is always published.
func (d *Demultiplexer) EnableNotify(on bool) {
	d.notify.Store(on)
}

// Register makes fd non-blocking and arms it with the default interest.
// Registered is published before the fd is armed so that subscribers know
// the fd before its first readiness report. If arming then fails, Removed
// follows and the error wraps ErrHandedOff.
func (d *Demultiplexer) Register(fd int) error {
	if err := SetNonblock(fd); err != nil {
		return fmt.Errorf("set non-blocking fd %d: %w", fd, err)
	}

	notify := d.notify.Load()
	if notify {
		d.bus.Publish(d.id, pubsub.Registered{FD: fd, Interest: domain.DefaultInterest, Poller: d})
	}

	ev := unix.EpollEvent{Events: uint32(domain.DefaultInterest), Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		if notify {
			d.bus.Publish(d.id, pubsub.Removed{FD: fd})
			return fmt.Errorf("epoll add fd %d: %w: %w", fd, ErrHandedOff, err)
		}
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	return nil
}

// Modify replaces fd's interest set.
func (d *Demultiplexer) Modify(fd int, flags domain.Interest, notify bool) error {
	ev := unix.EpollEvent{Events: uint32(flags), Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll mod fd %d: %w", fd, err)
	}
	if notify {
		d.bus.Publish(d.id, pubsub.Modified{FD: fd, Interest: flags})
	}
	return nil
}

// Remove drops fd from the epoll set. Removed is published even when the
// kernel registration was already gone, so subscribers can always release
// their state for fd.
func (d *Demultiplexer) Remove(fd int, notify bool) error {
	err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if notify {
		d.bus.Publish(d.id, pubsub.Removed{FD: fd})
	}
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one fd is ready or Wake is called, then
// publishes every ready fd in one WaitResult. An interrupted or empty wait
// publishes nothing and returns nil.
func (d *Demultiplexer) Wait() error {
	n, err := unix.EpollWait(d.epfd, d.events, -1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return perrors.WrapError(err, perrors.ErrCodePollerSetup, "reactor", "epoll_wait failed")
	}
	if n <= 0 {
		return nil
	}

	ready := make([]domain.Readiness, 0, n)
	for i := 0; i < n; i++ {
		fd := int(d.events[i].Fd)
		if fd == d.wakefd {
			d.drainWake()
			continue
		}
		ready = append(ready, domain.Readiness{FD: fd, Events: domain.Interest(d.events[i].Events)})
	}
	if len(ready) == 0 {
		return nil
	}

	d.bus.Publish(d.id, pubsub.WaitResult{Ready: ready})
	return nil
}

// Wake makes a blocked Wait return.
func (d *Demultiplexer) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(d.wakefd, buf[:]); err != nil && !IsWouldBlock(err) {
		return fmt.Errorf("wake: %w", err)
	}
	return nil
}

func (d *Demultiplexer) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(d.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Close releases the epoll and wake fds and unregisters the publisher. It
// must not race with Wait.
func (d *Demultiplexer) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.bus.UnregisterPublisher(d.id)
		unix.Close(d.wakefd)
		err = unix.Close(d.epfd)
		d.logger.Debug("demultiplexer closed")
	})
	return err
}
