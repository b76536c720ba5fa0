//go:build linux

package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	perrors "github.com/mir00r/reactor-proxy/internal/errors"
	"github.com/mir00r/reactor-proxy/pkg/logger"
)

// EventLoop is the control loop: accept, then hand the fd to the I/O thread
// group.
type EventLoop struct {
	acceptor *Acceptor
	group    *ThreadGroup
	limiter  *rate.Limiter
	logger   *logger.Logger

	running  atomic.Bool
	stopped  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewEventLoop wires an acceptor to a thread group. A nil limiter accepts
// as fast as clients arrive.
func NewEventLoop(acceptor *Acceptor, group *ThreadGroup, limiter *rate.Limiter, log *logger.Logger) *EventLoop {
	if log == nil {
		log = logger.Discard()
	}
	return &EventLoop{
		acceptor: acceptor,
		group:    group,
		limiter:  limiter,
		logger:   log.ReactorLogger(),
		done:     make(chan struct{}),
	}
}

// Group returns the I/O thread group.
func (l *EventLoop) Group() *ThreadGroup {
	return l.group
}

// Run starts the I/O threads and accepts until Stop is called, ctx is
// cancelled while pacing, or the listener fails.
func (l *EventLoop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return perrors.NewError(perrors.ErrCodeInvalidRequest, "reactor", "event loop already running")
	}
	defer close(l.done)
	if l.stopped.Load() {
		return nil
	}

	l.group.Start()
	l.logger.WithFields(map[string]interface{}{
		"address": l.acceptor.Addr().String(),
		"threads": l.group.Size(),
	}).Info("reactor accepting connections")

	for !l.stopped.Load() {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		fd, err := l.acceptor.Accept()
		if err != nil {
			if l.stopped.Load() {
				return nil
			}
			if perrors.IsRetryable(err) {
				l.logger.WithError(err).Debug("transient accept failure")
				continue
			}
			l.logger.WithError(err).Error("accept loop aborted")
			return err
		}

		if _, err := l.group.Register(fd); err != nil {
			l.logger.WithError(err).WithField("fd", fd).Warn("failed to register accepted fd")
			if !errors.Is(err, ErrHandedOff) {
				unix.Close(fd)
			}
		}
	}
	return nil
}

// Stop flips the stop flag, unblocks the acceptor, waits for Run to return
// and joins the I/O threads.
func (l *EventLoop) Stop() {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		l.acceptor.Shutdown()
		if l.running.Load() {
			<-l.done
		}
		l.group.Stop()
		l.acceptor.Close()
		l.logger.Info("reactor stopped")
	})
}
