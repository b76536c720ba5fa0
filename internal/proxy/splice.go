//go:build linux

package proxy

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	perrors "github.com/mir00r/reactor-proxy/internal/errors"
)

const (
	spliceFlags  = unix.SPLICE_F_MOVE | unix.SPLICE_F_NONBLOCK
	flushBackoff = 20 * time.Millisecond
)

// pipe is the in-kernel buffer bytes pass through between two sockets.
type pipe struct {
	r, w int
}

func newPipe() (*pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &pipe{r: fds[0], w: fds[1]}, nil
}

func (p *pipe) close() {
	unix.Close(p.r)
	unix.Close(p.w)
}

// pipePool keeps a bounded free list of empty pipes. A pipe that may still
// hold bytes is closed instead of being returned.
type pipePool struct {
	free chan *pipe
}

func newPipePool(size int) *pipePool {
	if size < 1 {
		size = 1
	}
	return &pipePool{free: make(chan *pipe, size)}
}

func (pp *pipePool) get() (*pipe, error) {
	select {
	case p := <-pp.free:
		return p, nil
	default:
		return newPipe()
	}
}

func (pp *pipePool) put(p *pipe, clean bool) {
	if !clean {
		p.close()
		return
	}
	select {
	case pp.free <- p:
	default:
		p.close()
	}
}

// close releases every pooled pipe.
func (pp *pipePool) close() {
	for {
		select {
		case p := <-pp.free:
			p.close()
		default:
			return
		}
	}
}

// splicer moves bytes from one socket to another through a pipe, up to
// chunk bytes per splice call.
type splicer struct {
	pipes        *pipePool
	chunk        int
	flushRetries int
}

// relay moves everything currently readable on src to dst. It stops
// without error when src would block or reaches EOF. Each chunk taken from
// src is fully flushed to dst before the next one is read; if dst stays
// full for flushRetries attempts the relay fails.
func (s *splicer) relay(src, dst int) (int64, error) {
	p, err := s.pipes.get()
	if err != nil {
		return 0, perrors.WrapError(err, perrors.ErrCodeSpliceFailed, "proxy", "pipe2 failed")
	}

	var total int64
	for {
		n, err := unix.Splice(src, nil, p.w, nil, s.chunk, spliceFlags)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				s.pipes.put(p, true)
				return total, nil
			}
			s.pipes.put(p, true)
			return total, perrors.WrapError(err, perrors.ErrCodeSpliceFailed, "proxy", "splice from source failed")
		}
		if n == 0 {
			s.pipes.put(p, true)
			return total, nil
		}

		flushed, err := s.flush(p, dst, n)
		total += flushed
		if err != nil {
			s.pipes.put(p, false)
			return total, err
		}
	}
}

func (s *splicer) flush(p *pipe, dst int, pending int64) (int64, error) {
	var flushed int64
	retries := 0
	for pending > 0 {
		m, err := unix.Splice(p.r, nil, dst, nil, int(pending), spliceFlags)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				retries++
				if retries > s.flushRetries {
					return flushed, perrors.WrapError(err, perrors.ErrCodeSpliceFailed, "proxy", "destination stayed full")
				}
				waitWritable(dst, flushBackoff)
				continue
			}
			return flushed, perrors.WrapError(err, perrors.ErrCodeSpliceFailed, "proxy", "splice to destination failed")
		}
		if m == 0 {
			return flushed, perrors.NewError(perrors.ErrCodeSpliceFailed, "proxy", "destination accepted no bytes")
		}
		pending -= m
		flushed += m
	}
	return flushed, nil
}

func waitWritable(fd int, timeout time.Duration) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	unix.Poll(fds, int(timeout/time.Millisecond))
}
