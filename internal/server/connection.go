//go:build linux

package server

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mir00r/reactor-proxy/internal/buffer"
	"github.com/mir00r/reactor-proxy/internal/domain"
	perrors "github.com/mir00r/reactor-proxy/internal/errors"
	"github.com/mir00r/reactor-proxy/internal/reactor"
	"github.com/mir00r/reactor-proxy/pkg/logger"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateConnected State = iota
	StateDisconnected
)

// String returns the state name
func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

const readChunk = 4096

// Connection is one accepted TCP stream. Its interest cache is updated from
// Modified events; the mutex only guards the two buffers so that channel
// calls, which publish synchronously, never run under it.
type Connection struct {
	fd      int
	channel *reactor.Channel
	peer    domain.InetAddr
	logger  *logger.Logger

	state    atomic.Int32
	interest atomic.Uint32

	mu   sync.Mutex
	recv *buffer.Buffer
	send *buffer.Buffer

	closeOnce sync.Once
}

// NewConnection wraps an fd registered through channel.
func NewConnection(fd int, channel *reactor.Channel, peer domain.InetAddr, log *logger.Logger) *Connection {
	if log == nil {
		log = logger.Discard()
	}
	c := &Connection{
		fd:      fd,
		channel: channel,
		peer:    peer,
		logger:  log.ConnectionLogger(fd, peer.String()),
		recv:    buffer.New(),
		send:    buffer.New(),
	}
	c.interest.Store(uint32(channel.Interest()))
	return c
}

// FD returns the socket fd.
func (c *Connection) FD() int { return c.fd }

// Peer returns the remote address.
func (c *Connection) Peer() domain.InetAddr { return c.peer }

// State returns the lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Connected reports whether the fd may still be used.
func (c *Connection) Connected() bool { return c.State() == StateConnected }

// Interest returns the cached interest set.
func (c *Connection) Interest() domain.Interest { return domain.Interest(c.interest.Load()) }

// SetInterest updates the cached interest set.
func (c *Connection) SetInterest(i domain.Interest) { c.interest.Store(uint32(i)) }

// Read performs one non-blocking read into the receive buffer. It returns
// ErrWouldBlock when nothing is pending. A hard error or EOF disconnects
// the connection.
func (c *Connection) Read() (int, error) {
	if !c.Connected() || !c.Interest().Has(domain.Readable) {
		return 0, nil
	}

	c.mu.Lock()
	if !c.Connected() {
		c.mu.Unlock()
		return 0, nil
	}
	c.recv.EnsureWritable(readChunk)
	n, err := unix.Read(c.fd, c.recv.WritableSlice())
	if err == nil && n > 0 {
		if herr := c.recv.HasWritten(n); herr != nil {
			c.mu.Unlock()
			return 0, herr
		}
	}
	c.mu.Unlock()

	switch {
	case err != nil && reactor.IsWouldBlock(err):
		return 0, perrors.ErrWouldBlock
	case err != nil:
		c.logger.WithError(err).Debug("read failed, disconnecting")
		c.Disconnect()
		return 0, perrors.WrapError(err, perrors.ErrCodeConnectionClosed, "connection", "read failed")
	case n == 0:
		c.logger.Debug("peer closed")
		c.Disconnect()
		return 0, perrors.ErrConnectionClosed
	}
	return n, nil
}

// ReadAll reads until the socket would block, as edge-triggered readiness
// requires. It returns the bytes read and a non-nil error only when the
// connection was torn down.
func (c *Connection) ReadAll() (int, error) {
	total := 0
	for {
		n, err := c.Read()
		total += n
		if err != nil {
			if perrors.GetErrorCode(err) == perrors.ErrCodeWouldBlock {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// Send writes p, queueing whatever the socket does not take right away and
// arming Writable so Drain can finish the job.
func (c *Connection) Send(p []byte) error {
	if !c.Connected() {
		return perrors.ErrConnectionClosed
	}

	c.mu.Lock()
	if !c.Connected() {
		c.mu.Unlock()
		return perrors.ErrConnectionClosed
	}
	written := 0
	if c.send.ReadableBytes() == 0 && !c.Interest().Has(domain.Writable) {
		n, err := unix.Write(c.fd, p)
		if err != nil && !reactor.IsWouldBlock(err) {
			c.mu.Unlock()
			c.logger.WithError(err).Debug("write failed, disconnecting")
			c.Disconnect()
			return perrors.WrapError(err, perrors.ErrCodeConnectionClosed, "connection", "write failed")
		}
		if n > 0 {
			written = n
		}
	}

	arm := false
	if rest := p[written:]; len(rest) > 0 {
		c.send.Append(rest)
		arm = !c.Interest().Has(domain.Writable)
	}
	c.mu.Unlock()

	if arm {
		return c.channel.EnableWrite()
	}
	return nil
}

// Drain flushes the send buffer on Writable readiness. Once empty the fd is
// re-armed with the default interest.
func (c *Connection) Drain() error {
	if !c.Connected() || !c.Interest().Has(domain.Readable) {
		return nil
	}

	c.mu.Lock()
	if !c.Connected() {
		c.mu.Unlock()
		return nil
	}
	for c.send.ReadableBytes() > 0 {
		n, err := unix.Write(c.fd, c.send.Peek())
		if err != nil {
			if reactor.IsWouldBlock(err) {
				break
			}
			c.mu.Unlock()
			c.logger.WithError(err).Debug("drain failed, disconnecting")
			c.Disconnect()
			return perrors.WrapError(err, perrors.ErrCodeConnectionClosed, "connection", "write failed")
		}
		if err := c.send.Retrieve(n); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	empty := c.send.ReadableBytes() == 0
	c.mu.Unlock()

	if empty && c.Interest().Has(domain.Writable) {
		return c.channel.ResetInterest()
	}
	return nil
}

// Pending returns the number of queued outbound bytes.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send.ReadableBytes()
}

// WithRecv runs fn with the receive buffer locked.
func (c *Connection) WithRecv(fn func(b *buffer.Buffer)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.recv)
}

// ShutdownWrite half-closes the stream and re-arms the default interest.
func (c *Connection) ShutdownWrite() error {
	if !c.Connected() {
		return perrors.ErrConnectionClosed
	}
	if err := reactor.ShutdownWrite(c.fd); err != nil {
		return perrors.WrapError(err, perrors.ErrCodeConnectionClosed, "connection", "shutdown failed")
	}
	return c.channel.ResetInterest()
}

// Disconnect marks the connection disconnected and takes its fd out of the
// multiplexer. The owning server closes the fd when the removal reaches it.
func (c *Connection) Disconnect() {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		return
	}
	if err := c.channel.Leave(); err != nil {
		c.logger.WithError(err).Debug("leave failed")
	}
}

// Close marks the connection disconnected and closes its fd once. It waits
// for an in-flight read or write to finish.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Store(int32(StateDisconnected))
	var err error
	c.closeOnce.Do(func() {
		err = unix.Close(c.fd)
	})
	return err
}

