//go:build linux

// Package server owns the table of accepted connections. It reacts to
// reactor events, tears connections down on hangup and hands readable
// client fds to the load balancer as balance batches.
package server

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mir00r/reactor-proxy/internal/buffer"
	"github.com/mir00r/reactor-proxy/internal/domain"
	"github.com/mir00r/reactor-proxy/internal/pubsub"
	"github.com/mir00r/reactor-proxy/internal/reactor"
	"github.com/mir00r/reactor-proxy/pkg/logger"
)

// MessageHandler consumes bytes read into a connection's receive buffer.
// When a server has one, readable fds are read and handled in place instead
// of being batched for balancing.
type MessageHandler func(conn *Connection)

// EchoHandler writes everything received back to the peer.
func EchoHandler(conn *Connection) {
	var data []byte
	conn.WithRecv(func(b *buffer.Buffer) {
		if b.ReadableBytes() > 0 {
			data = []byte(b.RetrieveAllAsString())
		}
	})
	if len(data) > 0 {
		conn.Send(data)
	}
}

// Metrics receives connection lifecycle counts.
type Metrics interface {
	ConnectionAccepted()
	ConnectionOpened()
	ConnectionClosed()
}

// Option configures a Server.
type Option func(*Server)

// WithMessageHandler switches the server from balancing to in-place
// message handling.
func WithMessageHandler(h MessageHandler) Option {
	return func(s *Server) { s.handler = h }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the connection-owning subscriber of the reactor.
type Server struct {
	bus     *pubsub.Bus
	id      pubsub.PublisherID
	handler MessageHandler
	metrics Metrics
	logger  *logger.Logger

	mu    sync.RWMutex
	conns map[int]*Connection
}

// New creates a server publishing balance batches on bus.
func New(bus *pubsub.Bus, log *logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		bus:    bus,
		id:     bus.RegisterPublisher("server"),
		logger: log.ServerLogger(),
		conns:  make(map[int]*Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PublisherID returns the id BalanceBatch events are published under.
func (s *Server) PublisherID() pubsub.PublisherID {
	return s.id
}

// Attach subscribes to the acceptor and to every reactor multiplexer.
func (s *Server) Attach(acceptor pubsub.PublisherID, muxes ...pubsub.PublisherID) error {
	if err := s.bus.Subscribe(acceptor, pubsub.KindAccepted, s); err != nil {
		return err
	}
	for _, m := range muxes {
		for _, kind := range []pubsub.Kind{
			pubsub.KindRegistered,
			pubsub.KindModified,
			pubsub.KindRemoved,
			pubsub.KindWaitResult,
		} {
			if err := s.bus.Subscribe(m, kind, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Update implements pubsub.Subscriber.
func (s *Server) Update(ev pubsub.Event) {
	switch e := ev.(type) {
	case pubsub.Accepted:
		if s.metrics != nil {
			s.metrics.ConnectionAccepted()
		}
		s.logger.WithField("fd", e.FD).Debug("accepted")
	case pubsub.Registered:
		s.onRegistered(e)
	case pubsub.Modified:
		if conn, ok := s.Connection(e.FD); ok {
			conn.SetInterest(e.Interest)
		}
	case pubsub.Removed:
		s.onRemoved(e.FD)
	case pubsub.WaitResult:
		s.onWaitResult(e)
	}
}

func (s *Server) onRegistered(e pubsub.Registered) {
	peer, err := reactor.PeerAddr(e.FD)
	if err != nil {
		s.logger.WithError(err).WithField("fd", e.FD).Debug("peer address unavailable")
	}

	ch := reactor.NewChannel(e.FD, e.Poller, e.Interest)
	conn := NewConnection(e.FD, ch, peer, s.logger)

	s.mu.Lock()
	s.conns[e.FD] = conn
	s.mu.Unlock()

	if peer.IP != "" {
		s.bus.Account(peer.String(), 0)
	}
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	s.logger.WithFields(logrus.Fields{"fd": e.FD, "peer": peer.String()}).Debug("connection registered")
}

// onRemoved releases the connection registered under fd. A multiplexer
// publishes Removed while the fd is still open, so the entry found here is
// the connection being removed.
func (s *Server) onRemoved(fd int) {
	if conn, ok := s.Connection(fd); ok {
		s.release(conn)
	}
}

// release erases conn and closes its fd, but only while conn is still the
// table entry for that fd. Once it is not, the number may belong to a newer
// client. Removed is republished under the server's id before the close so
// that subscribers holding the fd let go of it first.
func (s *Server) release(conn *Connection) {
	fd := conn.FD()

	s.mu.Lock()
	owned := s.conns[fd] == conn
	if owned {
		delete(s.conns, fd)
	}
	s.mu.Unlock()

	if !owned {
		return
	}
	s.bus.Publish(s.id, pubsub.Removed{FD: fd})
	conn.Close()
	if s.metrics != nil {
		s.metrics.ConnectionClosed()
	}
	s.logger.WithField("fd", fd).Debug("connection removed")
}

func (s *Server) onWaitResult(e pubsub.WaitResult) {
	var batch []int
	for _, r := range e.Ready {
		conn, ok := s.Connection(r.FD)
		if !ok {
			continue
		}

		if r.Events.Has(domain.Readable) && !r.Events.Has(domain.Closable) {
			if s.handler == nil {
				batch = append(batch, r.FD)
			} else if _, err := conn.ReadAll(); err == nil && conn.Connected() {
				s.handler(conn)
			}
		}
		if r.Events.Has(domain.Writable) {
			conn.Drain()
		}
		if r.Events.Has(domain.Closable) {
			conn.Disconnect()
			s.release(conn)
		}
	}

	if len(batch) > 0 {
		s.bus.Publish(s.id, pubsub.BalanceBatch{FDs: batch})
	}
}

// Connection looks up the connection for fd.
func (s *Server) Connection(fd int) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[fd]
	return conn, ok
}

// Count returns the number of live connections.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close tears down every remaining connection. The reactor must be stopped
// first.
func (s *Server) Close() {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		conn.Disconnect()
		s.release(conn)
	}
	s.bus.UnregisterPublisher(s.id)
	s.logger.WithField("connections", len(conns)).Info("server closed")
}
