//go:build linux

// Package proxy relays bytes between balanced clients and their backends.
// Each client fd gets one backend connection, established on first use and
// kept until either side goes away. Transfers use splice(2) through a pipe
// so payload bytes never enter user space.
package proxy

import (
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/mir00r/reactor-proxy/internal/domain"
	perrors "github.com/mir00r/reactor-proxy/internal/errors"
	"github.com/mir00r/reactor-proxy/internal/pubsub"
	"github.com/mir00r/reactor-proxy/internal/reactor"
	"github.com/mir00r/reactor-proxy/internal/service"
	"github.com/mir00r/reactor-proxy/pkg/logger"
)

// Config holds forwarder settings
type Config struct {
	IOThreads      int
	ConnectTimeout time.Duration
	SpliceChunk    int
	FlushRetries   int
	CloseOnError   bool
}

// DefaultConfig returns the forwarder defaults
func DefaultConfig() Config {
	return Config{
		IOThreads:      1,
		ConnectTimeout: 3 * time.Second,
		SpliceChunk:    64 * 1024,
		FlushRetries:   16,
		CloseOnError:   true,
	}
}

// route is one client/backend pair. Relays hold mu for reading while they
// touch either fd; teardown holds it for writing.
type route struct {
	client     int
	backend    int
	clientAddr string
	target     domain.InetAddr

	mu     sync.RWMutex
	closed bool
}

// acquire read-locks r for a relay. It fails once r is torn down.
func (r *route) acquire() bool {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return false
	}
	return true
}

// Forwarder owns the client/backend socket map and its own I/O thread
// group. Its multiplexers do not publish lifecycle events; the forwarder
// consumes their WaitResult directly.
type Forwarder struct {
	bus     *pubsub.Bus
	group   *reactor.ThreadGroup
	cfg     Config
	metrics *service.Metrics
	logger  *logger.Logger

	mu        sync.Mutex
	byClient  map[int]*route
	byBackend map[int]*route

	establish singleflight.Group
	pipes     *pipePool
	splice    *splicer
}

// New creates a forwarder and its thread group.
func New(bus *pubsub.Bus, cfg Config, metrics *service.Metrics, log *logger.Logger) (*Forwarder, error) {
	if log == nil {
		log = logger.Discard()
	}
	def := DefaultConfig()
	if cfg.IOThreads < 1 {
		cfg.IOThreads = def.IOThreads
	}
	if cfg.SpliceChunk <= 0 {
		cfg.SpliceChunk = def.SpliceChunk
	}
	if cfg.FlushRetries < 0 {
		cfg.FlushRetries = def.FlushRetries
	}

	plog := log.ProxyLogger()
	group, err := reactor.NewThreadGroup(bus, "proxy", cfg.IOThreads, false, plog)
	if err != nil {
		return nil, err
	}

	pipes := newPipePool(cfg.IOThreads * 4)
	f := &Forwarder{
		bus:       bus,
		group:     group,
		cfg:       cfg,
		metrics:   metrics,
		logger:    plog,
		byClient:  make(map[int]*route),
		byBackend: make(map[int]*route),
		pipes:     pipes,
		splice:    &splicer{pipes: pipes, chunk: cfg.SpliceChunk, flushRetries: cfg.FlushRetries},
	}

	for _, d := range group.Demultiplexers() {
		if err := bus.Subscribe(d.PublisherID(), pubsub.KindWaitResult, f); err != nil {
			group.Stop()
			return nil, err
		}
	}
	return f, nil
}

// Attach subscribes to forward batches from the load balancer and to the
// connection-owning server's removals, which arrive before the client fd is
// closed.
func (f *Forwarder) Attach(balancer, clients pubsub.PublisherID) error {
	if err := f.bus.Subscribe(balancer, pubsub.KindForwardBatch, f); err != nil {
		return err
	}
	return f.bus.Subscribe(clients, pubsub.KindRemoved, f)
}

// Start runs the forwarder's I/O threads.
func (f *Forwarder) Start() {
	f.group.Start()
}

// Stop joins the I/O threads and closes every backend connection.
func (f *Forwarder) Stop() {
	f.group.Stop()

	f.mu.Lock()
	routes := make([]*route, 0, len(f.byClient))
	for _, r := range f.byClient {
		routes = append(routes, r)
	}
	f.mu.Unlock()

	for _, r := range routes {
		f.teardown(r, "stopped", false)
	}
	f.pipes.close()
	f.logger.WithField("routes", len(routes)).Info("proxy forwarder stopped")
}

// Update implements pubsub.Subscriber.
func (f *Forwarder) Update(ev pubsub.Event) {
	switch e := ev.(type) {
	case pubsub.ForwardBatch:
		f.onForward(e)
	case pubsub.WaitResult:
		f.onBackendReady(e)
	case pubsub.Removed:
		if r, ok := f.routeForClient(e.FD); ok {
			f.teardown(r, "client closed", false)
		}
	}
}

func (f *Forwarder) onForward(e pubsub.ForwardBatch) {
	for client, target := range e.Routes {
		r, err := f.ensureRoute(client, target)
		if err != nil {
			f.logger.WithError(err).WithFields(logrus.Fields{
				"client_fd": client,
				"backend":   target.String(),
			}).Warn("failed to establish backend connection")
			continue
		}
		f.relayUpstream(r)
	}
}

func (f *Forwarder) onBackendReady(e pubsub.WaitResult) {
	for _, rd := range e.Ready {
		r, ok := f.routeForBackend(rd.FD)
		if !ok {
			continue
		}
		if rd.Events.Has(domain.Readable) {
			f.relayDownstream(r)
		}
		if rd.Events.Has(domain.Closable) {
			f.teardown(r, "backend closed", true)
		}
	}
}

// ensureRoute returns the client's route, connecting to target if there is
// none. Concurrent calls for the same client share one establish attempt.
func (f *Forwarder) ensureRoute(client int, target domain.InetAddr) (*route, error) {
	if r, ok := f.routeForClient(client); ok {
		return r, nil
	}

	v, err, _ := f.establish.Do(strconv.Itoa(client), func() (interface{}, error) {
		if r, ok := f.routeForClient(client); ok {
			return r, nil
		}

		peer, err := reactor.PeerAddr(client)
		if err != nil {
			return nil, perrors.WrapError(err, perrors.ErrCodeConnectionClosed, "proxy", "client is gone")
		}

		fd, err := reactor.Connect(target, f.cfg.ConnectTimeout)
		if err != nil {
			return nil, perrors.NewBackendUnavailableError(target.String(), err)
		}

		r := &route{client: client, backend: fd, clientAddr: peer.String(), target: target}

		// Insert before arming so the first readiness report finds the route.
		f.mu.Lock()
		f.byClient[client] = r
		f.byBackend[fd] = r
		f.mu.Unlock()

		if _, err := f.group.Register(fd); err != nil {
			f.teardown(r, "register failed", false)
			return nil, perrors.NewBackendUnavailableError(target.String(), err)
		}

		f.logger.WithFields(logrus.Fields{
			"client":     r.clientAddr,
			"client_fd":  client,
			"backend":    target.String(),
			"backend_fd": fd,
		}).Debug("route established")
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*route), nil
}

func (f *Forwarder) relayUpstream(r *route) {
	if f.bus.IsLimited(r.clientAddr) {
		f.metrics.LimitedDrop()
		f.logger.WithField("client", r.clientAddr).Debug("client over traffic ceiling, not relaying")
		return
	}

	if !r.acquire() {
		return
	}
	n, err := f.splice.relay(r.client, r.backend)
	r.mu.RUnlock()
	if n > 0 {
		f.bus.Account(r.clientAddr, n)
		f.metrics.BytesRelayed(service.DirectionUpstream, n)
	}
	if err != nil {
		f.onRelayError(r, err)
	}
}

func (f *Forwarder) relayDownstream(r *route) {
	if !r.acquire() {
		return
	}
	n, err := f.splice.relay(r.backend, r.client)
	r.mu.RUnlock()
	f.metrics.BytesRelayed(service.DirectionDownstream, n)
	if err != nil {
		f.onRelayError(r, err)
	}
}

func (f *Forwarder) onRelayError(r *route, err error) {
	f.metrics.SpliceError()
	log := f.logger.WithError(err).WithFields(logrus.Fields{
		"client":  r.clientAddr,
		"backend": r.target.String(),
	})
	if !f.cfg.CloseOnError {
		log.Warn("transfer failed")
		return
	}
	log.Warn("transfer failed, closing route")
	f.teardown(r, "transfer failed", true)
}

// teardown closes the backend socket of r and erases both directions. With
// shutdownClient the client's write side is shut down too, so the client
// sees EOF. The client fd itself belongs to the connection-owning server.
// It reports false if r was already torn down.
//
// Waits for in-flight relays on r. The map entries go last: a client
// removal that finds r blocks here until the client fd is no longer used.
func (f *Forwarder) teardown(r *route, reason string, shutdownClient bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true

	unix.Close(r.backend)
	if shutdownClient {
		reactor.ShutdownWrite(r.client)
	}

	f.mu.Lock()
	if f.byClient[r.client] == r {
		delete(f.byClient, r.client)
	}
	if f.byBackend[r.backend] == r {
		delete(f.byBackend, r.backend)
	}
	f.mu.Unlock()

	f.logger.WithFields(logrus.Fields{
		"client_fd": r.client,
		"backend":   r.target.String(),
		"reason":    reason,
	}).Debug("route closed")
	return true
}

func (f *Forwarder) routeForClient(fd int) (*route, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byClient[fd]
	return r, ok
}

func (f *Forwarder) routeForBackend(fd int) (*route, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byBackend[fd]
	return r, ok
}

// BackendFor returns the backend fd paired with a client fd.
func (f *Forwarder) BackendFor(client int) (int, bool) {
	r, ok := f.routeForClient(client)
	if !ok {
		return -1, false
	}
	return r.backend, true
}

// Routes returns the number of live client/backend pairs.
func (f *Forwarder) Routes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byClient)
}

// Mappings returns client address to backend address for every live route.
func (f *Forwarder) Mappings() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.byClient))
	for _, r := range f.byClient {
		out[r.clientAddr] = r.target.String()
	}
	return out
}
