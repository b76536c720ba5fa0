package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/mir00r/reactor-proxy/internal/domain"
	perrors "github.com/mir00r/reactor-proxy/internal/errors"
	"github.com/mir00r/reactor-proxy/internal/pubsub"
	"github.com/mir00r/reactor-proxy/internal/repository"
	"github.com/mir00r/reactor-proxy/pkg/logger"
)

// LoadBalancer turns balance batches into forward batches. Each client fd
// of a batch goes to the next healthy backend in round-robin order, and the
// cursor carries over between batches.
type LoadBalancer struct {
	bus           *pubsub.Bus
	id            pubsub.PublisherID
	backendRepo   *repository.InMemoryBackendRepository
	healthChecker *HealthChecker
	metrics       *Metrics
	logger        *logger.Logger

	mu      sync.Mutex
	batches *queue.Queue
	cursor  int
	signal  chan struct{}

	running atomic.Bool
	stopped atomic.Bool
}

// NewLoadBalancer creates a load balancer publishing ForwardBatch events on
// bus.
func NewLoadBalancer(bus *pubsub.Bus, repo *repository.InMemoryBackendRepository, checker *HealthChecker, metrics *Metrics, log *logger.Logger) *LoadBalancer {
	if log == nil {
		log = logger.Discard()
	}
	return &LoadBalancer{
		bus:           bus,
		id:            bus.RegisterPublisher("load_balancer"),
		backendRepo:   repo,
		healthChecker: checker,
		metrics:       metrics,
		logger:        log.LoadBalancerLogger(),
		batches:       queue.New(),
		signal:        make(chan struct{}, 1),
	}
}

// PublisherID returns the id ForwardBatch events are published under
func (lb *LoadBalancer) PublisherID() pubsub.PublisherID {
	return lb.id
}

// Subscribe listens for BalanceBatch events from pub
func (lb *LoadBalancer) Subscribe(pub pubsub.PublisherID) error {
	return lb.bus.Subscribe(pub, pubsub.KindBalanceBatch, lb)
}

// Update implements pubsub.Subscriber
func (lb *LoadBalancer) Update(ev pubsub.Event) {
	batch, ok := ev.(pubsub.BalanceBatch)
	if !ok || len(batch.FDs) == 0 {
		return
	}
	fds := make([]int, len(batch.FDs))
	copy(fds, batch.FDs)

	lb.mu.Lock()
	lb.batches.Add(fds)
	lb.mu.Unlock()

	select {
	case lb.signal <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued batches
func (lb *LoadBalancer) Pending() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.batches.Length()
}

func (lb *LoadBalancer) pop() ([]int, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.batches.Length() == 0 {
		return nil, false
	}
	return lb.batches.Remove().([]int), true
}

// Balance assigns every fd to a backend, continuing the rotation where the
// previous call stopped. With no healthy backend the result is empty.
func (lb *LoadBalancer) Balance(fds []int) (map[int]domain.InetAddr, error) {
	backends := lb.backendRepo.GetHealthy()
	if len(backends) == 0 {
		return nil, perrors.NewError(perrors.ErrCodeNoBackends, "load_balancer", "no healthy backends")
	}

	routes := make(map[int]domain.InetAddr, len(fds))

	lb.mu.Lock()
	for _, fd := range fds {
		backend := backends[lb.cursor%len(backends)]
		lb.cursor = (lb.cursor + 1) % len(backends)
		routes[fd] = backend.Address
		backend.IncrementAssigned()
	}
	lb.mu.Unlock()

	return routes, nil
}

// Run drains the batch queue until ctx is done or Stop is called,
// publishing one ForwardBatch per balance batch.
func (lb *LoadBalancer) Run(ctx context.Context) error {
	if !lb.running.CompareAndSwap(false, true) {
		return perrors.NewError(perrors.ErrCodeInvalidRequest, "load_balancer", "already running")
	}
	defer lb.running.Store(false)

	lb.logger.WithField("backends", lb.backendRepo.Count()).Info("Load balancer started")

	for !lb.stopped.Load() {
		fds, ok := lb.pop()
		if !ok {
			select {
			case <-lb.signal:
			case <-ctx.Done():
				return nil
			}
			continue
		}

		routes, err := lb.Balance(fds)
		if err != nil {
			lb.logger.WithError(err).WithField("clients", len(fds)).Warn("Dropping balance batch")
			continue
		}
		lb.metrics.BalanceBatch()
		lb.bus.Publish(lb.id, pubsub.ForwardBatch{Routes: routes})
	}
	return nil
}

// Stop makes Run return after the batch in progress
func (lb *LoadBalancer) Stop() {
	lb.stopped.Store(true)
	select {
	case lb.signal <- struct{}{}:
	default:
	}
}

// AddBackend adds a backend to the active set
func (lb *LoadBalancer) AddBackend(addr domain.InetAddr, checkPort uint16) error {
	backend := domain.NewBackend(addr, checkPort)
	if err := lb.backendRepo.Save(backend); err != nil {
		return err
	}
	lb.metrics.SetHealthyBackends(len(lb.backendRepo.GetHealthy()))
	lb.logger.BackendLogger(backend.ID()).WithField("check_port", checkPort).Info("Backend added")
	return nil
}

// RemoveBackend drops a backend; established routes to it are untouched
func (lb *LoadBalancer) RemoveBackend(addr domain.InetAddr) error {
	if err := lb.backendRepo.Delete(addr.String()); err != nil {
		return err
	}
	lb.metrics.SetHealthyBackends(len(lb.backendRepo.GetHealthy()))
	lb.logger.BackendLogger(addr.String()).Info("Backend removed")
	return nil
}

// Backends returns every known backend, healthy or not
func (lb *LoadBalancer) Backends() []*domain.Backend {
	return lb.backendRepo.GetAll()
}

// SetProbeText sets the text health probes send and expect back
func (lb *LoadBalancer) SetProbeText(text string) {
	lb.healthChecker.SetProbeText(text)
}

// CheckAllBackends runs one health check pass and returns the active set
// size
func (lb *LoadBalancer) CheckAllBackends(ctx context.Context) int {
	return lb.healthChecker.CheckAll(ctx)
}

// GetStats returns load balancer statistics
func (lb *LoadBalancer) GetStats() map[string]interface{} {
	stats := lb.backendRepo.GetStats()
	stats["pending_batches"] = lb.Pending()
	if lb.healthChecker != nil {
		stats["health_check"] = lb.healthChecker.GetStats()
	}
	return stats
}

// Close unregisters the load balancer from the bus
func (lb *LoadBalancer) Close() {
	lb.Stop()
	lb.bus.UnregisterPublisher(lb.id)
}
