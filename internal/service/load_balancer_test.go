package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/reactor-proxy/internal/domain"
	perrors "github.com/mir00r/reactor-proxy/internal/errors"
	"github.com/mir00r/reactor-proxy/internal/pubsub"
	"github.com/mir00r/reactor-proxy/internal/repository"
)

func addr(port int) domain.InetAddr {
	return domain.InetAddr{IP: "127.0.0.1", Port: uint16(port)}
}

func newTestLoadBalancer(t *testing.T, ports ...int) (*LoadBalancer, *pubsub.Bus) {
	t.Helper()
	bus := pubsub.NewBus(0)
	repo := repository.NewInMemoryBackendRepository()
	checker := NewHealthChecker(HealthCheckerConfig{Interval: time.Second}, NewTCPProber(100*time.Millisecond, 3), repo, nil, nil)
	lb := NewLoadBalancer(bus, repo, checker, nil, nil)
	for _, p := range ports {
		require.NoError(t, lb.AddBackend(addr(p), 0))
	}
	return lb, bus
}

func TestBalanceContinuesRotationAcrossBatches(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, 9001, 9002)

	counts := map[domain.InetAddr]int{}
	var order []domain.InetAddr
	fd := 100
	for _, size := range []int{2, 1, 3} {
		fds := make([]int, size)
		for i := range fds {
			fds[i] = fd
			fd++
		}
		routes, err := lb.Balance(fds)
		require.NoError(t, err)
		require.Len(t, routes, size)
		for _, f := range fds {
			counts[routes[f]]++
			order = append(order, routes[f])
		}
	}

	assert.Equal(t, 3, counts[addr(9001)])
	assert.Equal(t, 3, counts[addr(9002)])
	assert.Equal(t, []domain.InetAddr{
		addr(9001), addr(9002), addr(9001), addr(9002), addr(9001), addr(9002),
	}, order)
}

func TestBalanceDistribution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backends int
		clients  int
	}{
		{1, 5},
		{3, 7},
		{4, 4},
		{5, 2},
		{3, 100},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("%d_backends_%d_clients", tt.backends, tt.clients), func(t *testing.T) {
			t.Parallel()

			ports := make([]int, tt.backends)
			for i := range ports {
				ports[i] = 9100 + i
			}
			lb, _ := newTestLoadBalancer(t, ports...)

			fds := make([]int, tt.clients)
			for i := range fds {
				fds[i] = i + 10
			}
			routes, err := lb.Balance(fds)
			require.NoError(t, err)

			counts := map[domain.InetAddr]int{}
			for _, a := range routes {
				counts[a]++
			}
			floor := tt.clients / tt.backends
			ceil := floor
			if tt.clients%tt.backends != 0 {
				ceil++
			}
			for _, p := range ports {
				c := counts[addr(p)]
				assert.True(t, c == floor || c == ceil, "backend %d got %d", p, c)
			}
		})
	}
}

func TestBalanceSkipsUnhealthyBackends(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, 9201, 9202, 9203)
	for _, b := range lb.Backends() {
		if b.Address == addr(9202) {
			b.SetStatus(domain.StatusUnhealthy)
		}
	}

	routes, err := lb.Balance([]int{1, 2, 3, 4})
	require.NoError(t, err)
	for _, a := range routes {
		assert.NotEqual(t, addr(9202), a)
	}
}

func TestBalanceWithoutBackends(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t)
	_, err := lb.Balance([]int{1})
	assert.Equal(t, perrors.ErrCodeNoBackends, perrors.GetErrorCode(err))
}

type forwards struct {
	mu     sync.Mutex
	routes []map[int]domain.InetAddr
}

func (f *forwards) Update(ev pubsub.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, ev.(pubsub.ForwardBatch).Routes)
}

func (f *forwards) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.routes)
}

func TestRunPublishesForwardBatchesInOrder(t *testing.T) {
	t.Parallel()

	lb, bus := newTestLoadBalancer(t, 9301, 9302)
	source := bus.RegisterPublisher("server")
	require.NoError(t, lb.Subscribe(source))

	sub := &forwards{}
	require.NoError(t, bus.Subscribe(lb.PublisherID(), pubsub.KindForwardBatch, sub))

	bus.Publish(source, pubsub.BalanceBatch{FDs: []int{1, 2}})
	bus.Publish(source, pubsub.BalanceBatch{FDs: []int{3}})
	bus.Publish(source, pubsub.BalanceBatch{FDs: []int{4, 5, 6}})
	assert.Equal(t, 3, lb.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lb.Run(ctx) }()

	require.Eventually(t, func() bool { return sub.len() == 3 }, 2*time.Second, 10*time.Millisecond)

	sub.mu.Lock()
	assert.Len(t, sub.routes[0], 2)
	assert.Len(t, sub.routes[1], 1)
	assert.Len(t, sub.routes[2], 3)
	assert.Equal(t, addr(9302), sub.routes[2][4])
	assert.Equal(t, addr(9301), sub.routes[2][5])
	sub.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("load balancer did not stop")
	}
}

func TestStopWakesIdleRun(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, 9401)
	done := make(chan error, 1)
	go func() { done <- lb.Run(context.Background()) }()

	require.Eventually(t, func() bool { return lb.running.Load() }, time.Second, 5*time.Millisecond)
	lb.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestAddRemoveBackend(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, 9501)
	require.NoError(t, lb.AddBackend(addr(9502), 9600))
	require.Len(t, lb.Backends(), 2)
	assert.Equal(t, addr(9600), lb.Backends()[1].CheckAddr())

	require.NoError(t, lb.RemoveBackend(addr(9501)))
	require.Len(t, lb.Backends(), 1)
	assert.Error(t, lb.RemoveBackend(addr(9501)))

	lb.SetProbeText("hello")
	assert.Equal(t, "hello", lb.healthChecker.ProbeText())
	assert.Equal(t, 1, lb.GetStats()["total_backends"])
}
