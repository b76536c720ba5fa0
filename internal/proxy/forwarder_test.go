//go:build linux

package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mir00r/reactor-proxy/internal/domain"
	"github.com/mir00r/reactor-proxy/internal/pubsub"
	"github.com/mir00r/reactor-proxy/internal/reactor"
	"github.com/mir00r/reactor-proxy/internal/repository"
	"github.com/mir00r/reactor-proxy/internal/server"
	"github.com/mir00r/reactor-proxy/internal/service"
)

// recordingEcho is a backend that echoes and remembers what it received.
type recordingEcho struct {
	mu   sync.Mutex
	seen []byte
}

func (e *recordingEcho) received() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.seen)
}

func (e *recordingEcho) start(t *testing.T) domain.InetAddr {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 1024)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						e.mu.Lock()
						e.seen = append(e.seen, buf[:n]...)
						e.mu.Unlock()
						conn.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()

	a, err := domain.ParseInetAddr(ln.Addr().String())
	require.NoError(t, err)
	return a
}

type stack struct {
	bus     *pubsub.Bus
	addr    domain.InetAddr
	server  *server.Server
	lb      *service.LoadBalancer
	fwd     *Forwarder
	metrics *service.Metrics
}

func startStack(t *testing.T, ceiling int64, backends ...domain.InetAddr) *stack {
	t.Helper()

	bus := pubsub.NewBus(ceiling)
	metrics := service.NewMetrics()

	acceptor, err := reactor.NewAcceptor(bus, domain.InetAddr{IP: "127.0.0.1"}, 16)
	require.NoError(t, err)
	group, err := reactor.NewThreadGroup(bus, "io", 2, true, nil)
	require.NoError(t, err)

	var muxes []pubsub.PublisherID
	for _, d := range group.Demultiplexers() {
		muxes = append(muxes, d.PublisherID())
	}

	srv := server.New(bus, nil, server.WithMetrics(metrics))
	require.NoError(t, srv.Attach(acceptor.PublisherID(), muxes...))

	repo := repository.NewInMemoryBackendRepository()
	checker := service.NewHealthChecker(service.HealthCheckerConfig{Interval: time.Second},
		service.NewTCPProber(100*time.Millisecond, 3), repo, metrics, nil)
	lb := service.NewLoadBalancer(bus, repo, checker, metrics, nil)
	for _, b := range backends {
		require.NoError(t, lb.AddBackend(b, 0))
	}
	require.NoError(t, lb.Subscribe(srv.PublisherID()))

	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	fwd, err := New(bus, cfg, metrics, nil)
	require.NoError(t, err)
	require.NoError(t, fwd.Attach(lb.PublisherID(), srv.PublisherID()))
	fwd.Start()

	loop := reactor.NewEventLoop(acceptor, group, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	go lb.Run(ctx)

	t.Cleanup(func() {
		cancel()
		loop.Stop()
		lb.Stop()
		fwd.Stop()
		srv.Close()
	})

	return &stack{bus: bus, addr: acceptor.Addr(), server: srv, lb: lb, fwd: fwd, metrics: metrics}
}

func TestProxyRelaysBothWays(t *testing.T) {
	backend := &recordingEcho{}
	backendAddr := backend.start(t)
	s := startStack(t, 1<<20, backendAddr)

	client, err := net.Dial("tcp4", s.addr.String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply := make([]byte, 4)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))
	assert.Equal(t, "ping", backend.received())

	require.Eventually(t, func() bool {
		traffic, ok := s.bus.Traffic(client.LocalAddr().String())
		return ok && traffic == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.fwd.Routes())
	assert.Equal(t, backendAddr.String(), s.fwd.Mappings()[client.LocalAddr().String()])
}

func TestProxyReusesRouteForLaterWrites(t *testing.T) {
	first, second := &recordingEcho{}, &recordingEcho{}
	s := startStack(t, 1<<20, first.start(t), second.start(t))

	client, err := net.Dial("tcp4", s.addr.String())
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply := make([]byte, 3)
	for _, msg := range []string{"abc", "def", "ghi"} {
		_, err = client.Write([]byte(msg))
		require.NoError(t, err)
		_, err = io.ReadFull(client, reply)
		require.NoError(t, err)
		assert.Equal(t, msg, string(reply))
	}

	// Only one backend ever sees this client.
	got := first.received() + second.received()
	assert.Equal(t, "abcdefghi", got)
	assert.True(t, first.received() == "" || second.received() == "")
}

func TestClientCloseTearsDownRoute(t *testing.T) {
	s := startStack(t, 1<<20, (&recordingEcho{}).start(t))

	client, err := net.Dial("tcp4", s.addr.String())
	require.NoError(t, err)

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(client, make([]byte, 4))
	require.NoError(t, err)
	require.Equal(t, 1, s.fwd.Routes())

	client.Close()
	require.Eventually(t, func() bool {
		return s.fwd.Routes() == 0 && s.server.Count() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBackendCloseHalfClosesClient(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4)
		io.ReadFull(conn, buf)
		conn.Write([]byte("bye"))
		conn.Close()
	}()
	backendAddr, err := domain.ParseInetAddr(ln.Addr().String())
	require.NoError(t, err)

	s := startStack(t, 1<<20, backendAddr)

	client, err := net.Dial("tcp4", s.addr.String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))
	require.Eventually(t, func() bool { return s.fwd.Routes() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestLimitedClientIsNotRelayed(t *testing.T) {
	backend := &recordingEcho{}
	s := startStack(t, 4, backend.start(t))

	client, err := net.Dial("tcp4", s.addr.String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(client, make([]byte, 5))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.bus.IsLimited(client.LocalAddr().String())
	}, 2*time.Second, 5*time.Millisecond)

	_, err = client.Write([]byte("more"))
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "hello", backend.received())

	traffic, _ := s.bus.Traffic(client.LocalAddr().String())
	assert.Equal(t, int64(5), traffic)
}

// tcpPair returns the fds of both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (int, int) {
	t.Helper()
	lfd, err := reactor.Listen(domain.InetAddr{IP: "127.0.0.1"}, 1)
	require.NoError(t, err)
	defer unix.Close(lfd)

	local, err := reactor.LocalAddr(lfd)
	require.NoError(t, err)
	a, err := reactor.Connect(local, time.Second)
	require.NoError(t, err)
	b, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(a)
		unix.Close(b)
	})
	return a, b
}

func TestSplicerRelaysUntilWouldBlock(t *testing.T) {
	srcWriter, src := tcpPair(t)
	dst, dstReader := tcpPair(t)

	payload := make([]byte, 32*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	written := 0
	for written < len(payload) {
		n, err := unix.Write(srcWriter, payload[written:])
		if err != nil {
			break
		}
		written += n
	}
	require.Positive(t, written)

	pool := newPipePool(1)
	defer pool.close()
	s := &splicer{pipes: pool, chunk: 16 * 1024, flushRetries: 50}

	var relayed int64
	var got []byte
	buf := make([]byte, 64*1024)
	require.Eventually(t, func() bool {
		n, err := s.relay(src, dst)
		if err != nil {
			return false
		}
		relayed += n
		for {
			m, err := unix.Read(dstReader, buf)
			if m <= 0 || err != nil {
				break
			}
			got = append(got, buf[:m]...)
		}
		return len(got) == written
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(written), relayed)
	assert.Equal(t, payload[:written], got)
}

func TestSplicerEmptySourceIsNotAnError(t *testing.T) {
	_, src := tcpPair(t)
	dst, _ := tcpPair(t)

	s := &splicer{pipes: newPipePool(1), chunk: 1024, flushRetries: 1}
	n, err := s.relay(src, dst)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestPipePoolReusesCleanPipes(t *testing.T) {
	pool := newPipePool(1)
	defer pool.close()

	p, err := pool.get()
	require.NoError(t, err)
	pool.put(p, true)

	again, err := pool.get()
	require.NoError(t, err)
	assert.Same(t, p, again)

	pool.put(again, false)
	fresh, err := pool.get()
	require.NoError(t, err)
	assert.NotSame(t, p, fresh)
	fresh.close()
}

func newBareForwarder(t *testing.T) *Forwarder {
	t.Helper()
	f, err := New(pubsub.NewBus(1<<20), DefaultConfig(), service.NewMetrics(), nil)
	require.NoError(t, err)
	t.Cleanup(f.Stop)
	return f
}

// addRoute installs a route over loopback sockets and returns it with the
// client's peer end. The backend fd is a dup the route owns.
func addRoute(t *testing.T, f *Forwarder) (*route, int) {
	t.Helper()
	clientPeer, client := tcpPair(t)
	backendEnd, _ := tcpPair(t)
	backend, err := unix.Dup(backendEnd)
	require.NoError(t, err)

	r := &route{client: client, backend: backend, clientAddr: "127.0.0.1:1", target: domain.InetAddr{IP: "127.0.0.1", Port: 1}}
	f.mu.Lock()
	f.byClient[client] = r
	f.byBackend[backend] = r
	f.mu.Unlock()
	return r, clientPeer
}

func TestTeardownRunsOnce(t *testing.T) {
	f := newBareForwarder(t)
	r, clientPeer := addRoute(t, f)

	require.True(t, f.teardown(r, "backend closed", true))
	assert.False(t, f.teardown(r, "client closed", true))
	assert.Equal(t, 0, f.Routes())
	_, ok := f.BackendFor(r.client)
	assert.False(t, ok)

	_, err := unix.FcntlInt(uintptr(r.backend), unix.F_GETFD, 0)
	assert.ErrorIs(t, err, unix.EBADF)

	require.NoError(t, unix.SetNonblock(clientPeer, false))
	n, err := unix.Read(clientPeer, make([]byte, 1))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayIsSkippedOnClosedRoute(t *testing.T) {
	f := newBareForwarder(t)
	r, clientPeer := addRoute(t, f)
	require.True(t, f.teardown(r, "client closed", false))

	_, err := unix.Write(clientPeer, []byte("x"))
	require.NoError(t, err)
	f.relayUpstream(r)

	var n int
	buf := make([]byte, 1)
	require.Eventually(t, func() bool {
		n, err = unix.Read(r.client, buf)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, n)
	assert.Equal(t, "x", string(buf))
}

func TestTeardownWaitsForInFlightRelay(t *testing.T) {
	f := newBareForwarder(t)
	r, _ := addRoute(t, f)

	require.True(t, r.acquire())
	done := make(chan bool, 1)
	go func() { done <- f.teardown(r, "client closed", false) }()

	select {
	case <-done:
		t.Fatal("teardown did not wait for the relay")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, f.Routes())
	_, err := unix.FcntlInt(uintptr(r.backend), unix.F_GETFD, 0)
	assert.NoError(t, err)

	r.mu.RUnlock()
	select {
	case removed := <-done:
		assert.True(t, removed)
	case <-time.After(time.Second):
		t.Fatal("teardown did not finish")
	}
	assert.False(t, r.acquire())
}
