//go:build linux

package reactor

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mir00r/reactor-proxy/internal/domain"
	"github.com/mir00r/reactor-proxy/internal/pubsub"
)

type collector struct {
	mu     sync.Mutex
	events []pubsub.Event
}

func (c *collector) Update(ev pubsub.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []pubsub.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pubsub.Event, len(c.events))
	copy(out, c.events)
	return out
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestDemultiplexerRegisterPublishesRegistered(t *testing.T) {
	bus := pubsub.NewBus(0)
	d, err := NewDemultiplexer(bus, "test", nil)
	require.NoError(t, err)
	defer d.Close()

	sub := &collector{}
	require.NoError(t, bus.Subscribe(d.PublisherID(), pubsub.KindRegistered, sub))

	a, _ := socketpair(t)
	require.NoError(t, d.Register(a))

	events := sub.snapshot()
	require.Len(t, events, 1)
	reg, ok := events[0].(pubsub.Registered)
	require.True(t, ok)
	assert.Equal(t, a, reg.FD)
	assert.Equal(t, domain.DefaultInterest, reg.Interest)
	assert.Equal(t, d.PublisherID(), reg.Poller.PublisherID())

	flags, err := unix.FcntlInt(uintptr(a), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestRemovedFdNeverReported(t *testing.T) {
	bus := pubsub.NewBus(0)
	d, err := NewDemultiplexer(bus, "test", nil)
	require.NoError(t, err)
	defer d.Close()

	waits := &collector{}
	removed := &collector{}
	require.NoError(t, bus.Subscribe(d.PublisherID(), pubsub.KindWaitResult, waits))
	require.NoError(t, bus.Subscribe(d.PublisherID(), pubsub.KindRemoved, removed))

	gone, gonePeer := socketpair(t)
	kept, keptPeer := socketpair(t)

	require.NoError(t, d.Register(gone))
	require.NoError(t, d.Remove(gone, true))
	require.NoError(t, d.Register(kept))

	_, err = unix.Write(gonePeer, []byte("x"))
	require.NoError(t, err)
	_, err = unix.Write(keptPeer, []byte("y"))
	require.NoError(t, err)

	require.NoError(t, d.Wait())

	assert.Len(t, removed.snapshot(), 1)
	events := waits.snapshot()
	require.Len(t, events, 1)
	result := events[0].(pubsub.WaitResult)
	for _, r := range result.Ready {
		assert.NotEqual(t, gone, r.FD)
	}
	require.Len(t, result.Ready, 1)
	assert.Equal(t, kept, result.Ready[0].FD)
	assert.True(t, result.Ready[0].Events.Has(domain.Readable))
}

// openFile returns an fd that SetNonblock accepts but epoll rejects.
func openFile(t *testing.T) int {
	t.Helper()
	fd, err := unix.Open(filepath.Join(t.TempDir(), "plain"), unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0600)
	require.NoError(t, err)
	return fd
}

func TestRegisterFailureAfterNotifyHandsOff(t *testing.T) {
	bus := pubsub.NewBus(0)
	d, err := NewDemultiplexer(bus, "test", nil)
	require.NoError(t, err)
	defer d.Close()

	sub := &collector{}
	require.NoError(t, bus.Subscribe(d.PublisherID(), pubsub.KindRegistered, sub))
	require.NoError(t, bus.Subscribe(d.PublisherID(), pubsub.KindRemoved, sub))

	fd := openFile(t)
	defer unix.Close(fd)

	err = d.Register(fd)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandedOff))
	assert.True(t, errors.Is(err, unix.EPERM))

	events := sub.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, pubsub.Registered{FD: fd, Interest: domain.DefaultInterest, Poller: d}, events[0])
	assert.Equal(t, pubsub.Removed{FD: fd}, events[1])
}

func TestRegisterFailureWithoutNotifyKeepsOwnership(t *testing.T) {
	bus := pubsub.NewBus(0)
	d, err := NewDemultiplexer(bus, "proxy", nil)
	require.NoError(t, err)
	defer d.Close()
	d.EnableNotify(false)

	fd := openFile(t)
	defer unix.Close(fd)

	err = d.Register(fd)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrHandedOff))
}

func TestNotifyDisabledStillPublishesWaitResult(t *testing.T) {
	bus := pubsub.NewBus(0)
	d, err := NewDemultiplexer(bus, "proxy", nil)
	require.NoError(t, err)
	defer d.Close()
	d.EnableNotify(false)

	regs := &collector{}
	waits := &collector{}
	require.NoError(t, bus.Subscribe(d.PublisherID(), pubsub.KindRegistered, regs))
	require.NoError(t, bus.Subscribe(d.PublisherID(), pubsub.KindWaitResult, waits))

	a, peer := socketpair(t)
	require.NoError(t, d.Register(a))
	_, err = unix.Write(peer, []byte("z"))
	require.NoError(t, err)
	require.NoError(t, d.Wait())

	assert.Empty(t, regs.snapshot())
	assert.Len(t, waits.snapshot(), 1)
}

func TestWakeUnblocksWaitWithoutPublishing(t *testing.T) {
	bus := pubsub.NewBus(0)
	d, err := NewDemultiplexer(bus, "test", nil)
	require.NoError(t, err)
	defer d.Close()

	waits := &collector{}
	require.NoError(t, bus.Subscribe(d.PublisherID(), pubsub.KindWaitResult, waits))

	done := make(chan error, 1)
	go func() { done <- d.Wait() }()

	require.NoError(t, d.Wake())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after wake")
	}
	assert.Empty(t, waits.snapshot())
}

type fakePoller struct {
	mu       sync.Mutex
	modifies []domain.Interest
	removes  int
}

func (p *fakePoller) Modify(_ int, flags domain.Interest, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modifies = append(p.modifies, flags)
	return nil
}

func (p *fakePoller) Remove(int, bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removes++
	return nil
}

func (p *fakePoller) PublisherID() pubsub.PublisherID { return 1 }

func TestChannelInterest(t *testing.T) {
	tests := []struct {
		name string
		ops  func(c *Channel)
		want domain.Interest
	}{
		{
			name: "enable write adds the bit",
			ops:  func(c *Channel) { c.EnableWrite() },
			want: domain.DefaultInterest | domain.Writable,
		},
		{
			name: "disable write clears only the write bit",
			ops: func(c *Channel) {
				c.DisableRead()
				c.EnableWrite()
				c.DisableWrite()
			},
			want: domain.DefaultInterest &^ domain.Readable,
		},
		{
			name: "reset restores defaults including read",
			ops: func(c *Channel) {
				c.DisableRead()
				c.EnableWrite()
				c.ResetInterest()
			},
			want: domain.DefaultInterest,
		},
		{
			name: "enable read after disable",
			ops: func(c *Channel) {
				c.DisableRead()
				c.EnableRead()
			},
			want: domain.DefaultInterest,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &fakePoller{}
			c := NewChannel(7, p, domain.DefaultInterest)
			tt.ops(c)
			assert.Equal(t, tt.want, c.Interest())
			require.NotEmpty(t, p.modifies)
			assert.Equal(t, tt.want, p.modifies[len(p.modifies)-1])
		})
	}
}

func TestChannelLeaveIsIdempotent(t *testing.T) {
	p := &fakePoller{}
	c := NewChannel(3, p, domain.DefaultInterest)

	require.NoError(t, c.Leave())
	require.NoError(t, c.Leave())
	assert.True(t, c.Left())
	assert.Equal(t, 1, p.removes)

	require.NoError(t, c.EnableWrite())
	assert.Empty(t, p.modifies)
}

func TestThreadGroupRoundRobin(t *testing.T) {
	bus := pubsub.NewBus(0)
	g, err := NewThreadGroup(bus, "io", 3, true, nil)
	require.NoError(t, err)
	g.Start()
	defer g.Stop()

	var got []pubsub.PublisherID
	for i := 0; i < 6; i++ {
		a, _ := socketpair(t)
		d, err := g.Register(a)
		require.NoError(t, err)
		got = append(got, d.PublisherID())
	}

	muxes := g.Demultiplexers()
	for i, id := range got {
		assert.Equal(t, muxes[i%3].PublisherID(), id)
	}
}

func TestThreadGroupStopReturns(t *testing.T) {
	bus := pubsub.NewBus(0)
	g, err := NewThreadGroup(bus, "io", 2, true, nil)
	require.NoError(t, err)
	g.Start()

	stopped := make(chan struct{})
	go func() {
		g.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("thread group did not stop")
	}
}

func TestEventLoopAcceptsAndRegisters(t *testing.T) {
	bus := pubsub.NewBus(0)
	acceptor, err := NewAcceptor(bus, domain.InetAddr{IP: "127.0.0.1"}, 16)
	require.NoError(t, err)
	group, err := NewThreadGroup(bus, "io", 1, true, nil)
	require.NoError(t, err)

	accepted := &collector{}
	registered := &collector{}
	require.NoError(t, bus.Subscribe(acceptor.PublisherID(), pubsub.KindAccepted, accepted))
	require.NoError(t, bus.Subscribe(group.Demultiplexers()[0].PublisherID(), pubsub.KindRegistered, registered))

	loop := NewEventLoop(acceptor, group, nil, nil)
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(context.Background()) }()

	conn, err := net.Dial("tcp", acceptor.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return len(registered.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	acc := accepted.snapshot()
	require.Len(t, acc, 1)
	assert.Equal(t, acc[0].(pubsub.Accepted).FD, registered.snapshot()[0].(pubsub.Registered).FD)

	loop.Stop()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not stop")
	}
}

func TestConnectTimesOutOrRefuses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := domain.ParseInetAddr(ln.Addr().String())
	require.NoError(t, err)
	ln.Close()

	_, err = Connect(addr, 500*time.Millisecond)
	assert.Error(t, err)
}

func TestConnectAndPeerAddr(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr, err := domain.ParseInetAddr(ln.Addr().String())
	require.NoError(t, err)

	fd, err := Connect(addr, time.Second)
	require.NoError(t, err)
	defer unix.Close(fd)

	peer, err := PeerAddr(fd)
	require.NoError(t, err)
	assert.Equal(t, addr, peer)
}
