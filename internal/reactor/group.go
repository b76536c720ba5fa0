//go:build linux

package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mir00r/reactor-proxy/internal/pubsub"
	"github.com/mir00r/reactor-proxy/pkg/logger"
)

// ThreadGroup owns a fixed set of multiplexers and runs one wait loop
// goroutine per multiplexer. New fds are spread across them round-robin.
type ThreadGroup struct {
	name   string
	muxes  []*Demultiplexer
	logger *logger.Logger

	mu   sync.Mutex
	next int

	started  atomic.Bool
	stopped  atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewThreadGroup creates n multiplexers publishing on bus. With notify off
// the multiplexers only publish WaitResult.
func NewThreadGroup(bus *pubsub.Bus, name string, n int, notify bool, log *logger.Logger) (*ThreadGroup, error) {
	if n < 1 {
		n = 1
	}
	if log == nil {
		log = logger.Discard()
	}

	g := &ThreadGroup{
		name:   name,
		muxes:  make([]*Demultiplexer, 0, n),
		logger: log.WithField("group", name),
	}
	for i := 0; i < n; i++ {
		d, err := NewDemultiplexer(bus, fmt.Sprintf("%s-%d", name, i), log)
		if err != nil {
			for _, m := range g.muxes {
				m.Close()
			}
			return nil, err
		}
		d.EnableNotify(notify)
		g.muxes = append(g.muxes, d)
	}
	return g, nil
}

// Demultiplexers returns the multiplexers of the group, for subscribing to
// their events.
func (g *ThreadGroup) Demultiplexers() []*Demultiplexer {
	return g.muxes
}

// Size returns the number of multiplexers.
func (g *ThreadGroup) Size() int {
	return len(g.muxes)
}

// Start spawns one wait loop per multiplexer. Calling it again is a no-op.
func (g *ThreadGroup) Start() {
	if !g.started.CompareAndSwap(false, true) {
		return
	}
	for _, d := range g.muxes {
		g.wg.Add(1)
		go g.run(d)
	}
	g.logger.WithField("threads", len(g.muxes)).Debug("thread group started")
}

func (g *ThreadGroup) run(d *Demultiplexer) {
	defer g.wg.Done()
	for !g.stopped.Load() {
		if err := d.Wait(); err != nil {
			g.logger.WithError(err).Error("multiplexer wait failed, stopping its loop")
			return
		}
	}
}

// Register hands fd to the next multiplexer in rotation.
func (g *ThreadGroup) Register(fd int) (*Demultiplexer, error) {
	g.mu.Lock()
	d := g.muxes[g.next]
	g.next = (g.next + 1) % len(g.muxes)
	g.mu.Unlock()

	if err := d.Register(fd); err != nil {
		return nil, err
	}
	return d, nil
}

// Stop sets the stop flag, wakes every multiplexer, joins the loops and
// closes the multiplexers.
func (g *ThreadGroup) Stop() {
	g.stopOnce.Do(func() {
		g.stopped.Store(true)
		for _, d := range g.muxes {
			if err := d.Wake(); err != nil {
				g.logger.WithError(err).Warn("failed to wake multiplexer")
			}
		}
		g.wg.Wait()
		for _, d := range g.muxes {
			d.Close()
		}
		g.logger.Debug("thread group stopped")
	})
}
