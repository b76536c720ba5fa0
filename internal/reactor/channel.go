//go:build linux

package reactor

import (
	"sync"

	"github.com/mir00r/reactor-proxy/internal/domain"
	"github.com/mir00r/reactor-proxy/internal/pubsub"
)

// Channel binds one fd to the multiplexer it was registered with and keeps
// the interest set the fd is armed with. The poller reference is only used
// to issue requests; the thread group owns the multiplexer.
type Channel struct {
	fd     int
	poller pubsub.Poller

	mu       sync.Mutex
	interest domain.Interest
	left     bool
}

// NewChannel wraps fd, which is already registered on poller with interest.
func NewChannel(fd int, poller pubsub.Poller, interest domain.Interest) *Channel {
	return &Channel{fd: fd, poller: poller, interest: interest}
}

// FD returns the bound fd.
func (c *Channel) FD() int {
	return c.fd
}

// Interest returns the interest set the fd is currently armed with.
func (c *Channel) Interest() domain.Interest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interest
}

// EnableRead adds Readable to the interest set.
func (c *Channel) EnableRead() error {
	return c.update(func(i domain.Interest) domain.Interest { return i | domain.Readable })
}

// EnableWrite adds Writable to the interest set.
func (c *Channel) EnableWrite() error {
	return c.update(func(i domain.Interest) domain.Interest { return i | domain.Writable })
}

// DisableWrite clears only the Writable bit.
func (c *Channel) DisableWrite() error {
	return c.update(func(i domain.Interest) domain.Interest { return i &^ domain.Writable })
}

// DisableRead clears only the Readable bit.
func (c *Channel) DisableRead() error {
	return c.update(func(i domain.Interest) domain.Interest { return i &^ domain.Readable })
}

// ResetInterest re-arms the fd with domain.DefaultInterest. Unlike
// DisableWrite this also restores Readable if it had been cleared.
func (c *Channel) ResetInterest() error {
	return c.update(func(domain.Interest) domain.Interest { return domain.DefaultInterest })
}

func (c *Channel) update(fn func(domain.Interest) domain.Interest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.left {
		return nil
	}
	next := fn(c.interest)
	if err := c.poller.Modify(c.fd, next, true); err != nil {
		return err
	}
	c.interest = next
	return nil
}

// Leave removes the fd from its multiplexer. Only the first call has an
// effect.
func (c *Channel) Leave() error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.mu.Unlock()

	return c.poller.Remove(c.fd, true)
}

// Left reports whether Leave has been called.
func (c *Channel) Left() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}
