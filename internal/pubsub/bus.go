// Package pubsub is the synchronous publish/subscribe center that couples
// the reactor, the connection-owning server, the load balancer and the
// proxy forwarder without direct references between them.
//
// Publish runs every subscriber on the calling goroutine, usually an I/O
// goroutine, so handlers must not block. Handlers may be invoked
// concurrently from different multiplexers for different fds.
package pubsub

import (
	"fmt"
	"sync"

	perrors "github.com/mir00r/reactor-proxy/internal/errors"
)

// PublisherID identifies a registered publisher. IDs are handed out by the
// Bus that owns them and are never reused within it.
type PublisherID uint32

// Subscriber receives events. Implementations are compared by identity, so
// they should be pointers.
type Subscriber interface {
	Update(ev Event)
}

// Bus maps publisher -> kind -> subscriber set and owns the traffic ledger.
type Bus struct {
	mu          sync.RWMutex
	nextID      PublisherID
	publishers  map[PublisherID]string
	subscribers map[PublisherID]map[Kind]map[Subscriber]struct{}

	*Ledger
}

// NewBus creates a bus whose ledger limits clients above maxTraffic bytes.
func NewBus(maxTraffic int64) *Bus {
	return &Bus{
		publishers:  make(map[PublisherID]string),
		subscribers: make(map[PublisherID]map[Kind]map[Subscriber]struct{}),
		Ledger:      NewLedger(maxTraffic),
	}
}

// RegisterPublisher hands out a fresh id for a publisher. name is only used
// for diagnostics.
func (b *Bus) RegisterPublisher(name string) PublisherID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.publishers[id] = name
	return id
}

// UnregisterPublisher drops the publisher and every subscription to it.
func (b *Bus) UnregisterPublisher(id PublisherID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.publishers, id)
	delete(b.subscribers, id)
}

// PublisherName returns the name a publisher registered with.
func (b *Bus) PublisherName(id PublisherID) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	name, ok := b.publishers[id]
	return name, ok
}

// Subscribe adds sub to the set for (pub, kind). Subscribing twice is a
// no-op.
func (b *Bus) Subscribe(pub PublisherID, kind Kind, sub Subscriber) error {
	if sub == nil {
		return perrors.NewError(perrors.ErrCodeInvalidRequest, "pubsub", "nil subscriber")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.publishers[pub]; !ok {
		return perrors.NewError(
			perrors.ErrCodeUnknownPublisher,
			"pubsub",
			fmt.Sprintf("publisher %d is not registered", pub),
		)
	}

	kinds, ok := b.subscribers[pub]
	if !ok {
		kinds = make(map[Kind]map[Subscriber]struct{})
		b.subscribers[pub] = kinds
	}
	set, ok := kinds[kind]
	if !ok {
		set = make(map[Subscriber]struct{})
		kinds[kind] = set
	}
	set[sub] = struct{}{}
	return nil
}

// Unsubscribe removes sub from the set for (pub, kind).
func (b *Bus) Unsubscribe(pub PublisherID, kind Kind, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subscribers[pub][kind]; ok {
		delete(set, sub)
	}
}

// SubscriberCount returns the size of the set for (pub, kind).
func (b *Bus) SubscriberCount(pub PublisherID, kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers[pub][kind])
}

// Publish delivers ev to every subscriber of (pub, ev.Kind()) on the calling
// goroutine. The subscriber set is snapshotted first, so handlers may
// subscribe or unsubscribe while being dispatched. It reports whether the
// publisher was registered.
func (b *Bus) Publish(pub PublisherID, ev Event) bool {
	b.mu.RLock()
	if _, ok := b.publishers[pub]; !ok {
		b.mu.RUnlock()
		return false
	}
	set := b.subscribers[pub][ev.Kind()]
	targets := make([]Subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.Update(ev)
	}
	return true
}
