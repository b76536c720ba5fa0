package pubsub

import (
	"github.com/mir00r/reactor-proxy/internal/domain"
)

// Kind tags an Event.
type Kind uint8

const (
	KindAccepted Kind = iota + 1
	KindRegistered
	KindModified
	KindRemoved
	KindWaitResult
	KindBalanceBatch
	KindForwardBatch
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindAccepted:
		return "accepted"
	case KindRegistered:
		return "registered"
	case KindModified:
		return "modified"
	case KindRemoved:
		return "removed"
	case KindWaitResult:
		return "wait_result"
	case KindBalanceBatch:
		return "balance_batch"
	case KindForwardBatch:
		return "forward_batch"
	default:
		return "unknown"
	}
}

// Event is the closed set of payloads that travel over the bus. Subscribers
// switch on the concrete type.
type Event interface {
	Kind() Kind
	event()
}

// Poller is the part of a readiness multiplexer that event consumers may
// drive. It is handed out in Registered events so a subscriber can build a
// channel for the fd; holding it does not keep the multiplexer alive.
type Poller interface {
	Modify(fd int, flags domain.Interest, notify bool) error
	Remove(fd int, notify bool) error
	PublisherID() PublisherID
}

// Accepted is published by the acceptor for every new connection.
type Accepted struct {
	FD int
}

// Registered is published when an fd joins a multiplexer.
type Registered struct {
	FD       int
	Interest domain.Interest
	Poller   Poller
}

// Modified is published when an fd's interest set changes.
type Modified struct {
	FD       int
	Interest domain.Interest
}

// Removed is published when an fd leaves a multiplexer.
type Removed struct {
	FD int
}

// WaitResult carries every ready fd from one multiplexer wait. The slice is
// owned by the event; subscribers must not retain or mutate it.
type WaitResult struct {
	Ready []domain.Readiness
}

// BalanceBatch is a set of client fds ready to be assigned to backends.
type BalanceBatch struct {
	FDs []int
}

// ForwardBatch maps client fds to the backend each was assigned.
type ForwardBatch struct {
	Routes map[int]domain.InetAddr
}

func (Accepted) Kind() Kind     { return KindAccepted }
func (Registered) Kind() Kind   { return KindRegistered }
func (Modified) Kind() Kind     { return KindModified }
func (Removed) Kind() Kind      { return KindRemoved }
func (WaitResult) Kind() Kind   { return KindWaitResult }
func (BalanceBatch) Kind() Kind { return KindBalanceBatch }
func (ForwardBatch) Kind() Kind { return KindForwardBatch }

func (Accepted) event()     {}
func (Registered) event()   {}
func (Modified) event()     {}
func (Removed) event()      {}
func (WaitResult) event()   {}
func (BalanceBatch) event() {}
func (ForwardBatch) event() {}
