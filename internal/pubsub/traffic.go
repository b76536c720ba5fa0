package pubsub

import (
	"sync"
	"sync/atomic"
)

// DefaultMaxTraffic is the ledger ceiling when none is configured.
const DefaultMaxTraffic int64 = 1 << 30

// Ledger keeps a monotonically increasing byte count per client address.
// Counters are per-key atomics so concurrent I/O goroutines never contend
// on a shared lock after the first sighting of an address.
type Ledger struct {
	ceiling  int64
	counters sync.Map // string -> *atomic.Int64
}

// NewLedger creates a ledger; clients whose count exceeds ceiling are
// limited. A non-positive ceiling selects DefaultMaxTraffic.
func NewLedger(ceiling int64) *Ledger {
	if ceiling <= 0 {
		ceiling = DefaultMaxTraffic
	}
	return &Ledger{ceiling: ceiling}
}

func (l *Ledger) counter(addr string) *atomic.Int64 {
	if c, ok := l.counters.Load(addr); ok {
		return c.(*atomic.Int64)
	}
	c, _ := l.counters.LoadOrStore(addr, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Account adds n bytes to addr. Negative n is ignored so the ledger never
// decreases. Accounting zero bytes just makes addr known.
func (l *Ledger) Account(addr string, n int64) int64 {
	c := l.counter(addr)
	if n <= 0 {
		return c.Load()
	}
	return c.Add(n)
}

// Traffic returns the bytes accounted to addr and whether addr is known.
func (l *Ledger) Traffic(addr string) (int64, bool) {
	c, ok := l.counters.Load(addr)
	if !ok {
		return 0, false
	}
	return c.(*atomic.Int64).Load(), true
}

// IsLimited reports whether addr's count exceeds the ceiling. Unknown
// addresses are not limited.
func (l *Ledger) IsLimited(addr string) bool {
	n, _ := l.Traffic(addr)
	return n > l.ceiling
}

// Ceiling returns the configured limit.
func (l *Ledger) Ceiling() int64 {
	return l.ceiling
}

// Clients returns the number of addresses seen.
func (l *Ledger) Clients() int {
	n := 0
	l.counters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
