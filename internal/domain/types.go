package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Interest is a bit set of readiness conditions a descriptor is watched for,
// or that a multiplexer reports for it.
type Interest uint32

const (
	// Readable reports pending input
	Readable Interest = 0x001 // EPOLLIN
	// Writable reports free send capacity
	Writable Interest = 0x004 // EPOLLOUT
	// Closable reports error, hangup or peer half-close
	Closable Interest = 0x008 | 0x010 | 0x2000 // EPOLLERR | EPOLLHUP | EPOLLRDHUP
	// EdgeTriggered requests one notification per state transition
	EdgeTriggered Interest = 1 << 31 // EPOLLET

	// DefaultInterest is what every descriptor starts with and what
	// ResetInterest restores.
	DefaultInterest = Readable | Closable | EdgeTriggered
)

// Has reports whether any bit of flag is present.
func (i Interest) Has(flag Interest) bool {
	return i&flag != 0
}

// String returns a compact representation such as "R|W|C|ET"
func (i Interest) String() string {
	var parts []string
	if i.Has(Readable) {
		parts = append(parts, "R")
	}
	if i.Has(Writable) {
		parts = append(parts, "W")
	}
	if i.Has(Closable) {
		parts = append(parts, "C")
	}
	if i.Has(EdgeTriggered) {
		parts = append(parts, "ET")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Readiness is one (fd, flags) pair out of a multiplexer wait.
type Readiness struct {
	FD     int
	Events Interest
}

// InetAddr is an IPv4 endpoint.
type InetAddr struct {
	IP   string `json:"ip" yaml:"ip"`
	Port uint16 `json:"port" yaml:"port"`
}

// ParseInetAddr parses "ip:port".
func ParseInetAddr(s string) (InetAddr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return InetAddr{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return InetAddr{}, fmt.Errorf("invalid address %q: not an IPv4 host", s)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return InetAddr{}, fmt.Errorf("invalid address %q: bad port: %w", s, err)
	}
	return InetAddr{IP: ip.To4().String(), Port: uint16(p)}, nil
}

// String returns "ip:port"; it is the key used for backend maps and the
// traffic ledger.
func (a InetAddr) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
}

// WithPort returns the same host with another port.
func (a InetAddr) WithPort(port uint16) InetAddr {
	return InetAddr{IP: a.IP, Port: port}
}

// BackendStatus represents the health status of a backend server
type BackendStatus int32

const (
	// StatusHealthy indicates the backend is in the active set
	StatusHealthy BackendStatus = iota
	// StatusUnhealthy indicates the backend was evicted by a health check
	StatusUnhealthy
)

// String returns the string representation of BackendStatus
func (s BackendStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Backend is an upstream server together with the port its health probe
// talks to.
type Backend struct {
	Address   InetAddr `json:"address" yaml:"address"`
	CheckPort uint16   `json:"check_port" yaml:"check_port"`

	status          atomic.Int32
	failureCount    atomic.Int64
	assigned        atomic.Int64
	lastHealthCheck atomic.Int64
}

// NewBackend creates a healthy backend entry
func NewBackend(address InetAddr, checkPort uint16) *Backend {
	return &Backend{
		Address:   address,
		CheckPort: checkPort,
	}
}

// ID returns the key the backend is stored under.
func (b *Backend) ID() string {
	return b.Address.String()
}

// CheckAddr is where health probes connect to.
func (b *Backend) CheckAddr() InetAddr {
	if b.CheckPort == 0 {
		return b.Address
	}
	return b.Address.WithPort(b.CheckPort)
}

// SetStatus updates the backend status
func (b *Backend) SetStatus(status BackendStatus) {
	b.status.Store(int32(status))
}

// GetStatus returns the current backend status
func (b *Backend) GetStatus() BackendStatus {
	return BackendStatus(b.status.Load())
}

// IsHealthy returns true if the backend is part of the active set
func (b *Backend) IsHealthy() bool {
	return b.GetStatus() == StatusHealthy
}

// IncrementFailures counts one failed health check pass
func (b *Backend) IncrementFailures() int64 {
	return b.failureCount.Add(1)
}

// GetFailureCount returns the number of failed check passes
func (b *Backend) GetFailureCount() int64 {
	return b.failureCount.Load()
}

// ResetFailures resets the failure count to zero
func (b *Backend) ResetFailures() {
	b.failureCount.Store(0)
}

// IncrementAssigned counts one client socket balanced onto this backend
func (b *Backend) IncrementAssigned() {
	b.assigned.Add(1)
}

// GetAssigned returns how many client sockets were balanced onto this backend
func (b *Backend) GetAssigned() int64 {
	return b.assigned.Load()
}

// UpdateLastHealthCheck stamps the backend with the check time
func (b *Backend) UpdateLastHealthCheck(t time.Time) {
	b.lastHealthCheck.Store(t.UnixNano())
}

// GetLastHealthCheck returns the time of the last completed check
func (b *Backend) GetLastHealthCheck() time.Time {
	ns := b.lastHealthCheck.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
