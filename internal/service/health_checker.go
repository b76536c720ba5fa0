package service

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/mir00r/reactor-proxy/internal/domain"
	perrors "github.com/mir00r/reactor-proxy/internal/errors"
	"github.com/mir00r/reactor-proxy/internal/repository"
	"github.com/mir00r/reactor-proxy/pkg/logger"
)

// DefaultProbeRetries is the per-stage attempt budget of a probe.
const DefaultProbeRetries = 3

// Prober runs one health probe against a backend.
type Prober interface {
	Probe(ctx context.Context, backend *domain.Backend, text string) error
	Name() string
}

// TCPProber connects to the backend's check port, sends the probe text and
// expects it echoed back. Each stage has its own retry budget. An empty
// probe text reduces the probe to a connect check.
type TCPProber struct {
	Timeout time.Duration
	Retries int

	// dial replaces net.Dialer.DialContext when set
	dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewTCPProber creates a TCP prober
func NewTCPProber(timeout time.Duration, retries int) *TCPProber {
	if retries < 1 {
		retries = DefaultProbeRetries
	}
	return &TCPProber{Timeout: timeout, Retries: retries}
}

// Name returns the prober name
func (p *TCPProber) Name() string { return "tcp" }

// Probe implements Prober
func (p *TCPProber) Probe(ctx context.Context, backend *domain.Backend, text string) error {
	addr := backend.CheckAddr().String()
	dial := p.dial
	if dial == nil {
		dialer := net.Dialer{Timeout: p.Timeout}
		dial = dialer.DialContext
	}

	var conn net.Conn
	var err error
	for attempt := 0; attempt < p.Retries; attempt++ {
		conn, err = dial(ctx, "tcp4", addr)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return perrors.NewHealthCheckError(addr, "connect", err)
	}
	defer conn.Close()

	if text == "" {
		return nil
	}

	payload := []byte(text)
	sent := 0
	for attempt := 0; attempt < p.Retries && sent < len(payload); attempt++ {
		conn.SetWriteDeadline(p.deadline())
		n, werr := conn.Write(payload[sent:])
		sent += n
		err = werr
	}
	if sent < len(payload) {
		return perrors.NewHealthCheckError(addr, "send", err)
	}

	got := make([]byte, 0, len(payload))
	buf := make([]byte, len(payload))
	for attempt := 0; attempt < p.Retries && len(got) < len(payload); attempt++ {
		conn.SetReadDeadline(p.deadline())
		n, rerr := conn.Read(buf[:len(payload)-len(got)])
		got = append(got, buf[:n]...)
		err = rerr
	}
	if !bytes.Equal(got, payload) {
		if err == nil {
			err = fmt.Errorf("probe reply %q does not match %q", got, payload)
		}
		return perrors.NewHealthCheckError(addr, "receive", err)
	}
	return nil
}

func (p *TCPProber) deadline() time.Time {
	if p.Timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(p.Timeout)
}

// ICMPProber sends an ICMP echo to the backend host. Unprivileged mode uses
// datagram ICMP sockets, which need net.ipv4.ping_group_range to cover the
// process group.
type ICMPProber struct {
	Timeout    time.Duration
	Retries    int
	Privileged bool

	seq atomic.Uint32
}

// NewICMPProber creates an ICMP prober
func NewICMPProber(timeout time.Duration, retries int, privileged bool) *ICMPProber {
	if retries < 1 {
		retries = DefaultProbeRetries
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ICMPProber{Timeout: timeout, Retries: retries, Privileged: privileged}
}

// Name returns the prober name
func (p *ICMPProber) Name() string { return "icmp" }

// Probe implements Prober
func (p *ICMPProber) Probe(ctx context.Context, backend *domain.Backend, text string) error {
	host := backend.Address.IP
	ip := net.ParseIP(host)
	if ip == nil {
		return perrors.NewHealthCheckError(host, "icmp", fmt.Errorf("invalid host %q", host))
	}

	network := "udp4"
	var dst net.Addr = &net.UDPAddr{IP: ip}
	if p.Privileged {
		network = "ip4:icmp"
		dst = &net.IPAddr{IP: ip}
	}

	c, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return perrors.NewHealthCheckError(host, "icmp", err)
	}
	defer c.Close()

	reply := make([]byte, 1500)
	for attempt := 0; attempt < p.Retries; attempt++ {
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}

		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Code: 0,
			Body: &icmp.Echo{
				ID:   os.Getpid() & 0xffff,
				Seq:  int(p.seq.Add(1) & 0xffff),
				Data: []byte(text),
			},
		}
		wb, merr := msg.Marshal(nil)
		if merr != nil {
			return perrors.NewHealthCheckError(host, "icmp", merr)
		}

		c.SetDeadline(time.Now().Add(p.Timeout))
		if _, err = c.WriteTo(wb, dst); err != nil {
			continue
		}

		for {
			n, _, rerr := c.ReadFrom(reply)
			if rerr != nil {
				err = rerr
				break
			}
			rm, perr := icmp.ParseMessage(ipv4.ICMPTypeEcho.Protocol(), reply[:n])
			if perr != nil {
				continue
			}
			if rm.Type == ipv4.ICMPTypeEchoReply {
				return nil
			}
		}
	}
	return perrors.NewHealthCheckError(host, "icmp", err)
}

// HealthChecker runs probes over the backend repository. A failed probe
// evicts the backend from the active set; a later successful probe
// re-admits it.
type HealthChecker struct {
	prober      Prober
	repo        *repository.InMemoryBackendRepository
	metrics     *Metrics
	clock       clockwork.Clock
	interval    time.Duration
	concurrency int
	logger      *logger.Logger

	mu   sync.RWMutex
	text string
}

// HealthCheckerConfig configures a HealthChecker
type HealthCheckerConfig struct {
	Interval    time.Duration
	ProbeText   string
	Concurrency int
	Clock       clockwork.Clock
}

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(cfg HealthCheckerConfig, prober Prober, repo *repository.InMemoryBackendRepository, metrics *Metrics, log *logger.Logger) *HealthChecker {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 8
	}
	return &HealthChecker{
		prober:      prober,
		repo:        repo,
		metrics:     metrics,
		clock:       cfg.Clock,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		logger:      log.HealthCheckLogger(),
		text:        cfg.ProbeText,
	}
}

// SetProbeText replaces the text sent by TCP probes
func (hc *HealthChecker) SetProbeText(text string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.text = text
}

// ProbeText returns the current probe text
func (hc *HealthChecker) ProbeText() string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.text
}

// Check probes one backend and updates its status
func (hc *HealthChecker) Check(ctx context.Context, backend *domain.Backend) error {
	log := hc.logger.BackendLogger(backend.ID())

	err := hc.prober.Probe(ctx, backend, hc.ProbeText())
	backend.UpdateLastHealthCheck(hc.clock.Now())

	if err != nil {
		hc.handleHealthCheckFailure(backend, err)
		return err
	}

	if backend.GetFailureCount() > 0 {
		backend.ResetFailures()
	}
	if !backend.IsHealthy() {
		backend.SetStatus(domain.StatusHealthy)
		log.Info("Backend passed health check and rejoined the active set")
	}
	return nil
}

func (hc *HealthChecker) handleHealthCheckFailure(backend *domain.Backend, err error) {
	failures := backend.IncrementFailures()
	hc.metrics.HealthCheckFailed(backend.ID())

	log := hc.logger.BackendLogger(backend.ID()).
		WithError(err).
		WithField("failure_count", failures)

	if backend.IsHealthy() {
		backend.SetStatus(domain.StatusUnhealthy)
		log.Warn("Backend evicted from the active set")
		return
	}
	log.Debug("Backend still failing health checks")
}

// CheckAll probes every backend, evicting those that fail. Probe errors do
// not surface; the return value is the size of the active set afterwards.
func (hc *HealthChecker) CheckAll(ctx context.Context) int {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hc.concurrency)

	for _, backend := range hc.repo.GetAll() {
		backend := backend
		g.Go(func() error {
			hc.Check(gctx, backend)
			return nil
		})
	}
	g.Wait()

	healthy := len(hc.repo.GetHealthy())
	hc.metrics.SetHealthyBackends(healthy)
	hc.logger.WithFields(map[string]interface{}{
		"healthy": healthy,
		"total":   hc.repo.Count(),
	}).Debug("Health check pass completed")
	return healthy
}

// Run checks all backends once, then on every tick until ctx is done
func (hc *HealthChecker) Run(ctx context.Context) error {
	if hc.interval <= 0 {
		return perrors.NewError(perrors.ErrCodeInvalidRequest, "health_check", "interval must be positive")
	}

	hc.logger.WithFields(map[string]interface{}{
		"interval": hc.interval.String(),
		"prober":   hc.prober.Name(),
	}).Info("Starting health checker")

	ticker := hc.clock.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			hc.logger.Info("Health checker stopped")
			return nil
		case <-ticker.Chan():
			hc.CheckAll(ctx)
		}
	}
}

// GetStats returns health checker statistics
func (hc *HealthChecker) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"prober":     hc.prober.Name(),
		"interval":   hc.interval.String(),
		"probe_text": hc.ProbeText(),
	}
}
