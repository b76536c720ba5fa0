package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mir00r/reactor-proxy/internal/domain"
	perrors "github.com/mir00r/reactor-proxy/internal/errors"
)

// Reactor modes
const (
	ModeProxy = "proxy"
	ModeEcho  = "echo"
)

// Health probe modes
const (
	ProbeTCP  = "tcp"
	ProbeICMP = "icmp"
)

// Config represents the main configuration structure
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Reactor      ReactorConfig      `yaml:"reactor"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer"`
	Backends     []BackendConfig    `yaml:"backends"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Admin        AdminConfig        `yaml:"admin"`
	Reload       ReloadConfig       `yaml:"reload"`
}

// ListenConfig describes the client-facing listening socket
type ListenConfig struct {
	Address     string  `yaml:"address"`
	Port        int     `yaml:"port"`
	Backlog     int     `yaml:"backlog"`
	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`
}

// ReactorConfig contains client-side I/O thread settings
type ReactorConfig struct {
	IOThreads int    `yaml:"io_threads"`
	Mode      string `yaml:"mode"`
}

// ProxyConfig contains backend-side relay settings
type ProxyConfig struct {
	IOThreads       int           `yaml:"io_threads"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxTrafficBytes int64         `yaml:"max_traffic_bytes"`
	SpliceChunk     int           `yaml:"splice_chunk"`
	FlushRetries    int           `yaml:"flush_retries"`
	CloseOnError    bool          `yaml:"close_on_error"`
}

// LoadBalancerConfig contains load balancer specific configuration
type LoadBalancerConfig struct {
	HealthCheck HealthCheckConfig `yaml:"health_check"`
}

// HealthCheckConfig contains backend probing settings
type HealthCheckConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
	ProbeText string        `yaml:"probe_text"`
	Mode      string        `yaml:"mode"`
}

// BackendConfig contains backend server configuration
type BackendConfig struct {
	Address   string `yaml:"address"`
	CheckPort uint16 `yaml:"check_port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"`
}

// ReloadConfig controls watching the config file for backend changes
type ReloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address: "0.0.0.0",
			Port:    8080,
			Backlog: 128,
		},
		Reactor: ReactorConfig{
			IOThreads: 2,
			Mode:      ModeProxy,
		},
		Proxy: ProxyConfig{
			IOThreads:       2,
			ConnectTimeout:  3 * time.Second,
			MaxTrafficBytes: 1 << 30,
			SpliceChunk:     64 * 1024,
			FlushRetries:    16,
			CloseOnError:    true,
		},
		LoadBalancer: LoadBalancerConfig{
			HealthCheck: HealthCheckConfig{
				Enabled:  true,
				Interval: 10 * time.Second,
				Timeout:  2 * time.Second,
				Retries:  3,
				Mode:     ProbeTCP,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9090",
		},
		Reload: ReloadConfig{
			Interval: 5 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, perrors.WrapError(err, perrors.ErrCodeConfigLoad, "config",
			fmt.Sprintf("failed to read config file %s", filename))
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, perrors.WrapError(err, perrors.ErrCodeConfigLoad, "config",
			fmt.Sprintf("failed to parse config file %s", filename))
	}

	return config, nil
}

// ListenAddr returns the client-facing socket address
func (c *Config) ListenAddr() (domain.InetAddr, error) {
	return domain.ParseInetAddr(fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port))
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Listen.Port)
	}
	if _, err := c.ListenAddr(); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	if c.Listen.Backlog <= 0 {
		return fmt.Errorf("listen.backlog must be positive: %d", c.Listen.Backlog)
	}
	if c.Listen.AcceptRate < 0 {
		return fmt.Errorf("listen.accept_rate cannot be negative")
	}

	if c.Reactor.IOThreads < 1 {
		return fmt.Errorf("reactor.io_threads must be at least 1: %d", c.Reactor.IOThreads)
	}
	switch c.Reactor.Mode {
	case ModeProxy, ModeEcho:
	default:
		return fmt.Errorf("unsupported reactor mode: %s", c.Reactor.Mode)
	}

	if c.Reactor.Mode == ModeProxy {
		if c.Proxy.IOThreads < 1 {
			return fmt.Errorf("proxy.io_threads must be at least 1: %d", c.Proxy.IOThreads)
		}
		if c.Proxy.ConnectTimeout <= 0 {
			return fmt.Errorf("proxy.connect_timeout must be positive")
		}
		if c.Proxy.MaxTrafficBytes <= 0 {
			return fmt.Errorf("proxy.max_traffic_bytes must be positive")
		}
		if c.Proxy.SpliceChunk <= 0 {
			return fmt.Errorf("proxy.splice_chunk must be positive")
		}
		if c.Proxy.FlushRetries < 0 {
			return fmt.Errorf("proxy.flush_retries cannot be negative")
		}
	}

	seen := make(map[string]bool)
	for i, backend := range c.Backends {
		addr, err := domain.ParseInetAddr(backend.Address)
		if err != nil {
			return fmt.Errorf("backend[%d]: %w", i, err)
		}
		if seen[addr.String()] {
			return fmt.Errorf("backend[%d]: duplicate address '%s'", i, addr)
		}
		seen[addr.String()] = true
	}

	hc := c.LoadBalancer.HealthCheck
	if hc.Enabled {
		if hc.Interval <= 0 {
			return fmt.Errorf("health_check.interval must be positive")
		}
		if hc.Timeout <= 0 {
			return fmt.Errorf("health_check.timeout must be positive")
		}
		if hc.Retries <= 0 {
			return fmt.Errorf("health_check.retries must be positive")
		}
		switch hc.Mode {
		case ProbeTCP, ProbeICMP:
		default:
			return fmt.Errorf("unsupported health_check mode: %s", hc.Mode)
		}
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	if c.Admin.Enabled && c.Admin.Listen == "" {
		return fmt.Errorf("admin.listen cannot be empty when admin is enabled")
	}

	if c.Reload.Enabled && c.Reload.Interval <= 0 {
		return fmt.Errorf("reload.interval must be positive")
	}

	return nil
}

// ToBackends converts backend configurations to domain backends
func (c *Config) ToBackends() ([]*domain.Backend, error) {
	backends := make([]*domain.Backend, 0, len(c.Backends))
	for i, bc := range c.Backends {
		addr, err := domain.ParseInetAddr(bc.Address)
		if err != nil {
			return nil, fmt.Errorf("backend[%d]: %w", i, err)
		}
		backends = append(backends, domain.NewBackend(addr, bc.CheckPort))
	}
	return backends, nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}
