package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// applyEnvironment overrides c with any PROXY_* variables that are set.
// Unparseable values are reported and left at their previous setting.
func applyEnvironment(c *Config) []string {
	var warnings []string
	warn := func(key, value string) {
		warnings = append(warnings, fmt.Sprintf("ignoring %s=%q", key, value))
	}

	// Listener
	envString("PROXY_LISTEN_ADDRESS", &c.Listen.Address)
	envInt("PROXY_LISTEN_PORT", &c.Listen.Port, warn)
	envInt("PROXY_LISTEN_BACKLOG", &c.Listen.Backlog, warn)
	if v := os.Getenv("PROXY_ACCEPT_RATE"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 {
			c.Listen.AcceptRate = r
		} else {
			warn("PROXY_ACCEPT_RATE", v)
		}
	}
	envInt("PROXY_ACCEPT_BURST", &c.Listen.AcceptBurst, warn)

	// Reactor
	envInt("PROXY_IO_THREADS", &c.Reactor.IOThreads, warn)
	envString("PROXY_MODE", &c.Reactor.Mode)

	// Proxy
	envInt("PROXY_BACKEND_IO_THREADS", &c.Proxy.IOThreads, warn)
	envDuration("PROXY_CONNECT_TIMEOUT", &c.Proxy.ConnectTimeout, warn)
	if v := os.Getenv("PROXY_MAX_TRAFFIC_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Proxy.MaxTrafficBytes = n
		} else {
			warn("PROXY_MAX_TRAFFIC_BYTES", v)
		}
	}
	envInt("PROXY_SPLICE_CHUNK", &c.Proxy.SpliceChunk, warn)
	envInt("PROXY_FLUSH_RETRIES", &c.Proxy.FlushRetries, warn)
	envBool("PROXY_CLOSE_ON_ERROR", &c.Proxy.CloseOnError)

	// Health check
	hc := &c.LoadBalancer.HealthCheck
	envBool("PROXY_HEALTH_CHECK_ENABLED", &hc.Enabled)
	envDuration("PROXY_HEALTH_CHECK_INTERVAL", &hc.Interval, warn)
	envDuration("PROXY_HEALTH_CHECK_TIMEOUT", &hc.Timeout, warn)
	envInt("PROXY_HEALTH_CHECK_RETRIES", &hc.Retries, warn)
	envString("PROXY_HEALTH_CHECK_MODE", &hc.Mode)
	if v, ok := os.LookupEnv("PROXY_PROBE_TEXT"); ok {
		hc.ProbeText = v
	}

	// Backends replace the file's list entirely
	if v := os.Getenv("PROXY_BACKENDS"); v != "" {
		c.Backends = parseBackendsFromEnv(v)
	}

	// Logging
	envString("PROXY_LOG_LEVEL", &c.Logging.Level)
	envString("PROXY_LOG_FORMAT", &c.Logging.Format)
	envString("PROXY_LOG_OUTPUT", &c.Logging.Output)
	envString("PROXY_LOG_FILE", &c.Logging.File)

	// Metrics and admin
	envBool("PROXY_METRICS_ENABLED", &c.Metrics.Enabled)
	envString("PROXY_METRICS_PATH", &c.Metrics.Path)
	envBool("PROXY_ADMIN_ENABLED", &c.Admin.Enabled)
	envString("PROXY_ADMIN_LISTEN", &c.Admin.Listen)
	envString("PROXY_ADMIN_JWT_SECRET", &c.Admin.JWTSecret)
	envBool("PROXY_RELOAD_ENABLED", &c.Reload.Enabled)
	envDuration("PROXY_RELOAD_INTERVAL", &c.Reload.Interval, warn)

	return warnings
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.ToLower(v) == "true"
	}
}

func envInt(key string, dst *int, warn func(key, value string)) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		warn(key, v)
		return
	}
	*dst = n
}

func envDuration(key string, dst *time.Duration, warn func(key, value string)) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		warn(key, v)
		return
	}
	*dst = d
}

// parseBackendsFromEnv parses backends from an environment variable
// Format: "ip:port[/check_port],..."
// Example: "10.0.0.1:8081,10.0.0.2:8081/9000"
func parseBackendsFromEnv(backends string) []BackendConfig {
	var configs []BackendConfig
	for _, entry := range strings.Split(backends, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		bc := BackendConfig{Address: entry}
		if addr, check, ok := strings.Cut(entry, "/"); ok {
			bc.Address = addr
			if p, err := strconv.ParseUint(check, 10, 16); err == nil {
				bc.CheckPort = uint16(p)
			}
		}
		configs = append(configs, bc)
	}
	return configs
}

// ConfigFile returns the file LoadConfig reads
func ConfigFile() string {
	if f := os.Getenv("CONFIG_FILE"); f != "" {
		return f
	}
	return "config.yaml"
}

// LoadConfig loads configuration with priority: env vars > config file > defaults.
// A missing config file is not an error; a malformed one is.
func LoadConfig() (*Config, error) {
	return Load(ConfigFile())
}

// Load is LoadConfig for an explicit file
func Load(file string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(file); err == nil {
		config, err = LoadFromFile(file)
		if err != nil {
			return nil, err
		}
	}

	for _, w := range applyEnvironment(config) {
		logrus.Warn(w)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Source describes where the effective configuration came from
func Source() string {
	if _, err := os.Stat(ConfigFile()); err == nil {
		return "file+env"
	}
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "PROXY_") {
			return "environment"
		}
	}
	return "defaults"
}
