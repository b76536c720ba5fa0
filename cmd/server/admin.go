//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mir00r/reactor-proxy/internal/config"
	"github.com/mir00r/reactor-proxy/internal/pubsub"
	"github.com/mir00r/reactor-proxy/internal/service"
)

// runHealthCheck probes every configured backend once
func runHealthCheck() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	lb, _, err := newBalancer(cfg, pubsub.NewBus(cfg.Proxy.MaxTrafficBytes), service.NewMetrics(), log)
	if err != nil {
		return fmt.Errorf("failed to load backends: %w", err)
	}
	defer lb.Close()

	fmt.Printf("Checking health of %d backends...\n", len(lb.Backends()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	healthy := lb.CheckAllBackends(ctx)
	for _, backend := range lb.Backends() {
		status := "✓ healthy"
		if !backend.IsHealthy() {
			status = "✗ unhealthy"
		}
		fmt.Printf("Backend %s (check %s): %s\n", backend.ID(), backend.CheckAddr(), status)
	}
	fmt.Printf("%d of %d backends healthy\n", healthy, len(lb.Backends()))

	return nil
}

// runConfigValidation validates the current configuration
func runConfigValidation() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("Configuration validation passed ✓")
	fmt.Printf("Mode: %s\n", cfg.Reactor.Mode)
	fmt.Printf("Listen: %s:%d\n", cfg.Listen.Address, cfg.Listen.Port)
	fmt.Printf("I/O threads: %d (backend side %d)\n", cfg.Reactor.IOThreads, cfg.Proxy.IOThreads)
	fmt.Printf("Backends: %d\n", len(cfg.Backends))
	fmt.Printf("Health Check: %t (%s every %s)\n", cfg.LoadBalancer.HealthCheck.Enabled,
		cfg.LoadBalancer.HealthCheck.Mode, cfg.LoadBalancer.HealthCheck.Interval)
	fmt.Printf("Traffic ceiling: %d bytes\n", cfg.Proxy.MaxTrafficBytes)
	fmt.Printf("Admin API: %t\n", cfg.Admin.Enabled)

	return nil
}

// runBackends lists the configured backends
func runBackends() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	backends, err := cfg.ToBackends()
	if err != nil {
		return err
	}
	fmt.Printf("Total backends: %d\n", len(backends))

	for i, backend := range backends {
		fmt.Printf("  Backend %d: %s (check %s)\n", i+1, backend.ID(), backend.CheckAddr())
	}

	return nil
}

// runAdminProcess handles admin process execution
func runAdminProcess() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: reactor-proxy -admin <command>")
		fmt.Println("Commands:")
		fmt.Println("  health-check    - Check health of all backends")
		fmt.Println("  validate-config - Validate configuration")
		fmt.Println("  backends        - List configured backends")
		os.Exit(1)
	}

	command := os.Args[2]
	var err error

	switch command {
	case "health-check":
		err = runHealthCheck()
	case "validate-config", "validate":
		err = runConfigValidation()
	case "backends":
		err = runBackends()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command failed: %v\n", err)
		os.Exit(1)
	}
}

// checkIfAdminMode checks if running in admin mode
func checkIfAdminMode() bool {
	for _, arg := range os.Args {
		if arg == "-admin" {
			return true
		}
	}
	return false
}
