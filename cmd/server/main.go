//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mir00r/reactor-proxy/internal/config"
	"github.com/mir00r/reactor-proxy/internal/handler"
	"github.com/mir00r/reactor-proxy/internal/middleware"
	"github.com/mir00r/reactor-proxy/internal/proxy"
	"github.com/mir00r/reactor-proxy/internal/pubsub"
	"github.com/mir00r/reactor-proxy/internal/reactor"
	"github.com/mir00r/reactor-proxy/internal/repository"
	"github.com/mir00r/reactor-proxy/internal/server"
	"github.com/mir00r/reactor-proxy/internal/service"
	"github.com/mir00r/reactor-proxy/pkg/logger"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	if checkIfAdminMode() {
		runAdminProcess()
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Listen.Port = getPort(cfg.Listen.Port)

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"version":       version,
		"mode":          cfg.Reactor.Mode,
		"listen":        fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		"io_threads":    cfg.Reactor.IOThreads,
		"backends":      len(cfg.Backends),
		"config_source": config.Source(),
		"process":       getProcessInfo(),
	}).Info("Reactor proxy configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("Reactor proxy exited with error")
		os.Exit(1)
	}
	log.Info("Reactor proxy stopped gracefully")
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
}

// newProber builds the health prober the configuration asks for
func newProber(cfg *config.Config) service.Prober {
	hc := cfg.LoadBalancer.HealthCheck
	if hc.Mode == config.ProbeICMP {
		return service.NewICMPProber(hc.Timeout, hc.Retries, os.Geteuid() == 0)
	}
	return service.NewTCPProber(hc.Timeout, hc.Retries)
}

// newBalancer loads the configured backends into a fresh repository and
// wraps them in a load balancer with its health checker.
func newBalancer(cfg *config.Config, bus *pubsub.Bus, metrics *service.Metrics, log *logger.Logger) (*service.LoadBalancer, *service.HealthChecker, error) {
	backends, err := cfg.ToBackends()
	if err != nil {
		return nil, nil, err
	}
	repo := repository.NewInMemoryBackendRepository()
	if err := repo.SaveAll(backends); err != nil {
		return nil, nil, err
	}
	metrics.SetHealthyBackends(len(repo.GetHealthy()))

	checker := service.NewHealthChecker(service.HealthCheckerConfig{
		Interval:  cfg.LoadBalancer.HealthCheck.Interval,
		ProbeText: cfg.LoadBalancer.HealthCheck.ProbeText,
	}, newProber(cfg), repo, metrics, log)

	return service.NewLoadBalancer(bus, repo, checker, metrics, log), checker, nil
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	listenAddr, err := cfg.ListenAddr()
	if err != nil {
		return err
	}

	bus := pubsub.NewBus(cfg.Proxy.MaxTrafficBytes)
	metrics := service.NewMetrics()

	acceptor, err := reactor.NewAcceptor(bus, listenAddr, cfg.Listen.Backlog)
	if err != nil {
		return err
	}
	group, err := reactor.NewThreadGroup(bus, "io", cfg.Reactor.IOThreads, true, log)
	if err != nil {
		acceptor.Close()
		return err
	}

	muxes := make([]pubsub.PublisherID, 0, group.Size())
	for _, d := range group.Demultiplexers() {
		muxes = append(muxes, d.PublisherID())
	}

	opts := []server.Option{server.WithMetrics(metrics)}
	if cfg.Reactor.Mode == config.ModeEcho {
		opts = append(opts, server.WithMessageHandler(server.EchoHandler))
	}
	srv := server.New(bus, log, opts...)
	if err := srv.Attach(acceptor.PublisherID(), muxes...); err != nil {
		return err
	}

	lb, checker, err := newBalancer(cfg, bus, metrics, log)
	if err != nil {
		return err
	}

	var fwd *proxy.Forwarder
	if cfg.Reactor.Mode == config.ModeProxy {
		if err := lb.Subscribe(srv.PublisherID()); err != nil {
			return err
		}
		fwd, err = proxy.New(bus, proxy.Config{
			IOThreads:      cfg.Proxy.IOThreads,
			ConnectTimeout: cfg.Proxy.ConnectTimeout,
			SpliceChunk:    cfg.Proxy.SpliceChunk,
			FlushRetries:   cfg.Proxy.FlushRetries,
			CloseOnError:   cfg.Proxy.CloseOnError,
		}, metrics, log)
		if err != nil {
			return err
		}
		if err := fwd.Attach(lb.PublisherID(), srv.PublisherID()); err != nil {
			return err
		}
	}

	var limiter *rate.Limiter
	if cfg.Listen.AcceptRate > 0 {
		burst := cfg.Listen.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Listen.AcceptRate), burst)
	}
	loop := reactor.NewEventLoop(acceptor, group, limiter, log)

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		adminServer = newAdminServer(cfg, lb, bus, srv, fwd, metrics, log)
	}

	g, gctx := errgroup.WithContext(ctx)

	if fwd != nil {
		fwd.Start()
		g.Go(func() error { return lb.Run(gctx) })
	}
	g.Go(func() error { return loop.Run(gctx) })

	if cfg.LoadBalancer.HealthCheck.Enabled {
		g.Go(func() error { return checker.Run(gctx) })
	}

	if cfg.Reload.Enabled {
		reloader := service.NewConfigReloadService(cfg, lb, config.ConfigFile(), nil, log)
		g.Go(func() error { return reloader.Run(gctx) })
	}

	if adminServer != nil {
		g.Go(func() error {
			log.WithField("address", adminServer.Addr).Info("Starting admin API")
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received")

		loop.Stop()
		lb.Stop()
		if fwd != nil {
			fwd.Stop()
		}
		srv.Close()

		if adminServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := adminServer.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Error("Error shutting down admin API")
			}
		}
		return nil
	})

	return g.Wait()
}

func newAdminServer(cfg *config.Config, lb *service.LoadBalancer, bus *pubsub.Bus, srv *server.Server, fwd *proxy.Forwarder, metrics *service.Metrics, log *logger.Logger) *http.Server {
	var routes handler.RouteTable
	if fwd != nil {
		routes = fwd
	}
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}

	router := mux.NewRouter()
	handler.NewAdminHandler(lb, bus, srv, routes, metrics.Handler(), log).RegisterRoutes(router, metricsPath)

	auth := middleware.NewJWTAuthMiddleware(cfg.Admin.JWTSecret, log)
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log.AdminLogger()),
		auth.JWTAuth(),
	)

	return &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
