/*
Package service holds the proxy's backend-facing logic: choosing a backend
for each client, probing backends, exporting metrics and reloading the
backend set from the config file.

Load balancing:

LoadBalancer subscribes to the server's BalanceBatch events and queues them.
Run drains the queue in arrival order; each client fd goes to the next
healthy backend in round-robin order and the resulting ForwardBatch is
published for the proxy forwarder. The cursor is not reset between batches,
so two batches of one client each still alternate backends.

	lb := service.NewLoadBalancer(bus, repo, checker, metrics, log)
	if err := lb.Subscribe(srv.PublisherID()); err != nil {
		return err
	}
	go lb.Run(ctx)

Health checking:

HealthChecker runs a Prober against every backend on each tick. A failing
backend leaves the active set, and a passing one rejoins it. TCPProber
connects to the check address and, when probe text is set, expects the same
bytes echoed back; an empty text makes the probe connect-only. ICMPProber
sends echo requests instead.

	checker := service.NewHealthChecker(service.HealthCheckerConfig{
		Interval:  10 * time.Second,
		ProbeText: "ping",
	}, service.NewTCPProber(2*time.Second, 3), repo, metrics, log)

Metrics:

Metrics keeps its own Prometheus registry, so tests can create as many as
they like. A nil *Metrics is valid and records nothing.

Config reload:

ConfigReloadService polls the config file and reconciles the backend list
and probe text with the load balancer. Other settings need a restart.
*/
package service
