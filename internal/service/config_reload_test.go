package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/reactor-proxy/internal/config"
)

func writeReloadConfig(t *testing.T, path, body string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func backendIDs(lb *LoadBalancer) []string {
	var ids []string
	for _, b := range lb.Backends() {
		ids = append(ids, b.ID())
	}
	return ids
}

func newTestReloader(t *testing.T, clock clockwork.Clock) (*ConfigReloadService, *LoadBalancer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeReloadConfig(t, path, `
backends:
  - address: "127.0.0.1:9001"
  - address: "127.0.0.1:9002"
reload:
  enabled: true
  interval: 1s
`, time.Now().Add(-time.Hour))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	lb, _ := newTestLoadBalancer(t, 9001, 9002)
	return NewConfigReloadService(cfg, lb, path, clock, nil), lb, path
}

func TestReloadReconcilesBackends(t *testing.T) {
	crs, lb, path := newTestReloader(t, nil)

	changed, err := crs.CheckForChanges()
	require.NoError(t, err)
	assert.False(t, changed)

	writeReloadConfig(t, path, `
backends:
  - address: "127.0.0.1:9002"
    check_port: 7000
  - address: "127.0.0.1:9003"
load_balancer:
  health_check:
    probe_text: "ping"
reload:
  enabled: true
  interval: 1s
`, time.Now())

	changed, err = crs.CheckForChanges()
	require.NoError(t, err)
	assert.True(t, changed)

	assert.ElementsMatch(t, []string{"127.0.0.1:9002", "127.0.0.1:9003"}, backendIDs(lb))
	for _, b := range lb.Backends() {
		if b.ID() == "127.0.0.1:9002" {
			assert.Equal(t, uint16(7000), b.CheckPort)
		}
	}
	assert.Equal(t, "ping", lb.GetStats()["health_check"].(map[string]interface{})["probe_text"])
	assert.EqualValues(t, 1, crs.GetReloadStats()["reloads"])
	assert.Len(t, crs.GetCurrentConfig().Backends, 2)
}

func TestReloadKeepsStateOnInvalidFile(t *testing.T) {
	crs, lb, path := newTestReloader(t, nil)

	writeReloadConfig(t, path, `
backends:
  - address: "127.0.0.1:9001"
  - address: "127.0.0.1:9001"
`, time.Now())

	changed, err := crs.CheckForChanges()
	require.Error(t, err)
	assert.False(t, changed)
	assert.ElementsMatch(t, []string{"127.0.0.1:9001", "127.0.0.1:9002"}, backendIDs(lb))
}

func TestReloadSkipsMissingFile(t *testing.T) {
	crs, lb, path := newTestReloader(t, nil)
	require.NoError(t, os.Remove(path))

	changed, err := crs.CheckForChanges()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, lb.Backends(), 2)
}

func TestReloadCallbackRuns(t *testing.T) {
	crs, _, path := newTestReloader(t, nil)

	var seen *config.Config
	crs.RegisterReloadCallback(func(c *config.Config) error {
		seen = c
		return nil
	})

	writeReloadConfig(t, path, `
backends:
  - address: "127.0.0.1:9005"
`, time.Now())

	_, err := crs.CheckForChanges()
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "127.0.0.1:9005", seen.Backends[0].Address)
}

func TestReloadRunPollsOnTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	crs, lb, path := newTestReloader(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- crs.Run(ctx) }()

	writeReloadConfig(t, path, `
backends:
  - address: "127.0.0.1:9009"
`, time.Now())

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		ids := backendIDs(lb)
		return len(ids) == 1 && ids[0] == "127.0.0.1:9009"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
