package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mir00r/reactor-proxy/internal/config"
	"github.com/mir00r/reactor-proxy/internal/domain"
	"github.com/mir00r/reactor-proxy/pkg/logger"
)

// ConfigReloadService watches the config file and reconciles the backend
// set and probe text with it. Listener, reactor and proxy settings only take
// effect on restart.
type ConfigReloadService struct {
	loadBalancer   *LoadBalancer
	configFilePath string
	interval       time.Duration
	clock          clockwork.Clock
	logger         *logger.Logger

	mutex           sync.Mutex
	config          *config.Config
	lastModTime     time.Time
	lastSize        int64
	reloads         int64
	reloadCallbacks []func(*config.Config) error
}

// NewConfigReloadService creates a reload service for the file at path.
// cfg is the configuration the process started with.
func NewConfigReloadService(cfg *config.Config, lb *LoadBalancer, path string, clock clockwork.Clock, log *logger.Logger) *ConfigReloadService {
	if log == nil {
		log = logger.Discard()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	crs := &ConfigReloadService{
		loadBalancer:   lb,
		configFilePath: path,
		interval:       cfg.Reload.Interval,
		clock:          clock,
		logger:         log.ConfigLogger(),
		config:         cfg,
	}
	if info, err := os.Stat(path); err == nil {
		crs.lastModTime = info.ModTime()
		crs.lastSize = info.Size()
	}
	return crs
}

// RegisterReloadCallback registers a callback run after each successful reload
func (crs *ConfigReloadService) RegisterReloadCallback(callback func(*config.Config) error) {
	crs.mutex.Lock()
	defer crs.mutex.Unlock()
	crs.reloadCallbacks = append(crs.reloadCallbacks, callback)
}

// Run polls the config file until ctx is done
func (crs *ConfigReloadService) Run(ctx context.Context) error {
	if crs.interval <= 0 {
		return fmt.Errorf("reload interval must be positive")
	}

	crs.logger.WithFields(map[string]interface{}{
		"config_file": crs.configFilePath,
		"interval":    crs.interval.String(),
	}).Info("Started configuration file watcher")

	ticker := crs.clock.NewTicker(crs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			crs.logger.Info("Stopped configuration file watcher")
			return nil
		case <-ticker.Chan():
			if _, err := crs.CheckForChanges(); err != nil {
				crs.logger.WithError(err).Error("Failed to reload configuration")
			}
		}
	}
}

// CheckForChanges reloads the file if its size or modification time moved.
// A missing file is skipped rather than treated as an empty backend list.
func (crs *ConfigReloadService) CheckForChanges() (bool, error) {
	info, err := os.Stat(crs.configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	crs.mutex.Lock()
	unchanged := info.ModTime().Equal(crs.lastModTime) && info.Size() == crs.lastSize
	crs.lastModTime = info.ModTime()
	crs.lastSize = info.Size()
	crs.mutex.Unlock()
	if unchanged {
		return false, nil
	}

	// A broken file is reported once per change.
	newConfig, err := config.Load(crs.configFilePath)
	if err != nil {
		return false, err
	}

	crs.logger.Info("Configuration file changed, reloading...")
	return true, crs.ReloadConfig(newConfig)
}

// ReloadConfig applies the backend list and probe text of newConfig
func (crs *ConfigReloadService) ReloadConfig(newConfig *config.Config) error {
	crs.mutex.Lock()
	defer crs.mutex.Unlock()

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	crs.logger.WithFields(map[string]interface{}{
		"old_backends": len(crs.config.Backends),
		"new_backends": len(newConfig.Backends),
	}).Info("Reloading configuration")

	if err := crs.updateBackends(newConfig); err != nil {
		return err
	}

	oldText := crs.config.LoadBalancer.HealthCheck.ProbeText
	newText := newConfig.LoadBalancer.HealthCheck.ProbeText
	if oldText != newText {
		crs.loadBalancer.SetProbeText(newText)
		crs.logger.WithField("length", len(newText)).Info("Updated probe text")
	}

	for _, callback := range crs.reloadCallbacks {
		if err := callback(newConfig); err != nil {
			crs.logger.WithError(err).Error("Config reload callback failed")
			return err
		}
	}

	crs.config = newConfig
	crs.reloads++

	crs.logger.Info("Configuration reloaded successfully")
	return nil
}

// updateBackends removes backends missing from newConfig and adds new ones.
// A backend whose check port changed is replaced.
func (crs *ConfigReloadService) updateBackends(newConfig *config.Config) error {
	desired, err := newConfig.ToBackends()
	if err != nil {
		return err
	}
	desiredMap := make(map[string]*domain.Backend, len(desired))
	for _, backend := range desired {
		desiredMap[backend.ID()] = backend
	}

	currentMap := make(map[string]*domain.Backend)
	for _, backend := range crs.loadBalancer.Backends() {
		currentMap[backend.ID()] = backend
	}

	for id, backend := range currentMap {
		want, exists := desiredMap[id]
		if exists && want.CheckPort == backend.CheckPort {
			continue
		}
		if err := crs.loadBalancer.RemoveBackend(backend.Address); err != nil {
			crs.logger.BackendLogger(id).WithError(err).Error("Failed to remove backend")
			return err
		}
		if exists {
			delete(currentMap, id)
		}
	}

	for id, backend := range desiredMap {
		if _, exists := currentMap[id]; exists {
			continue
		}
		if err := crs.loadBalancer.AddBackend(backend.Address, backend.CheckPort); err != nil {
			crs.logger.BackendLogger(id).WithError(err).Error("Failed to add backend")
			return err
		}
	}

	return nil
}

// GetCurrentConfig returns the last applied configuration
func (crs *ConfigReloadService) GetCurrentConfig() *config.Config {
	crs.mutex.Lock()
	defer crs.mutex.Unlock()
	return crs.config
}

// GetReloadStats returns reload statistics
func (crs *ConfigReloadService) GetReloadStats() map[string]interface{} {
	crs.mutex.Lock()
	defer crs.mutex.Unlock()

	return map[string]interface{}{
		"config_file":      crs.configFilePath,
		"interval":         crs.interval.String(),
		"reloads":          crs.reloads,
		"callbacks_count":  len(crs.reloadCallbacks),
		"current_backends": len(crs.config.Backends),
		"last_modified":    crs.lastModTime,
	}
}
