// Package main implements avalond, the mining controller daemon. It
// discovers the hashing modules on the device bus, keeps one upstream
// pool session alive and serves the local control API.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/avalond/internal/api"
	"github.com/bardlex/avalond/internal/config"
	"github.com/bardlex/avalond/internal/device"
	"github.com/bardlex/avalond/internal/devlink"
	"github.com/bardlex/avalond/internal/metrics"
	"github.com/bardlex/avalond/internal/mining"
	"github.com/bardlex/avalond/internal/state"
	"github.com/bardlex/avalond/internal/stratum"
	"github.com/bardlex/avalond/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting avalond",
		"version", cfg.Version,
		"device", deviceName(cfg.DevicePath),
		"pools", len(cfg.Pools),
	)

	// Open the state store; persisted tuning wins over the config file
	store, err := state.Open(cfg.StatePath)
	if err != nil {
		logger.WithError(err).Error("failed to open state store")
		os.Exit(1)
	}
	defer store.Close()

	frequency, _ := store.SettingInt(state.KeyFrequency, cfg.Frequency)
	voltage, _ := store.SettingInt(state.KeyVoltage, cfg.Voltage)
	fanDuty, _ := store.SettingInt(state.KeyFanDuty, cfg.FanDuty)

	// Bring up the device bus
	transport, err := openTransport(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to open device bus")
		os.Exit(1)
	}

	slots := make([]int, cfg.ModuleSlots)
	for i := range slots {
		slots[i] = i + 1
	}

	var ctrl device.Controller
	if cfg.LegacyFrames {
		ctrl = device.NewLegacyController(transport)
	} else {
		ctrl = device.NewAvalon10Controller(devlink.NewDriver(transport, nil, logger))
	}

	registry := device.NewRegistry(ctrl, slots, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	found := registry.Discover(ctx)
	if found == 0 {
		logger.Warn("no hashing modules detected, mining idle until a module appears")
	} else {
		logger.Info("modules discovered", "count", found)
	}
	for _, m := range registry.Snapshot() {
		if m.Version != "" {
			if err := store.RecordFirmware(m.ID, m.Version); err != nil {
				logger.WithModule(m.ID).WithError(err).Warn("failed to record firmware version")
			}
		}
	}

	// Apply tuning across the bank before work starts flowing
	if _, err := registry.ApplyFrequency(ctx, 0, frequency); err != nil {
		logger.WithError(err).Warn("initial frequency apply failed")
	}
	if _, err := registry.ApplyVoltage(ctx, 0, voltage); err != nil {
		logger.WithError(err).Warn("initial voltage apply failed")
	}
	registry.SetFanOverride(fanDuty)

	// Assemble the mining runtime
	orch := mining.NewOrchestrator(&mining.Config{
		PollInterval:    cfg.PollInterval,
		StatusInterval:  time.Second,
		ThermalInterval: 10 * time.Second,
	}, registry, ctrl, logger)

	mgrCfg := stratum.DefaultManagerConfig()
	mgrCfg.Policy = stratum.ParsePolicy(cfg.FailoverPolicy)
	mgrCfg.Client.UserAgent = cfg.UserAgent

	manager := stratum.NewManager(mgrCfg, buildPools(cfg), orch, logger)
	mc := mining.NewContext(manager, registry, logger)
	orch.Attach(mc)

	server := api.NewServer(
		net.JoinHostPort(cfg.APIAddr, strconv.Itoa(cfg.APIPort)),
		mc, store, cfg.Version, logger,
	)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.Run(ctx); err != nil && err != context.Canceled {
			logger.WithError(err).Error("orchestrator failed")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx); err != nil && err != context.Canceled {
			logger.WithError(err).Error("pool manager failed")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("api server failed")
			cancel()
		}
	}()

	// Metrics reporting is optional
	if cfg.InfluxURL != "" {
		reporter, err := metrics.NewReporter(&metrics.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}, registry, mc.Stats, manager, logger)
		if err != nil {
			logger.WithError(err).Warn("metrics reporting disabled")
		} else {
			defer reporter.Close()
			wg.Add(1)
			go func() {
				defer wg.Done()
				reporter.Run(ctx)
			}()
		}
	}

	// Periodically persist lifetime counters
	wg.Add(1)
	go func() {
		defer wg.Done()
		persistCounters(ctx, store, mc.Stats, logger)
	}()

	// Wait for shutdown signal
	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("api shutdown failed")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded")
	}

	if err := transport.Close(); err != nil {
		logger.WithError(err).Error("failed to close device bus")
	}

	logger.Info("avalond stopped")
}

// openTransport selects the device bus: a real character device when a
// path is configured, the simulator otherwise.
func openTransport(cfg *config.Config) (devlink.Transport, error) {
	if cfg.DevicePath == "" {
		slots := make([]int, cfg.ModuleSlots)
		for i := range slots {
			slots[i] = i + 1
		}
		return devlink.NewSimTransport(slots), nil
	}
	return devlink.OpenUART(cfg.DevicePath)
}

func deviceName(path string) string {
	if path == "" {
		return "simulator"
	}
	return path
}

// buildPools maps config entries onto pool records.
func buildPools(cfg *config.Config) []*stratum.Pool {
	pools := make([]*stratum.Pool, 0, len(cfg.Pools))
	for i, pc := range cfg.Pools {
		pools = append(pools, &stratum.Pool{
			ID:       i + 1,
			Host:     pc.Host,
			Port:     pc.Port,
			Username: pc.Username,
			Password: pc.Password,
			Priority: pc.Priority,
			Enabled:  !pc.Disabled,
		})
	}
	return pools
}

// persistCounters flushes share counter deltas to the state store once a
// minute so lifetime totals survive restarts.
func persistCounters(ctx context.Context, store *state.Store, stats *mining.Stats, logger *log.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var last mining.StatsSnapshot
	flush := func() {
		snap := stats.Snapshot()
		deltas := map[string]uint64{
			state.CounterAccepted:       snap.Accepted - last.Accepted,
			state.CounterRejected:       snap.Rejected - last.Rejected,
			state.CounterHardwareErrors: snap.HardwareErrors - last.HardwareErrors,
			state.CounterUptimeSeconds:  uint64(snap.UptimeSeconds - last.UptimeSeconds),
		}
		for name, delta := range deltas {
			if delta == 0 {
				continue
			}
			if err := store.AddCounter(name, delta); err != nil {
				logger.WithError(err).Warn("failed to persist counter", "counter", name)
			}
		}
		last = snap
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}
