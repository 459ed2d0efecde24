// Package metrics reports miner telemetry to InfluxDB: hashrate,
// per-module health and share counters. Reporting is optional; the
// miner runs fine without a metrics endpoint configured.
package metrics

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/avalond/internal/device"
	"github.com/bardlex/avalond/internal/mining"
	"github.com/bardlex/avalond/internal/stratum"
	"github.com/bardlex/avalond/pkg/log"
)

// Config holds InfluxDB connection configuration
type Config struct {
	URL      string
	Token    string
	Org      string
	Bucket   string
	Interval time.Duration
}

// Reporter periodically samples the runtime and writes points.
type Reporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	interval time.Duration
	logger   *log.Logger

	registry *device.Registry
	stats    *mining.Stats
	pools    *stratum.Manager
}

// NewReporter connects to InfluxDB and verifies it is healthy.
func NewReporter(cfg *Config, registry *device.Registry, stats *mining.Stats, pools *stratum.Manager, logger *log.Logger) (*Reporter, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Reporter{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		interval: interval,
		logger:   logger.WithComponent("metrics"),
		registry: registry,
		stats:    stats,
		pools:    pools,
	}, nil
}

// Run samples on the configured interval until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report()
		}
	}
}

// report writes one sample of every measurement.
func (r *Reporter) report() {
	now := time.Now()

	snap := r.stats.Snapshot()
	r.writeAPI.WritePoint(write.NewPoint("miner_hashrate",
		map[string]string{},
		map[string]interface{}{
			"expected": r.registry.ExpectedHashrate(),
			"measured": snap.MeasuredHashrate,
		}, now))

	r.writeAPI.WritePoint(write.NewPoint("miner_shares",
		map[string]string{},
		map[string]interface{}{
			"accepted":        int64(snap.Accepted),
			"rejected":        int64(snap.Rejected),
			"stale":           int64(snap.Stale),
			"hardware_errors": int64(snap.HardwareErrors),
			"best_share":      snap.BestShare,
			"uptime_seconds":  snap.UptimeSeconds,
		}, now))

	for _, m := range r.registry.Snapshot() {
		r.writeAPI.WritePoint(write.NewPoint("miner_module",
			map[string]string{
				"module_id": fmt.Sprintf("%d", m.ID),
				"state":     m.State,
			},
			map[string]interface{}{
				"temp_inlet":   m.TempInlet,
				"temp_outlet":  m.TempOutlet,
				"temp_max":     m.TempMax,
				"frequency":    m.Frequency,
				"voltage":      m.Voltage,
				"fan_duty":     m.FanDuty,
				"active_chips": m.ActiveChips,
				"failed_chips": m.FailedChips,
				"hw_errors":    int64(m.HwErrors),
			}, now))
	}

	for _, p := range r.pools.Snapshots() {
		r.writeAPI.WritePoint(write.NewPoint("miner_pool",
			map[string]string{
				"host":   p.Host,
				"active": fmt.Sprintf("%t", p.Active),
			},
			map[string]interface{}{
				"accepted":   int64(p.Accepted),
				"rejected":   int64(p.Rejected),
				"stale":      int64(p.Stale),
				"difficulty": p.Difficulty,
			}, now))
	}
}

// Close flushes pending points and shuts the client down.
func (r *Reporter) Close() {
	r.writeAPI.Flush()
	r.client.Close()
}
