package mining

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/avalond/internal/device"
	"github.com/bardlex/avalond/internal/stratum"
	"github.com/bardlex/avalond/internal/work"
	"github.com/bardlex/avalond/pkg/log"
)

// Config tunes the orchestrator loops.
type Config struct {
	// PollInterval paces nonce polling across the module bus.
	PollInterval time.Duration
	// StatusInterval paces health sampling.
	StatusInterval time.Duration
	// ThermalInterval paces the thermal policy and fan curve.
	ThermalInterval time.Duration
}

// DefaultConfig returns production pacing.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:    20 * time.Millisecond,
		StatusInterval:  time.Second,
		ThermalInterval: 10 * time.Second,
	}
}

// Orchestrator runs the mining loops and receives the pool session's
// protocol events. Inbound jobs and device nonces each flow through a
// small buffered channel so neither side ever blocks the other.
type Orchestrator struct {
	cfg      *Config
	registry *device.Registry
	ctrl     device.Controller
	logger   *log.Logger

	mc *Context

	jobs   chan *work.Job
	nonces chan *device.NonceReport
}

// NewOrchestrator builds the orchestrator over the device layer. Attach
// must be called with the runtime context before Run.
func NewOrchestrator(cfg *Config, registry *device.Registry, ctrl device.Controller, logger *log.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		ctrl:     ctrl,
		logger:   logger.WithComponent("orchestrator"),
		jobs:     make(chan *work.Job, 4),
		nonces:   make(chan *device.NonceReport, 64),
	}
}

// Attach binds the shared runtime. Separate from construction because
// the pool manager needs the orchestrator as its event handler first.
func (o *Orchestrator) Attach(mc *Context) {
	o.mc = mc
}

// HandleJob implements stratum.Handler. The new job replaces the
// current one atomically; on clean_jobs the old job is marked stale
// before any dispatch of the new one happens.
func (o *Orchestrator) HandleJob(_ *stratum.Pool, job *work.Job) {
	prev := o.mc.SwapJob(job)
	if prev != nil && job.CleanJobs {
		prev.MarkStale()
	}

	for {
		select {
		case o.jobs <- job:
			return
		default:
		}
		// Queue full: the oldest queued job is already superseded
		select {
		case dropped := <-o.jobs:
			o.logger.WithJob(dropped.ID).Debug("dropping superseded job")
		default:
		}
	}
}

// HandleDifficulty implements stratum.Handler.
func (o *Orchestrator) HandleDifficulty(_ *stratum.Pool, difficulty float64) {
	o.logger.Info("difficulty changed", "difficulty", difficulty)
}

// HandleShareReply implements stratum.Handler. The speculative accept
// recorded at validation time is reconciled with the pool's verdict.
func (o *Orchestrator) HandleShareReply(pool *stratum.Pool, sub *stratum.PendingSubmit, accepted bool, reason string) {
	o.registry.RecordShareReply(sub.ModuleID, accepted)
	o.mc.Stats.RecordShare(accepted, pool.Difficulty())
	if !accepted {
		o.logger.WithJob(sub.JobID).Warn("share rejected",
			"module_id", sub.ModuleID, "reason", reason)
	}
}

// HandleDisconnect implements stratum.Handler. Work from the lost pool
// is worthless; the job slot is cleared so nonces stop being submitted.
func (o *Orchestrator) HandleDisconnect(_ *stratum.Pool, err error) {
	if prev := o.mc.SwapJob(nil); prev != nil {
		prev.MarkStale()
	}
}

// Run starts the mining loops and blocks until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	loops := []func(context.Context){
		o.dispatchLoop,
		o.pollLoop,
		o.validateLoop,
		o.healthLoop,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(loop)
	}

	wg.Wait()
	return ctx.Err()
}

func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-o.jobs:
			o.dispatch(ctx, job)
		}
	}
}

// dispatch fans one job out to every healthy module, stamping each with
// its own extranonce2.
func (o *Orchestrator) dispatch(ctx context.Context, job *work.Job) {
	if job.IsStale() {
		return
	}

	for _, id := range o.registry.DispatchSet() {
		if err := o.ctrl.SendJob(ctx, id, job); err != nil {
			o.logger.WithModule(id).WithJob(job.ID).WithError(err).
				Warn("job dispatch failed")
			continue
		}
		o.registry.MarkMining(id)
		job.NextExtranonce2()
	}
}

func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollNonces(ctx)
		}
	}
}

// pollNonces sweeps every present module once, including degraded ones
// so a recovered module can rejoin.
func (o *Orchestrator) pollNonces(ctx context.Context) {
	for _, snap := range o.registry.Snapshot() {
		report, ok, err := o.registry.PollNonce(ctx, snap.ID)
		if err != nil || !ok {
			continue
		}
		select {
		case o.nonces <- report:
		default:
			o.logger.WithModule(snap.ID).Warn("nonce queue full, dropping report")
		}
	}
}

func (o *Orchestrator) validateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case report := <-o.nonces:
			o.validate(report)
		}
	}
}

// validate closes the loop on one device nonce: check it against the
// job it claims, count the result and submit only proven work. Reports
// without a token (legacy boards) are checked against the current job.
func (o *Orchestrator) validate(report *device.NonceReport) {
	job := o.mc.CurrentJob()
	if job == nil || job.IsStale() || (report.HasToken && job.Token() != report.JobToken) {
		o.mc.Stats.RecordStale()
		if pool := o.mc.Pools.Current(); pool != nil {
			pool.RecordStale()
		}
		return
	}

	ntime := report.Ntime
	if ntime == 0 {
		ntime = job.Ntime()
	}
	en2 := job.En2Bytes(uint64(report.Nonce2))

	valid := job.CheckNonce(en2, ntime, report.Nonce)
	o.registry.RecordNonceResult(report.ModuleID, valid)
	o.logger.LogNonceResult(report.ModuleID, int(report.ChipID), job.ID, valid)

	if !valid {
		// A hashing fault, not a share: it never reaches the pool
		o.mc.Stats.RecordHardwareError()
		return
	}

	en2Hex, ntimeHex, nonceHex := job.SubmitFields(en2, ntime, report.Nonce)
	if err := o.mc.Pools.Submit(report.ModuleID, job.ID, en2Hex, ntimeHex, nonceHex, report.Nonce); err != nil {
		o.logger.WithJob(job.ID).WithError(err).Warn("share submit failed")
	}
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	status := time.NewTicker(o.cfg.StatusInterval)
	defer status.Stop()
	thermal := time.NewTicker(o.cfg.ThermalInterval)
	defer thermal.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-status.C:
			for _, snap := range o.registry.Snapshot() {
				if err := o.registry.PollStatus(ctx, snap.ID); err != nil {
					o.logger.WithModule(snap.ID).WithError(err).
						Debug("status poll failed")
				}
			}
		case <-thermal.C:
			o.registry.ServiceThermal(ctx)
			o.registry.UpdateFans()
		}
	}
}
