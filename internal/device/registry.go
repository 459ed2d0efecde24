package device

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/avalond/pkg/log"
)

// State is the lifecycle tag of one module slot.
type State int

const (
	StateAbsent State = iota
	StateInit
	StateReady
	StateMining
	StateDegraded
	StateOverheated
)

// String returns the status string exposed over the API.
func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateInit:
		return "initializing"
	case StateReady:
		return "ready"
	case StateMining:
		return "mining"
	case StateDegraded:
		return "degraded"
	case StateOverheated:
		return "overheated"
	default:
		return "unknown"
	}
}

// maxPollErrors is the consecutive-failure count that degrades a module.
const maxPollErrors = 3

// Module is the registry entry for one slot. Entries are created on
// discovery and only overwritten by re-discovery, never removed.
type Module struct {
	ID      int
	State   State
	Version string
	DNA     string

	Chips       int
	ActiveChips int
	FailedChips int

	Frequency int
	Voltage   int
	FanDuty   int

	TempInlet  int
	TempOutlet int
	// TempMax is the smoothed maximum of both sensors, the input to
	// the thermal policy.
	TempMax float64

	Accepted   uint64
	Rejected   uint64
	HwErrors   uint64
	LocalWorks uint32

	PollErrors int
	LastPoll   time.Time

	// targetFrequency is what the operator asked for; the thermal
	// policy may run the module below it.
	targetFrequency int
}

// Snapshot is a copy of a module entry safe to serialize without locks.
type Snapshot struct {
	ID          int     `json:"id"`
	State       string  `json:"state"`
	Version     string  `json:"version"`
	Chips       int     `json:"chips"`
	ActiveChips int     `json:"active_chips"`
	FailedChips int     `json:"failed_chips"`
	Frequency   int     `json:"frequency"`
	Voltage     int     `json:"voltage"`
	FanDuty     int     `json:"fan_duty"`
	TempInlet   int     `json:"temp_inlet"`
	TempOutlet  int     `json:"temp_outlet"`
	TempMax     float64 `json:"temp_max"`
	Accepted    uint64  `json:"accepted"`
	Rejected    uint64  `json:"rejected"`
	HwErrors    uint64  `json:"hw_errors"`
}

// Registry tracks every module slot and owns their state transitions.
type Registry struct {
	ctrl   Controller
	logger *log.Logger
	slots  []int

	mu          sync.RWMutex
	modules     map[int]*Module
	fanOverride int
}

// NewRegistry creates a registry over the given controller and slots.
func NewRegistry(ctrl Controller, slots []int, logger *log.Logger) *Registry {
	return &Registry{
		ctrl:    ctrl,
		logger:  logger.WithComponent("device"),
		slots:   slots,
		modules: make(map[int]*Module),
	}
}

// Discover probes every slot once. Slots that do not answer are left
// absent and not retried during this pass. Returns the number found.
func (r *Registry) Discover(ctx context.Context) int {
	found := 0
	for _, id := range r.slots {
		info, err := r.ctrl.Detect(ctx, id)
		if err != nil {
			r.logger.Debug("slot empty", "module_id", id, "error", err.Error())
			continue
		}

		r.mu.Lock()
		r.modules[id] = &Module{
			ID:              id,
			State:           StateReady,
			Version:         info.Version,
			DNA:             string(info.DNA[:]),
			Chips:           info.Chips,
			ActiveChips:     info.Chips,
			Frequency:       FrequencyDefault,
			Voltage:         VoltageDefault,
			FanDuty:         FanDefault,
			targetFrequency: FrequencyDefault,
		}
		r.mu.Unlock()

		r.logger.LogModuleState(id, StateAbsent.String(), StateReady.String())
		found++
	}
	return found
}

// ApplyFrequency clamps and applies a frequency to one module, or to
// every present module when moduleID is the broadcast address. The
// registry entry is updated only after the controller acknowledges.
func (r *Registry) ApplyFrequency(ctx context.Context, moduleID, freq int) (int, error) {
	applied := ClampFrequency(freq)

	for _, id := range r.targets(moduleID) {
		got, err := r.ctrl.SetFrequency(ctx, id, applied)
		if err != nil {
			return 0, err
		}
		r.mu.Lock()
		if m, ok := r.modules[id]; ok {
			m.Frequency = got
			m.targetFrequency = got
		}
		r.mu.Unlock()
	}
	return applied, nil
}

// ApplyVoltage clamps and applies a voltage level, mirroring
// ApplyFrequency.
func (r *Registry) ApplyVoltage(ctx context.Context, moduleID, level int) (int, error) {
	applied := ClampVoltage(level)

	for _, id := range r.targets(moduleID) {
		got, err := r.ctrl.SetVoltage(ctx, id, applied)
		if err != nil {
			return 0, err
		}
		r.mu.Lock()
		if m, ok := r.modules[id]; ok {
			m.Voltage = got
		}
		r.mu.Unlock()
	}
	return applied, nil
}

// PollStatus reads one health sample and updates the module's counters
// and poll-error accounting.
func (r *Registry) PollStatus(ctx context.Context, moduleID int) error {
	status, err := r.ctrl.PollStatus(ctx, moduleID)
	if err != nil {
		r.recordPollFailure(moduleID)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[moduleID]
	if !ok {
		return nil
	}

	m.TempInlet = status.TempInlet
	m.TempOutlet = status.TempOutlet
	m.FanDuty = status.FanDuty
	m.ActiveChips = status.ActiveChips
	m.FailedChips = status.FailedChips
	m.LocalWorks = status.LocalWorks
	m.LastPoll = time.Now()

	// Exponential smoothing keeps one noisy sample from tripping the
	// thermal policy
	sample := float64(max(status.TempInlet, status.TempOutlet))
	if m.TempMax == 0 {
		m.TempMax = sample
	} else {
		m.TempMax = m.TempMax*0.75 + sample*0.25
	}

	r.recordPollSuccessLocked(m)
	return nil
}

// PollNonce reads one candidate nonce if the module has any queued.
func (r *Registry) PollNonce(ctx context.Context, moduleID int) (*NonceReport, bool, error) {
	report, ok, err := r.ctrl.PollNonce(ctx, moduleID)
	if err != nil {
		r.recordPollFailure(moduleID)
		return nil, false, err
	}

	r.mu.Lock()
	if m, present := r.modules[moduleID]; present {
		m.LastPoll = time.Now()
		r.recordPollSuccessLocked(m)
	}
	r.mu.Unlock()

	return report, ok, nil
}

func (r *Registry) recordPollFailure(moduleID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[moduleID]
	if !ok {
		return
	}

	m.PollErrors++
	if m.PollErrors >= maxPollErrors && m.State != StateDegraded {
		prev := m.State
		m.State = StateDegraded
		r.logger.LogModuleState(moduleID, prev.String(), m.State.String())
	}
}

func (r *Registry) recordPollSuccessLocked(m *Module) {
	m.PollErrors = 0
	if m.State == StateDegraded {
		m.State = StateMining
		r.logger.LogModuleState(m.ID, StateDegraded.String(), m.State.String())
	}
}

// DispatchSet returns the modules that should receive new work: present,
// not degraded, not overheated.
func (r *Registry) DispatchSet() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.modules))
	for _, id := range r.slots {
		m, ok := r.modules[id]
		if !ok {
			continue
		}
		switch m.State {
		case StateReady, StateMining:
			ids = append(ids, id)
		}
	}
	return ids
}

// MarkMining flags a module as actively hashing after a job dispatch.
func (r *Registry) MarkMining(moduleID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.modules[moduleID]; ok && m.State == StateReady {
		m.State = StateMining
	}
}

// RecordNonceResult updates the per-module counters after validation.
// A failed validation is a hardware error by definition.
func (r *Registry) RecordNonceResult(moduleID int, valid bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[moduleID]
	if !ok {
		return
	}
	if valid {
		m.Accepted++
	} else {
		m.HwErrors++
	}
}

// RecordShareReply reconciles the speculative accept once the pool
// answers a submit.
func (r *Registry) RecordShareReply(moduleID int, accepted bool) {
	if accepted {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.modules[moduleID]; ok {
		if m.Accepted > 0 {
			m.Accepted--
		}
		m.Rejected++
	}
}

// Snapshot copies every present module for the status surface. Reads
// take the read lock only long enough to copy.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.modules))
	for _, id := range r.slots {
		m, ok := r.modules[id]
		if !ok {
			continue
		}
		out = append(out, Snapshot{
			ID:          m.ID,
			State:       m.State.String(),
			Version:     m.Version,
			Chips:       m.Chips,
			ActiveChips: m.ActiveChips,
			FailedChips: m.FailedChips,
			Frequency:   m.Frequency,
			Voltage:     m.Voltage,
			FanDuty:     m.FanDuty,
			TempInlet:   m.TempInlet,
			TempOutlet:  m.TempOutlet,
			TempMax:     m.TempMax,
			Accepted:    m.Accepted,
			Rejected:    m.Rejected,
			HwErrors:    m.HwErrors,
		})
	}
	return out
}

// Totals sums the share counters across modules.
func (r *Registry) Totals() (accepted, rejected, hwErrors uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.modules {
		accepted += m.Accepted
		rejected += m.Rejected
		hwErrors += m.HwErrors
	}
	return
}

// ExpectedHashrate estimates aggregate hashrate in hashes per second
// from active chip counts and frequencies. Degraded and overheated
// modules are excluded.
func (r *Registry) ExpectedHashrate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total float64
	for _, m := range r.modules {
		if m.State != StateReady && m.State != StateMining {
			continue
		}
		total += float64(m.ActiveChips) * float64(CoresPerChip) * float64(m.Frequency) * 1e6
	}
	return total
}

// targets resolves a module address to the affected entries.
func (r *Registry) targets(moduleID int) []int {
	if moduleID != 0 {
		return []int{moduleID}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.modules))
	for _, id := range r.slots {
		if _, ok := r.modules[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}
