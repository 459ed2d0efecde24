package device

import (
	"context"
)

// fanRampStart is the smoothed temperature at which the fan curve
// leaves its minimum duty.
const fanRampStart = TempTarget - 20

// FanDutyFor maps a smoothed temperature onto a fan duty percentage,
// linearly interpolated between the minimum duty at the ramp start and
// full speed at the warning threshold.
func FanDutyFor(tempMax float64) int {
	if tempMax <= fanRampStart {
		return FanMin
	}
	if tempMax >= TempWarning {
		return FanMax
	}
	span := float64(TempWarning - fanRampStart)
	duty := float64(FanMin) + (tempMax-float64(fanRampStart))/span*float64(FanMax-FanMin)
	return int(duty)
}

// ServiceThermal runs one pass of the thermal policy over every module:
// overheated modules step their frequency down one grid step per tick,
// and modules that have cooled below the target step back up toward the
// operator-configured frequency, returning to Mining once recovered.
func (r *Registry) ServiceThermal(ctx context.Context) {
	type adjustment struct {
		id   int
		freq int
	}

	r.mu.Lock()
	var adjustments []adjustment
	for _, id := range r.slots {
		m, ok := r.modules[id]
		if !ok || m.State == StateAbsent || m.State == StateDegraded {
			continue
		}

		switch {
		case m.TempMax >= TempOverheat:
			if m.State != StateOverheated {
				prev := m.State
				m.State = StateOverheated
				r.logger.LogModuleState(id, prev.String(), m.State.String())
			}
			if m.Frequency > FrequencyMin {
				adjustments = append(adjustments, adjustment{id, m.Frequency - FrequencyStep})
			}

		case m.State == StateOverheated && m.TempMax < TempTarget:
			if m.Frequency < m.targetFrequency {
				adjustments = append(adjustments, adjustment{id, m.Frequency + FrequencyStep})
			}
			if m.Frequency >= m.targetFrequency {
				m.State = StateMining
				r.logger.LogModuleState(id, StateOverheated.String(), m.State.String())
			}
		}
	}
	r.mu.Unlock()

	for _, adj := range adjustments {
		applied, err := r.ctrl.SetFrequency(ctx, adj.id, adj.freq)
		if err != nil {
			r.logger.WithModule(adj.id).WithError(err).Warn("thermal frequency adjust failed")
			continue
		}
		r.mu.Lock()
		if m, ok := r.modules[adj.id]; ok {
			// Thermal stepping changes the live frequency but not the
			// operator target
			m.Frequency = applied
		}
		r.mu.Unlock()
	}
}

// SetFanOverride pins every fan at the given duty; zero returns fan
// control to the thermal curve. The override is registry state so a
// later thermal tick reapplies it instead of reverting to the curve.
func (r *Registry) SetFanOverride(duty int) {
	r.mu.Lock()
	r.fanOverride = duty
	r.mu.Unlock()
	r.UpdateFans()
}

// FanOverride returns the pinned fan duty, zero when automatic.
func (r *Registry) FanOverride() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fanOverride
}

// UpdateFans recomputes each module's fan duty from its smoothed
// temperature, or from the operator override when one is set. The
// transport applies duty on the next status poll; the registry exposes
// it through snapshots.
func (r *Registry) UpdateFans() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.modules {
		if r.fanOverride > 0 {
			m.FanDuty = min(max(r.fanOverride, FanMin), FanMax)
			continue
		}
		m.FanDuty = FanDutyFor(m.TempMax)
	}
}
