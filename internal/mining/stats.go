package mining

import (
	"sync"
	"time"
)

// Stats accumulates run-wide counters. The measured hashrate comes from
// accepted share difficulty: each difficulty-1 share represents 2^32
// expected hashes.
type Stats struct {
	mu sync.RWMutex

	start time.Time

	accepted uint64
	rejected uint64
	stale    uint64
	hwErrors uint64

	acceptedDiff float64
	bestShare    float64
}

// StatsSnapshot is a copy of the counters for the status surface.
type StatsSnapshot struct {
	UptimeSeconds    int64   `json:"uptime_seconds"`
	Accepted         uint64  `json:"accepted"`
	Rejected         uint64  `json:"rejected"`
	Stale            uint64  `json:"stale"`
	HardwareErrors   uint64  `json:"hardware_errors"`
	BestShare        float64 `json:"best_share"`
	MeasuredHashrate float64 `json:"measured_hashrate"`
}

// NewStats starts the uptime clock.
func NewStats() *Stats {
	return &Stats{start: time.Now()}
}

// RecordShare tallies a pool verdict. Difficulty is the share
// difficulty in force when the share was found.
func (s *Stats) RecordShare(accepted bool, difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if accepted {
		s.accepted++
		s.acceptedDiff += difficulty
		if difficulty > s.bestShare {
			s.bestShare = difficulty
		}
	} else {
		s.rejected++
	}
}

// RecordStale counts a nonce discarded because its job was superseded.
func (s *Stats) RecordStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale++
}

// RecordHardwareError counts a nonce that failed local validation.
func (s *Stats) RecordHardwareError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hwErrors++
}

// MeasuredHashrate estimates hashes per second from accepted share
// difficulty over the run. Returns zero before the first share.
func (s *Stats) MeasuredHashrate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.measuredLocked()
}

func (s *Stats) measuredLocked() float64 {
	elapsed := time.Since(s.start).Seconds()
	if elapsed <= 0 || s.acceptedDiff == 0 {
		return 0
	}
	return s.acceptedDiff * 4294967296.0 / elapsed
}

// Uptime reports how long the daemon has been running.
func (s *Stats) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.start)
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatsSnapshot{
		UptimeSeconds:    int64(time.Since(s.start).Seconds()),
		Accepted:         s.accepted,
		Rejected:         s.rejected,
		Stale:            s.stale,
		HardwareErrors:   s.hwErrors,
		BestShare:        s.bestShare,
		MeasuredHashrate: s.measuredLocked(),
	}
}
