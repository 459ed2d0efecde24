package mining

import (
	"testing"
)

func TestStatsCounters(t *testing.T) {
	s := NewStats()

	s.RecordShare(true, 512)
	s.RecordShare(true, 1024)
	s.RecordShare(false, 512)
	s.RecordStale()
	s.RecordHardwareError()

	snap := s.Snapshot()
	if snap.Accepted != 2 || snap.Rejected != 1 {
		t.Errorf("accepted=%d rejected=%d, want 2/1", snap.Accepted, snap.Rejected)
	}
	if snap.Stale != 1 || snap.HardwareErrors != 1 {
		t.Errorf("stale=%d hw=%d, want 1/1", snap.Stale, snap.HardwareErrors)
	}
	if snap.BestShare != 1024 {
		t.Errorf("best share = %g, want 1024", snap.BestShare)
	}
}

func TestMeasuredHashrate(t *testing.T) {
	s := NewStats()

	if s.MeasuredHashrate() != 0 {
		t.Error("hashrate should be zero before any shares")
	}

	s.RecordShare(true, 1000)
	if s.MeasuredHashrate() <= 0 {
		t.Error("hashrate should be positive after an accepted share")
	}

	// Rejected shares contribute nothing
	before := s.Snapshot().Accepted
	s.RecordShare(false, 1e12)
	if s.Snapshot().Accepted != before {
		t.Error("rejected share must not count as accepted")
	}
}
