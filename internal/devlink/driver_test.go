package devlink

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/avalond/internal/packet"
	"github.com/bardlex/avalond/pkg/log"
	"github.com/bardlex/avalond/pkg/retry"
)

func testConfig() *Config {
	return &Config{
		ReadTimeout: 10 * time.Millisecond,
		Retry: &retry.Config{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2.0,
		},
	}
}

func testLogger() *log.Logger {
	return log.New("test", "dev", "error", "text")
}

func TestTransactDetect(t *testing.T) {
	sim := NewSimTransport([]int{1, 2})
	d := NewDriver(sim, testConfig(), testLogger())
	defer d.Close()

	reply, err := d.Transact(context.Background(), 1, packet.CmdDetect, 0, nil)
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}

	if reply.Type != packet.CmdAckDetect {
		t.Errorf("reply type = 0x%02x, want 0x%02x", reply.Type, packet.CmdAckDetect)
	}
	if reply.Payload[0] != 26 {
		t.Errorf("chip count = %d, want 26", reply.Payload[0])
	}
}

func TestTransactAbsentModule(t *testing.T) {
	sim := NewSimTransport([]int{1})
	d := NewDriver(sim, testConfig(), testLogger())
	defer d.Close()

	_, err := d.Transact(context.Background(), 3, packet.CmdDetect, 0, nil)
	if err == nil {
		t.Fatal("expected error for absent module")
	}
	if !IsUnresponsive(err) {
		t.Errorf("expected unresponsive error, got %v", err)
	}
}

func TestTransactUnresponsiveThenRevived(t *testing.T) {
	sim := NewSimTransport([]int{1})
	d := NewDriver(sim, testConfig(), testLogger())
	defer d.Close()

	sim.SetResponsive(1, false)
	if _, err := d.Transact(context.Background(), 1, packet.CmdPolling, 0, nil); err == nil {
		t.Fatal("expected error while module is down")
	}

	sim.SetResponsive(1, true)
	reply, err := d.Transact(context.Background(), 1, packet.CmdPolling, 0, nil)
	if err != nil {
		t.Fatalf("Transact() after revival error = %v", err)
	}
	if reply.Type != packet.CmdStatus {
		t.Errorf("reply type = 0x%02x, want status", reply.Type)
	}
}

func TestTransactSetUpdatesModule(t *testing.T) {
	sim := NewSimTransport([]int{2})
	d := NewDriver(sim, testConfig(), testLogger())
	defer d.Close()

	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, 675)

	reply, err := d.Transact(context.Background(), 2, packet.CmdSet, 0, payload)
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}

	if got := binary.BigEndian.Uint16(reply.Payload[6:8]); got != 675 {
		t.Errorf("status frequency = %d, want 675", got)
	}
}

func TestSendDoesNotWait(t *testing.T) {
	sim := NewSimTransport([]int{1})
	d := NewDriver(sim, testConfig(), testLogger())
	defer d.Close()

	if err := d.Send(context.Background(), 1, packet.CmdJobID, 0, []byte("ab")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestSendFramesSequence(t *testing.T) {
	sim := NewSimTransport([]int{1})
	d := NewDriver(sim, testConfig(), testLogger())
	defer d.Close()

	frames, err := packet.Split(packet.CmdMerkles, 0, make([]byte, 3*packet.PayloadLen))
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if err := d.SendFrames(context.Background(), 1, frames); err != nil {
		t.Fatalf("SendFrames() error = %v", err)
	}
}

func TestTransactContextCanceled(t *testing.T) {
	sim := NewSimTransport([]int{1})
	d := NewDriver(sim, testConfig(), testLogger())
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sim.SetResponsive(1, false)
	_, err := d.Transact(ctx, 1, packet.CmdPolling, 0, nil)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBusSerialization(t *testing.T) {
	sim := NewSimTransport([]int{1, 2, 3, 4})
	d := NewDriver(sim, testConfig(), testLogger())
	defer d.Close()

	// Concurrent transactions against different modules must not cross
	// replies; each caller gets its own module's status back.
	var wg sync.WaitGroup
	for id := 1; id <= 4; id++ {
		wg.Add(1)
		go func(moduleID int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				reply, err := d.Transact(context.Background(), moduleID, packet.CmdPolling, 0, nil)
				if err != nil {
					t.Errorf("module %d: Transact() error = %v", moduleID, err)
					return
				}
				if reply.Type != packet.CmdStatus {
					t.Errorf("module %d: reply type 0x%02x", moduleID, reply.Type)
					return
				}
			}
		}(id)
	}
	wg.Wait()
}
