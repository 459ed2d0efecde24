package devlink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bardlex/avalond/internal/packet"
)

// UARTTransport is the Transport over a real module bus exposed as a
// character device. Module addressing rides inside the frame payloads,
// so the transport ignores the module ID and moves raw fixed-size
// frames.
type UARTTransport struct {
	mu   sync.Mutex
	file *os.File
}

// OpenUART opens the bus device at path. Line discipline and baud rate
// are expected to be configured by the platform init scripts before the
// daemon starts.
func OpenUART(path string) (*UARTTransport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", path, err)
	}
	return &UARTTransport{file: f}, nil
}

// WriteFrame writes one encoded frame to the bus.
func (t *UARTTransport) WriteFrame(ctx context.Context, moduleID int, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.file.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer t.file.SetWriteDeadline(time.Time{})
	}

	_, err := t.file.Write(frame)
	return err
}

// ReadFrame reads one fixed-size frame, blocking up to timeout.
func (t *UARTTransport) ReadFrame(ctx context.Context, moduleID int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.file.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer t.file.SetReadDeadline(time.Time{})

	buf := make([]byte, packet.FrameLen)
	if _, err := io.ReadFull(t.file, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close releases the device.
func (t *UARTTransport) Close() error {
	return t.file.Close()
}
