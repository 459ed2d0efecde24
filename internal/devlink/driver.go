// Package devlink drives the shared bus between the controller and the
// hashing modules. All frame exchanges are serialized through one mutex;
// a transaction owns the bus for a single exchange, not across retries,
// so one stalled module cannot hold the bus beyond its own retry budget.
package devlink

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/avalond/internal/packet"
	"github.com/bardlex/avalond/pkg/errors"
	"github.com/bardlex/avalond/pkg/log"
	"github.com/bardlex/avalond/pkg/retry"
)

// Transport is the physical channel to the module bus. Implementations
// wrap SPI/UART on real hardware; tests use the simulator.
type Transport interface {
	WriteFrame(ctx context.Context, moduleID int, frame []byte) error
	ReadFrame(ctx context.Context, moduleID int, timeout time.Duration) ([]byte, error)
	Close() error
}

// Config holds driver tuning.
type Config struct {
	ReadTimeout time.Duration
	Retry       *retry.Config
}

// DefaultConfig returns the production driver configuration.
func DefaultConfig() *Config {
	return &Config{
		ReadTimeout: 100 * time.Millisecond,
		Retry:       retry.DeviceBusConfig(),
	}
}

// Driver sends and receives framed packets over a Transport.
type Driver struct {
	transport Transport
	config    *Config
	logger    *log.Logger

	mu sync.Mutex
}

// NewDriver creates a driver over the given transport.
func NewDriver(transport Transport, config *Config, logger *log.Logger) *Driver {
	if config == nil {
		config = DefaultConfig()
	}
	return &Driver{
		transport: transport,
		config:    config,
		logger:    logger.WithComponent("devlink"),
	}
}

// Send encodes and writes a single frame to a module without waiting for
// a reply.
func (d *Driver) Send(ctx context.Context, moduleID int, frameType, option byte, payload []byte) error {
	f, err := packet.New(frameType, option, payload)
	if err != nil {
		return err
	}
	return d.writeLocked(ctx, moduleID, f)
}

// SendFrames writes a pre-split frame sequence. The bus is taken per
// frame so long sequences interleave fairly with other traffic.
func (d *Driver) SendFrames(ctx context.Context, moduleID int, frames []*packet.Frame) error {
	for _, f := range frames {
		if err := d.writeLocked(ctx, moduleID, f); err != nil {
			return err
		}
	}
	return nil
}

// Receive reads and decodes one frame from a module.
func (d *Driver) Receive(ctx context.Context, moduleID int, timeout time.Duration) (*packet.Frame, error) {
	if timeout <= 0 {
		timeout = d.config.ReadTimeout
	}

	d.mu.Lock()
	buf, err := d.transport.ReadFrame(ctx, moduleID, timeout)
	d.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "devlink_receive",
			"no frame from module").
			WithContext("module_id", moduleID)
	}

	return packet.Decode(buf)
}

// Transact sends a frame and waits for its reply, retrying on timeout or
// framing failure up to the retry budget. Exhausting the budget surfaces
// the module as unresponsive.
func (d *Driver) Transact(ctx context.Context, moduleID int, frameType, option byte, payload []byte) (*packet.Frame, error) {
	f, err := packet.New(frameType, option, payload)
	if err != nil {
		return nil, err
	}

	reply, err := retry.DoWithResult(ctx, d.config.Retry, func() (*packet.Frame, error) {
		return d.exchange(ctx, moduleID, f)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "devlink_transact",
			"module unresponsive").
			WithContext("module_id", moduleID).
			WithContext("frame_type", frameType)
	}
	return reply, nil
}

// IsUnresponsive reports whether an error marks a module that exhausted
// its transaction retry budget.
func IsUnresponsive(err error) bool {
	return errors.IsType(err, errors.ErrorTypeTimeout)
}

// exchange performs one write+read while holding the bus.
func (d *Driver) exchange(ctx context.Context, moduleID int, f *packet.Frame) (*packet.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.transport.WriteFrame(ctx, moduleID, f.Encode()); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "devlink_exchange",
			"frame write failed").
			WithContext("module_id", moduleID)
	}

	buf, err := d.transport.ReadFrame(ctx, moduleID, d.config.ReadTimeout)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "devlink_exchange",
			"frame read timed out").
			WithContext("module_id", moduleID)
	}

	reply, err := packet.Decode(buf)
	if err != nil {
		// Corrupt frames are dropped; the retry budget covers recovery
		d.logger.Debug("dropping corrupt frame", "module_id", moduleID, "error", err.Error())
		return nil, err
	}
	return reply, nil
}

// writeLocked writes one frame while holding the bus.
func (d *Driver) writeLocked(ctx context.Context, moduleID int, f *packet.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.transport.WriteFrame(ctx, moduleID, f.Encode()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "devlink_send",
			"frame write failed").
			WithContext("module_id", moduleID)
	}
	return nil
}

// Close releases the underlying transport.
func (d *Driver) Close() error {
	return d.transport.Close()
}
