package device

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/bardlex/avalond/internal/devlink"
	"github.com/bardlex/avalond/internal/packet"
	"github.com/bardlex/avalond/internal/work"
	"github.com/bardlex/avalond/pkg/errors"
	"github.com/bardlex/avalond/pkg/retry"
)

// LegacyController drives first-generation boards, which frame with the
// variable-length sync/len/cmd layout instead of fixed 40-byte packets.
// It talks to the Transport directly since the legacy codec does not fit
// the fixed-frame driver.
type LegacyController struct {
	transport   devlink.Transport
	retryConfig *retry.Config
	readTimeout time.Duration

	mu sync.Mutex
}

// NewLegacyController wraps a raw transport with the legacy framing.
func NewLegacyController(transport devlink.Transport) *LegacyController {
	return &LegacyController{
		transport:   transport,
		retryConfig: retry.DeviceBusConfig(),
		readTimeout: 100 * time.Millisecond,
	}
}

// transact performs one legacy exchange under the bus lock, retried up
// to the device-bus budget.
func (c *LegacyController) transact(ctx context.Context, moduleID int, cmd byte, data []byte) (byte, []byte, error) {
	type reply struct {
		cmd  byte
		data []byte
	}

	out, err := packet.EncodeLegacy(cmd, data)
	if err != nil {
		return 0, nil, err
	}

	r, err := retry.DoWithResult(ctx, c.retryConfig, func() (reply, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if err := c.transport.WriteFrame(ctx, moduleID, out); err != nil {
			return reply{}, errors.Wrap(err, errors.ErrorTypeTimeout, "legacy_exchange",
				"frame write failed")
		}
		buf, err := c.transport.ReadFrame(ctx, moduleID, c.readTimeout)
		if err != nil {
			return reply{}, errors.Wrap(err, errors.ErrorTypeTimeout, "legacy_exchange",
				"frame read timed out")
		}
		replyCmd, replyData, err := packet.DecodeLegacy(buf)
		if err != nil {
			return reply{}, err
		}
		return reply{cmd: replyCmd, data: replyData}, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, errors.Wrap(err, errors.ErrorTypeTimeout, "legacy_transact",
			"module unresponsive").
			WithContext("module_id", moduleID)
	}
	return r.cmd, r.data, nil
}

// send writes one legacy frame without waiting for a reply.
func (c *LegacyController) send(ctx context.Context, moduleID int, cmd byte, data []byte) error {
	out, err := packet.EncodeLegacy(cmd, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transport.WriteFrame(ctx, moduleID, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "legacy_send",
			"frame write failed").
			WithContext("module_id", moduleID)
	}
	return nil
}

// Detect implements Controller.
func (c *LegacyController) Detect(ctx context.Context, moduleID int) (*DetectInfo, error) {
	cmd, data, err := c.transact(ctx, moduleID, packet.CmdDetect, nil)
	if err != nil {
		return nil, err
	}
	if cmd != packet.CmdAckDetect {
		return nil, errors.New(errors.ErrorTypeProtocol, "detect",
			"unexpected reply command").
			WithContext("cmd", cmd)
	}

	// Legacy boards report the same identity block, possibly shorter
	padded := make([]byte, packet.PayloadLen)
	copy(padded, data)
	return ParseDetectInfo(padded)
}

// SendJob implements Controller. Legacy boards take the same job parts
// chunked into variable-length frames.
func (c *LegacyController) SendJob(ctx context.Context, moduleID int, job *work.Job) error {
	en2 := job.Extranonce2()

	idData := make([]byte, 13)
	binary.BigEndian.PutUint32(idData[0:4], job.Token())
	idData[4] = byte(job.Extranonce2Size)
	copy(idData[5:13], en2[:])

	if err := c.send(ctx, moduleID, packet.CmdJobID, idData); err != nil {
		return err
	}
	if err := c.sendChunked(ctx, moduleID, packet.CmdCoinbase, job.Coinbase()); err != nil {
		return err
	}
	if branches := job.MerkleBytes(); len(branches) > 0 {
		if err := c.sendChunked(ctx, moduleID, packet.CmdMerkles, branches); err != nil {
			return err
		}
	}
	if err := c.sendChunked(ctx, moduleID, packet.CmdHeader, job.HeaderFields()); err != nil {
		return err
	}
	target := job.Target()
	if err := c.send(ctx, moduleID, packet.CmdTarget, target[:]); err != nil {
		return err
	}
	return c.send(ctx, moduleID, packet.CmdJobFin, nil)
}

func (c *LegacyController) sendChunked(ctx context.Context, moduleID int, cmd byte, data []byte) error {
	for start := 0; start < len(data); start += packet.LegacyMaxData {
		end := min(start+packet.LegacyMaxData, len(data))
		if err := c.send(ctx, moduleID, cmd, data[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// SetFrequency implements Controller.
func (c *LegacyController) SetFrequency(ctx context.Context, moduleID, freq int) (int, error) {
	applied := ClampFrequency(freq)

	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, uint16(applied))

	cmd, _, err := c.transact(ctx, moduleID, packet.CmdSet, data)
	if err != nil {
		return 0, err
	}
	if cmd != packet.CmdStatus {
		return 0, errors.New(errors.ErrorTypeProtocol, "set_frequency",
			"unexpected reply command").
			WithContext("cmd", cmd)
	}
	return applied, nil
}

// SetVoltage implements Controller.
func (c *LegacyController) SetVoltage(ctx context.Context, moduleID, level int) (int, error) {
	applied := ClampVoltage(level)

	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, uint16(applied))

	cmd, _, err := c.transact(ctx, moduleID, packet.CmdSetVolt, data)
	if err != nil {
		return 0, err
	}
	if cmd != packet.CmdStatus {
		return 0, errors.New(errors.ErrorTypeProtocol, "set_voltage",
			"unexpected reply command").
			WithContext("cmd", cmd)
	}
	return applied, nil
}

// PollStatus implements Controller.
func (c *LegacyController) PollStatus(ctx context.Context, moduleID int) (*Status, error) {
	cmd, data, err := c.transact(ctx, moduleID, packet.CmdPolling, nil)
	if err != nil {
		return nil, err
	}
	if cmd != packet.CmdStatus {
		return nil, errors.New(errors.ErrorTypeProtocol, "poll_status",
			"unexpected reply command").
			WithContext("cmd", cmd)
	}

	padded := make([]byte, packet.PayloadLen)
	copy(padded, data)
	return ParseStatus(padded)
}

// PollNonce implements Controller. An empty data region means the board
// had nothing queued.
func (c *LegacyController) PollNonce(ctx context.Context, moduleID int) (*NonceReport, bool, error) {
	cmd, data, err := c.transact(ctx, moduleID, packet.CmdPolling, []byte{1})
	if err != nil {
		return nil, false, err
	}
	if cmd != packet.CmdNonce {
		return nil, false, errors.New(errors.ErrorTypeProtocol, "poll_nonce",
			"unexpected reply command").
			WithContext("cmd", cmd)
	}
	if len(data) == 0 {
		return nil, false, nil
	}

	report, err := parseLegacyNonce(data)
	if err != nil {
		return nil, false, err
	}
	report.ModuleID = moduleID
	return report, true, nil
}

// Reset implements Controller.
func (c *LegacyController) Reset(ctx context.Context, moduleID int) error {
	return c.send(ctx, moduleID, packet.CmdRstMMTX, nil)
}
