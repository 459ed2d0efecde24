package device

import (
	"context"
	"encoding/binary"

	"github.com/bardlex/avalond/internal/devlink"
	"github.com/bardlex/avalond/internal/packet"
	"github.com/bardlex/avalond/internal/work"
	"github.com/bardlex/avalond/pkg/errors"
)

// Controller is the capability surface of one device-protocol family.
// The registry and orchestrator depend only on this interface; the two
// board generations implement it over their respective framings.
type Controller interface {
	// Detect probes one module slot. A module that does not answer
	// within the discovery timeout surfaces as an unresponsive error.
	Detect(ctx context.Context, moduleID int) (*DetectInfo, error)

	// SendJob pushes a work unit to a module (Broadcast targets all).
	SendJob(ctx context.Context, moduleID int, job *work.Job) error

	// SetFrequency applies a clamped frequency and returns the value
	// actually applied. The registry records it only after the ack.
	SetFrequency(ctx context.Context, moduleID, freq int) (int, error)

	// SetVoltage applies a clamped voltage level, returning the value
	// actually applied.
	SetVoltage(ctx context.Context, moduleID, level int) (int, error)

	// PollStatus reads one health sample.
	PollStatus(ctx context.Context, moduleID int) (*Status, error)

	// PollNonce asks for one queued candidate. The bool is false when
	// the module had nothing to report.
	PollNonce(ctx context.Context, moduleID int) (*NonceReport, bool, error)

	// Reset restarts a module's transmit path.
	Reset(ctx context.Context, moduleID int) error
}

// Avalon10Controller drives current boards over the fixed 40-byte
// framing.
type Avalon10Controller struct {
	driver *devlink.Driver
}

// NewAvalon10Controller wraps a device-link driver.
func NewAvalon10Controller(driver *devlink.Driver) *Avalon10Controller {
	return &Avalon10Controller{driver: driver}
}

// Detect implements Controller.
func (c *Avalon10Controller) Detect(ctx context.Context, moduleID int) (*DetectInfo, error) {
	reply, err := c.driver.Transact(ctx, moduleID, packet.CmdDetect, 0, nil)
	if err != nil {
		return nil, err
	}
	if reply.Type != packet.CmdAckDetect {
		return nil, errors.New(errors.ErrorTypeProtocol, "detect",
			"unexpected reply type").
			WithContext("type", reply.Type)
	}
	return ParseDetectInfo(reply.Payload[:])
}

// SendJob implements Controller. The job travels as a frame group: id
// and extranonce, coinbase, merkle branches, header fields, target and
// a finish marker. None of the frames solicit a reply; results surface
// through nonce polling.
func (c *Avalon10Controller) SendJob(ctx context.Context, moduleID int, job *work.Job) error {
	en2 := job.Extranonce2()

	idPayload := make([]byte, 13)
	binary.BigEndian.PutUint32(idPayload[0:4], job.Token())
	idPayload[4] = byte(job.Extranonce2Size)
	copy(idPayload[5:13], en2[:])

	if err := c.driver.Send(ctx, moduleID, packet.CmdJobID, 0, idPayload); err != nil {
		return err
	}

	coinbase, err := packet.Split(packet.CmdCoinbase, 0, job.Coinbase())
	if err != nil {
		return err
	}
	if err := c.driver.SendFrames(ctx, moduleID, coinbase); err != nil {
		return err
	}

	if branches := job.MerkleBytes(); len(branches) > 0 {
		merkles, err := packet.Split(packet.CmdMerkles, 0, branches)
		if err != nil {
			return err
		}
		if err := c.driver.SendFrames(ctx, moduleID, merkles); err != nil {
			return err
		}
	}

	header, err := packet.Split(packet.CmdHeader, 0, job.HeaderFields())
	if err != nil {
		return err
	}
	if err := c.driver.SendFrames(ctx, moduleID, header); err != nil {
		return err
	}

	target := job.Target()
	if err := c.driver.Send(ctx, moduleID, packet.CmdTarget, 0, target[:]); err != nil {
		return err
	}

	return c.driver.Send(ctx, moduleID, packet.CmdJobFin, 0, nil)
}

// SetFrequency implements Controller.
func (c *Avalon10Controller) SetFrequency(ctx context.Context, moduleID, freq int) (int, error) {
	applied := ClampFrequency(freq)

	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(applied))

	reply, err := c.driver.Transact(ctx, moduleID, packet.CmdSet, 0, payload)
	if err != nil {
		return 0, err
	}
	if reply.Type != packet.CmdStatus {
		return 0, errors.New(errors.ErrorTypeProtocol, "set_frequency",
			"unexpected reply type").
			WithContext("type", reply.Type)
	}
	if echoed := int(binary.BigEndian.Uint16(reply.Payload[6:8])); echoed != applied {
		return 0, errors.New(errors.ErrorTypeProtocol, "set_frequency",
			"module did not apply requested frequency").
			WithContext("requested", applied).
			WithContext("echoed", echoed)
	}
	return applied, nil
}

// SetVoltage implements Controller.
func (c *Avalon10Controller) SetVoltage(ctx context.Context, moduleID, level int) (int, error) {
	applied := ClampVoltage(level)

	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(applied))

	reply, err := c.driver.Transact(ctx, moduleID, packet.CmdSetVolt, 0, payload)
	if err != nil {
		return 0, err
	}
	if reply.Type != packet.CmdStatus {
		return 0, errors.New(errors.ErrorTypeProtocol, "set_voltage",
			"unexpected reply type").
			WithContext("type", reply.Type)
	}
	if echoed := int(binary.BigEndian.Uint16(reply.Payload[8:10])); echoed != applied {
		return 0, errors.New(errors.ErrorTypeProtocol, "set_voltage",
			"module did not apply requested voltage").
			WithContext("requested", applied).
			WithContext("echoed", echoed)
	}
	return applied, nil
}

// PollStatus implements Controller.
func (c *Avalon10Controller) PollStatus(ctx context.Context, moduleID int) (*Status, error) {
	reply, err := c.driver.Transact(ctx, moduleID, packet.CmdPolling, 0, nil)
	if err != nil {
		return nil, err
	}
	if reply.Type != packet.CmdStatus {
		return nil, errors.New(errors.ErrorTypeProtocol, "poll_status",
			"unexpected reply type").
			WithContext("type", reply.Type)
	}
	return ParseStatus(reply.Payload[:])
}

// PollNonce implements Controller. Option 1 on the polling command asks
// for queued nonces instead of a status sample.
func (c *Avalon10Controller) PollNonce(ctx context.Context, moduleID int) (*NonceReport, bool, error) {
	reply, err := c.driver.Transact(ctx, moduleID, packet.CmdPolling, 1, nil)
	if err != nil {
		return nil, false, err
	}
	if reply.Type != packet.CmdNonce {
		return nil, false, errors.New(errors.ErrorTypeProtocol, "poll_nonce",
			"unexpected reply type").
			WithContext("type", reply.Type)
	}
	if reply.Option == 0 {
		return nil, false, nil
	}

	report, err := ParseNonceReport(reply.Payload[:], moduleID)
	if err != nil {
		return nil, false, err
	}
	return report, true, nil
}

// Reset implements Controller.
func (c *Avalon10Controller) Reset(ctx context.Context, moduleID int) error {
	return c.driver.Send(ctx, moduleID, packet.CmdRstMMTX, 0, nil)
}
