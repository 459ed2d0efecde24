// Package packet implements the device-link frame codec used to talk to
// hashing modules. Two framing generations are supported: the fixed
// 40-byte format used by current boards and a legacy variable-length
// format kept for first-generation controllers.
package packet

import (
	"github.com/bardlex/avalond/pkg/errors"
)

// Fixed-frame layout constants. The total frame is always 40 bytes:
// MAGIC1 MAGIC2 TYPE OPTION SEQ_IDX SEQ_CNT PAYLOAD(32) CRC16(2).
const (
	Magic1 = 'C'
	Magic2 = 'N'

	PayloadLen = 32
	FrameLen   = 40

	// MaxSequence bounds the number of frames a payload may be split into.
	MaxSequence = 40
)

// Command type codes, grouped by direction. These are wire values and
// must not be renumbered.
const (
	CmdDetect   = 0x10
	CmdStatic   = 0x11
	CmdJobID    = 0x12
	CmdCoinbase = 0x13
	CmdMerkles  = 0x14
	CmdHeader   = 0x15
	CmdTarget   = 0x16
	CmdJobFin   = 0x17

	CmdSet     = 0x20
	CmdSetFin  = 0x21
	CmdSetVolt = 0x22
	CmdSetPMU  = 0x24
	CmdSetPLL  = 0x25
	CmdSetSS   = 0x26
	CmdSetFac  = 0x28
	CmdSetOC   = 0x29

	CmdPolling = 0x30
	CmdSync    = 0x31
	CmdTest    = 0x32
	CmdRstMMTX = 0x33
	CmdGetVolt = 0x34

	CmdAckDetect  = 0x40
	CmdStatus     = 0x41
	CmdNonce      = 0x42
	CmdTestRet    = 0x43
	CmdStatusVolt = 0x46
	CmdStatusPMU  = 0x48
	CmdStatusPLL  = 0x49
	CmdStatusLog  = 0x4A
	CmdStatusASIC = 0x4B
	CmdStatusPVT  = 0x4C
	CmdStatusFac  = 0x4D
	CmdStatusOC   = 0x4E
	CmdStatusOTP  = 0x4F
)

// Broadcast is the module address that targets every module on the bus.
const Broadcast = 0

// Frame is one fixed-layout device-link packet.
type Frame struct {
	Type    byte
	Option  byte
	Index   byte
	Count   byte
	Payload [PayloadLen]byte
}

// New builds a single frame with Index/Count 1/1. The payload is copied
// into the fixed region and zero-padded; anything longer than PayloadLen
// is a resource error.
func New(frameType, option byte, payload []byte) (*Frame, error) {
	if len(payload) > PayloadLen {
		return nil, errors.New(errors.ErrorTypeResource, "packet_new",
			"payload exceeds fixed frame capacity").
			WithContext("payload_len", len(payload))
	}

	f := &Frame{
		Type:   frameType,
		Option: option,
		Index:  1,
		Count:  1,
	}
	copy(f.Payload[:], payload)
	return f, nil
}

// Split builds the frame sequence carrying a payload larger than one
// frame. Index runs 1..Count as the hardware expects.
func Split(frameType, option byte, data []byte) ([]*Frame, error) {
	count := (len(data) + PayloadLen - 1) / PayloadLen
	if count == 0 {
		count = 1
	}
	if count > MaxSequence {
		return nil, errors.New(errors.ErrorTypeResource, "packet_split",
			"payload exceeds maximum frame sequence").
			WithContext("frames", count)
	}

	frames := make([]*Frame, 0, count)
	for i := 0; i < count; i++ {
		f := &Frame{
			Type:   frameType,
			Option: option,
			Index:  byte(i + 1),
			Count:  byte(count),
		}
		start := i * PayloadLen
		end := min(start+PayloadLen, len(data))
		copy(f.Payload[:], data[start:end])
		frames = append(frames, f)
	}
	return frames, nil
}

// Encode serializes the frame. The CRC covers the payload bytes only and
// is stored big-endian in the trailer.
func (f *Frame) Encode() []byte {
	buf := make([]byte, FrameLen)
	buf[0] = Magic1
	buf[1] = Magic2
	buf[2] = f.Type
	buf[3] = f.Option
	buf[4] = f.Index
	buf[5] = f.Count
	copy(buf[6:6+PayloadLen], f.Payload[:])

	crc := Crc16(0x0000, f.Payload[:])
	buf[FrameLen-2] = byte(crc >> 8)
	buf[FrameLen-1] = byte(crc)
	return buf
}

// Decode parses a received frame. Short buffers, bad magic and CRC
// mismatches are framing errors; the caller drops the frame and lets its
// retry budget recover.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < FrameLen {
		return nil, errors.New(errors.ErrorTypeFraming, "packet_decode",
			"short frame").
			WithContext("len", len(buf))
	}

	if buf[0] != Magic1 || buf[1] != Magic2 {
		return nil, errors.New(errors.ErrorTypeFraming, "packet_decode",
			"bad magic bytes")
	}

	f := &Frame{
		Type:   buf[2],
		Option: buf[3],
		Index:  buf[4],
		Count:  buf[5],
	}
	copy(f.Payload[:], buf[6:6+PayloadLen])

	want := uint16(buf[FrameLen-2])<<8 | uint16(buf[FrameLen-1])
	if got := Crc16(0x0000, f.Payload[:]); got != want {
		return nil, errors.New(errors.ErrorTypeFraming, "packet_decode",
			"crc mismatch").
			WithContext("want", want).
			WithContext("got", got)
	}

	return f, nil
}
