// Package device tracks the hashing modules behind the device link:
// discovery, tuning, health polling and the state machine each module
// moves through between absent and mining.
package device

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bardlex/avalond/internal/packet"
	"github.com/bardlex/avalond/pkg/errors"
)

// Hardware limits. These mirror the board firmware and are clamped to,
// never errored on.
const (
	FrequencyMin     = 25
	FrequencyMax     = 800
	FrequencyStep    = 25
	FrequencyDefault = 550

	VoltageLevelMin = 0
	VoltageLevelMax = 75
	VoltageDefault  = 40

	TempTarget   = 90
	TempWarning  = 95
	TempOverheat = 105

	FanMin     = 5
	FanMax     = 100
	FanDefault = 50

	ModuleSlots    = 4
	ChipsPerModule = 26
	CoresPerChip   = 114

	versionLen = 15
	dnaLen     = 8
)

// DetectInfo is the static identity a module reports on discovery.
type DetectInfo struct {
	Chips   int
	Version string
	DNA     [dnaLen]byte
}

// ParseDetectInfo decodes an ACKDETECT payload.
func ParseDetectInfo(payload []byte) (*DetectInfo, error) {
	if len(payload) < 2+versionLen+dnaLen {
		return nil, errors.New(errors.ErrorTypeProtocol, "parse_detect",
			"detect payload too short").
			WithContext("len", len(payload))
	}

	info := &DetectInfo{Chips: int(payload[0])}

	ver := payload[2 : 2+versionLen]
	if i := bytes.IndexByte(ver, 0); i >= 0 {
		ver = ver[:i]
	}
	info.Version = string(ver)
	copy(info.DNA[:], payload[2+versionLen:2+versionLen+dnaLen])

	if info.Chips == 0 {
		return nil, errors.New(errors.ErrorTypeProtocol, "parse_detect",
			"module reports zero chips")
	}
	return info, nil
}

// Status is one module health sample. Temperatures are whole degrees C.
type Status struct {
	TempInlet   int
	TempOutlet  int
	FanDuty     int
	Frequency   int
	Voltage     int
	LocalWorks  uint32
	HwErrors    uint32
	ActiveChips int
	FailedChips int
}

// ParseStatus decodes a STATUS payload. All fields are big-endian.
func ParseStatus(payload []byte) (*Status, error) {
	if len(payload) < 20 {
		return nil, errors.New(errors.ErrorTypeProtocol, "parse_status",
			"status payload too short").
			WithContext("len", len(payload))
	}

	return &Status{
		TempInlet:   int(int16(binary.BigEndian.Uint16(payload[0:2]))),
		TempOutlet:  int(int16(binary.BigEndian.Uint16(payload[2:4]))),
		FanDuty:     int(binary.BigEndian.Uint16(payload[4:6])),
		Frequency:   int(binary.BigEndian.Uint16(payload[6:8])),
		Voltage:     int(binary.BigEndian.Uint16(payload[8:10])),
		LocalWorks:  binary.BigEndian.Uint32(payload[10:14]),
		HwErrors:    binary.BigEndian.Uint32(payload[14:18]),
		ActiveChips: int(payload[18]),
		FailedChips: int(payload[19]),
	}, nil
}

// NonceReport is one candidate result read back from a module.
// HasToken distinguishes the two framings: fixed-frame boards echo the
// job token with every report, legacy boards do not, so their reports
// are matched against the current job instead.
type NonceReport struct {
	JobToken uint32
	HasToken bool
	Nonce    uint32
	Nonce2   uint32
	Ntime    uint32
	ChipID   int
	CoreID   int
	ModuleID int
}

// ParseNonceReport decodes a NONCE payload from a fixed-frame module.
func ParseNonceReport(payload []byte, moduleID int) (*NonceReport, error) {
	if len(payload) < 18 {
		return nil, errors.New(errors.ErrorTypeProtocol, "parse_nonce",
			"nonce payload too short").
			WithContext("len", len(payload))
	}

	return &NonceReport{
		JobToken: binary.BigEndian.Uint32(payload[0:4]),
		HasToken: true,
		Nonce:    binary.BigEndian.Uint32(payload[4:8]),
		Nonce2:   binary.BigEndian.Uint32(payload[8:12]),
		Ntime:    binary.BigEndian.Uint32(payload[12:16]),
		ChipID:   int(payload[16]),
		CoreID:   int(payload[17]),
		ModuleID: moduleID,
	}, nil
}

// BuildNoncePayload is the inverse of ParseNonceReport, used by the
// simulator and tests.
func BuildNoncePayload(r *NonceReport) []byte {
	payload := make([]byte, packet.PayloadLen)
	binary.BigEndian.PutUint32(payload[0:4], r.JobToken)
	binary.BigEndian.PutUint32(payload[4:8], r.Nonce)
	binary.BigEndian.PutUint32(payload[8:12], r.Nonce2)
	binary.BigEndian.PutUint32(payload[12:16], r.Ntime)
	payload[16] = byte(r.ChipID)
	payload[17] = byte(r.CoreID)
	return payload
}

// parseLegacyNonce decodes the first-generation nonce layout:
// nonce and nonce2 little-endian followed by chip and module bytes.
// The layout carries no job token; HasToken stays false.
func parseLegacyNonce(data []byte) (*NonceReport, error) {
	if len(data) < 10 {
		return nil, errors.New(errors.ErrorTypeProtocol, "parse_nonce",
			"legacy nonce data too short").
			WithContext("len", len(data))
	}

	return &NonceReport{
		Nonce:    binary.LittleEndian.Uint32(data[0:4]),
		Nonce2:   binary.LittleEndian.Uint32(data[4:8]),
		ChipID:   int(data[8]),
		ModuleID: int(data[9]),
	}, nil
}

// ClampFrequency forces a requested frequency into hardware bounds and
// onto the PLL step grid.
func ClampFrequency(freq int) int {
	if freq < FrequencyMin {
		return FrequencyMin
	}
	if freq > FrequencyMax {
		return FrequencyMax
	}
	return freq - freq%FrequencyStep
}

// ClampVoltage forces a requested voltage level into hardware bounds.
func ClampVoltage(level int) int {
	if level < VoltageLevelMin {
		return VoltageLevelMin
	}
	if level > VoltageLevelMax {
		return VoltageLevelMax
	}
	return level
}

func (d *DetectInfo) String() string {
	return fmt.Sprintf("%s chips=%d dna=%x", d.Version, d.Chips, d.DNA)
}
