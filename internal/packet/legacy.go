package packet

import (
	"github.com/bardlex/avalond/pkg/errors"
)

// Legacy variable-length framing:
// SYNC1 SYNC2 LEN CMD DATA(LEN-1) CRC16(2), where LEN counts the command
// byte plus the data and the CRC (init 0xFFFF) covers LEN through the
// last data byte.
const (
	LegacySync1 = 0xAA
	LegacySync2 = 0x55

	// LegacyMinLen is sync(2) + len(1) + cmd(1) + crc(2) with empty data.
	LegacyMinLen = 6

	// LegacyMaxData bounds one frame's data region.
	LegacyMaxData = 250
)

// EncodeLegacy serializes a legacy frame for the given command and data.
func EncodeLegacy(cmd byte, data []byte) ([]byte, error) {
	if len(data) > LegacyMaxData {
		return nil, errors.New(errors.ErrorTypeResource, "legacy_encode",
			"data exceeds legacy frame capacity").
			WithContext("data_len", len(data))
	}

	buf := make([]byte, 0, LegacyMinLen+len(data))
	buf = append(buf, LegacySync1, LegacySync2)
	buf = append(buf, byte(1+len(data)))
	buf = append(buf, cmd)
	buf = append(buf, data...)

	crc := Crc16(0xFFFF, buf[2:])
	buf = append(buf, byte(crc>>8), byte(crc))
	return buf, nil
}

// DecodeLegacy parses a legacy frame, returning the command byte and a
// copy of the data region.
func DecodeLegacy(buf []byte) (byte, []byte, error) {
	if len(buf) < LegacyMinLen {
		return 0, nil, errors.New(errors.ErrorTypeFraming, "legacy_decode",
			"short frame").
			WithContext("len", len(buf))
	}

	if buf[0] != LegacySync1 || buf[1] != LegacySync2 {
		return 0, nil, errors.New(errors.ErrorTypeFraming, "legacy_decode",
			"bad sync bytes")
	}

	pktLen := int(buf[2])
	if pktLen < 1 || pktLen+5 > len(buf) {
		return 0, nil, errors.New(errors.ErrorTypeFraming, "legacy_decode",
			"truncated frame").
			WithContext("pkt_len", pktLen)
	}

	want := uint16(buf[3+pktLen])<<8 | uint16(buf[4+pktLen])
	if got := Crc16(0xFFFF, buf[2:3+pktLen]); got != want {
		return 0, nil, errors.New(errors.ErrorTypeFraming, "legacy_decode",
			"crc mismatch").
			WithContext("want", want).
			WithContext("got", got)
	}

	cmd := buf[3]
	data := make([]byte, pktLen-1)
	copy(data, buf[4:3+pktLen])
	return cmd, data, nil
}
