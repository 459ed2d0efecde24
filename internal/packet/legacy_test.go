package packet

import (
	"bytes"
	"testing"

	"github.com/bardlex/avalond/pkg/errors"
)

func TestLegacyRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cmd  byte
		data []byte
	}{
		{"empty data", CmdDetect, nil},
		{"short data", CmdPolling, []byte{0x01}},
		{"nonce report", CmdNonce, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 1, 3, 0}},
		{"max data", CmdCoinbase, bytes.Repeat([]byte{0x77}, LegacyMaxData)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := EncodeLegacy(tt.cmd, tt.data)
			if err != nil {
				t.Fatalf("EncodeLegacy() error = %v", err)
			}
			if len(buf) != LegacyMinLen+len(tt.data) {
				t.Fatalf("EncodeLegacy() len = %d, want %d", len(buf), LegacyMinLen+len(tt.data))
			}

			cmd, data, err := DecodeLegacy(buf)
			if err != nil {
				t.Fatalf("DecodeLegacy() error = %v", err)
			}
			if cmd != tt.cmd {
				t.Errorf("cmd = 0x%02x, want 0x%02x", cmd, tt.cmd)
			}
			if !bytes.Equal(data, tt.data) && len(tt.data) > 0 {
				t.Errorf("data = %x, want %x", data, tt.data)
			}
		})
	}
}

func TestLegacyLayout(t *testing.T) {
	buf, err := EncodeLegacy(CmdPolling, []byte{0x02})
	if err != nil {
		t.Fatalf("EncodeLegacy() error = %v", err)
	}

	if buf[0] != LegacySync1 || buf[1] != LegacySync2 {
		t.Errorf("sync = %02x %02x, want %02x %02x", buf[0], buf[1], LegacySync1, LegacySync2)
	}
	if buf[2] != 2 {
		t.Errorf("len byte = %d, want 2", buf[2])
	}
	if buf[3] != CmdPolling {
		t.Errorf("cmd byte = 0x%02x, want 0x%02x", buf[3], CmdPolling)
	}

	// CRC init 0xFFFF over LEN..DATA, big-endian trailer
	crc := Crc16(0xFFFF, buf[2:5])
	if buf[5] != byte(crc>>8) || buf[6] != byte(crc) {
		t.Errorf("crc trailer = %02x%02x, want %04x", buf[5], buf[6], crc)
	}
}

func TestDecodeLegacyErrors(t *testing.T) {
	good, _ := EncodeLegacy(CmdStatus, []byte{1, 2, 3})

	badSync := append([]byte(nil), good...)
	badSync[0] = 0x00

	badCrc := append([]byte(nil), good...)
	badCrc[len(badCrc)-1] ^= 0xFF

	truncated := append([]byte(nil), good...)
	truncated[2] = 200 // claims more data than present

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"too short", good[:LegacyMinLen-1]},
		{"bad sync", badSync},
		{"bad crc", badCrc},
		{"truncated", truncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeLegacy(tt.buf)
			if err == nil {
				t.Fatal("DecodeLegacy() expected error")
			}
			if !errors.IsType(err, errors.ErrorTypeFraming) {
				t.Errorf("expected framing error, got %v", err)
			}
		})
	}
}

func TestEncodeLegacyOversized(t *testing.T) {
	_, err := EncodeLegacy(CmdCoinbase, make([]byte, LegacyMaxData+1))
	if err == nil {
		t.Fatal("expected error for oversized data")
	}
	if !errors.IsType(err, errors.ErrorTypeResource) {
		t.Errorf("expected resource error, got %v", err)
	}
}
