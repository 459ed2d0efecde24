package devlink

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/avalond/internal/packet"
)

var errSimTimeout = stderrors.New("simulated bus read timeout")

// simModule is the state of one simulated hashing board.
type simModule struct {
	present    bool
	responsive bool

	frequency uint16
	voltage   uint16
	fanDuty   uint16
	tempIn    int16
	tempOut   int16

	activeChips byte
	failedChips byte

	pending [][]byte // encoded reply frames, FIFO
	nonces  [][]byte // queued nonce payloads
}

// SimTransport is an in-memory Transport that behaves like a bank of
// hashing modules. It answers detect, set and polling commands the way
// the boards do and lets tests queue nonce reports and fault modules.
type SimTransport struct {
	mu      sync.Mutex
	modules map[int]*simModule
}

// NewSimTransport creates a simulator with the given present slots.
func NewSimTransport(slots []int) *SimTransport {
	s := &SimTransport{modules: make(map[int]*simModule)}
	for _, id := range slots {
		s.modules[id] = &simModule{
			present:     true,
			responsive:  true,
			frequency:   550,
			voltage:     40,
			fanDuty:     50,
			tempIn:      48,
			tempOut:     61,
			activeChips: 26,
		}
	}
	return s
}

// EnqueueNonce queues a raw nonce payload to be returned on the next
// nonce poll of the module.
func (s *SimTransport) EnqueueNonce(moduleID int, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.modules[moduleID]; ok {
		p := make([]byte, len(payload))
		copy(p, payload)
		m.nonces = append(m.nonces, p)
	}
}

// SetResponsive marks a module as (un)responsive; an unresponsive module
// produces read timeouts until restored.
func (s *SimTransport) SetResponsive(moduleID int, responsive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.modules[moduleID]; ok {
		m.responsive = responsive
	}
}

// SetTemperature overrides a module's reported temperatures.
func (s *SimTransport) SetTemperature(moduleID int, inlet, outlet int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.modules[moduleID]; ok {
		m.tempIn = inlet
		m.tempOut = outlet
	}
}

// WriteFrame decodes the outbound frame and stages the module's reply.
func (s *SimTransport) WriteFrame(_ context.Context, moduleID int, frame []byte) error {
	f, err := packet.Decode(frame)
	if err != nil {
		// Hardware ignores garbage on the bus
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.modules[moduleID]
	if !ok || !m.present || !m.responsive {
		return nil
	}

	switch f.Type {
	case packet.CmdDetect:
		m.pending = append(m.pending, s.buildDetectAck(m))

	case packet.CmdSet:
		m.frequency = binary.BigEndian.Uint16(f.Payload[0:2])
		m.pending = append(m.pending, s.buildStatus(m))

	case packet.CmdSetVolt:
		m.voltage = binary.BigEndian.Uint16(f.Payload[0:2])
		m.pending = append(m.pending, s.buildStatus(m))

	case packet.CmdPolling:
		if f.Option == 1 {
			m.pending = append(m.pending, s.buildNonceReply(m))
		} else {
			m.pending = append(m.pending, s.buildStatus(m))
		}

	default:
		// Job payload frames and unknown commands are absorbed silently
	}
	return nil
}

// ReadFrame returns the next staged reply or times out.
func (s *SimTransport) ReadFrame(_ context.Context, moduleID int, _ time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.modules[moduleID]
	if !ok || !m.present || !m.responsive || len(m.pending) == 0 {
		return nil, errSimTimeout
	}

	reply := m.pending[0]
	m.pending = m.pending[1:]
	return reply, nil
}

// Close implements Transport.
func (s *SimTransport) Close() error {
	return nil
}

func (s *SimTransport) buildDetectAck(m *simModule) []byte {
	payload := make([]byte, packet.PayloadLen)
	payload[0] = m.activeChips
	copy(payload[2:17], []byte("SIM-1126-V1.0"))
	copy(payload[17:25], []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF})

	f, _ := packet.New(packet.CmdAckDetect, 0, payload)
	return f.Encode()
}

func (s *SimTransport) buildStatus(m *simModule) []byte {
	payload := make([]byte, packet.PayloadLen)
	binary.BigEndian.PutUint16(payload[0:2], uint16(m.tempIn))
	binary.BigEndian.PutUint16(payload[2:4], uint16(m.tempOut))
	binary.BigEndian.PutUint16(payload[4:6], m.fanDuty)
	binary.BigEndian.PutUint16(payload[6:8], m.frequency)
	binary.BigEndian.PutUint16(payload[8:10], m.voltage)
	payload[18] = m.activeChips
	payload[19] = m.failedChips

	f, _ := packet.New(packet.CmdStatus, 0, payload)
	return f.Encode()
}

func (s *SimTransport) buildNonceReply(m *simModule) []byte {
	if len(m.nonces) == 0 {
		f, _ := packet.New(packet.CmdNonce, 0, nil)
		return f.Encode()
	}

	payload := m.nonces[0]
	m.nonces = m.nonces[1:]

	f, _ := packet.New(packet.CmdNonce, 1, payload)
	return f.Encode()
}
