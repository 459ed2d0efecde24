// Package stratum implements the client side of the Stratum V1 mining
// protocol: the upstream pool connection, the subscribe/authorize
// handshake and failover across the configured pool list.
package stratum

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bardlex/avalond/pkg/errors"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Methods the upstream pool may send us
const (
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodSetExtranonce = "mining.set_extranonce"
	MethodReconnect     = "client.reconnect"
	MethodGetVersion    = "client.get_version"
)

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// IsResponse returns true if the message answers one of our requests
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification returns true if the message is a server notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ResponseID normalizes the reply ID to the uint64 counter we assigned.
// JSON decoding turns numbers into float64.
func (m *Message) ResponseID() (uint64, bool) {
	switch v := m.ID.(type) {
	case float64:
		return uint64(v), true
	case uint64:
		return v, true
	default:
		return 0, false
	}
}

// BoolResult reports whether the message carries a bare true result.
func (m *Message) BoolResult() bool {
	b, ok := m.Result.(bool)
	return ok && b
}

// NewSubscribe builds a mining.subscribe request.
func NewSubscribe(id any, userAgent string) *Message {
	return NewRequest(id, "mining.subscribe", []any{userAgent})
}

// NewAuthorize builds a mining.authorize request.
func NewAuthorize(id any, username, password string) *Message {
	return NewRequest(id, "mining.authorize", []any{username, password})
}

// NewSubmit builds a mining.submit request. The parameter list is fixed
// at exactly five positional strings; pools reject anything else.
func NewSubmit(id any, worker, jobID, extranonce2, ntime, nonce string) *Message {
	return NewRequest(id, "mining.submit", []any{worker, jobID, extranonce2, ntime, nonce})
}

// SubscribeResult holds the extranonce assignment from a subscribe reply.
type SubscribeResult struct {
	Extranonce1     []byte
	Extranonce2Size int
}

// ParseSubscribeResult extracts the extranonce assignment from a
// mining.subscribe reply. The result is a three-element array:
// subscription details, extranonce1 hex and extranonce2 size.
func ParseSubscribeResult(result any) (*SubscribeResult, error) {
	arr, ok := result.([]any)
	if !ok || len(arr) < 3 {
		return nil, errors.New(errors.ErrorTypeProtocol, "subscribe",
			"subscribe result must be a three-element array")
	}

	en1Hex, ok := arr[1].(string)
	if !ok {
		return nil, errors.New(errors.ErrorTypeProtocol, "subscribe",
			"extranonce1 must be a hex string")
	}
	en1, err := hex.DecodeString(en1Hex)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "subscribe",
			"invalid extranonce1 hex")
	}

	size, ok := arr[2].(float64)
	if !ok || size < 1 || size > 8 {
		return nil, errors.New(errors.ErrorTypeProtocol, "subscribe",
			"extranonce2 size out of range").
			WithContext("value", arr[2])
	}

	return &SubscribeResult{
		Extranonce1:     en1,
		Extranonce2Size: int(size),
	}, nil
}

// ParseSetDifficulty extracts the difficulty from a
// mining.set_difficulty notification.
func ParseSetDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, errors.New(errors.ErrorTypeProtocol, "set_difficulty",
			"missing difficulty parameter")
	}
	diff, ok := params[0].(float64)
	if !ok || diff <= 0 {
		return 0, errors.New(errors.ErrorTypeProtocol, "set_difficulty",
			"difficulty must be a positive number")
	}
	return diff, nil
}

// ParseSetExtranonce extracts the new assignment from a
// mining.set_extranonce notification.
func ParseSetExtranonce(params []any) ([]byte, int, error) {
	if len(params) < 2 {
		return nil, 0, errors.New(errors.ErrorTypeProtocol, "set_extranonce",
			"requires extranonce1 and extranonce2 size")
	}

	en1Hex, ok := params[0].(string)
	if !ok {
		return nil, 0, errors.New(errors.ErrorTypeProtocol, "set_extranonce",
			"extranonce1 must be a hex string")
	}
	en1, err := hex.DecodeString(en1Hex)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrorTypeProtocol, "set_extranonce",
			"invalid extranonce1 hex")
	}

	size, ok := params[1].(float64)
	if !ok || size < 1 || size > 8 {
		return nil, 0, errors.New(errors.ErrorTypeProtocol, "set_extranonce",
			"extranonce2 size out of range")
	}

	return en1, int(size), nil
}
