// Package codec encodes and decodes the vendor WebSocket frame format: a
// fixed header followed by a variable payload, plus the "vw" (virtual
// write) record convention used for both widget-update telemetry and
// outbound commands.
//
// This implementation standardizes on the Compact (3-byte) header —
// opcode:u8 | msgId:u16be — the only variant that reproduces the golden
// command vector. See SPEC_FULL.md §4.1/§9 for why the Extended 4-byte
// variant was not chosen.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/eviqo/eviqo-mqtt-bridge/internal/bridgeerr"
)

const headerLen = 3

// Opcodes from the protocol table (§6). Opcode 0x14 is overloaded: outbound
// it is a write command, inbound it is a widget update. Disambiguation is
// directional, never structural.
const (
	OpLogin        byte = 0x02
	OpDevicePage   byte = 0x04
	OpKeepalive    byte = 0x06
	OpWrite        byte = 0x14 // outbound command / inbound widget update
	OpWidgetUpdate byte = 0x19 // inbound user-driven widget update
	OpDeviceQuery  byte = 0x1B
	OpInit         byte = 0x30
	OpDeviceNumber byte = 0x49
)

// Header is the decoded 3-byte frame header.
type Header struct {
	Opcode byte
	MsgID  uint16
}

// Frame is a decoded frame: its header plus a best-effort classification of
// the payload.
type Frame struct {
	Header   Header
	Raw      []byte // payload bytes, unparsed
	JSON     json.RawMessage
	Text     string
	IsJSON   bool
	IsText   bool
	Widget   *WidgetUpdate
	IsWidget bool
}

// WidgetUpdate is the parsed "vw" record: deviceId \0 "vw" \0 pin \0 value.
type WidgetUpdate struct {
	DeviceID string
	WidgetID string // the pin
	Value    string
}

// Counter allocates monotonically increasing message ids for one session,
// wrapping at 2^16-1 as required by §4.1's numeric semantics. A session has
// one Counter shared by its keepalive goroutine and every MQTT command
// handler goroutine, so allocation is mutex-guarded.
type Counter struct {
	mu   sync.Mutex
	next uint32
}

// Next returns the next message id, wrapping on overflow.
func (c *Counter) Next() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uint16(c.next)
	c.next++
	if c.next > 0xFFFF {
		c.next = 0
	}
	return id
}

// EncodeFrame serializes a frame per the payload priority rules: nil -> no
// bytes, struct -> JSON text, string -> UTF-8 bytes, []byte -> verbatim.
func EncodeFrame(opcode byte, msgID uint16, payload any) ([]byte, error) {
	header := make([]byte, headerLen)
	header[0] = opcode
	binary.BigEndian.PutUint16(header[1:3], msgID)

	body, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("codec: encode payload: %w", err)
	}
	return append(header, body...), nil
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// DecodeFrame parses a raw frame, classifying the payload by content per
// §4.1: widget-update opcodes parse as "vw" records, a leading '{'/'[' is
// JSON, anything else is an ASCII string. Fewer than headerLen bytes is an
// ErrShortFrame, never a panic.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < headerLen {
		return Frame{}, fmt.Errorf("codec: frame has %d bytes, want at least %d: %w", len(raw), headerLen, bridgeerr.ErrShortFrame)
	}

	f := Frame{
		Header: Header{
			Opcode: raw[0],
			MsgID:  binary.BigEndian.Uint16(raw[1:3]),
		},
		Raw: raw[headerLen:],
	}

	if f.Header.Opcode == OpWrite || f.Header.Opcode == OpWidgetUpdate {
		update, err := ParseWidgetUpdate(f.Raw)
		if err == nil {
			f.IsWidget = true
			f.Widget = &update
			return f, nil
		}
		// Malformed "vw" records are not fatal: fall through and classify
		// the bytes as text/JSON instead of raising into the read loop.
	}

	if len(f.Raw) > 0 && (f.Raw[0] == '{' || f.Raw[0] == '[') {
		f.IsJSON = true
		f.JSON = json.RawMessage(f.Raw)
		return f, nil
	}

	f.IsText = true
	f.Text = string(f.Raw)
	return f, nil
}

// EncodeCommand builds an outbound write frame: header opcode 0x14, payload
// deviceId \0 "vw" \0 pin \0 value, no trailing NUL.
func EncodeCommand(deviceID, pin, value string, msgID uint16) []byte {
	payload := buildWidgetRecord(deviceID, pin, value)
	header := make([]byte, headerLen)
	header[0] = OpWrite
	binary.BigEndian.PutUint16(header[1:3], msgID)
	return append(header, payload...)
}

func buildWidgetRecord(deviceID, pin, value string) []byte {
	var b bytes.Buffer
	b.WriteString(deviceID)
	b.WriteByte(0)
	b.WriteString("vw")
	b.WriteByte(0)
	b.WriteString(pin)
	b.WriteByte(0)
	b.WriteString(value)
	return b.Bytes()
}

// ParseWidgetUpdate parses a "vw" record. A malformed record (wrong field
// count or missing "vw" marker) returns an error carrying a hex dump for
// diagnostics, per §4.1 — callers must not let it propagate into the read
// loop as a fatal error.
func ParseWidgetUpdate(raw []byte) (WidgetUpdate, error) {
	fields := bytes.Split(raw, []byte{0})
	if len(fields) != 4 || string(fields[1]) != "vw" {
		return WidgetUpdate{}, fmt.Errorf("codec: malformed widget record % x: %w", raw, bridgeerr.ErrProtocol)
	}
	return WidgetUpdate{
		DeviceID: string(fields[0]),
		WidgetID: string(fields[2]),
		Value:    string(fields[3]),
	}, nil
}
