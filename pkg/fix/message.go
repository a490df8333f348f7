// Package fix implements a minimal FIX-like session protocol for the
// simulated exchange round trip: pipe-delimited tag=value messages
// with body length and mod-256 checksum framing, and a logon/logout
// session state machine with per-direction sequence numbers. It is a
// self-contained simulation, not an implementation of the real
// protocol.
package fix

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// BeginString identifies the simulated protocol version.
const BeginString = "SIM.4.2"

// Delimiter separates tag=value segments on the wire.
const Delimiter = '|'

// Tags used by the simulation. Numbering follows FIX conventions.
const (
	TagBeginString  = 8
	TagBodyLength   = 9
	TagCheckSum     = 10
	TagClOrdID      = 11
	TagExecID       = 17
	TagLastPx       = 31
	TagLastQty      = 32
	TagMsgSeqNum    = 34
	TagMsgType      = 35
	TagOrderID      = 37
	TagOrderQty     = 38
	TagOrdStatus    = 39
	TagOrdType      = 40
	TagOrigClOrdID  = 41
	TagPrice        = 44
	TagSenderCompID = 49
	TagSendingTime  = 52
	TagSide         = 54
	TagSymbol       = 55
	TagTargetCompID = 56
	TagText         = 58
	TagEncryptMeth  = 98
	TagHeartBtInt   = 108
	TagNoRelatedSym = 146
	TagExecType     = 150
	TagMDReqID      = 262
	TagMDEntryType  = 269
	TagMDEntryPx    = 270
	TagMDEntrySize  = 271
	TagUsername     = 553
)

// Message types.
const (
	MsgTypeHeartbeat     = "0"
	MsgTypeLogout        = "5"
	MsgTypeExecReport    = "8"
	MsgTypeLogon         = "A"
	MsgTypeNewOrder      = "D"
	MsgTypeCancelRequest = "F"
	MsgTypeMDRequest     = "V"
	MsgTypeMDSnapshot    = "W"
	MsgTypeMDIncremental = "X"
)

// ErrParse reports a malformed protocol message. Unparseable messages
// are rejected at this boundary and never partially applied.
var ErrParse = errors.New("malformed protocol message")

// Field is one tag=value pair.
type Field struct {
	Tag   int
	Value string
}

// Message is an ordered list of fields. Builders append fields in a
// fixed per-message-type order so serialization order is a compile
// time property, not a runtime sort.
type Message struct {
	fields []Field
}

// NewMessage starts a message of the given type.
func NewMessage(msgType string) *Message {
	m := &Message{}
	m.Append(TagMsgType, msgType)
	return m
}

// Append adds a field at the end of the ordered list.
func (m *Message) Append(tag int, value string) *Message {
	m.fields = append(m.fields, Field{Tag: tag, Value: value})
	return m
}

// AppendInt adds an integer field.
func (m *Message) AppendInt(tag, value int) *Message {
	return m.Append(tag, strconv.Itoa(value))
}

// AppendFloat adds a float field with minimal formatting.
func (m *Message) AppendFloat(tag int, value float64) *Message {
	return m.Append(tag, strconv.FormatFloat(value, 'f', -1, 64))
}

// Get returns the first value for a tag.
func (m *Message) Get(tag int) (string, bool) {
	for _, f := range m.fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}

// GetFloat returns a tag parsed as float64.
func (m *Message) GetFloat(tag int) (float64, bool) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Type returns the message type field.
func (m *Message) Type() string {
	v, _ := m.Get(TagMsgType)
	return v
}

// Fields returns a copy of the ordered field list.
func (m *Message) Fields() []Field {
	out := make([]Field, len(m.fields))
	copy(out, m.fields)
	return out
}

// FieldMap returns the fields as a tag-to-value map.
func (m *Message) FieldMap() map[int]string {
	out := make(map[int]string, len(m.fields))
	for _, f := range m.fields {
		if _, exists := out[f.Tag]; !exists {
			out[f.Tag] = f.Value
		}
	}
	return out
}

// checksum is the sum of byte values mod 256.
func checksum(data []byte) int {
	sum := 0
	for _, b := range data {
		sum += int(b)
	}
	return sum % 256
}

// Encode serializes the message: version tag first, body length
// second, ordered body fields, then a 3-digit zero-padded checksum
// over everything before the checksum tag.
func Encode(m *Message) []byte {
	var body strings.Builder
	for _, f := range m.fields {
		body.WriteString(strconv.Itoa(f.Tag))
		body.WriteByte('=')
		body.WriteString(f.Value)
		body.WriteByte(Delimiter)
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%d=%s%c", TagBeginString, BeginString, Delimiter)
	fmt.Fprintf(&out, "%d=%d%c", TagBodyLength, body.Len(), Delimiter)
	out.WriteString(body.String())

	sum := checksum([]byte(out.String()))
	fmt.Fprintf(&out, "%d=%03d%c", TagCheckSum, sum, Delimiter)

	return []byte(out.String())
}

// Decode parses wire data back into a message, validating the framing
// fields against recomputation. The returned message carries the body
// fields only; BeginString, BodyLength and CheckSum are consumed by
// validation.
func Decode(data []byte) (*Message, error) {
	raw := string(data)

	// The checksum tag, when present, must be the final segment. Strip
	// and validate it against the bytes that precede it.
	rest := raw
	marker := string(Delimiter) + strconv.Itoa(TagCheckSum) + "="
	if idx := strings.LastIndex(raw, marker); idx >= 0 {
		prefix := raw[:idx+1]
		sumStr := strings.TrimSuffix(raw[idx+len(marker):], string(Delimiter))
		got, err := strconv.Atoi(sumStr)
		if err != nil {
			return nil, fmt.Errorf("%w: checksum %q", ErrParse, sumStr)
		}
		if checksum([]byte(prefix)) != got {
			return nil, fmt.Errorf("%w: checksum mismatch", ErrParse)
		}
		rest = prefix
	}

	m := &Message{}
	bodyLen := -1

	for _, seg := range strings.Split(strings.TrimSuffix(rest, string(Delimiter)), string(Delimiter)) {
		if seg == "" {
			continue
		}
		eq := strings.IndexByte(seg, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: segment %q", ErrParse, seg)
		}
		tag, err := strconv.Atoi(seg[:eq])
		if err != nil {
			return nil, fmt.Errorf("%w: tag %q", ErrParse, seg[:eq])
		}
		value := seg[eq+1:]

		switch tag {
		case TagBeginString:
			if value != BeginString {
				return nil, fmt.Errorf("%w: version %q", ErrParse, value)
			}
		case TagBodyLength:
			bodyLen, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: body length %q", ErrParse, value)
			}
		default:
			m.fields = append(m.fields, Field{Tag: tag, Value: value})
		}
	}

	if _, ok := m.Get(TagMsgType); !ok {
		return nil, fmt.Errorf("%w: missing message type", ErrParse)
	}
	if bodyLen >= 0 && recomputeBodyLength(m) != bodyLen {
		return nil, fmt.Errorf("%w: body length mismatch", ErrParse)
	}
	return m, nil
}

func recomputeBodyLength(m *Message) int {
	n := 0
	for _, f := range m.fields {
		n += len(strconv.Itoa(f.Tag)) + 1 + len(f.Value) + 1
	}
	return n
}
