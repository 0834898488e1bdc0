package net

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	. "mimir/internal/common"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short")
	ErrBadDecimal         = errors.New("malformed decimal field")
)

type MessageType int

const (
	Heartbeat MessageType = iota
	NewOrder
	CancelOrder
)

type ReportMessageType int

const (
	AcceptanceReport ReportMessageType = iota
	ExecutionReport
	ErrorReport
)

type Message interface {
	GetType() MessageType
}

// Generic message type.
type BaseMessage struct {
	TypeOf MessageType // 2 bytes
}

func (m BaseMessage) GetType() MessageType {
	return m.TypeOf
}

// Wire format: a u16 message type followed by the payload. Variable fields
// (pair symbols, owners, decimals rendered as strings) are u16
// length-prefixed; prices and quantities travel as decimal strings so the
// wire never loses precision to binary floats.

func parseMessage(msg []byte) (Message, error) {
	if len(msg) < 2 {
		return BaseMessage{}, fmt.Errorf("%w: no header", ErrMessageTooShort)
	}

	typeOf := MessageType(binary.BigEndian.Uint16(msg[0:2]))
	msg = msg[2:]
	switch typeOf {
	case Heartbeat:
		return BaseMessage{TypeOf: Heartbeat}, nil
	case NewOrder:
		return parseNewOrder(msg)
	case CancelOrder:
		return parseCancelOrder(msg)
	default:
		return BaseMessage{}, ErrInvalidMessageType
	}
}

type NewOrderMessage struct {
	BaseMessage
	OrderType  OrderType       // 1 byte
	Side       Side            // 1 byte
	Pair       string          // length-prefixed
	LimitPrice decimal.Decimal // length-prefixed decimal string
	StopPrice  decimal.Decimal // length-prefixed decimal string
	Quantity   decimal.Decimal // length-prefixed decimal string
	Owner      string          // length-prefixed
}

func (m NewOrderMessage) Encode() []byte {
	var buf bytes.Buffer
	putUint16(&buf, uint16(NewOrder))
	buf.WriteByte(byte(m.OrderType))
	buf.WriteByte(byte(m.Side))
	putString(&buf, m.Pair)
	putString(&buf, m.LimitPrice.String())
	putString(&buf, m.StopPrice.String())
	putString(&buf, m.Quantity.String())
	putString(&buf, m.Owner)
	return buf.Bytes()
}

func parseNewOrder(msg []byte) (NewOrderMessage, error) {
	m := NewOrderMessage{BaseMessage: BaseMessage{TypeOf: NewOrder}}
	r := &fieldReader{buf: msg}

	m.OrderType = OrderType(r.byte())
	m.Side = Side(r.byte())
	m.Pair = r.string()
	m.LimitPrice = r.decimal()
	m.StopPrice = r.decimal()
	m.Quantity = r.decimal()
	m.Owner = r.string()

	if r.err != nil {
		return NewOrderMessage{}, r.err
	}
	return m, nil
}

type CancelOrderMessage struct {
	BaseMessage
	Pair      string // length-prefixed
	OrderUUID string // length-prefixed
	Owner     string // length-prefixed
}

func (m CancelOrderMessage) Encode() []byte {
	var buf bytes.Buffer
	putUint16(&buf, uint16(CancelOrder))
	putString(&buf, m.Pair)
	putString(&buf, m.OrderUUID)
	putString(&buf, m.Owner)
	return buf.Bytes()
}

func parseCancelOrder(msg []byte) (CancelOrderMessage, error) {
	m := CancelOrderMessage{BaseMessage: BaseMessage{TypeOf: CancelOrder}}
	r := &fieldReader{buf: msg}

	m.Pair = r.string()
	m.OrderUUID = r.string()
	m.Owner = r.string()

	if r.err != nil {
		return CancelOrderMessage{}, r.err
	}
	return m, nil
}

// Report is what the server writes back to a session: order acceptance,
// per-trade execution, or an error.
type Report struct {
	MessageType ReportMessageType // 2 bytes
	Status      Status            // 1 byte
	Sequence    uint64            // 8 bytes, journal sequence for de-duplication
	Pair        string
	OrderUUID   string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Filled      decimal.Decimal
	Err         string
}

// Serialize converts the report to be sent on the wire.
func (r *Report) Serialize() []byte {
	var buf bytes.Buffer
	putUint16(&buf, uint16(r.MessageType))
	buf.WriteByte(byte(r.Status))
	putUint64(&buf, r.Sequence)
	putString(&buf, r.Pair)
	putString(&buf, r.OrderUUID)
	putString(&buf, r.Price.String())
	putString(&buf, r.Quantity.String())
	putString(&buf, r.Filled.String())
	putString(&buf, r.Err)
	return buf.Bytes()
}

// ParseReport decodes a server report, used by clients.
func ParseReport(msg []byte) (Report, error) {
	if len(msg) < 2 {
		return Report{}, fmt.Errorf("%w: no report header", ErrMessageTooShort)
	}
	r := &fieldReader{buf: msg[2:]}

	report := Report{MessageType: ReportMessageType(binary.BigEndian.Uint16(msg[0:2]))}
	report.Status = Status(r.byte())
	report.Sequence = r.uint64()
	report.Pair = r.string()
	report.OrderUUID = r.string()
	report.Price = r.decimal()
	report.Quantity = r.decimal()
	report.Filled = r.decimal()
	report.Err = r.string()

	if r.err != nil {
		return Report{}, r.err
	}
	return report, nil
}

func putUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putString(buf *bytes.Buffer, s string) {
	putUint16(buf, uint16(len(s)))
	buf.WriteString(s)
}

// fieldReader walks one message with a sticky error, so parse functions
// check once at the end.
type fieldReader struct {
	buf []byte
	err error
}

func (r *fieldReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrMessageTooShort
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *fieldReader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *fieldReader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *fieldReader) string() string {
	b := r.take(2)
	if b == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(b))))
}

func (r *fieldReader) decimal() decimal.Decimal {
	s := r.string()
	if r.err != nil {
		return decimal.Zero
	}
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		r.err = fmt.Errorf("%w: %q", ErrBadDecimal, s)
		return decimal.Zero
	}
	return d
}
