package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"mimir/internal/common"

	"github.com/shopspring/decimal"
)

var ErrCorruptRecord = errors.New("corrupt journal record")

// Binary record layout, big endian throughout:
//
//	[type:1][seq:8][ts:8][status:1][pair][orderID][filledQty]
//	[hasOrder:1]{order}[hasTrade:1]{trade}
//
// Strings (and decimals, written as strings) are u16 length prefixed.

func encodeEvent(ev *common.Event) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(ev.TypeOf))
	putUint64(&buf, ev.Sequence)
	putUint64(&buf, uint64(ev.Timestamp.UnixNano()))
	buf.WriteByte(byte(ev.Status))
	putString(&buf, ev.Pair)
	putString(&buf, ev.OrderID)
	putString(&buf, ev.FilledQuantity.String())

	if ev.Order != nil {
		buf.WriteByte(1)
		encodeOrder(&buf, ev.Order)
	} else {
		buf.WriteByte(0)
	}
	if ev.Trade != nil {
		buf.WriteByte(1)
		encodeTrade(&buf, ev.Trade)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func decodeEvent(b []byte) (*common.Event, error) {
	r := &reader{buf: b}

	ev := &common.Event{
		TypeOf: common.EventType(r.byte()),
	}
	ev.Sequence = r.uint64()
	ev.Timestamp = time.Unix(0, int64(r.uint64()))
	ev.Status = common.Status(r.byte())
	ev.Pair = r.string()
	ev.OrderID = r.string()
	ev.FilledQuantity = r.decimal()

	if r.byte() == 1 {
		ev.Order = decodeOrder(r)
	}
	if r.byte() == 1 {
		ev.Trade = decodeTrade(r)
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, r.err)
	}
	return ev, nil
}

func encodeOrder(buf *bytes.Buffer, order *common.Order) {
	putString(buf, order.UUID)
	putString(buf, order.Pair)
	buf.WriteByte(byte(order.OrderType))
	buf.WriteByte(byte(order.Side))
	buf.WriteByte(byte(order.Status))
	putString(buf, order.LimitPrice.String())
	putString(buf, order.StopPrice.String())
	putString(buf, order.Quantity.String())
	putString(buf, order.TotalQuantity.String())
	putUint64(buf, uint64(order.Timestamp.UnixNano()))
	putUint64(buf, uint64(order.ExchTimestamp.UnixNano()))
	putUint64(buf, order.Sequence)
	putString(buf, order.Owner)
	putString(buf, order.ReservationID)
}

func decodeOrder(r *reader) *common.Order {
	return &common.Order{
		UUID:          r.string(),
		Pair:          r.string(),
		OrderType:     common.OrderType(r.byte()),
		Side:          common.Side(r.byte()),
		Status:        common.Status(r.byte()),
		LimitPrice:    r.decimal(),
		StopPrice:     r.decimal(),
		Quantity:      r.decimal(),
		TotalQuantity: r.decimal(),
		Timestamp:     time.Unix(0, int64(r.uint64())),
		ExchTimestamp: time.Unix(0, int64(r.uint64())),
		Sequence:      r.uint64(),
		Owner:         r.string(),
		ReservationID: r.string(),
	}
}

func encodeTrade(buf *bytes.Buffer, trade *common.Trade) {
	putString(buf, trade.UUID)
	putString(buf, trade.Pair)
	putString(buf, trade.BuyOrderID)
	putString(buf, trade.SellOrderID)
	putString(buf, trade.MakerOrderID)
	putString(buf, trade.TakerOrderID)
	putString(buf, trade.MakerOwner)
	putString(buf, trade.TakerOwner)
	putString(buf, trade.Price.String())
	putString(buf, trade.Quantity.String())
	putString(buf, trade.Value.String())
	putUint64(buf, uint64(trade.Timestamp.UnixNano()))
	putUint64(buf, trade.Sequence)
}

func decodeTrade(r *reader) *common.Trade {
	return &common.Trade{
		UUID:         r.string(),
		Pair:         r.string(),
		BuyOrderID:   r.string(),
		SellOrderID:  r.string(),
		MakerOrderID: r.string(),
		TakerOrderID: r.string(),
		MakerOwner:   r.string(),
		TakerOwner:   r.string(),
		Price:        r.decimal(),
		Quantity:     r.decimal(),
		Value:        r.decimal(),
		Timestamp:    time.Unix(0, int64(r.uint64())),
		Sequence:     r.uint64(),
	}
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putString(buf *bytes.Buffer, s string) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	buf.Write(b[:])
	buf.WriteString(s)
}

// reader is a sticky-error cursor over one record; the first short read or
// bad decimal poisons every later read, so decode checks err once.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errors.New("record too short")
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) string() string {
	b := r.take(2)
	if b == nil {
		return ""
	}
	n := int(binary.BigEndian.Uint16(b))
	return string(r.take(n))
}

func (r *reader) decimal() decimal.Decimal {
	s := r.string()
	if r.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		r.err = err
		return decimal.Zero
	}
	return d
}
