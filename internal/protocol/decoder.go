package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCorruptFrame is reported when a frame fails its checksum, exceeds the
// payload bound, or carries a payload that doesn't match its declared shape.
var ErrCorruptFrame = errors.New("corrupt frame")

type decodeState int

const (
	awaitHeader decodeState = iota
	awaitLength
	awaitPayload
	awaitChecksum
	awaitTerminator
)

// Decoder is a streaming frame decoder. Bytes are pushed in with Feed and
// complete messages pulled out with Next. Garbage between frames is skipped
// by resynchronising on the next recognised opcode byte; a corrupt frame is
// discarded, counted, and decoding restarts at the header state, so line
// noise never grows the buffer without bound or kills the stream.
type Decoder struct {
	table *Table

	state   decodeState
	spec    OpSpec
	length  int
	lenLow  byte
	lenGot  int
	payload []byte
	sum     byte
	termGot int

	msgs    []Message
	corrupt int

	// OnCorrupt, if set, is called once per discarded frame. The transport
	// session uses it to treat a garbled reply as a missed acknowledgement.
	OnCorrupt func()
}

func NewDecoder(t *Table) *Decoder {
	return &Decoder{table: t}
}

// CorruptFrames returns the number of frames discarded so far.
func (d *Decoder) CorruptFrames() int {
	return d.corrupt
}

// Next returns the oldest decoded message, if any.
func (d *Decoder) Next() (Message, bool) {
	if len(d.msgs) == 0 {
		return nil, false
	}
	m := d.msgs[0]
	d.msgs = d.msgs[1:]
	return m, true
}

// Feed consumes a slice of incoming bytes. It never fails; malformed input
// is absorbed by the resynchronisation logic.
func (d *Decoder) Feed(p []byte) {
	for _, b := range p {
		d.feedByte(b)
	}
}

func (d *Decoder) feedByte(b byte) {
	switch d.state {
	case awaitHeader:
		spec, ok := d.table.LookupCode(b)
		if !ok {
			// interleaved garbage, wait for a recognisable opcode
			return
		}
		d.spec = spec
		d.sum = b
		d.lenGot = 0
		d.state = awaitLength

	case awaitLength:
		d.sum += b
		if d.lenGot == 0 {
			d.lenLow = b
			d.lenGot = 1
			return
		}
		d.length = int(binary.LittleEndian.Uint16([]byte{d.lenLow, b}))
		if d.length > d.table.MaxPayload {
			d.discard()
			return
		}
		d.payload = d.payload[:0]
		if d.length == 0 {
			d.state = awaitChecksum
		} else {
			d.state = awaitPayload
		}

	case awaitPayload:
		d.sum += b
		d.payload = append(d.payload, b)
		if len(d.payload) == d.length {
			d.state = awaitChecksum
		}

	case awaitChecksum:
		if b != d.sum {
			d.discard()
			return
		}
		d.termGot = 0
		d.state = awaitTerminator

	case awaitTerminator:
		if b != d.table.Terminator[d.termGot] {
			d.discard()
			return
		}
		d.termGot++
		if d.termGot < len(d.table.Terminator) {
			return
		}
		m, err := decodePayload(d.spec, d.payload)
		if err != nil {
			d.discard()
			return
		}
		d.msgs = append(d.msgs, m)
		d.state = awaitHeader
	}
}

func (d *Decoder) discard() {
	d.corrupt++
	d.state = awaitHeader
	if d.OnCorrupt != nil {
		d.OnCorrupt()
	}
}

func decodePayload(spec OpSpec, payload []byte) (Message, error) {
	wrongLen := func() error {
		return fmt.Errorf("%w: %q payload is %d bytes", ErrCorruptFrame, spec.Name, len(payload))
	}

	switch spec.Shape {
	case ShapeEmpty:
		if len(payload) != 0 {
			return nil, wrongLen()
		}
		switch spec.Name {
		case OpQueryStatus:
			return QueryStatus{}, nil
		case OpQueryInfo:
			return QueryInfo{}, nil
		case OpReset:
			return Reset{}, nil
		case OpAck:
			return Ack{}, nil
		}

	case ShapeU8:
		if len(payload) != 1 {
			return nil, wrongLen()
		}
		if spec.Name == OpSetHeat {
			return SetHeat{Level: payload[0]}, nil
		}

	case ShapeU16:
		if len(payload) != 2 {
			return nil, wrongLen()
		}
		if spec.Name == OpFeed {
			return Feed{Lines: binary.LittleEndian.Uint16(payload)}, nil
		}

	case ShapeRows:
		if len(payload) < 2 {
			return nil, wrongLen()
		}
		stride := payload[0]
		rows := payload[1:]
		if stride == 0 || len(rows)%int(stride) != 0 {
			return nil, fmt.Errorf("%w: %d row bytes don't divide into %d-byte rows", ErrCorruptFrame, len(rows), stride)
		}
		out := make([]byte, len(rows))
		copy(out, rows)
		return Print{Stride: stride, Rows: out}, nil

	case ShapeStatus:
		if len(payload) != 4 {
			return nil, wrongLen()
		}
		flags := payload[0]
		return StatusReport{
			PaperOut:     flags&FlagPaperOut != 0,
			OverTemp:     flags&FlagOverTemp != 0,
			LowBattery:   flags&FlagLowBattery != 0,
			Busy:         flags&FlagBusy != 0,
			LinesPrinted: binary.LittleEndian.Uint16(payload[2:4]),
		}, nil

	case ShapeInfo:
		if len(payload) != 4 {
			return nil, wrongLen()
		}
		return Info{
			Firmware: [3]byte{payload[0], payload[1], payload[2]},
			Battery:  payload[3],
		}, nil
	}
	return nil, fmt.Errorf("%w: no decoding for operation %q", ErrCorruptFrame, spec.Name)
}

// Decode parses a single complete frame. It's the one-shot counterpart of
// the streaming Decoder, mainly useful in tests and tooling.
func Decode(t *Table, b []byte) (Message, error) {
	d := NewDecoder(t)
	d.Feed(b)
	m, ok := d.Next()
	if !ok {
		return nil, ErrCorruptFrame
	}
	return m, nil
}
