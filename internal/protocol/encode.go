package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encode frames a message for the wire: opcode, little-endian payload length,
// payload, additive checksum over everything before it, then the terminator.
func Encode(t *Table, m Message) ([]byte, error) {
	spec, ok := t.Lookup(m.Op())
	if !ok {
		return nil, fmt.Errorf("operation %q not in opcode table", m.Op())
	}

	payload, err := encodePayload(spec, m)
	if err != nil {
		return nil, err
	}
	if len(payload) > t.MaxPayload {
		return nil, fmt.Errorf("payload for %q is %d bytes, table allows %d", m.Op(), len(payload), t.MaxPayload)
	}

	frame := make([]byte, 0, len(payload)+6)
	frame = append(frame, spec.Code)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, checksum(frame))
	frame = append(frame, t.Terminator[0], t.Terminator[1])
	return frame, nil
}

func encodePayload(spec OpSpec, m Message) ([]byte, error) {
	switch spec.Shape {
	case ShapeEmpty:
		return nil, nil
	case ShapeU8:
		switch c := m.(type) {
		case SetHeat:
			return []byte{c.Level}, nil
		}
	case ShapeU16:
		switch c := m.(type) {
		case Feed:
			return binary.LittleEndian.AppendUint16(nil, c.Lines), nil
		}
	case ShapeRows:
		c, ok := m.(Print)
		if !ok {
			break
		}
		if c.Stride == 0 {
			return nil, fmt.Errorf("print chunk has zero stride")
		}
		if len(c.Rows)%int(c.Stride) != 0 {
			return nil, fmt.Errorf("print chunk of %d bytes is not a whole number of %d-byte rows", len(c.Rows), c.Stride)
		}
		payload := make([]byte, 0, len(c.Rows)+1)
		payload = append(payload, c.Stride)
		payload = append(payload, c.Rows...)
		return payload, nil
	case ShapeStatus:
		c, ok := m.(StatusReport)
		if !ok {
			break
		}
		var flags byte
		if c.PaperOut {
			flags |= FlagPaperOut
		}
		if c.OverTemp {
			flags |= FlagOverTemp
		}
		if c.LowBattery {
			flags |= FlagLowBattery
		}
		if c.Busy {
			flags |= FlagBusy
		}
		payload := []byte{flags, 0}
		return binary.LittleEndian.AppendUint16(payload, c.LinesPrinted), nil
	case ShapeInfo:
		c, ok := m.(Info)
		if !ok {
			break
		}
		return []byte{c.Firmware[0], c.Firmware[1], c.Firmware[2], c.Battery}, nil
	}
	return nil, fmt.Errorf("message %T doesn't match payload shape for %q", m, spec.Name)
}

// checksum is the additive checksum over opcode, length and payload bytes.
func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}
