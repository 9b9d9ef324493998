// Package protocol implements the ppa6 wire format: commands framed as an
// opcode byte, a little-endian length, the payload, an additive checksum and
// a fixed terminator, together with a streaming decoder for device replies.
package protocol

import "fmt"

// PayloadShape describes how a frame's payload is laid out.
type PayloadShape int

const (
	ShapeEmpty PayloadShape = iota
	ShapeU8
	ShapeU16
	ShapeRows
	ShapeStatus
	ShapeInfo
)

// Operation names used as keys into the opcode table.
const (
	OpPrint       = "print"
	OpFeed        = "feed"
	OpSetHeat     = "set-heat"
	OpQueryStatus = "query-status"
	OpQueryInfo   = "query-info"
	OpReset       = "reset"
	OpAck         = "ack"
	OpStatus      = "status"
	OpInfo        = "info"
)

// OpSpec binds an operation name to its opcode byte and payload layout.
// Reply frames are the ones the device sends back to the host.
type OpSpec struct {
	Name  string
	Code  byte
	Shape PayloadShape
	Reply bool
}

// Table holds the device-specific protocol constants. It is loaded once when
// a session is created, so the codec itself stays protocol-version-agnostic.
type Table struct {
	MaxPayload int
	Terminator [2]byte

	byName map[string]OpSpec
	byCode map[byte]OpSpec
}

func NewTable(maxPayload int, terminator [2]byte, specs []OpSpec) (*Table, error) {
	t := &Table{
		MaxPayload: maxPayload,
		Terminator: terminator,
		byName:     make(map[string]OpSpec, len(specs)),
		byCode:     make(map[byte]OpSpec, len(specs)),
	}
	for _, s := range specs {
		if _, ok := t.byName[s.Name]; ok {
			return nil, fmt.Errorf("duplicate operation %q in opcode table", s.Name)
		}
		if _, ok := t.byCode[s.Code]; ok {
			return nil, fmt.Errorf("duplicate opcode 0x%02x in opcode table", s.Code)
		}
		t.byName[s.Name] = s
		t.byCode[s.Code] = s
	}
	return t, nil
}

func (t *Table) Lookup(name string) (OpSpec, bool) {
	s, ok := t.byName[name]
	return s, ok
}

func (t *Table) LookupCode(code byte) (OpSpec, bool) {
	s, ok := t.byCode[code]
	return s, ok
}

// DefaultTable returns the opcode table for the ppa6 printer family.
func DefaultTable() *Table {
	t, err := NewTable(2048, [2]byte{0x0d, 0x0a}, []OpSpec{
		{Name: OpPrint, Code: 0x50, Shape: ShapeRows},
		{Name: OpFeed, Code: 0x46, Shape: ShapeU16},
		{Name: OpSetHeat, Code: 0x48, Shape: ShapeU8},
		{Name: OpQueryStatus, Code: 0x53, Shape: ShapeEmpty},
		{Name: OpQueryInfo, Code: 0x49, Shape: ShapeEmpty},
		{Name: OpReset, Code: 0x52, Shape: ShapeEmpty},
		{Name: OpAck, Code: 0x41, Shape: ShapeEmpty, Reply: true},
		{Name: OpStatus, Code: 0x73, Shape: ShapeStatus, Reply: true},
		{Name: OpInfo, Code: 0x69, Shape: ShapeInfo, Reply: true},
	})
	if err != nil {
		panic(err)
	}
	return t
}
