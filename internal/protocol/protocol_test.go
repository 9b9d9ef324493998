package protocol

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"reflect"
	"testing"
)

func aRandomPrint() Print {
	stride := 1 + rand.IntN(48)
	rows := 1 + rand.IntN(24)
	data := make([]byte, stride*rows)
	for i := range data {
		data[i] = byte(rand.IntN(256))
	}
	return Print{Stride: byte(stride), Rows: data}
}

func someCommands() []Message {
	return []Message{
		aRandomPrint(),
		Feed{Lines: uint16(rand.IntN(0x10000))},
		SetHeat{Level: byte(rand.IntN(256))},
		QueryStatus{},
		QueryInfo{},
		Reset{},
		Ack{},
		StatusReport{
			PaperOut:     rand.IntN(2) == 1,
			OverTemp:     rand.IntN(2) == 1,
			LowBattery:   rand.IntN(2) == 1,
			Busy:         rand.IntN(2) == 1,
			LinesPrinted: uint16(rand.IntN(0x10000)),
		},
		Info{Firmware: [3]byte{1, 2, 3}, Battery: byte(rand.IntN(101))},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	table := DefaultTable()

	for round := range 20 {
		for _, cmd := range someCommands() {
			t.Run(fmt.Sprintf("round %v: %s", round, cmd.Op()), func(t *testing.T) {
				encoded, err := Encode(table, cmd)
				if err != nil {
					t.Fatalf("encoding failed: %v", err)
				}
				decoded, err := Decode(table, encoded)
				if err != nil {
					t.Fatalf("decoding failed: %v", err)
				}
				if !reflect.DeepEqual(cmd, decoded) {
					t.Errorf("round trip mismatch: sent %#v, got %#v", cmd, decoded)
				}
			})
		}
	}
}

func TestEncodeFrameLayout(t *testing.T) {
	table := DefaultTable()

	encoded, err := Encode(table, Feed{Lines: 0x0102})
	if err != nil {
		t.Fatalf("encoding failed: %v", err)
	}

	want := []byte{
		0x46,       // opcode
		0x02, 0x00, // payload length, little endian
		0x02, 0x01, // lines, little endian
		0x46 + 0x02 + 0x02 + 0x01, // additive checksum
		0x0d, 0x0a, // terminator
	}
	if !bytes.Equal(encoded, want) {
		t.Errorf("frame layout mismatch:\ngot  %x\nwant %x", encoded, want)
	}
}

func TestEncodeRejectsRaggedPrintChunk(t *testing.T) {
	table := DefaultTable()

	if _, err := Encode(table, Print{Stride: 48, Rows: make([]byte, 47)}); err == nil {
		t.Error("expected error for chunk that isn't a whole number of rows")
	}
	if _, err := Encode(table, Print{Stride: 0, Rows: make([]byte, 48)}); err == nil {
		t.Error("expected error for zero stride")
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	table := DefaultTable()

	rows := make([]byte, table.MaxPayload+48)
	if _, err := Encode(table, Print{Stride: 48, Rows: rows}); err == nil {
		t.Error("expected error for payload above the table bound")
	}
}

func TestDecoderSingleByteCorruption(t *testing.T) {
	table := DefaultTable()

	for round := range 50 {
		cmd := aRandomPrint()
		encoded, err := Encode(table, cmd)
		if err != nil {
			t.Fatalf("encoding failed: %v", err)
		}

		flipAt := 3 + rand.IntN(len(cmd.Rows)+1) // somewhere in the payload
		corrupted := make([]byte, len(encoded))
		copy(corrupted, encoded)
		corrupted[flipAt] ^= 0xff

		d := NewDecoder(table)
		d.Feed(corrupted)
		if m, ok := d.Next(); ok {
			// A flipped byte can in principle still checksum correctly;
			// the decoder just must not produce something malformed.
			p, isPrint := m.(Print)
			if !isPrint || len(p.Rows)%int(p.Stride) != 0 {
				t.Errorf("round %v: corrupted frame decoded to malformed message %#v", round, m)
			}
		} else if d.CorruptFrames() == 0 {
			t.Errorf("round %v: frame neither decoded nor counted as corrupt", round)
		}
	}
}

func TestDecoderResynchronisesAfterGarbage(t *testing.T) {
	table := DefaultTable()

	cmd := Feed{Lines: 96}
	encoded, err := Encode(table, cmd)
	if err != nil {
		t.Fatalf("encoding failed: %v", err)
	}

	// 0x00 and 0xff are never opcodes in the default table, so this mimics
	// line noise ahead of a valid frame.
	stream := append([]byte{0x00, 0xff, 0x00, 0xff, 0xff}, encoded...)

	d := NewDecoder(table)
	d.Feed(stream)
	m, ok := d.Next()
	if !ok {
		t.Fatal("decoder didn't recover the frame after garbage")
	}
	if !reflect.DeepEqual(m, cmd) {
		t.Errorf("recovered wrong message: %#v", m)
	}
}

func TestDecoderRecoversAfterCorruptFrame(t *testing.T) {
	table := DefaultTable()

	good, err := Encode(table, SetHeat{Level: 0x7f})
	if err != nil {
		t.Fatalf("encoding failed: %v", err)
	}
	bad := make([]byte, len(good))
	copy(bad, good)
	bad[len(bad)-3] ^= 0x55 // break the checksum

	corrupts := 0
	d := NewDecoder(table)
	d.OnCorrupt = func() { corrupts++ }

	d.Feed(bad)
	d.Feed(good)

	m, ok := d.Next()
	if !ok {
		t.Fatal("decoder didn't recover after a corrupt frame")
	}
	if !reflect.DeepEqual(m, SetHeat{Level: 0x7f}) {
		t.Errorf("recovered wrong message: %#v", m)
	}
	if corrupts != 1 {
		t.Errorf("expected 1 corrupt frame callback, got %v", corrupts)
	}
}

func TestDecoderBoundsPayloadBuffer(t *testing.T) {
	table := DefaultTable()

	// A print header declaring a payload beyond the table bound must be
	// discarded at the length state, before any buffering happens.
	d := NewDecoder(table)
	d.Feed([]byte{0x50, 0xff, 0xff})
	if d.CorruptFrames() != 1 {
		t.Errorf("oversized length field not rejected, corrupt count = %v", d.CorruptFrames())
	}
}

func TestDecoderFeedsByteAtATime(t *testing.T) {
	table := DefaultTable()

	cmd := aRandomPrint()
	encoded, err := Encode(table, cmd)
	if err != nil {
		t.Fatalf("encoding failed: %v", err)
	}

	d := NewDecoder(table)
	for _, b := range encoded {
		d.Feed([]byte{b})
	}
	m, ok := d.Next()
	if !ok {
		t.Fatal("no message after feeding frame byte by byte")
	}
	if !reflect.DeepEqual(m, cmd) {
		t.Errorf("message mismatch: %#v", m)
	}
}
