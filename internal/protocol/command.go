package protocol

import "fmt"

// Message is a decoded protocol frame, either a host command or a device
// reply. Messages are constructed fresh per call and never mutated after
// encoding.
type Message interface {
	Op() string
}

// Print carries one chunk of packed bitmap rows. Rows holds Stride bytes per
// printed line, most-significant-bit-first, bit 1 meaning a burned (black)
// dot.
type Print struct {
	Stride byte
	Rows   []byte
}

func (Print) Op() string { return OpPrint }

// RowCount returns the number of printed lines in the chunk.
func (p Print) RowCount() int {
	if p.Stride == 0 {
		return 0
	}
	return len(p.Rows) / int(p.Stride)
}

func (p Print) String() string {
	return fmt.Sprintf("Print(stride=%d,rows=%d)", p.Stride, p.RowCount())
}

// Feed advances the paper by the given number of blank lines.
type Feed struct {
	Lines uint16
}

func (Feed) Op() string { return OpFeed }

// SetHeat adjusts the print head heat level.
type SetHeat struct {
	Level byte
}

func (SetHeat) Op() string { return OpSetHeat }

type QueryStatus struct{}

func (QueryStatus) Op() string { return OpQueryStatus }

type QueryInfo struct{}

func (QueryInfo) Op() string { return OpQueryInfo }

type Reset struct{}

func (Reset) Op() string { return OpReset }

// Ack is the device's acknowledgement of a received command.
type Ack struct{}

func (Ack) Op() string { return OpAck }

// StatusReport flag bits, as laid out in the status reply payload.
const (
	FlagPaperOut   = 0x01
	FlagOverTemp   = 0x02
	FlagLowBattery = 0x04
	FlagBusy       = 0x08
)

// StatusReport is the decoded reply to a QueryStatus. LinesPrinted is the
// device's running line counter, which the job driver uses to detect a chunk
// that was applied even though its acknowledgement got lost.
type StatusReport struct {
	PaperOut     bool
	OverTemp     bool
	LowBattery   bool
	Busy         bool
	LinesPrinted uint16
}

func (StatusReport) Op() string { return OpStatus }

// Fault reports whether the status carries a condition that makes printing
// impossible until the operator intervenes.
func (s StatusReport) Fault() bool {
	return s.PaperOut || s.OverTemp
}

func (s StatusReport) String() string {
	return fmt.Sprintf("Status(paperOut=%t,overTemp=%t,lowBattery=%t,busy=%t,lines=%d)",
		s.PaperOut, s.OverTemp, s.LowBattery, s.Busy, s.LinesPrinted)
}

// Info is the decoded reply to a QueryInfo.
type Info struct {
	Firmware [3]byte
	Battery  byte
}

func (Info) Op() string { return OpInfo }

func (i Info) FirmwareVersion() string {
	return fmt.Sprintf("%v.%v.%v", i.Firmware[0], i.Firmware[1], i.Firmware[2])
}
