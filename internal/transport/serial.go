package transport

import (
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// DefaultBaud is the rate the ppa6 serial bridge runs at.
const DefaultBaud = 115200

// OpenSerial opens a serial (or RFCOMM tty) device file as a session
// connection. The short read timeout keeps the session's read pump
// responsive without busy-waiting.
func OpenSerial(device string, baud int) (io.ReadWriteCloser, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't open serial device %s: %w", device, err)
	}
	return port, nil
}
