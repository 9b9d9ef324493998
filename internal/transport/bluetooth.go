package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

type characteristicType byte

const (
	serviceUUID   characteristicType = 0x00
	writerUUID    characteristicType = 0x02
	notifierUUID  characteristicType = 0x03
	maxWriteChunk                    = 180
)

func getUUID(t characteristicType) bluetooth.UUID {
	return bluetooth.NewUUID([16]byte{
		0x00, 0x00, 0xff, byte(t), 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0x80, 0x5f, 0x9b, 0x34, 0xfb,
	})
}

// bleConn adapts a writer characteristic plus notification stream into the
// byte-stream connection the session expects.
type bleConn struct {
	device   bluetooth.Device
	writer   bluetooth.DeviceCharacteristic
	incoming chan []byte
	leftover []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// DialBluetooth scans for the printer by advertised name or address string,
// connects, and wires up its writer/notifier characteristics.
func DialBluetooth(nameOrAddress string) (io.ReadWriteCloser, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("couldn't enable bluetooth adapter: %w", err)
	}

	devices := make(chan bluetooth.ScanResult, 1)
	go func() {
		err := adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.LocalName() == nameOrAddress || result.Address.String() == nameOrAddress {
				slog.Info("Found device:",
					"deviceName", result.LocalName(),
					"address", result.Address.String(),
				)
				devices <- result
				adapter.StopScan()
			}
		})
		if err != nil {
			slog.Error("Failed to scan for devices:",
				"err", err,
			)
			close(devices)
		}
	}()

	dev, ok := <-devices
	if !ok {
		return nil, errors.New("no matching bluetooth device found")
	}

	slog.Debug("Connecting to device...")
	device, err := adapter.Connect(dev.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("couldn't connect to device: %w", err)
	}

	slog.Debug("Discovering service...")
	services, err := device.DiscoverServices([]bluetooth.UUID{getUUID(serviceUUID)})
	if err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("couldn't discover printer service: %w", err)
	}

	slog.Debug("Discovering characteristics...")
	characteristics, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{getUUID(writerUUID), getUUID(notifierUUID)})
	if err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("couldn't discover printer characteristics: %w", err)
	}
	writer, notifier := characteristics[0], characteristics[1]

	conn := &bleConn{
		device:   device,
		writer:   writer,
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}

	err = notifier.EnableNotifications(func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case conn.incoming <- buf:
		case <-conn.closed:
		}
	})
	if err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("couldn't enable notifications: %w", err)
	}

	return conn, nil
}

func (c *bleConn) Read(p []byte) (int, error) {
	if len(c.leftover) == 0 {
		select {
		case data := <-c.incoming:
			c.leftover = data
		case <-c.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

func (c *bleConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	// BLE writes are capped well below a full print chunk, so split frames
	// across several characteristic writes.
	written := 0
	for written < len(p) {
		end := written + maxWriteChunk
		if end > len(p) {
			end = len(p)
		}
		if _, err := c.writer.WriteWithoutResponse(p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (c *bleConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.device.Disconnect(); err != nil {
			slog.Error("Failed to disconnect from device:", "err", err)
		}
	})
	return nil
}
