package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"ppa6/internal/config"
	"ppa6/internal/driver"
	"ppa6/internal/protocol"
	"ppa6/internal/server"
	"ppa6/internal/spool"
	"ppa6/internal/transport"
)

func connect(cfg *config.Config) (io.ReadWriteCloser, error) {
	if cfg.SerialDevice != "" {
		slog.Info("Opening serial device", "device", cfg.SerialDevice, "baud", cfg.SerialBaud)
		return transport.OpenSerial(cfg.SerialDevice, cfg.SerialBaud)
	}
	slog.Info("Scanning for printer", "device", cfg.BluetoothDevice)
	return transport.DialBluetooth(cfg.BluetoothDevice)
}

func main() {
	cfg := config.Load()

	conn, err := connect(cfg)
	if err != nil {
		slog.Error("Couldn't connect to printer", "err", err)
		os.Exit(1)
	}

	session := transport.NewSession(conn, protocol.DefaultTable(), transport.Config{
		ChunkRows:  cfg.ChunkRows,
		AckTimeout: cfg.AckTimeout,
		AckLess:    cfg.AckLess,
	})
	defer session.Close()

	if info, err := session.QueryInfo(0); err != nil {
		slog.Warn("Printer didn't report its details", "err", err)
	} else {
		slog.Info("Found printer", "firmware", info.FirmwareVersion(), "battery", info.Battery)
	}

	repository, err := spool.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("Couldn't open job database", "err", err)
		os.Exit(1)
	}
	defer repository.Close()

	drv := driver.New(session, driver.Config{})
	srv := server.New(drv, session, repository, driver.Options{
		Dither:         true,
		HeatLevel:      byte(cfg.HeatLevel),
		FeedLinesAfter: uint16(cfg.FeedLines),
	})

	fmt.Printf("Starting server on %s...\n", cfg.ListenAddress)
	if err := http.ListenAndServe(cfg.ListenAddress, srv.Routes()); err != nil {
		slog.Error("Server stopped", "err", err)
		os.Exit(1)
	}
}
