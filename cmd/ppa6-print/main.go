package main

import (
	"bytes"
	"flag"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"ppa6/internal/driver"
	"ppa6/internal/protocol"
	"ppa6/internal/raster"
	"ppa6/internal/text"
	"ppa6/internal/transport"
)

var (
	serialDevice = flag.String("serial", "", "serial device to print over, e.g. /dev/rfcomm0")
	serialBaud   = flag.Int("baud", transport.DefaultBaud, "serial baud rate")
	btDevice     = flag.String("bluetooth", "PeriPage+", "bluetooth device name or address")

	asText   = flag.Bool("text", false, "treat the input as UTF-8 text instead of an image")
	fontName = flag.String("font", "goregular", "builtin font for text input (goregular or gomono)")
	fontSize = flag.Float64("size", 24, "font size in points for text input")

	copies    = flag.Int("n", 1, "number of copies to print")
	feedLines = flag.Int("feed", driver.DefaultFeedLines, "paper lines to feed after printing")
	rotate    = flag.Int("rotate", 0, "rotate the image clockwise by 0, 90, 180 or 270 degrees")
	invert    = flag.Bool("invert", false, "swap black and white")
	noDither  = flag.Bool("no-dither", false, "threshold instead of dithering")
	threshold = flag.Int("threshold", 0, "white cutoff 1-255 when dithering is off")
	brighten  = flag.Int("brighten", 0, "brightness offset, -255 to 255")
	contrast  = flag.Float64("contrast", 1.0, "contrast factor, 1.0 leaves the image alone")
	heatLevel = flag.Int("heat", 0, "print head heat 1-255, 0 keeps the device setting")
	ackLess   = flag.Bool("ackless", false, "pace by timing instead of waiting for acks")
	showInfo  = flag.Bool("info", false, "report firmware and battery, then exit")
	doReset   = flag.Bool("reset", false, "reset the printer, then exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options] FILE\n\n", os.Args[0])
	fmt.Fprintln(flag.CommandLine.Output(), "Prints FILE on a PeriPage A6. Pass - to read from stdin.")
	flag.PrintDefaults()
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func loadPixels(path string) (*raster.PixelBuffer, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, fmt.Errorf("Couldn't read %s:\n%w", path, err)
	}

	if *asText {
		return text.Render(string(data), *fontName, *fontSize, raster.DeviceWidth)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("Couldn't decode %s:\n%w", path, err)
	}
	pix := raster.FromImage(img)

	if *rotate != 0 {
		if pix, err = pix.Rotate(*rotate); err != nil {
			return nil, err
		}
	}
	if *brighten != 0 || *contrast != 1.0 {
		pix = pix.Adjust(*brighten, *contrast)
	}
	return pix, nil
}

func connect() (io.ReadWriteCloser, error) {
	if *serialDevice != "" {
		return transport.OpenSerial(*serialDevice, *serialBaud)
	}
	fmt.Fprintf(os.Stderr, "Scanning for %s...\n", *btDevice)
	return transport.DialBluetooth(*btDevice)
}

func run() error {
	conn, err := connect()
	if err != nil {
		return fmt.Errorf("Couldn't connect to printer:\n%w", err)
	}

	session := transport.NewSession(conn, protocol.DefaultTable(), transport.Config{
		AckLess: *ackLess,
	})
	defer session.Close()

	if *doReset {
		return session.Send(protocol.Reset{}, 0)
	}

	if *showInfo {
		info, err := session.QueryInfo(0)
		if err != nil {
			return err
		}
		status, err := session.QueryStatus(0)
		if err != nil {
			return err
		}
		fmt.Printf("firmware: %s\nbattery:  %d%%\npaper:    %v\n",
			info.FirmwareVersion(), info.Battery, !status.PaperOut)
		return nil
	}

	pix, err := loadPixels(flag.Arg(0))
	if err != nil {
		return err
	}

	drv := driver.New(session, driver.Config{})
	opts := driver.Options{
		HeatLevel:      byte(*heatLevel),
		FeedLinesAfter: uint16(*feedLines),
		Dither:         !*noDither,
		Invert:         *invert,
		Threshold:      byte(*threshold),
	}

	for n := 0; n < *copies; n++ {
		handle, err := drv.Submit(pix, opts)
		if err != nil {
			return err
		}
		<-handle.Done()
		if err := handle.Err(); err != nil {
			return fmt.Errorf("Print failed on copy %d of %d:\n%w", n+1, *copies, err)
		}
		fmt.Fprintf(os.Stderr, "Printed copy %d of %d\n", n+1, *copies)
	}
	return nil
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if !*showInfo && !*doReset && flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	if err := run(); err != nil {
		slog.Error("Couldn't print", "err", err)
		os.Exit(1)
	}
}
