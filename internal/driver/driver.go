package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ppa6/internal/protocol"
	"ppa6/internal/raster"
	"ppa6/internal/transport"
)

// Options control one print job.
type Options struct {
	// HeatLevel sets the head heat before printing; zero leaves the
	// device's current level alone.
	HeatLevel byte
	// FeedLinesAfter is the paper advance after the last chunk, so the
	// printed label clears the tear bar. Zero means the default.
	FeedLinesAfter uint16
	// Dither enables ordered dithering; disable for pre-binarized input.
	Dither bool
	// Invert swaps black and white.
	Invert bool
	// Threshold is the white cutoff when dithering is disabled.
	Threshold byte
}

// DefaultFeedLines clears the printed label past the tear bar.
const DefaultFeedLines = 32

// Config tunes the driver. Zero values pick the defaults below.
type Config struct {
	// PollEvery is the number of chunks between status polls while
	// transmitting. Polling per-row would swamp the link.
	PollEvery int
	// CommandTimeout bounds each command round trip; zero uses the
	// session's own default.
	CommandTimeout time.Duration
	// Retries bounds the driver's own resends of an unacknowledged print
	// chunk.
	Retries int
	// Backoff is the base delay between those resends; it doubles.
	Backoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollEvery == 0 {
		c.PollEvery = 8
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Backoff == 0 {
		c.Backoff = 250 * time.Millisecond
	}
	return c
}

// Driver runs print jobs against one transport session. One job is in
// flight at a time; the driver never reconnects on its own, because
// connection handles are supplied from outside.
type Driver struct {
	session *transport.Session
	cfg     Config

	mu   sync.Mutex
	busy bool
}

func New(session *transport.Session, cfg Config) *Driver {
	return &Driver{
		session: session,
		cfg:     cfg.withDefaults(),
	}
}

// Submit starts a print job for the given pixel buffer. Malformed input is
// rejected here, synchronously; everything after that is reported through
// the returned handle.
func (d *Driver) Submit(pix *raster.PixelBuffer, opts Options) (*JobHandle, error) {
	if pix == nil || pix.Width <= 0 || pix.Height <= 0 {
		return nil, raster.ErrInvalidImage
	}
	if d.session.Closed() {
		return nil, transport.ErrClosed
	}

	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return nil, errors.New("a job is already in flight on this session")
	}
	d.busy = true
	d.mu.Unlock()

	job := newJobHandle()
	go d.run(job, pix, opts)
	return job, nil
}

func (d *Driver) run(job *JobHandle, pix *raster.PixelBuffer, opts Options) {
	err := d.execute(job, pix, opts)

	// Free the driver before the handle reports terminal, so a caller
	// reacting to Done can submit the next job straight away.
	d.mu.Lock()
	d.busy = false
	d.mu.Unlock()

	if err != nil {
		job.finish(Aborted, err)
		return
	}
	job.finish(Done, nil)
}

func (d *Driver) execute(job *JobHandle, pix *raster.PixelBuffer, opts Options) error {
	log := slog.With("job", job.ID)

	job.setState(Rasterizing)
	stream, err := raster.Rasterize(pix, raster.Options{
		Dither:    opts.Dither,
		Invert:    opts.Invert,
		Threshold: opts.Threshold,
	})
	if err != nil {
		log.Error("Rasterization failed", "error", err)
		return err
	}
	log.Info("Job rasterized", "rows", stream.Height(), "stride", stream.Stride())

	// Rows are produced through a bounded channel so rasterization can run
	// ahead of the printer without buffering the whole job.
	rowCh := make(chan raster.BitRow, 64)
	go func() {
		defer close(rowCh)
		for {
			row, ok := stream.Next()
			if !ok {
				return
			}
			select {
			case rowCh <- row:
			case <-job.cancel:
				return
			}
		}
	}()

	if err := d.transmit(job, rowCh, stream.Stride(), opts, log); err != nil {
		log.Error("Job failed", "state", job.State(), "error", err)
		return err
	}

	log.Info("Job finished")
	return nil
}

func (d *Driver) transmit(job *JobHandle, rowCh <-chan raster.BitRow, stride int, opts Options, log *slog.Logger) error {
	// Baseline the device's line counter before sending anything; it's
	// what disambiguates a lost ack from a lost command later.
	status, err := d.session.QueryStatus(d.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if status.Fault() {
		return &DeviceFault{Status: status}
	}
	linesBase := status.LinesPrinted

	if opts.HeatLevel > 0 {
		if err := d.session.Send(protocol.SetHeat{Level: opts.HeatLevel}, d.cfg.CommandTimeout); err != nil {
			return fmt.Errorf("couldn't set heat level: %w", err)
		}
	}

	chunkRows := d.session.ChunkRows()
	rowsSent := 0
	chunkIndex := 0

	for {
		chunk := gatherChunk(rowCh, stride, chunkRows)
		if chunk == nil {
			break
		}
		if chunkIndex == 0 {
			job.setState(Transmitting)
		}

		if job.canceled() {
			return ErrCanceled
		}

		// Poll periodically rather than per-chunk, but always act on the
		// freshest report we have before burning more paper.
		if chunkIndex > 0 && chunkIndex%d.cfg.PollEvery == 0 {
			if status, err = d.session.QueryStatus(d.cfg.CommandTimeout); err != nil {
				return err
			}
		} else if remembered, ok := d.session.LastStatus(); ok {
			status = remembered
		}
		if status.Fault() {
			return &DeviceFault{Status: status}
		}

		if err := d.sendChunk(chunk, linesBase, rowsSent, log); err != nil {
			return err
		}
		rowsSent += chunk.RowCount()
		chunkIndex++
	}

	if job.canceled() {
		return ErrCanceled
	}

	feed := opts.FeedLinesAfter
	if feed == 0 {
		feed = DefaultFeedLines
	}
	if err := d.session.Send(protocol.Feed{Lines: feed}, d.cfg.CommandTimeout); err != nil {
		return err
	}

	job.setState(AwaitingFinalStatus)
	final, err := d.session.QueryStatus(d.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if final.Fault() {
		return &DeviceFault{Status: final}
	}
	return nil
}

// sendChunk transmits one print chunk, retrying on missed acknowledgements.
// A timeout is ambiguous: the printer may have burned the rows and only the
// ack was lost. Re-printing would double-feed, so before each resend the
// device's line counter is checked against what this job has accounted for,
// and an already-applied chunk is simply skipped.
func (d *Driver) sendChunk(chunk *protocol.Print, linesBase uint16, rowsSent int, log *slog.Logger) error {
	applied := uint16(rowsSent + chunk.RowCount())

	for try := 0; try <= d.cfg.Retries; try++ {
		if try > 0 {
			time.Sleep(d.cfg.Backoff << (try - 1))

			status, err := d.session.QueryStatus(d.cfg.CommandTimeout)
			if err == nil && status.LinesPrinted-linesBase >= applied {
				log.Debug("Chunk already applied, skipping resend",
					"linesPrinted", status.LinesPrinted,
					"rowsSent", rowsSent,
				)
				return nil
			}
			if err != nil {
				return err
			}
			log.Debug("Resending chunk", "try", try)
		}

		err := d.session.SendOnce(*chunk, d.cfg.CommandTimeout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrTimeout) {
			return err
		}
	}

	d.session.Close()
	return transport.ErrUnresponsive
}

func gatherChunk(rowCh <-chan raster.BitRow, stride, maxRows int) *protocol.Print {
	rows := make([]byte, 0, stride*maxRows)
	count := 0
	for row := range rowCh {
		rows = append(rows, row...)
		count++
		if count == maxRows {
			break
		}
	}
	if count == 0 {
		return nil
	}
	return &protocol.Print{Stride: byte(stride), Rows: rows}
}
