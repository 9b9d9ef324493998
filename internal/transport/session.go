// Package transport owns one open printer connection and the send/ack/retry
// cycle over it. The link is half-duplex in practice: one command goes out,
// then the session waits for the matching acknowledgement or reply before
// anything else is written.
package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"ppa6/internal/protocol"
)

var (
	// ErrTimeout is a single missed acknowledgement; callers may retry.
	ErrTimeout = errors.New("timed out waiting for printer reply")
	// ErrUnresponsive means the retry budget is spent and the session is
	// closed. A fresh connection is needed to continue.
	ErrUnresponsive = errors.New("printer unresponsive, session closed")
	// ErrClosed is returned for sends on a closed session.
	ErrClosed = errors.New("session is closed")
)

// Config tunes the session's timing. Zero values pick the defaults below.
type Config struct {
	// AckTimeout bounds the wait for an acknowledgement per attempt.
	AckTimeout time.Duration
	// Retries is how many times a timed-out command is retried before the
	// session gives up and closes.
	Retries int
	// Backoff is the base delay between retries; it doubles per attempt.
	Backoff time.Duration
	// ChunkRows is the negotiated number of rows per print chunk.
	ChunkRows int

	// AckLess switches to duty-cycle pacing for device variants that never
	// acknowledge: after each write the session just waits out the delay
	// below instead of listening for an ack.
	AckLess bool
	// InterCommandDelay is the minimum gap between commands in AckLess mode.
	InterCommandDelay time.Duration
	// LineDelay is the extra per-printed-line gap in AckLess mode, matching
	// how fast the thermal head can actually fire.
	LineDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.AckTimeout == 0 {
		c.AckTimeout = 2 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Backoff == 0 {
		c.Backoff = 250 * time.Millisecond
	}
	if c.ChunkRows == 0 {
		c.ChunkRows = 24
	}
	if c.InterCommandDelay == 0 {
		c.InterCommandDelay = 20 * time.Millisecond
	}
	if c.LineDelay == 0 {
		c.LineDelay = 2 * time.Millisecond
	}
	return c
}

// Session drives the wire protocol over an exclusively-owned connection. The
// connection handle is moved in at construction and closed with the session.
// One job driver uses a session at a time; methods are serialised internally
// so a status poll can't interleave with a print write.
type Session struct {
	conn  io.ReadWriteCloser
	table *protocol.Table
	cfg   Config

	frames   chan protocol.Message
	corrupt  chan struct{}
	readDone chan struct{}

	mu  sync.Mutex // serialises command round trips
	seq uint64

	stateMu    sync.Mutex
	closed     bool
	lastStatus *protocol.StatusReport
	lastInfo   *protocol.Info
}

// NewSession takes ownership of conn and starts reading replies from it.
func NewSession(conn io.ReadWriteCloser, table *protocol.Table, cfg Config) *Session {
	s := &Session{
		conn:     conn,
		table:    table,
		cfg:      cfg.withDefaults(),
		frames:   make(chan protocol.Message, 16),
		corrupt:  make(chan struct{}, 4),
		readDone: make(chan struct{}),
	}
	go s.readPump()
	return s
}

// ChunkRows is the negotiated print chunk size in rows.
func (s *Session) ChunkRows() int {
	return s.cfg.ChunkRows
}

// Table returns the opcode table the session was built with.
func (s *Session) Table() *protocol.Table {
	return s.table
}

// Closed reports whether the session can still accept sends.
func (s *Session) Closed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
}

// Close shuts the session down and closes the underlying connection.
func (s *Session) Close() error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	s.stateMu.Unlock()
	return s.conn.Close()
}

// LastStatus returns the most recent status report seen on the link, whether
// it was polled for or pushed by the device.
func (s *Session) LastStatus() (protocol.StatusReport, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.lastStatus == nil {
		return protocol.StatusReport{}, false
	}
	return *s.lastStatus, true
}

// LastInfo returns the most recent device info reply, if any was seen.
func (s *Session) LastInfo() (protocol.Info, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.lastInfo == nil {
		return protocol.Info{}, false
	}
	return *s.lastInfo, true
}

func (s *Session) readPump() {
	defer close(s.readDone)

	decoder := protocol.NewDecoder(s.table)
	decoder.OnCorrupt = func() {
		select {
		case s.corrupt <- struct{}{}:
		default:
		}
	}

	buf := make([]byte, 512)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			for {
				m, ok := decoder.Next()
				if !ok {
					break
				}
				s.remember(m)
				select {
				case s.frames <- m:
				default:
					slog.Debug("Dropping reply frame, nothing is waiting", "op", m.Op())
				}
			}
		}
		if err != nil {
			if !s.Closed() && !errors.Is(err, io.EOF) {
				slog.Error("Connection read failed", "error", err)
			}
			return
		}
	}
}

func (s *Session) remember(m protocol.Message) {
	switch r := m.(type) {
	case protocol.StatusReport:
		s.stateMu.Lock()
		s.lastStatus = &r
		s.stateMu.Unlock()
	case protocol.Info:
		s.stateMu.Lock()
		s.lastInfo = &r
		s.stateMu.Unlock()
	}
}

// replyClass is what a round trip waits for after writing its command.
type replyClass int

const (
	wantAck replyClass = iota
	wantStatus
	wantInfo
)

// SendOnce writes the command and waits for a single acknowledgement within
// the timeout. It does not retry; ErrTimeout covers both a silent device and
// a reply that arrived too garbled to recognise.
func (s *Session) SendOnce(cmd protocol.Message, timeout time.Duration) error {
	_, err := s.roundTrip(cmd, timeout, wantAck)
	return err
}

// Send writes the command and waits for its acknowledgement, retrying with
// exponential backoff. Exhausting the retry budget closes the session and
// surfaces ErrUnresponsive.
func (s *Session) Send(cmd protocol.Message, timeout time.Duration) error {
	return s.withRetries(cmd, func() error {
		return s.SendOnce(cmd, timeout)
	})
}

// QueryStatus polls the device and returns its decoded status report,
// retrying like Send.
func (s *Session) QueryStatus(timeout time.Duration) (protocol.StatusReport, error) {
	var report protocol.StatusReport
	err := s.withRetries(protocol.QueryStatus{}, func() error {
		m, err := s.roundTrip(protocol.QueryStatus{}, timeout, wantStatus)
		if err != nil {
			return err
		}
		report = m.(protocol.StatusReport)
		return nil
	})
	return report, err
}

// QueryInfo fetches firmware and battery details, retrying like Send.
func (s *Session) QueryInfo(timeout time.Duration) (protocol.Info, error) {
	var info protocol.Info
	err := s.withRetries(protocol.QueryInfo{}, func() error {
		m, err := s.roundTrip(protocol.QueryInfo{}, timeout, wantInfo)
		if err != nil {
			return err
		}
		info = m.(protocol.Info)
		return nil
	})
	return info, err
}

func (s *Session) withRetries(cmd protocol.Message, attempt func() error) error {
	for try := 0; try <= s.cfg.Retries; try++ {
		if try > 0 {
			backoff := s.cfg.Backoff << (try - 1)
			slog.Debug("Retrying command", "op", cmd.Op(), "try", try, "backoff", backoff)
			time.Sleep(backoff)
		}
		err := attempt()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTimeout) {
			return err
		}
	}
	slog.Error("Retry budget exhausted, closing session", "op", cmd.Op())
	s.Close()
	return ErrUnresponsive
}

func (s *Session) roundTrip(cmd protocol.Message, timeout time.Duration, want replyClass) (protocol.Message, error) {
	if s.Closed() {
		return nil, ErrClosed
	}
	if timeout == 0 {
		timeout = s.cfg.AckTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	frame, err := protocol.Encode(s.table, cmd)
	if err != nil {
		return nil, fmt.Errorf("couldn't encode %q command: %w", cmd.Op(), err)
	}

	s.seq++
	slog.Debug("Sending command", "op", cmd.Op(), "seq", s.seq, "size", len(frame))

	s.drainStale()
	if _, err := s.conn.Write(frame); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: write failed: %v", ErrUnresponsive, err)
	}

	if s.cfg.AckLess {
		// No acknowledgements on this variant: pace writes to the thermal
		// head's duty cycle instead. Query replies still arrive on the
		// notifier, so only ack waits are skipped.
		time.Sleep(s.pacingDelay(cmd))
		if want == wantAck {
			return protocol.Ack{}, nil
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case m := <-s.frames:
			switch reply := m.(type) {
			case protocol.Ack:
				if want == wantAck {
					return reply, nil
				}
			case protocol.StatusReport:
				if want == wantStatus {
					return reply, nil
				}
				// unsolicited status, already remembered by the pump
			case protocol.Info:
				if want == wantInfo {
					return reply, nil
				}
			default:
				slog.Debug("Ignoring unexpected reply", "op", m.Op())
			}
		case <-s.corrupt:
			// A garbled reply is indistinguishable from a lost one; let the
			// caller retry the same idempotent command.
			slog.Debug("Reply frame corrupt, treating as missed acknowledgement", "op", cmd.Op())
			return nil, ErrTimeout
		case <-s.readDone:
			s.Close()
			return nil, ErrUnresponsive
		case <-deadline.C:
			return nil, ErrTimeout
		}
	}
}

// drainStale throws away replies left over from a previous round trip, so a
// late ack can't satisfy the next command.
func (s *Session) drainStale() {
	for {
		select {
		case <-s.frames:
		case <-s.corrupt:
		default:
			return
		}
	}
}

func (s *Session) pacingDelay(cmd protocol.Message) time.Duration {
	d := s.cfg.InterCommandDelay
	if p, ok := cmd.(protocol.Print); ok {
		d += time.Duration(p.RowCount()) * s.cfg.LineDelay
	}
	if f, ok := cmd.(protocol.Feed); ok {
		d += time.Duration(f.Lines) * s.cfg.LineDelay
	}
	return d
}
