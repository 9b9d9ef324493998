package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppa6/internal/driver"
	"ppa6/internal/protocol"
	"ppa6/internal/spool"
	"ppa6/internal/transport"
)

// obedientPrinter answers every command it can decode: acks for writes,
// a clean status for polls, firmware details for info queries.
type obedientPrinter struct {
	table   *protocol.Table
	decoder *protocol.Decoder
	replies chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	lines    uint16
	paperOut bool
	leftover []byte
}

func (d *obedientPrinter) setPaperOut(out bool) {
	d.mu.Lock()
	d.paperOut = out
	d.mu.Unlock()
}

func newObedientPrinter(t *protocol.Table) *obedientPrinter {
	return &obedientPrinter{
		table:   t,
		decoder: protocol.NewDecoder(t),
		replies: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (d *obedientPrinter) Write(p []byte) (int, error) {
	d.decoder.Feed(p)
	for {
		m, ok := d.decoder.Next()
		if !ok {
			return len(p), nil
		}

		d.mu.Lock()
		var reply protocol.Message
		switch cmd := m.(type) {
		case protocol.Print:
			d.lines += uint16(cmd.RowCount())
			reply = protocol.Ack{}
		case protocol.Feed:
			d.lines += cmd.Lines
			reply = protocol.Ack{}
		case protocol.QueryStatus:
			reply = protocol.StatusReport{PaperOut: d.paperOut, LinesPrinted: d.lines}
		case protocol.QueryInfo:
			reply = protocol.Info{Firmware: [3]byte{1, 0, 3}, Battery: 88}
		default:
			reply = protocol.Ack{}
		}
		d.mu.Unlock()

		frame, err := protocol.Encode(d.table, reply)
		if err != nil {
			panic(err)
		}
		select {
		case d.replies <- frame:
		case <-d.closed:
		}
	}
}

func (d *obedientPrinter) Read(p []byte) (int, error) {
	if len(d.leftover) == 0 {
		select {
		case data := <-d.replies:
			d.leftover = data
		case <-d.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, d.leftover)
	d.leftover = d.leftover[n:]
	return n, nil
}

func (d *obedientPrinter) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func newTestServer(t *testing.T) (*Server, *transport.Session, *obedientPrinter) {
	table := protocol.DefaultTable()
	device := newObedientPrinter(table)
	session := transport.NewSession(device, table, transport.Config{
		AckTimeout: 100 * time.Millisecond,
		Backoff:    time.Millisecond,
	})
	t.Cleanup(func() { session.Close() })

	repo, err := spool.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	drv := driver.New(session, driver.Config{Backoff: time.Millisecond})
	return New(drv, session, repo, driver.Options{Dither: true}), session, device
}

func postJson(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

// waitForState polls the job endpoint until the job leaves the running
// state or the deadline passes.
func waitForState(t *testing.T, mux *http.ServeMux, u string) spool.Job {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/jobs/"+u, nil))
		require.Equal(t, http.StatusOK, w.Code)

		var job spool.Job
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
		if job.State != spool.StateRunning {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never finished", u)
	return spool.Job{}
}

func TestPrintEndpointRunsJobToCompletion(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mux := srv.Routes()

	pixels := bytes.Repeat([]byte{0x00}, 16*16)
	w := postJson(t, mux, "/print", map[string]any{
		"width": 16, "height": 16, "data": pixels,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var created jobCreatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	job := waitForState(t, mux, created.Uuid)
	assert.Equal(t, spool.StateSucceeded, job.State)
	assert.Equal(t, 16, job.Rows)
	assert.Empty(t, job.Error)
}

func TestPrintEndpointRejectsShortPayload(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mux := srv.Routes()

	w := postJson(t, mux, "/print", map[string]any{
		"width": 10, "height": 10, "data": []byte{1, 2, 3},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTextEndpointRunsJobToCompletion(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mux := srv.Routes()

	w := postJson(t, mux, "/text", map[string]any{
		"content": "hello from the test suite", "size": 24,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var created jobCreatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	job := waitForState(t, mux, created.Uuid)
	assert.Equal(t, spool.StateSucceeded, job.State)
}

func TestStatusEndpointReportsDevice(t *testing.T) {
	srv, session, _ := newTestServer(t)
	mux := srv.Routes()

	// Prime the cached device details the way the daemon does on startup.
	_, err := session.QueryInfo(0)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.PaperOut)
	assert.Equal(t, "1.0.3", status.FirmwareVersion)
	require.NotNil(t, status.BatteryPercent)
	assert.Equal(t, byte(88), *status.BatteryPercent)
}

func TestJobsEndpointListsHistory(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mux := srv.Routes()

	pixels := bytes.Repeat([]byte{0xff}, 8*8)
	w := postJson(t, mux, "/print", map[string]any{
		"width": 8, "height": 8, "data": pixels,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var created jobCreatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	waitForState(t, mux, created.Uuid)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/jobs", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var jobs []spool.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, created.Uuid, jobs[0].Uuid.String())
}

func TestJobAgainstFaultedPrinterIsRecordedAsFailed(t *testing.T) {
	srv, _, device := newTestServer(t)
	mux := srv.Routes()

	device.setPaperOut(true)

	pixels := bytes.Repeat([]byte{0x00}, 8*8)
	w := postJson(t, mux, "/print", map[string]any{
		"width": 8, "height": 8, "data": pixels,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var created jobCreatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	job := waitForState(t, mux, created.Uuid)
	assert.Equal(t, spool.StateFailed, job.State)
	assert.Contains(t, job.Error, "paper")
}

func TestCancelUnknownJobIsNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mux := srv.Routes()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("DELETE", fmt.Sprintf("/jobs/%s", "00000000-0000-0000-0000-000000000001"), nil)
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetJobWithBadUuidIsBadRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mux := srv.Routes()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/jobs/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
