package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"ppa6/internal/driver"
	"ppa6/internal/raster"
	"ppa6/internal/spool"
	"ppa6/internal/text"
	"ppa6/internal/transport"
)

// Server exposes the printer over HTTP. One job runs at a time; the
// repository keeps the history and live handles allow cancellation.
type Server struct {
	Driver     *driver.Driver
	Session    *transport.Session
	Repository *spool.JobRepository
	Defaults   driver.Options

	mu      sync.Mutex
	handles map[uuid.UUID]*driver.JobHandle
}

func New(d *driver.Driver, s *transport.Session, r *spool.JobRepository, defaults driver.Options) *Server {
	return &Server{
		Driver:     d,
		Session:    s,
		Repository: r,
		Defaults:   defaults,
		handles:    make(map[uuid.UUID]*driver.JobHandle),
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /print", s.handlePrint)
	mux.HandleFunc("POST /text", s.handleText)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleCancelJob)
	return mux
}

type printRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	// Data is the row-major 8-bit grayscale image, base64 in JSON.
	Data      []byte `json:"data"`
	Rotation  int    `json:"rotation,omitempty"`
	Invert    bool   `json:"invert,omitempty"`
	NoDither  bool   `json:"noDither,omitempty"`
	Threshold byte   `json:"threshold,omitempty"`
	FeedLines uint16 `json:"feedLines,omitempty"`
}

type textRequest struct {
	Content   string  `json:"content"`
	Font      string  `json:"font,omitempty"`
	Size      float64 `json:"size,omitempty"`
	FeedLines uint16  `json:"feedLines,omitempty"`
}

type jobCreatedResponse struct {
	Uuid string `json:"uuid"`
}

type statusResponse struct {
	PaperOut        bool   `json:"paperOut"`
	OverTemp        bool   `json:"overTemp"`
	LowBattery      bool   `json:"lowBattery"`
	Busy            bool   `json:"busy"`
	LinesPrinted    uint16 `json:"linesPrinted"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
	BatteryPercent  *byte  `json:"batteryPercent,omitempty"`
}

func (s *Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	var req printRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("Couldn't parse request:\n%w", err))
		return
	}
	if len(req.Data) != req.Width*req.Height {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("Expected %d pixels for a %dx%d image, got %d",
				req.Width*req.Height, req.Width, req.Height, len(req.Data)))
		return
	}

	pix := &raster.PixelBuffer{Width: req.Width, Height: req.Height, Pix: req.Data}
	if req.Rotation != 0 {
		rotated, err := pix.Rotate(req.Rotation)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		pix = rotated
	}

	opts := s.Defaults
	opts.Dither = !req.NoDither
	opts.Invert = req.Invert
	if req.Threshold != 0 {
		opts.Threshold = req.Threshold
	}
	if req.FeedLines != 0 {
		opts.FeedLinesAfter = req.FeedLines
	}

	s.submit(w, pix, opts)
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("Couldn't parse request:\n%w", err))
		return
	}

	pix, err := text.Render(req.Content, req.Font, req.Size, raster.DeviceWidth)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	opts := s.Defaults
	// Rendered text is already black on white; dithering would fuzz it.
	opts.Dither = false
	if req.FeedLines != 0 {
		opts.FeedLinesAfter = req.FeedLines
	}

	s.submit(w, pix, opts)
}

func (s *Server) submit(w http.ResponseWriter, pix *raster.PixelBuffer, opts driver.Options) {
	handle, err := s.Driver.Submit(pix, opts)
	if err != nil {
		if errors.Is(err, raster.ErrInvalidImage) {
			writeError(w, http.StatusBadRequest, err)
		} else {
			writeError(w, http.StatusConflict, err)
		}
		return
	}

	job := spool.Job{
		Uuid:        handle.ID,
		SubmittedAt: time.Now(),
		Rows:        pix.Height,
		State:       spool.StateRunning,
	}
	err = s.Repository.Transact(func(tx *sql.Tx) error {
		return s.Repository.Create(tx, &job)
	})
	if err != nil {
		slog.Error("Couldn't record job", "uuid", handle.ID, "error", err)
	}

	s.mu.Lock()
	s.handles[handle.ID] = handle
	s.mu.Unlock()

	go s.watch(handle)

	writeJson(w, http.StatusAccepted, jobCreatedResponse{Uuid: handle.ID.String()})
}

// watch waits for the job to reach a terminal state and records the
// outcome before dropping the live handle.
func (s *Server) watch(handle *driver.JobHandle) {
	<-handle.Done()

	state := spool.StateSucceeded
	jobError := ""
	switch handle.Outcome() {
	case driver.Canceled:
		state = spool.StateCanceled
	case driver.Failed:
		state = spool.StateFailed
		jobError = handle.Err().Error()
	}

	err := s.Repository.Transact(func(tx *sql.Tx) error {
		return s.Repository.SetState(tx, handle.ID, state, jobError)
	})
	if err != nil {
		slog.Error("Couldn't record job outcome", "uuid", handle.ID, "error", err)
	}

	s.mu.Lock()
	delete(s.handles, handle.ID)
	s.mu.Unlock()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Session.QueryStatus(0)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Errorf("Couldn't query printer:\n%w", err))
		return
	}

	resp := statusResponse{
		PaperOut:     status.PaperOut,
		OverTemp:     status.OverTemp,
		LowBattery:   status.LowBattery,
		Busy:         status.Busy,
		LinesPrinted: status.LinesPrinted,
	}
	if info, ok := s.Session.LastInfo(); ok {
		resp.FirmwareVersion = info.FirmwareVersion()
		battery := info.Battery
		resp.BatteryPercent = &battery
	}

	writeJson(w, http.StatusOK, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Repository.List(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJson(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	u, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("Bad job uuid:\n%w", err))
		return
	}

	job, err := s.Repository.Get(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJson(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	u, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("Bad job uuid:\n%w", err))
		return
	}

	s.mu.Lock()
	handle := s.handles[u]
	s.mu.Unlock()

	if handle == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	handle.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

func writeJson(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Couldn't write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	slog.Warn("Request failed", "status", code, "error", err)
	writeJson(w, code, map[string]string{"error": err.Error()})
}
