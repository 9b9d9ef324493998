// Package driver orchestrates a full print job: rasterize, chunk, encode,
// transmit, while watching the device's status replies and aborting or
// retrying as needed.
package driver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"ppa6/internal/protocol"
)

// State is the job state machine's position. Aborted is terminal and
// reachable from any non-idle state.
type State int

const (
	Idle State = iota
	Rasterizing
	Transmitting
	AwaitingFinalStatus
	Done
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Rasterizing:
		return "rasterizing"
	case Transmitting:
		return "transmitting"
	case AwaitingFinalStatus:
		return "awaiting-final-status"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrCanceled is the job error after a caller-requested cancellation.
var ErrCanceled = errors.New("job canceled")

// DeviceFault is a physical printer condition that ends the job: out of
// paper or an overheated head. The caller can prompt for remediation and
// resubmit.
type DeviceFault struct {
	Status protocol.StatusReport
}

func (e *DeviceFault) Error() string {
	switch {
	case e.Status.PaperOut:
		return "device fault: out of paper"
	case e.Status.OverTemp:
		return "device fault: print head over temperature"
	}
	return "device fault"
}

// Outcome is the coarse view a poller sees.
type Outcome int

const (
	Running Outcome = iota
	Succeeded
	Failed
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Running:
		return "running"
	case Succeeded:
		return "done"
	case Failed:
		return "failed"
	case Canceled:
		return "aborted"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// JobHandle tracks one submitted job. It can be polled for state, waited on
// through Done, and canceled. Cancellation is honoured between chunk
// transmissions; an in-flight chunk always finishes its send/retry cycle
// first so the printer is never left mid-row.
type JobHandle struct {
	ID uuid.UUID

	mu    sync.Mutex
	state State
	err   error

	cancelOnce sync.Once
	cancel     chan struct{}
	done       chan struct{}
}

func newJobHandle() *JobHandle {
	return &JobHandle{
		ID:     uuid.New(),
		state:  Idle,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// State returns the job's current position in the state machine.
func (j *JobHandle) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the terminal error for a failed or aborted job.
func (j *JobHandle) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Outcome maps the state machine onto the poller's view.
func (j *JobHandle) Outcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case Done:
		return Succeeded
	case Aborted:
		if errors.Is(j.err, ErrCanceled) {
			return Canceled
		}
		return Failed
	}
	return Running
}

// Done is closed once the job reaches a terminal state.
func (j *JobHandle) Done() <-chan struct{} {
	return j.done
}

// Cancel requests the job stop at the next chunk boundary. Safe to call any
// number of times, from any goroutine.
func (j *JobHandle) Cancel() {
	j.cancelOnce.Do(func() { close(j.cancel) })
}

func (j *JobHandle) canceled() bool {
	select {
	case <-j.cancel:
		return true
	default:
		return false
	}
}

func (j *JobHandle) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *JobHandle) finish(s State, err error) {
	j.mu.Lock()
	j.state = s
	j.err = err
	j.mu.Unlock()
	close(j.done)
}
