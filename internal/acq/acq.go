// Package acq implements the acquisition controllers: CameraSync,
// CameraSync+ScanStage, BeamSync, and StreamAccumulator. Each is a
// concrete state machine driving the per-pixel (or per-frame) hardware
// protocol described in spec.md §4, sharing one Acquisition/engine
// lifecycle and error model.
package acq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scanacq/engine/internal/dataarray"
	"github.com/scanacq/engine/internal/grid"
)

// State is the lifecycle state of one Acquisition.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCancelled
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateCancelled:
		return "CANCELLED"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors, per spec.md §7.
var (
	ErrCancelled    = errors.New("acq: cancelled")
	ErrBusy         = errors.New("acq: another acquisition is already running")
	ErrSyncFailure  = errors.New("acq: sync failure: exceeded retry budget")
	ErrTimeout      = errors.New("acq: timeout waiting for completion")
	ErrStaleData    = errors.New("acq: stale data dropped")
	ErrIO           = errors.New("acq: adapter I/O error")
)

// ValidationError reports a malformed detector/controller composition,
// e.g. "expected exactly two detectors" or "first detector does not
// drive the beam" — surfaced synchronously from construction, never from
// the worker.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "acq: validation: " + e.Reason }

// NewValidationError is a convenience constructor matching the teacher's
// fmt.Errorf-heavy style while still producing a typed error callers can
// match with errors.As.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Acquisition is a single run of the engine: a repetition, ROI, lifecycle
// state, and (once Finish is called) the final results; it holds no
// detectors and no per-pixel buffers of its own. Ownership: detector buffers belong to the running controller
// between receipt and assembly; once Finish is called, the buffers are
// handed to the assembler and Acquisition retains only the final results.
type Acquisition struct {
	ID   uuid.UUID
	ROI  grid.ROI
	Rep  grid.Repetition

	mu     sync.Mutex
	state  State
	raw    []dataarray.DataArray
	failErr error

	startedAt time.Time
}

// NewAcquisition allocates an Acquisition in StateIdle.
func NewAcquisition(roi grid.ROI, rep grid.Repetition) *Acquisition {
	return &Acquisition{
		ID:    uuid.New(),
		ROI:   roi,
		Rep:   rep,
		state: StateIdle,
	}
}

// State returns the current lifecycle state.
func (a *Acquisition) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// TransitionToRunning moves IDLE->RUNNING, recording the start time. It is
// the only entry point that starts the clock for progress estimation.
func (a *Acquisition) TransitionToRunning() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateIdle {
		return fmt.Errorf("acq: cannot start from state %s", a.state)
	}
	a.state = StateRunning
	a.startedAt = time.Now()
	return nil
}

// Cancel moves RUNNING->CANCELLED. Returns false (no-op) if already
// FINISHED or CANCELLED — cancelling a finished acquisition never
// modifies its output, per spec.md's cancellation-idempotence property.
func (a *Acquisition) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateFinished || a.state == StateCancelled {
		return false
	}
	a.state = StateCancelled
	a.raw = nil
	return true
}

// Finish moves RUNNING->FINISHED and stores the assembled results. It
// fails (returns false) if the acquisition was already CANCELLED, in
// which case the caller must discard whatever it had assembled.
func (a *Acquisition) Finish(results []dataarray.DataArray) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateRunning {
		return false
	}
	a.state = StateFinished
	a.raw = results
	return true
}

// Fail moves RUNNING->FINISHED carrying a terminal error and no results,
// unless the acquisition was already CANCELLED (in which case the
// cancellation wins and raw stays empty).
func (a *Acquisition) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateCancelled {
		return
	}
	a.state = StateFinished
	a.failErr = err
	a.raw = nil
}

// Raw returns the assembled results, populated only after a successful
// Finish.
func (a *Acquisition) Raw() []dataarray.DataArray {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.raw
}

// Err returns the terminal failure, if any.
func (a *Acquisition) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failErr
}

// StartedAt returns when the acquisition transitioned to RUNNING.
func (a *Acquisition) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startedAt
}
