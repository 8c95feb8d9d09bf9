// Package serialstage is a reference ScanStage implementation (spec.md
// §5) driving a two-axis mechanical stage over a line-oriented serial
// protocol. It drives its serial port through internal/serialmux's
// SerialMux: commands are serialized through the mux's write lock, and
// move completions are resolved against lines fanned out by the mux's
// single reader goroutine, leaving the port free for other subscribers
// (e.g. a diagnostics tail) to observe the same traffic.
package serialstage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/scanacq/engine/internal/hwadapter"
	"github.com/scanacq/engine/internal/serialmux"
)

// Axis names, matching hwadapter.ScanStage.Axes()/Position() keys.
const (
	AxisX = "x"
	AxisY = "y"
)

// Stage drives a two-axis mechanical positioner over a serial link. It
// implements hwadapter.ScanStage.
type Stage struct {
	mux *serialmux.SerialMux[serialmux.SerialPorter]

	axes  map[string]hwadapter.Range
	speed float64

	mu       sync.Mutex
	position map[string]float64

	commandMu sync.Mutex

	pending   map[string]chan struct{}
	pendingMu sync.Mutex
}

// Open opens a real serial port at path with the given options and
// returns a ready Stage covering the given per-axis travel ranges (in
// meters) and travel speed (meters/second).
func Open(path string, opts serialmux.PortOptions, axisX, axisY hwadapter.Range, speed float64) (*Stage, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return New(port, axisX, axisY, speed), nil
}

// New wraps an already-open serial.Port-shaped connection (any
// serialmux.SerialPorter, including the in-memory test double used by
// serialmux's own tests) as a Stage.
func New(port serialmux.SerialPorter, axisX, axisY hwadapter.Range, speed float64) *Stage {
	return &Stage{
		mux:      serialmux.NewSerialMux[serialmux.SerialPorter](port),
		axes:     map[string]hwadapter.Range{AxisX: axisX, AxisY: axisY},
		speed:    speed,
		position: map[string]float64{AxisX: 0, AxisY: 0},
		pending:  make(map[string]chan struct{}),
	}
}

// Axes implements hwadapter.ScanStage.
func (s *Stage) Axes() map[string]hwadapter.Range {
	out := make(map[string]hwadapter.Range, len(s.axes))
	for k, v := range s.axes {
		out[k] = v
	}
	return out
}

// Position implements hwadapter.ScanStage.
func (s *Stage) Position() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.position))
	for k, v := range s.position {
		out[k] = v
	}
	return out
}

// Speed implements hwadapter.ScanStage.
func (s *Stage) Speed() float64 { return s.speed }

// moveCompletion reports when a commanded move's acknowledgement line has
// been seen by Monitor.
type moveCompletion struct {
	done chan struct{}
}

func (m *moveCompletion) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MoveAbsolute implements hwadapter.ScanStage: it clips each target into
// its axis range, sends one "A<axis>=<meters>" command per axis in targets,
// and returns a completion that resolves once Monitor observes the
// matching "OK<axis>" acknowledgement.
func (s *Stage) MoveAbsolute(targets map[string]float64) (hwadapter.MoveCompletion, error) {
	if len(targets) == 0 {
		done := make(chan struct{})
		close(done)
		return &moveCompletion{done: done}, nil
	}

	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	done := make(chan struct{})
	pendingCount := 0

	s.pendingMu.Lock()
	for axis := range targets {
		if _, ok := s.axes[axis]; !ok {
			s.pendingMu.Unlock()
			return nil, fmt.Errorf("serialstage: unknown axis %q", axis)
		}
		s.pending[axis] = make(chan struct{})
		pendingCount++
	}
	s.pendingMu.Unlock()

	for axis, v := range targets {
		clipped := s.axes[axis].Clip(v)
		command := fmt.Sprintf("A%s=%s", strings.ToUpper(axis), strconv.FormatFloat(clipped, 'g', -1, 64))
		if err := s.send(command); err != nil {
			return nil, fmt.Errorf("serialstage: %w", err)
		}
	}

	go func() {
		for axis := range targets {
			s.pendingMu.Lock()
			ch := s.pending[axis]
			s.pendingMu.Unlock()
			if ch != nil {
				<-ch
			}
		}
		close(done)
	}()

	return &moveCompletion{done: done}, nil
}

func (s *Stage) send(command string) error {
	return s.mux.SendCommand(command)
}

// Monitor subscribes to the mux's fanned-out lines until ctx is
// cancelled, resolving pending MoveAbsolute completions and updating the
// cached position. Lines take the form "OKX=0.000123" (move acknowledged,
// new position reported) or "ERRX" (move rejected, reported via log by
// the caller's context — Monitor itself only unblocks the waiter so it
// can observe the stale position and retry). The mux's own reader
// goroutine is shared with any other subscriber (e.g. a diagnostics
// tail) reading the same port concurrently.
func (s *Stage) Monitor(ctx context.Context) error {
	id, lines := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)

	errChan := make(chan error, 1)
	go func() { errChan <- s.mux.Monitor(ctx) }()

	for {
		select {
		case err := <-errChan:
			return err
		case line, ok := <-lines:
			if !ok {
				return <-errChan
			}
			s.handleLine(line)
		}
	}
}

func (s *Stage) handleLine(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "OK") && !strings.HasPrefix(line, "ERR") {
		return
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(line, "OK"), "ERR")
	parts := strings.SplitN(rest, "=", 2)
	if len(parts) == 0 || parts[0] == "" {
		return
	}
	axis := strings.ToLower(parts[0])

	if len(parts) == 2 {
		if v, err := strconv.ParseFloat(parts[1], 64); err == nil {
			s.mu.Lock()
			s.position[axis] = v
			s.mu.Unlock()
		}
	}

	s.pendingMu.Lock()
	ch, ok := s.pending[axis]
	if ok {
		delete(s.pending, axis)
	}
	s.pendingMu.Unlock()
	if ok {
		close(ch)
	}
}

// WaitSettled blocks for d, or until ctx is cancelled. It does not check
// for pending moves. Used by callers that want to wait out mechanical
// settle time beyond acknowledgement.
func (s *Stage) WaitSettled(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
