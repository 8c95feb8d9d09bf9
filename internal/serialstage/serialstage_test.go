package serialstage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/scanacq/engine/internal/hwadapter"
	"github.com/scanacq/engine/internal/serialmux"
)

func newTestStage() (*Stage, *serialmux.TestableSerialPort) {
	port := serialmux.NewTestableSerialPort()
	port.BlockReads = true
	axisRange := hwadapter.Range{Min: -1e-2, Max: 1e-2}
	return New(port, axisRange, axisRange, 1e-3), port
}

func TestMoveAbsolute_RejectsUnknownAxis(t *testing.T) {
	s, _ := newTestStage()
	_, err := s.MoveAbsolute(map[string]float64{"z": 0})
	if err == nil {
		t.Fatal("expected an error for an unknown axis")
	}
}

func TestMoveAbsolute_EmptyTargetsResolveImmediately(t *testing.T) {
	s, _ := newTestStage()
	mc, err := s.MoveAbsolute(nil)
	if err != nil {
		t.Fatalf("MoveAbsolute(nil) error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mc.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v, want nil for an empty move", err)
	}
}

func TestMoveAbsolute_ClipsToAxisRangeAndSendsCommand(t *testing.T) {
	s, port := newTestStage()
	if _, err := s.MoveAbsolute(map[string]float64{"x": 5}); err != nil {
		t.Fatalf("MoveAbsolute() error = %v", err)
	}
	written := string(port.GetWrittenData())
	if !strings.Contains(written, "AX=0.01\n") {
		t.Errorf("written command = %q, want it to contain the clipped command AX=0.01", written)
	}
}

func TestMoveAbsolute_ResolvesOnMatchingAcknowledgement(t *testing.T) {
	s, port := newTestStage()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Monitor(ctx)

	mc, err := s.MoveAbsolute(map[string]float64{"x": 0.005})
	if err != nil {
		t.Fatalf("MoveAbsolute() error = %v", err)
	}

	port.AddReadData([]byte("OKX=0.005\n"))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := mc.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if pos := s.Position(); pos[AxisX] != 0.005 {
		t.Errorf("position after ack = %v, want x=0.005", pos)
	}
}

func TestMoveAbsolute_WaitRespectsContextCancellation(t *testing.T) {
	s, _ := newTestStage()
	mc, err := s.MoveAbsolute(map[string]float64{"x": 0.001})
	if err != nil {
		t.Fatalf("MoveAbsolute() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := mc.Wait(ctx); err == nil {
		t.Fatal("expected Wait() to time out without a matching acknowledgement")
	}
}

func TestHandleLine_IgnoresUnrecognisedLines(t *testing.T) {
	s, _ := newTestStage()
	before := s.Position()
	s.handleLine("garbage line that is neither OK nor ERR")
	if got := s.Position(); got[AxisX] != before[AxisX] || got[AxisY] != before[AxisY] {
		t.Errorf("position changed after an unrecognised line: %v", got)
	}
}

func TestHandleLine_UpdatesPositionWithoutPendingMove(t *testing.T) {
	s, _ := newTestStage()
	s.handleLine("OKY=0.002")
	if pos := s.Position(); pos[AxisY] != 0.002 {
		t.Errorf("position after OKY = %v, want y=0.002", pos)
	}
}

func TestHandleLine_ErrLineUnblocksWaiterWithoutPositionUpdate(t *testing.T) {
	s, _ := newTestStage()
	mc, err := s.MoveAbsolute(map[string]float64{"x": 0.003})
	if err != nil {
		t.Fatalf("MoveAbsolute() error = %v", err)
	}

	s.handleLine("ERRX")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mc.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v, want the waiter unblocked by ERRX", err)
	}
	if pos := s.Position(); pos[AxisX] != 0 {
		t.Errorf("position after ERRX = %v, want unchanged at 0 (the move was rejected)", pos)
	}
}

func TestMonitor_ReturnsWhenContextCancelled(t *testing.T) {
	s, _ := newTestStage()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Monitor(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Monitor() to return ctx.Err() on cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor() did not return after context cancellation")
	}
}

func TestWaitSettled_RespectsContextCancellation(t *testing.T) {
	s, _ := newTestStage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.WaitSettled(ctx, time.Hour); err == nil {
		t.Fatal("expected WaitSettled() to return an error for an already-cancelled context")
	}
}

func TestWaitSettled_ReturnsAfterDuration(t *testing.T) {
	s, _ := newTestStage()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitSettled(ctx, 10*time.Millisecond); err != nil {
		t.Fatalf("WaitSettled() error = %v", err)
	}
}
