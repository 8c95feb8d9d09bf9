package acq

import (
	"errors"
	"testing"

	"github.com/scanacq/engine/internal/dataarray"
	"github.com/scanacq/engine/internal/grid"
)

func newTestAcquisition() *Acquisition {
	return NewAcquisition(grid.ROI{L: 0, T: 0, R: 1, B: 1}, grid.Repetition{X: 2, Y: 2})
}

func TestAcquisition_LifecycleHappyPath(t *testing.T) {
	a := newTestAcquisition()
	if a.State() != StateIdle {
		t.Fatalf("new acquisition state = %v, want IDLE", a.State())
	}
	if err := a.TransitionToRunning(); err != nil {
		t.Fatalf("TransitionToRunning() error = %v", err)
	}
	if a.State() != StateRunning {
		t.Fatalf("state = %v, want RUNNING", a.State())
	}

	results := []dataarray.DataArray{dataarray.New([]int{2, 2})}
	if !a.Finish(results) {
		t.Fatal("Finish() = false, want true")
	}
	if a.State() != StateFinished {
		t.Fatalf("state = %v, want FINISHED", a.State())
	}
	if len(a.Raw()) != 1 {
		t.Fatalf("Raw() len = %d, want 1", len(a.Raw()))
	}
}

func TestAcquisition_TransitionToRunningTwiceFails(t *testing.T) {
	a := newTestAcquisition()
	if err := a.TransitionToRunning(); err != nil {
		t.Fatal(err)
	}
	if err := a.TransitionToRunning(); err == nil {
		t.Fatal("expected error transitioning RUNNING->RUNNING")
	}
}

func TestAcquisition_CancelIsIdempotentAfterFinish(t *testing.T) {
	a := newTestAcquisition()
	_ = a.TransitionToRunning()
	a.Finish([]dataarray.DataArray{dataarray.New([]int{1})})

	if ok := a.Cancel(); ok {
		t.Fatal("Cancel() on a finished acquisition should return false")
	}
	if a.State() != StateFinished {
		t.Errorf("state = %v, want FINISHED (cancel must not overwrite a finished result)", a.State())
	}
	if len(a.Raw()) != 1 {
		t.Error("Cancel() must not discard an already-finished result")
	}
}

func TestAcquisition_CancelDiscardsRunningResults(t *testing.T) {
	a := newTestAcquisition()
	_ = a.TransitionToRunning()
	if ok := a.Cancel(); !ok {
		t.Fatal("Cancel() on a running acquisition should return true")
	}
	if a.State() != StateCancelled {
		t.Fatalf("state = %v, want CANCELLED", a.State())
	}
	if a.Raw() != nil {
		t.Error("Raw() should be nil after cancellation")
	}
}

func TestAcquisition_FailAfterCancelKeepsCancelled(t *testing.T) {
	a := newTestAcquisition()
	_ = a.TransitionToRunning()
	a.Cancel()
	a.Fail(errors.New("late failure"))

	if a.State() != StateCancelled {
		t.Errorf("state = %v, want CANCELLED (cancellation wins over a late Fail)", a.State())
	}
	if a.Err() != nil {
		t.Errorf("Err() = %v, want nil", a.Err())
	}
}

func TestAcquisition_FinishAfterCancelFails(t *testing.T) {
	a := newTestAcquisition()
	_ = a.TransitionToRunning()
	a.Cancel()

	if a.Finish([]dataarray.DataArray{dataarray.New([]int{1})}) {
		t.Fatal("Finish() after Cancel should return false")
	}
}

func TestValidationError_Matching(t *testing.T) {
	err := NewValidationError("bad config: %d", 42)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatal("expected errors.As to match *ValidationError")
	}
	if ve.Reason != "bad config: 42" {
		t.Errorf("Reason = %q, want %q", ve.Reason, "bad config: 42")
	}
}
