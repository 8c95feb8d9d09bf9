package acq

import (
	"context"
	"testing"
	"time"

	"github.com/scanacq/engine/internal/config"
	"github.com/scanacq/engine/internal/grid"
	"github.com/scanacq/engine/internal/hwadapter"
)

func TestNewCameraStageController_RequiresStage(t *testing.T) {
	primary := newTestPrimaryDetector(hwadapter.RoleSE, 1)
	camera := newTestCamera(time.Millisecond, [2]int{2, 2}, 2)
	_, err := NewCameraStageController(newTestScanner(), []hwadapter.Detector{primary, camera}, nil, nil, nil)
	if err == nil {
		t.Fatal("expected a ValidationError when stage is nil")
	}
}

func TestElideUnchangedAxes(t *testing.T) {
	target := map[string]float64{"x": 1, "y": 2}
	if got := elideUnchangedAxes(target, nil); len(got) != 2 {
		t.Fatalf("nil last target should elide nothing, got %v", got)
	}
	last := map[string]float64{"x": 1, "y": 5}
	got := elideUnchangedAxes(target, last)
	if _, ok := got["x"]; ok {
		t.Errorf("x did not change and should be elided, got %v", got)
	}
	if v, ok := got["y"]; !ok || v != 2 {
		t.Errorf("y changed and should survive, got %v", got)
	}
}

func TestCameraStageController_RunHappyPath(t *testing.T) {
	scanner := newTestScanner()
	primary := newTestPrimaryDetector(hwadapter.RoleSE, 1)
	camera := newTestCamera(2*time.Millisecond, [2]int{2, 2}, 9)
	stage := newTestStage()

	c, err := NewCameraStageController(scanner, []hwadapter.Detector{primary, camera}, stage, nil, config.Empty())
	if err != nil {
		t.Fatal(err)
	}

	roi := grid.ROI{L: 0, T: 0, R: 1, B: 1}
	rep := grid.Repetition{X: 2, Y: 2}
	sg, err := grid.NewStageGrid(roi, rep, 1e-3, 1e-3, 0, 0, grid.AxisRange{Min: -1, Max: 1}, grid.AxisRange{Min: -1, Max: 1})
	if err != nil {
		t.Fatal(err)
	}
	acqn := NewAcquisition(roi, rep)
	_ = acqn.TransitionToRunning()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := c.Run(ctx, acqn, sg, 0, 0, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(results[0]); got != 4 {
		t.Errorf("primary results len = %d, want 4", got)
	}
	if got := len(results[1]); got != 4 {
		t.Errorf("camera results len = %d, want 4", got)
	}
	if pos := stage.Position(); pos["x"] != 0 || pos["y"] != 0 {
		t.Errorf("stage position after Run = %v, want recentered to (0,0)", pos)
	}
	if len(stage.moves) == 0 {
		t.Error("expected at least one stage move during the raster")
	}
}

func TestCameraStageController_RunCancelledMidway(t *testing.T) {
	scanner := newTestScanner()
	primary := newTestPrimaryDetector(hwadapter.RoleSE, 1)
	camera := newTestCamera(2*time.Millisecond, [2]int{2, 2}, 9)
	stage := newTestStage()

	c, err := NewCameraStageController(scanner, []hwadapter.Detector{primary, camera}, stage, nil, config.Empty())
	if err != nil {
		t.Fatal(err)
	}

	roi := grid.ROI{L: 0, T: 0, R: 1, B: 1}
	rep := grid.Repetition{X: 3, Y: 3}
	sg, err := grid.NewStageGrid(roi, rep, 1e-3, 1e-3, 0, 0, grid.AxisRange{Min: -1, Max: 1}, grid.AxisRange{Min: -1, Max: 1})
	if err != nil {
		t.Fatal(err)
	}
	acqn := NewAcquisition(roi, rep)
	_ = acqn.TransitionToRunning()
	acqn.Cancel()

	_, err = c.Run(context.Background(), acqn, sg, 0, 0, nil)
	if err != ErrCancelled {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if pos := stage.Position(); pos["x"] != 0 || pos["y"] != 0 {
		t.Errorf("stage position after cancelled Run = %v, want recentered to (0,0)", pos)
	}
}
