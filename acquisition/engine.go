// Package acquisition is the external interface of the engine (spec.md
// §6): a single Engine type wraps the hardware adapters, picks the
// acquisition controller matching the supplied SyncStrategy, and enforces
// single-flight acquisition per engine instance.
package acquisition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scanacq/engine/internal/acq"
	"github.com/scanacq/engine/internal/assemble"
	"github.com/scanacq/engine/internal/config"
	"github.com/scanacq/engine/internal/dataarray"
	"github.com/scanacq/engine/internal/grid"
	"github.com/scanacq/engine/internal/hwadapter"
	"github.com/scanacq/engine/internal/leech"
	"github.com/scanacq/engine/internal/progress"
)

// SyncStrategy selects which acquisition controller an Engine drives,
// matching spec.md §9's "two orthogonal axes" redesign note: controllers
// differ only in how they synchronize the beam/stage with detectors, not
// in how results are assembled.
type SyncStrategy int

const (
	// CameraSync pairs a beam-driving primary detector with a
	// camera-style exposure detector; the beam moves, the camera does not.
	CameraSync SyncStrategy = iota
	// CameraSyncStage is CameraSync with the mechanical stage, not the
	// beam, visiting each grid position.
	CameraSyncStage
	// BeamSync drives one or more beam-clocked detectors in rectangular
	// blocks sized by the leech schedule.
	BeamSync
	// StreamAccumulator drives a single push-stream detector, summing N
	// frames into one accumulated image.
	StreamAccumulator
)

// Config bundles everything an Engine needs beyond the hardware adapters
// themselves: which controller to drive, the tuning knobs of
// internal/config, whether CameraSync fuzzing is enabled, and (for the
// stage variant) the stage's field-of-view center and axis ranges.
type Config struct {
	Strategy SyncStrategy
	Tuning   *config.TuningConfig

	// Fuzzing enables CameraSync's sub-raster dithering (spec.md §4.3).
	Fuzzing bool

	// StageCenterX/Y are the absolute stage coordinates corresponding to
	// beam translation (0,0). Only CameraSyncStage uses them: as the stage
	// grid's reference center, and as the final park position for an axis
	// the stage reports no range for.
	StageCenterX, StageCenterY float64

	// EmitterFOVX/Y are the emitter's physical field of view in meters,
	// used to derive stage-grid targets and pixel sizes.
	EmitterFOVX, EmitterFOVY float64

	// StreamDwell is the total requested dwell time for the
	// StreamAccumulator strategy (ignored by the other strategies, which
	// derive dwell from the pixel budget or caller-supplied dwell).
	StreamDwell time.Duration

	// Pulse is the StreamAccumulator's time-correlator capability; nil
	// when the push-stream detector needs no helper acquisition.
	Pulse acq.PulseDetector
}

// results is the internal shape every controller converges to before
// assembly: one ordered sample slice per detector index, plus an optional
// index 2 carrying any anchor image stack a drift corrector produced.
type results = map[int][]dataarray.DataArray

// Engine is the single entry point of the acquisition module: one Engine
// per physical instrument, enforcing that only one acquisition runs at a
// time.
type Engine struct {
	cfg       Config
	scanner   hwadapter.Scanner
	detectors []hwadapter.Detector
	stage     hwadapter.ScanStage
	leeches   []leech.Leech

	mu      sync.Mutex
	running bool
	raw     []dataarray.DataArray
}

// New validates the strategy/detector composition once, at construction
// time, so that Acquire never fails on a wiring mistake mid-scan.
func New(cfg Config, scanner hwadapter.Scanner, detectors []hwadapter.Detector, stage hwadapter.ScanStage, leeches []leech.Leech) (*Engine, error) {
	if cfg.Tuning == nil {
		cfg.Tuning = config.Empty()
	}
	e := &Engine{cfg: cfg, scanner: scanner, detectors: detectors, stage: stage, leeches: leeches}
	if _, err := e.buildController(); err != nil {
		return nil, err
	}
	return e, nil
}

// buildController constructs the concrete controller for e.cfg.Strategy,
// surfacing any ValidationError synchronously.
func (e *Engine) buildController() (any, error) {
	switch e.cfg.Strategy {
	case CameraSync:
		return acq.NewCameraSyncController(e.scanner, e.detectors, e.stage, e.leeches, e.cfg.Tuning, e.cfg.Fuzzing)
	case CameraSyncStage:
		return acq.NewCameraStageController(e.scanner, e.detectors, e.stage, e.leeches, e.cfg.Tuning)
	case BeamSync:
		return acq.NewBeamSyncController(e.scanner, e.detectors, e.leeches, e.cfg.Tuning)
	case StreamAccumulator:
		if len(e.detectors) != 1 {
			return nil, acq.NewValidationError("stream accumulator expects exactly one detector, got %d", len(e.detectors))
		}
		return acq.NewStreamAccumulatorController(e.scanner, e.detectors[0], e.cfg.Pulse, e.cfg.Tuning)
	default:
		return nil, acq.NewValidationError("unknown sync strategy %d", e.cfg.Strategy)
	}
}

// EstimateAcquisitionTime returns a rough up-front estimate: grid size
// times the scanner's minimum dwell time (DwellRange().Min), plus every leech's declared
// Estimate for that shape. It does not start an acquisition.
func (e *Engine) EstimateAcquisitionTime(roi grid.ROI, rep grid.Repetition) (time.Duration, error) {
	if err := roi.Validate(); err != nil {
		return 0, err
	}
	if err := rep.Validate(); err != nil {
		return 0, err
	}
	dwell := e.scanner.DwellRange().Min
	total := time.Duration(dwell * float64(rep.Total()) * float64(time.Second))
	var leechTotal time.Duration
	for _, l := range e.leeches {
		leechTotal += l.Estimate(time.Duration(dwell*float64(time.Second)), [2]int{rep.Y, rep.X})
	}
	return total + leechTotal, nil
}

// Acquire starts one acquisition over roi/rep, returning a
// *progress.Future the caller waits on for the assembled results. It
// returns acq.ErrBusy synchronously if another acquisition is already
// running on this Engine.
func (e *Engine) Acquire(ctx context.Context, roi grid.ROI, rep grid.Repetition) (*progress.Future[[]dataarray.DataArray], error) {
	if err := roi.Validate(); err != nil {
		return nil, err
	}
	if err := rep.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, acq.ErrBusy
	}
	e.running = true
	e.mu.Unlock()

	future, workerCtx := progress.New[[]dataarray.DataArray]()
	acqn := acq.NewAcquisition(roi, rep)
	if err := acqn.TransitionToRunning(); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return nil, err
	}

	go e.run(workerCtx, acqn, future)

	go func() {
		<-ctx.Done()
		acqn.Cancel()
		future.Cancel()
	}()

	return future, nil
}

func (e *Engine) run(ctx context.Context, acqn *acq.Acquisition, future *progress.Future[[]dataarray.DataArray]) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	assembled, err := e.runController(ctx, acqn, future)
	if err != nil {
		acqn.Fail(err)
		future.Fail(err)
		return
	}

	if !acqn.Finish(assembled) {
		future.Fail(acq.ErrCancelled)
		return
	}

	e.mu.Lock()
	e.raw = assembled
	e.mu.Unlock()
	future.Resolve(assembled)
}

func (e *Engine) runController(ctx context.Context, acqn *acq.Acquisition, future *progress.Future[[]dataarray.DataArray]) ([]dataarray.DataArray, error) {
	switch e.cfg.Strategy {
	case CameraSync:
		ctrl, err := acq.NewCameraSyncController(e.scanner, e.detectors, e.stage, e.leeches, e.cfg.Tuning, e.cfg.Fuzzing)
		if err != nil {
			return nil, err
		}
		bg, err := newBeamGrid(e.scanner, acqn.ROI, acqn.Rep)
		if err != nil {
			return nil, err
		}
		r, err := ctrl.Run(ctx, acqn, bg, wrapFuture(future))
		if err != nil {
			return nil, err
		}
		return assembleResults(r, 2, acqn.Rep, e.scanner)

	case CameraSyncStage:
		ctrl, err := acq.NewCameraStageController(e.scanner, e.detectors, e.stage, e.leeches, e.cfg.Tuning)
		if err != nil {
			return nil, err
		}
		sg, err := newStageGrid(e, acqn.ROI, acqn.Rep)
		if err != nil {
			return nil, err
		}
		r, err := ctrl.Run(ctx, acqn, sg, e.cfg.StageCenterX, e.cfg.StageCenterY, wrapFuture(future))
		if err != nil {
			return nil, err
		}
		return assembleResults(r, 2, acqn.Rep, e.scanner)

	case BeamSync:
		ctrl, err := acq.NewBeamSyncController(e.scanner, e.detectors, e.leeches, e.cfg.Tuning)
		if err != nil {
			return nil, err
		}
		bg, err := newBeamGrid(e.scanner, acqn.ROI, acqn.Rep)
		if err != nil {
			return nil, err
		}
		dwell := time.Duration(e.scanner.DwellRange().Min * float64(time.Second))
		r, err := ctrl.Run(ctx, acqn, bg, dwell, wrapFuture(future))
		if err != nil {
			return nil, err
		}
		return assembleResults(r, len(e.detectors), acqn.Rep, e.scanner)

	case StreamAccumulator:
		ctrl, err := acq.NewStreamAccumulatorController(e.scanner, e.detectors[0], e.cfg.Pulse, e.cfg.Tuning)
		if err != nil {
			return nil, err
		}
		sample, err := ctrl.Run(ctx, acqn, e.cfg.StreamDwell)
		if err != nil {
			return nil, err
		}
		return []dataarray.DataArray{sample}, nil

	default:
		return nil, acq.NewValidationError("unknown sync strategy %d", e.cfg.Strategy)
	}
}

func newBeamGrid(scanner hwadapter.Scanner, roi grid.ROI, rep grid.Repetition) (*grid.BeamGrid, error) {
	x, y := scanner.Shape()
	return grid.NewBeamGrid(roi, rep, grid.EmitterShape{X: x, Y: y})
}

func newStageGrid(e *Engine, roi grid.ROI, rep grid.Repetition) (*grid.StageGrid, error) {
	axes := e.stage.Axes()
	axisX, axisY := axes["x"], axes["y"]
	return grid.NewStageGrid(roi, rep,
		e.cfg.EmitterFOVX, e.cfg.EmitterFOVY,
		e.cfg.StageCenterX, e.cfg.StageCenterY,
		grid.AxisRange{Min: axisX.Min, Max: axisX.Max},
		grid.AxisRange{Min: axisY.Min, Max: axisY.Max})
}

// wrapFuture adapts a []dataarray.DataArray future to the
// map[int][]dataarray.DataArray future the per-detector controllers
// expect, since only the estimated-end-time setter is used across the
// boundary.
func wrapFuture(f *progress.Future[[]dataarray.DataArray]) *progress.Future[map[int][]dataarray.DataArray] {
	shim, _ := progress.New[map[int][]dataarray.DataArray]()
	go func() {
		for {
			end := shim.EstimatedEnd()
			if !end.IsZero() {
				f.UpdateEstimate(end)
			}
			select {
			case <-shim.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}()
	return shim
}

// assembleResults picks, per detector, the flat or tiled strategy
// (spec.md §4.7): a detector whose samples carry exactly one value per
// pixel assembles flat; one whose samples carry a full frame (tile) per
// pixel assembles tiled. Any anchor image stack a drift corrector
// produced rides along at the final index, already assembled — it is
// keyed at index 2 and read as an anchor stack only when numDetectors is
// at most 2 (otherwise index 2 is a detector), so the detector loop must
// stop at numDetectors rather than len(r) or it would double-process the
// anchor entry as if it were a third detector.
func assembleResults(r results, numDetectors int, rep grid.Repetition, scanner hwadapter.Scanner) ([]dataarray.DataArray, error) {
	px, py := scanner.PixelSize()
	pixelSize := grid.PixelSize{X: px, Y: py}

	out := make([]dataarray.DataArray, 0, numDetectors)
	for i := 0; i < numDetectors; i++ {
		pixels, ok := r[i]
		if !ok {
			continue
		}
		description := fmt.Sprintf("detector %d", i)
		if len(pixels) > 0 && len(pixels[0].Data) > 1 {
			tiled, err := assemble.Tiled2D(pixels, rep, pixelSize, description)
			if err != nil {
				return nil, fmt.Errorf("acquisition: assemble detector %d: %w", i, err)
			}
			out = append(out, tiled)
			continue
		}
		flat, err := assemble.Flatten2D(pixels, rep, pixelSize, description)
		if err != nil {
			return nil, fmt.Errorf("acquisition: assemble detector %d: %w", i, err)
		}
		out = append(out, flat)
	}
	if anchors, ok := r[2]; numDetectors <= 2 && ok && len(anchors) > 0 {
		out = append(out, anchors[0])
	}
	return out, nil
}

// Raw returns the most recently completed acquisition's assembled
// results, or nil if none has completed yet.
func (e *Engine) Raw() []dataarray.DataArray {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.raw
}
