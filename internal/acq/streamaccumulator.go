package acq

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/scanacq/engine/internal/config"
	"github.com/scanacq/engine/internal/dataarray"
	"github.com/scanacq/engine/internal/grid"
	"github.com/scanacq/engine/internal/hwadapter"
)

// PulseDetector is the time-correlator capability the StreamAccumulator
// drives: a helper acquisition that can be started/stopped, a "pulse"
// detector that must be switched on before frames start arriving, and a
// light-emission control whose intensity must be zeroed on every exit
// path.
type PulseDetector interface {
	StartHelperAcquisition() error
	StopHelperAcquisition() error
	SetPulseOn(on bool) error
	SetLightIntensity(v float64) error
}

// StreamAccumulatorController drives a push-stream detector (spec.md
// §4.6): frames arrive asynchronously on the detector's DataFlow and must
// be accumulated into one image across N frames, where N = ceil(total
// dwell / per-frame dwell).
type StreamAccumulatorController struct {
	scanner  hwadapter.Scanner
	detector hwadapter.Detector
	pulse    PulseDetector
	cfg      *config.TuningConfig
}

// NewStreamAccumulatorController validates that the detector provides a
// DataFlow and builds a ready controller.
func NewStreamAccumulatorController(scanner hwadapter.Scanner, detector hwadapter.Detector, pulse PulseDetector, cfg *config.TuningConfig) (*StreamAccumulatorController, error) {
	if detector == nil || detector.DataFlow() == nil {
		return nil, NewValidationError("stream detector must provide a dataflow")
	}
	if cfg == nil {
		cfg = config.Empty()
	}
	return &StreamAccumulatorController{scanner: scanner, detector: detector, pulse: pulse, cfg: cfg}, nil
}

// frameCount computes N = ceil(totalDwell / perFrameDwell) and the
// recomputed per-frame dwell totalDwell/N, per spec.md §4.6.
func frameCount(totalDwell, maxPerFrameDwell time.Duration) (n int, perFrame time.Duration) {
	candidate := totalDwell
	if candidate > maxPerFrameDwell {
		candidate = maxPerFrameDwell
	}
	if candidate <= 0 {
		return 1, totalDwell
	}
	n = int(math.Ceil(totalDwell.Seconds() / candidate.Seconds()))
	if n < 1 {
		n = 1
	}
	perFrame = time.Duration(totalDwell.Seconds() / float64(n) * float64(time.Second))
	return n, perFrame
}

// accumulator drains a bounded frame queue, upcasting the first frame and
// summing subsequent matching-shape frames into it; mismatched shapes are
// reported and dropped.
type accumulator struct {
	mu       sync.Mutex
	raw      *dataarray.DataArray
	dwellSum time.Duration
	dropped  int
}

func (a *accumulator) add(frame dataarray.DataArray, frameDwell time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.raw == nil {
		clone := frame.Clone()
		a.raw = &clone
		a.dwellSum = frameDwell
		return
	}
	if !shapeEqual(a.raw.Shape, frame.Shape) {
		a.dropped++
		log.Printf("acq: streamaccumulator: dropping frame with mismatched shape %v, expected %v", frame.Shape, a.raw.Shape)
		return
	}
	for i, v := range frame.Data {
		a.raw.Data[i] += v
	}
	a.dwellSum += frameDwell
}

func (a *accumulator) result() dataarray.DataArray {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.raw == nil {
		return dataarray.DataArray{}
	}
	out := a.raw.Clone()
	out.Metadata[dataarray.KeyDwellTime] = a.dwellSum
	return out
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// configureScannerForROI points the beam at acqn.ROI's center and sizes the
// sub-raster to acqn.Rep, per spec.md §4.6's requirement to pre-compute the
// scanner configuration (scale, resolution, translation) to match
// ROI/repetition — the same scale+resolution+translation triple CameraSync
// sets up per pixel, collapsed here to the single region a stream
// accumulator integrates over.
func (c *StreamAccumulatorController) configureScannerForROI(roi grid.ROI, rep grid.Repetition) error {
	shapeX, shapeY := c.scanner.Shape()
	bg, err := grid.NewBeamGrid(roi, grid.Repetition{X: 1, Y: 1}, grid.EmitterShape{X: shapeX, Y: shapeY})
	if err != nil {
		return fmt.Errorf("acq: %w: compute ROI center: %v", ErrIO, err)
	}
	tx, ty := bg.At(0, 0)

	scale := hwadapter.Vector2{X: (roi.R - roi.L) * float64(shapeX) / float64(rep.X), Y: (roi.B - roi.T) * float64(shapeY) / float64(rep.Y)}
	if err := c.scanner.SetScale(scale); err != nil {
		return fmt.Errorf("acq: %w: set stream scale: %v", ErrIO, err)
	}
	if err := c.scanner.SetResolution(rep.X, rep.Y); err != nil {
		return fmt.Errorf("acq: %w: set stream resolution: %v", ErrIO, err)
	}
	if _, err := c.scanner.SetTranslation(hwadapter.Vector2{X: tx, Y: ty}); err != nil {
		return fmt.Errorf("acq: %w: set stream translation: %v", ErrIO, err)
	}
	return nil
}

// Run drives the push-stream accumulation protocol: pre-compute the
// scanner configuration, start the helper acquisition and pulse/light, run
// the accumulator goroutine against a bounded frame queue, and wait for N
// frame-done signals (or timeout/cancellation), tearing down every
// resource on every exit path.
func (c *StreamAccumulatorController) Run(ctx context.Context, acqn *Acquisition, totalDwell time.Duration) (dataarray.DataArray, error) {
	if err := c.configureScannerForROI(acqn.ROI, acqn.Rep); err != nil {
		return dataarray.DataArray{}, err
	}

	n, perFrame := frameCount(totalDwell, c.scanner.DwellRange().Max)
	if _, err := c.scanner.SetDwellTime(perFrame); err != nil {
		return dataarray.DataArray{}, fmt.Errorf("acq: %w: set per-frame dwell: %v", ErrIO, err)
	}

	const queueDepth = 8
	queue := make(chan hwadapter.DataSample, queueDepth)
	acc := &accumulator{}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for sample := range queue {
			acc.add(toDataArray(sample), perFrame)
		}
	}()

	var cb hwadapter.DataCallback = queueCallback(queue)
	teardown := func() {
		if err := c.detector.DataFlow().Unsubscribe(cb); err != nil {
			log.Printf("acq: streamaccumulator: unsubscribe: %v", err)
		}
		if c.pulse != nil {
			if err := c.pulse.SetLightIntensity(0); err != nil {
				log.Printf("acq: streamaccumulator: zero light intensity: %v", err)
			}
			if err := c.pulse.SetPulseOn(false); err != nil {
				log.Printf("acq: streamaccumulator: pulse off: %v", err)
			}
			if err := c.pulse.StopHelperAcquisition(); err != nil {
				log.Printf("acq: streamaccumulator: stop helper acquisition: %v", err)
			}
		}
		close(queue)
		wg.Wait()
	}

	if c.pulse != nil {
		if err := c.pulse.StartHelperAcquisition(); err != nil {
			return dataarray.DataArray{}, fmt.Errorf("acq: %w: start helper acquisition: %v", ErrIO, err)
		}
		if err := c.pulse.SetPulseOn(true); err != nil {
			teardown()
			return dataarray.DataArray{}, fmt.Errorf("acq: %w: pulse on: %v", ErrIO, err)
		}
		if err := c.pulse.SetLightIntensity(1); err != nil {
			teardown()
			return dataarray.DataArray{}, fmt.Errorf("acq: %w: light on: %v", ErrIO, err)
		}
	}

	frameDone := make(chan hwadapter.DataSample, 1)
	cb = func(s hwadapter.DataSample) {
		select {
		case frameDone <- s:
		default:
		}
		select {
		case queue <- s:
		default:
		}
	}
	if err := c.detector.DataFlow().Subscribe(cb); err != nil {
		teardown()
		return dataarray.DataArray{}, fmt.Errorf("acq: %w: subscribe: %v", ErrIO, err)
	}

	frameTimeout := time.Duration(c.cfg.GetStreamFrameTimeoutMultiplier()*float64(perFrame)) + c.cfg.GetStreamFrameTimeoutSlack()
	for i := 0; i < n; i++ {
		if acqn.State() == StateCancelled {
			teardown()
			return dataarray.DataArray{}, ErrCancelled
		}
		select {
		case <-frameDone:
		case <-ctx.Done():
			teardown()
			return dataarray.DataArray{}, ErrCancelled
		case <-time.After(frameTimeout):
			teardown()
			return dataarray.DataArray{}, fmt.Errorf("acq: frame %d/%d: %w", i+1, n, ErrTimeout)
		}
	}

	if err := c.detector.DataFlow().Unsubscribe(cb); err != nil {
		log.Printf("acq: streamaccumulator: unsubscribe: %v", err)
	}
	if c.pulse != nil {
		if err := c.pulse.SetLightIntensity(0); err != nil {
			log.Printf("acq: streamaccumulator: zero light intensity: %v", err)
		}
		if err := c.pulse.SetPulseOn(false); err != nil {
			log.Printf("acq: streamaccumulator: pulse off: %v", err)
		}
		if err := c.pulse.StopHelperAcquisition(); err != nil {
			log.Printf("acq: streamaccumulator: stop helper acquisition: %v", err)
		}
	}
	close(queue)
	wg.Wait()

	if acqn.State() == StateCancelled {
		return dataarray.DataArray{}, ErrCancelled
	}
	return acc.result(), nil
}

// queueCallback exists only so teardown's early-error path (before
// Subscribe succeeded) has a matching-typed no-op to call Unsubscribe
// with; DataFlow implementations must treat unsubscribing an unknown
// callback as a no-op, matching spec.md's "unsubscribe on every exit
// path" guarantee even when subscription never completed.
func queueCallback(ch chan hwadapter.DataSample) hwadapter.DataCallback {
	return func(hwadapter.DataSample) {}
}
