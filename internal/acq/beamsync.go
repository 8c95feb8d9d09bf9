package acq

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/scanacq/engine/internal/config"
	"github.com/scanacq/engine/internal/dataarray"
	"github.com/scanacq/engine/internal/grid"
	"github.com/scanacq/engine/internal/hwadapter"
	"github.com/scanacq/engine/internal/leech"
	"github.com/scanacq/engine/internal/progress"
	"github.com/scanacq/engine/internal/trigger"
)

// BeamSyncController drives multiple beam-synchronized detectors (spec.md
// §4.5): all of them clock off the beam, the first detector's software
// trigger is the single synchronization source, and the remainder are
// subscribed without synchronization (they fire on the same beam clock).
// Fuzzing is not applicable here — it would only amount to software
// binning, so it is not offered as an option.
type BeamSyncController struct {
	scanner   hwadapter.Scanner
	detectors []hwadapter.Detector // detectors[0] is the synchronization source
	leeches   []leech.Leech
	cfg       *config.TuningConfig

	reg *trigger.Registry
}

// NewBeamSyncController validates that there is at least one detector and
// that the first carries a software trigger; the other detectors are not
// checked.
func NewBeamSyncController(scanner hwadapter.Scanner, detectors []hwadapter.Detector, leeches []leech.Leech, cfg *config.TuningConfig) (*BeamSyncController, error) {
	if len(detectors) == 0 {
		return nil, NewValidationError("expected at least one detector")
	}
	if _, ok := detectors[0].(hwadapter.ExposureDetector); !ok {
		if _, hasTrig := detectorTrigger(detectors[0]); !hasTrig {
			return nil, NewValidationError("first detector does not drive the beam (no software trigger)")
		}
	}
	if cfg == nil {
		cfg = config.Empty()
	}
	return &BeamSyncController{
		scanner:   scanner,
		detectors: detectors,
		leeches:   leeches,
		cfg:       cfg,
		reg:       trigger.NewRegistry(),
	}, nil
}

// detectorTrigger extracts a software trigger from a detector if it
// exposes one via the ExposureDetector capability.
func detectorTrigger(d hwadapter.Detector) (hwadapter.SoftwareTrigger, bool) {
	if ed, ok := d.(hwadapter.ExposureDetector); ok {
		return ed.SoftwareTrigger(), true
	}
	return nil, false
}

// frameTime is the per-block beam dwell budget, configured by the caller
// via the scanner's dwell time before Run is invoked.
func (c *BeamSyncController) frameTime(dwell time.Duration, blockPixels int) time.Duration {
	return dwell * time.Duration(blockPixels)
}

// largestAlignedRectangle computes the largest axis-aligned block of
// pixels that fits within budget, given the repetition shape and the
// current (x, y) cursor. When the cursor sits at a row boundary and the
// budget covers at least one full row, the block spans as many full rows
// as fit (width == rep.X); otherwise it is a single partial row capped at
// the remaining columns, so the cursor always advances in a rectangle
// whose rows are uniform width.
func largestAlignedRectangle(rep grid.Repetition, x, y, budget int) (w, h int) {
	if budget <= 0 {
		return 0, 0
	}
	if x == 0 && budget >= rep.X {
		rows := budget / rep.X
		if maxRows := rep.Y - y; rows > maxRows {
			rows = maxRows
		}
		return rep.X, rows
	}
	remainingInRow := rep.X - x
	w = budget
	if w > remainingInRow {
		w = remainingInRow
	}
	return w, 1
}

// Run executes the BeamSync acquisition protocol: iterate the grid in
// rectangular blocks sized by the minimum leech countdown, steer the beam
// to each block's center translation, drive one synchronized acquisition
// per block, fire due leeches between blocks.
func (c *BeamSyncController) Run(ctx context.Context, acqn *Acquisition, bg *grid.BeamGrid, dwell time.Duration, future *progress.Future[map[int][]dataarray.DataArray]) (map[int][]dataarray.DataArray, error) {
	tot := acqn.Rep.Total()
	scheduler, err := leech.NewScheduler(c.leeches, dwell, [2]int{acqn.Rep.Y, acqn.Rep.X})
	if err != nil {
		acqn.Fail(err)
		return nil, err
	}

	results := make(map[int][]dataarray.DataArray, len(c.detectors))
	for i := range c.detectors {
		results[i] = make([]dataarray.DataArray, 0, tot)
	}

	x, y := 0, 0
	n := 0
	var sumElapsed time.Duration
	for n < tot {
		if acqn.State() == StateCancelled {
			c.teardown()
			return nil, ErrCancelled
		}

		budget := scheduler.MinCountdown(tot - n)
		w, h := largestAlignedRectangle(acqn.Rep, x, y, budget)
		if w <= 0 || h <= 0 {
			w, h = 1, 1
		}
		blockPixels := w
		if h > 1 {
			blockPixels = w + (h-1)*acqn.Rep.X
		}

		blockStart := time.Now()
		blockResults, err := c.acquireBlock(ctx, bg, x, y, w, h, dwell, blockPixels)
		if err != nil {
			c.teardown()
			acqn.Fail(err)
			return nil, err
		}
		for i, samples := range blockResults {
			results[i] = append(results[i], samples...)
		}
		elapsed := time.Since(blockStart)
		n += blockPixels
		if n > blockPixels { // not the very first block
			sumElapsed += elapsed
		}

		if future != nil {
			leechRemaining := scheduler.RemainingEstimate(dwell, [2]int{acqn.Rep.Y, acqn.Rep.X})
			future.UpdateEstimate(time.Now().Add(progress.EstimateRemaining(sumElapsed, n, tot, leechRemaining)))
		}

		latest := map[int]dataarray.DataArray{}
		for i, samples := range blockResults {
			if len(samples) > 0 {
				latest[i] = samples[len(samples)-1]
			}
		}
		if err := scheduler.Advance(blockPixels, latest); err != nil {
			c.teardown()
			acqn.Fail(err)
			return nil, err
		}

		if h > 1 {
			// full-row block: advance by whole rows, cursor stays at
			// column 0
			y += h
		} else {
			x += w
			if x >= acqn.Rep.X {
				x = 0
				y++
			}
		}
	}

	c.teardown()
	if acqn.State() == StateCancelled {
		return nil, ErrCancelled
	}
	if err := scheduler.Complete(results); err != nil {
		log.Printf("acq: beamsync: leech.Complete error: %v", err)
	}
	return results, nil
}

// blockCenterTranslation returns the emitter translation for the center of
// the w×h block starting at grid position (x, y), averaged from the
// block's first and last grid points (evenly spaced, so their midpoint is
// the block center).
func blockCenterTranslation(bg *grid.BeamGrid, x, y, w, h int) (tx, ty float64) {
	tx0, ty0 := bg.At(x, y)
	tx1, ty1 := bg.At(x+w-1, y+h-1)
	return (tx0 + tx1) / 2, (ty0 + ty1) / 2
}

func (c *BeamSyncController) acquireBlock(ctx context.Context, bg *grid.BeamGrid, x, y, w, h int, dwell time.Duration, blockPixels int) (map[int][]dataarray.DataArray, error) {
	if err := c.scanner.SetResolution(w, h); err != nil {
		return nil, fmt.Errorf("acq: %w: set block resolution: %v", ErrIO, err)
	}

	tx, ty := blockCenterTranslation(bg, x, y, w, h)
	clipped, err := c.scanner.SetTranslation(hwadapter.Vector2{X: tx, Y: ty})
	if err != nil {
		return nil, fmt.Errorf("acq: %w: set block translation: %v", ErrIO, err)
	}
	if clipped.X != tx || clipped.Y != ty {
		log.Printf("acq: beamsync: translation clipped at block (%d,%d): wanted (%v,%v) got (%v,%v)", x, y, tx, ty, clipped.X, clipped.Y)
	}

	trig, _ := detectorTrigger(c.detectors[0])
	c.reg.ResetAll()

	flows := make(map[int]hwadapter.DataFlow, len(c.detectors))
	for i, d := range c.detectors {
		flows[i] = d.DataFlow()
		if i == 0 {
			if err := flows[i].SetSynchronizedOn(trig); err != nil {
				return nil, fmt.Errorf("acq: %w: synchronize detector 0: %v", ErrIO, err)
			}
		}
		if err := c.reg.Subscribe(i, flows[i]); err != nil {
			return nil, err
		}
	}

	if trig != nil {
		if err := trig.Notify(); err != nil {
			return nil, fmt.Errorf("acq: %w: notify beam trigger: %v", ErrIO, err)
		}
	}

	frameTime := c.frameTime(dwell, blockPixels)
	timeout := frameTime*10 + c.cfg.GetBlockTimeoutSlack()
	if timeout < 100*time.Millisecond {
		timeout = 100 * time.Millisecond
	}

	out := make(map[int][]dataarray.DataArray, len(c.detectors))
	for i := range c.detectors {
		sig := c.reg.Signal(i)
		select {
		case s := <-sig.Done():
			out[i] = []dataarray.DataArray{toDataArray(s)}
		case <-ctx.Done():
			c.reg.UnsubscribeAll(flows)
			return nil, ErrCancelled
		case <-time.After(timeout):
			c.reg.UnsubscribeAll(flows)
			return nil, fmt.Errorf("acq: detector %d: %w", i, ErrTimeout)
		}
	}

	c.reg.UnsubscribeAll(flows)
	if err := flows[0].SetSynchronizedOn(nil); err != nil {
		log.Printf("acq: beamsync: unsynchronize detector 0: %v", err)
	}
	return out, nil
}

func (c *BeamSyncController) teardown() {
	flows := make(map[int]hwadapter.DataFlow, len(c.detectors))
	for i, d := range c.detectors {
		flows[i] = d.DataFlow()
	}
	c.reg.UnsubscribeAll(flows)
	if len(flows) > 0 {
		if err := flows[0].SetSynchronizedOn(nil); err != nil {
			log.Printf("acq: beamsync: teardown unsynchronize: %v", err)
		}
	}
}
