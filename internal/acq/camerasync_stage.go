package acq

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/scanacq/engine/internal/assemble"
	"github.com/scanacq/engine/internal/config"
	"github.com/scanacq/engine/internal/dataarray"
	"github.com/scanacq/engine/internal/grid"
	"github.com/scanacq/engine/internal/hwadapter"
	"github.com/scanacq/engine/internal/leech"
	"github.com/scanacq/engine/internal/progress"
	"github.com/scanacq/engine/internal/trigger"
)

// CameraStageController is the CameraSync+ScanStage variant of spec.md
// §4.4: the beam is held at the field center (translation (0,0)) and the
// mechanical stage, not the beam, visits each grid position. Drift
// correction offsets each commanded stage target by the corrector's drift
// converted to meters, rather than offsetting a beam translation.
type CameraStageController struct {
	scanner    hwadapter.Scanner
	primary    hwadapter.Detector
	camera     hwadapter.ExposureDetector
	stage      hwadapter.ScanStage
	leeches    []leech.Leech
	cfg        *config.TuningConfig
	preprocess PreprocessHook

	reg *trigger.Registry
}

// NewCameraStageController validates detectors and the stage, mirroring
// NewCameraSyncController's checks with a mandatory stage.
func NewCameraStageController(scanner hwadapter.Scanner, detectors []hwadapter.Detector, stage hwadapter.ScanStage, leeches []leech.Leech, cfg *config.TuningConfig) (*CameraStageController, error) {
	if stage == nil {
		return nil, NewValidationError("scan stage is required")
	}
	if len(detectors) != 2 {
		return nil, NewValidationError("expected exactly two detectors, got %d", len(detectors))
	}
	primary := detectors[0]
	switch primary.Role() {
	case hwadapter.RoleSE, hwadapter.RoleBS, hwadapter.RoleCL, hwadapter.RoleMonochromator, hwadapter.RoleEBIC:
	default:
		return nil, NewValidationError("first detector does not drive the beam (role=%s)", primary.Role())
	}
	camera, ok := detectors[1].(hwadapter.ExposureDetector)
	if !ok {
		return nil, NewValidationError("second detector lacks exposure time")
	}
	if cfg == nil {
		cfg = config.Empty()
	}
	return &CameraStageController{
		scanner:    scanner,
		primary:    primary,
		camera:     camera,
		stage:      stage,
		leeches:    leeches,
		cfg:        cfg,
		preprocess: func(d dataarray.DataArray) dataarray.DataArray { return d },
		reg:        trigger.NewRegistry(),
	}, nil
}

// SetPreprocessHook overrides the default identity preprocess hook.
func (c *CameraStageController) SetPreprocessHook(h PreprocessHook) { c.preprocess = h }

func (c *CameraStageController) pixelBudget() time.Duration {
	readoutTime := time.Duration(0)
	if rate := c.camera.ReadoutRate(); rate > 0 {
		pixels := 1
		for _, s := range c.camera.Shape() {
			pixels *= s
		}
		readoutTime = time.Duration(float64(pixels) / rate * float64(time.Second))
	}
	return c.camera.ExposureTime() + readoutTime
}

// Run executes the stage-scanned CameraSync protocol: the beam is centered
// once, the stage visits every grid point (eliding axes that have not
// moved), drift correction is applied by subtracting the corrector's drift,
// converted from beam pixels to meters with Y negated, from the commanded
// target, and on exit — success or failure — the stage returns to the
// center of its axis range. The stage is not moved to an anchor origin
// before a drift corrector fires; anchors are captured wherever the last
// pixel left the stage.
func (c *CameraStageController) Run(ctx context.Context, acqn *Acquisition, sg *grid.StageGrid, centerX, centerY float64, future *progress.Future[map[int][]dataarray.DataArray]) (map[int][]dataarray.DataArray, error) {
	tPix := c.pixelBudget()

	if err := c.scanner.SetScale(hwadapter.Vector2{X: 1, Y: 1}); err != nil {
		c.teardown(centerX, centerY)
		acqn.Fail(fmt.Errorf("acq: %w: set spot scale: %v", ErrIO, err))
		return nil, acqn.Err()
	}
	if err := c.scanner.SetResolution(1, 1); err != nil {
		c.teardown(centerX, centerY)
		acqn.Fail(fmt.Errorf("acq: %w: set spot resolution: %v", ErrIO, err))
		return nil, acqn.Err()
	}
	if _, err := c.scanner.SetTranslation(hwadapter.Vector2{X: 0, Y: 0}); err != nil {
		c.teardown(centerX, centerY)
		acqn.Fail(fmt.Errorf("acq: %w: center beam: %v", ErrIO, err))
		return nil, acqn.Err()
	}
	if _, err := c.scanner.SetDwellTime(tPix); err != nil {
		c.teardown(centerX, centerY)
		acqn.Fail(fmt.Errorf("acq: %w: set spot dwell: %v", ErrIO, err))
		return nil, acqn.Err()
	}

	if err := c.reg.Subscribe(1, c.camera.DataFlow()); err != nil {
		c.teardown(centerX, centerY)
		acqn.Fail(err)
		return nil, err
	}

	tot := acqn.Rep.Total()
	scheduler, err := leech.NewScheduler(c.leeches, tPix, [2]int{acqn.Rep.Y, acqn.Rep.X})
	if err != nil {
		c.teardown(centerX, centerY)
		acqn.Fail(err)
		return nil, err
	}
	driftCorrectors := scheduler.DriftCorrectors()

	results := map[int][]dataarray.DataArray{0: make([]dataarray.DataArray, 0, tot), 1: make([]dataarray.DataArray, 0, tot)}

	var lastTarget map[string]float64
	var sumElapsed time.Duration
	n := 0
	for y := 0; y < acqn.Rep.Y; y++ {
		for x := 0; x < acqn.Rep.X; x++ {
			if acqn.State() == StateCancelled {
				c.teardown(centerX, centerY)
				return nil, ErrCancelled
			}

			pixelStart := time.Now()
			px, py := sg.At(x, y)
			dx, dy := driftPixels(driftCorrectors)
			pxs, pys := c.scanner.PixelSize()
			target := map[string]float64{"x": px - dx*pxs, "y": py + dy*pys}
			target = elideUnchangedAxes(target, lastTarget)
			if len(target) > 0 {
				mc, err := c.stage.MoveAbsolute(target)
				if err != nil {
					c.teardown(centerX, centerY)
					acqn.Fail(fmt.Errorf("acq: %w: stage move: %v", ErrIO, err))
					return nil, acqn.Err()
				}
				if err := mc.Wait(ctx); err != nil {
					c.teardown(centerX, centerY)
					acqn.Fail(fmt.Errorf("acq: stage move wait: %v", err))
					return nil, acqn.Err()
				}
			}
			lastTarget = map[string]float64{"x": px - dx*pxs, "y": py + dy*pys}

			camSample, primSample, err := c.acquireSample(ctx, acqn, x, y, tPix)
			if err != nil {
				c.teardown(centerX, centerY)
				acqn.Fail(err)
				return nil, err
			}

			camSample = c.preprocess(stampStagePosition(camSample, px, py))
			primSample = stampStagePosition(primSample, px, py)
			results[0] = append(results[0], primSample)
			results[1] = append(results[1], camSample)

			elapsed := time.Since(pixelStart)
			n++
			if n > 1 {
				sumElapsed += elapsed
			}
			if future != nil {
				leechRemaining := scheduler.RemainingEstimate(tPix, [2]int{acqn.Rep.Y, acqn.Rep.X})
				future.UpdateEstimate(time.Now().Add(progress.EstimateRemaining(sumElapsed, n, tot, leechRemaining)))
			}

			latest := map[int]dataarray.DataArray{0: primSample, 1: camSample}
			if err := scheduler.Advance(1, latest); err != nil {
				c.teardown(centerX, centerY)
				acqn.Fail(err)
				return nil, err
			}

			// With a drift corrector present, forget the last commanded
			// target so the next pixel's move sends both axes instead of
			// eliding any. The stage itself is not moved here.
			if len(driftCorrectors) > 0 {
				lastTarget = nil
			}
		}
	}

	c.teardown(centerX, centerY)
	if acqn.State() == StateCancelled {
		return nil, ErrCancelled
	}

	raw := map[int][]dataarray.DataArray{0: results[0], 1: results[1]}
	if err := scheduler.Complete(raw); err != nil {
		log.Printf("acq: camerasync_stage: leech.Complete error: %v", err)
	}
	if len(driftCorrectors) > 0 {
		anchors := driftCorrectors[0].AnchorRaw()
		if len(anchors) > 0 {
			anchorStack, err := assemble.AnchorImageStack(anchors)
			if err == nil {
				results[2] = append(results[2], anchorStack)
			}
		}
	}
	return results, nil
}

// elideUnchangedAxes drops axes from target whose value matches the last
// commanded value, so MoveAbsolute only moves the axes that actually
// changed, per spec.md §4.4.
func elideUnchangedAxes(target, last map[string]float64) map[string]float64 {
	if last == nil {
		return target
	}
	out := make(map[string]float64, len(target))
	for axis, v := range target {
		if prev, ok := last[axis]; !ok || math.Abs(prev-v) > 1e-15 {
			out[axis] = v
		}
	}
	return out
}

// acquireSample mirrors CameraSyncController.acquirePixelWithRetry: the
// camera dataflow is subscribed once for the whole Run, so only the
// primary detector's subscription cycles per pixel here, and a stale
// camera sample is dropped without re-subscribing or re-notifying the
// trigger.
func (c *CameraStageController) acquireSample(ctx context.Context, acqn *Acquisition, x, y int, tPix time.Duration) (camSample, primSample dataarray.DataArray, err error) {
	failures := 0
	for {
		if acqn.State() == StateCancelled {
			return dataarray.DataArray{}, dataarray.DataArray{}, ErrCancelled
		}

		c.reg.ResetAll()
		tStart := time.Now()

		if err := c.reg.Subscribe(0, c.primary.DataFlow()); err != nil {
			return dataarray.DataArray{}, dataarray.DataArray{}, err
		}

		time.Sleep(c.cfg.GetSettleTime())

		if err := c.camera.SoftwareTrigger().Notify(); err != nil {
			return dataarray.DataArray{}, dataarray.DataArray{}, fmt.Errorf("acq: %w: notify camera trigger: %v", ErrIO, err)
		}

		camSig := c.reg.Signal(1)
		sample, waitErr := waitCameraCompletion(ctx, camSig, tStart, tPix, c.cfg, x, y)

		elapsed := time.Since(tStart)
		tooFast := elapsed < time.Duration(c.cfg.GetTooFastFraction()*float64(tPix))
		if waitErr != nil || tooFast {
			failures++
			c.reg.Unsubscribe(0, c.primary.DataFlow())
			if failures >= c.cfg.GetMaxSyncFailures() {
				return dataarray.DataArray{}, dataarray.DataArray{}, fmt.Errorf("acq: pixel (%d,%d): %w after %d failures", x, y, ErrSyncFailure, failures)
			}
			time.Sleep(c.cfg.GetRetrySleep())
			continue
		}
		camSample = toDataArray(sample)

		primSig := c.reg.Signal(0)
		primaryTimeout := time.Duration(c.cfg.GetPrimaryTimeoutMultiplier()*float64(tPix)) + c.cfg.GetPrimaryTimeoutSlack()
		primSample, err = waitPrimaryCompletion(ctx, primSig, primaryTimeout)
		if err != nil {
			c.reg.Unsubscribe(0, c.primary.DataFlow())
			return dataarray.DataArray{}, dataarray.DataArray{}, err
		}

		c.reg.Unsubscribe(0, c.primary.DataFlow())
		return camSample, primSample, nil
	}
}

func stampStagePosition(d dataarray.DataArray, px, py float64) dataarray.DataArray {
	d.SetPosition(px, py)
	return d
}

// teardown unsubscribes everything, unsynchronizes the camera, and — on
// every exit path, success or failure — returns the stage to the center of
// its axis range, per spec.md §4.4. centerX/centerY are used only for an
// axis the stage reports no range for.
func (c *CameraStageController) teardown(centerX, centerY float64) {
	c.reg.UnsubscribeAll(map[int]hwadapter.DataFlow{0: c.primary.DataFlow(), 1: c.camera.DataFlow()})
	if err := c.camera.DataFlow().SetSynchronizedOn(nil); err != nil {
		log.Printf("acq: camerasync_stage: unsynchronize camera: %v", err)
	}
	axes := c.stage.Axes()
	if ax, ok := axes["x"]; ok {
		centerX = (ax.Min + ax.Max) / 2
	}
	if ay, ok := axes["y"]; ok {
		centerY = (ay.Min + ay.Max) / 2
	}
	mc, err := c.stage.MoveAbsolute(map[string]float64{"x": centerX, "y": centerY})
	if err != nil {
		log.Printf("acq: camerasync_stage: return stage to center: %v", err)
		return
	}
	if err := mc.Wait(context.Background()); err != nil {
		log.Printf("acq: camerasync_stage: wait for stage return: %v", err)
	}
}
