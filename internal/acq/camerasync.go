package acq

import (
	"context"
	"fmt"
	"log"
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

// PreprocessHook is run on the last camera sample of each pixel before it
// is stored, mirroring the original's _preprocessData hook (spec.md §11).
// The default is identity.
type PreprocessHook func(dataarray.DataArray) dataarray.DataArray

// CameraSyncController drives the SEM-beam + camera pairing of spec.md
// §4.3: exactly two detectors, the first (index 0) a beam-driving
// "primary" detector, the second (index 1) a camera with its own
// exposure and software trigger.
type CameraSyncController struct {
	scanner    hwadapter.Scanner
	primary    hwadapter.Detector
	camera     hwadapter.ExposureDetector
	stage      hwadapter.ScanStage // nil unless this is the scan-stage variant
	leeches    []leech.Leech
	cfg        *config.TuningConfig
	preprocess PreprocessHook
	fuzzing    bool

	reg *trigger.Registry
}

// NewCameraSyncController validates detectors per spec.md §6's
// ValidationError contract and returns a ready controller.
func NewCameraSyncController(scanner hwadapter.Scanner, detectors []hwadapter.Detector, stage hwadapter.ScanStage, leeches []leech.Leech, cfg *config.TuningConfig, fuzzing bool) (*CameraSyncController, error) {
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
	return &CameraSyncController{
		scanner:    scanner,
		primary:    primary,
		camera:     camera,
		stage:      stage,
		leeches:    leeches,
		cfg:        cfg,
		preprocess: func(d dataarray.DataArray) dataarray.DataArray { return d },
		fuzzing:    fuzzing,
		reg:        trigger.NewRegistry(),
	}, nil
}

// SetPreprocessHook overrides the default identity preprocess hook.
func (c *CameraSyncController) SetPreprocessHook(h PreprocessHook) { c.preprocess = h }

// pixelBudget is t_pix = exposure + readout, per spec.md §4.3. Readout
// time is the camera's own pixel count divided by its readout rate.
func (c *CameraSyncController) pixelBudget() time.Duration {
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

// chooseFuzzingTileSize returns the largest ts (at least 1) with
// ts²·minDwell ≤ exposure/passes, so that `passes` full ts×ts rasters at the
// scanner's minimum dwell fit within one exposure; it is computed in closed
// form as a square root. The minimum scale only gates the computation (a
// non-positive value yields 1); it does not bound ts.
func chooseFuzzingTileSize(exposure time.Duration, dwellRange hwadapter.Range, minScale float64, passes float64) int {
	if dwellRange.Min <= 0 || minScale <= 0 {
		return 1
	}
	minDwell := dwellRange.Min
	budget := exposure.Seconds() / passes
	// ts^2 * minDwell <= budget  =>  ts <= sqrt(budget/minDwell)
	maxTS := int(isqrt(budget / minDwell))
	if maxTS < 1 {
		return 1
	}
	return maxTS
}

func isqrt(v float64) float64 {
	if v <= 0 {
		return 0
	}
	x := v
	for i := 0; i < 30; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

// setupHardware configures the scanner for the fuzzed sub-raster or spot
// mode, per spec.md §4.3 "Hardware setup".
func (c *CameraSyncController) setupHardware(tPix time.Duration) (tileSize int, err error) {
	if c.fuzzing {
		ts := chooseFuzzingTileSize(tPix, c.scanner.DwellRange(), c.scanner.MinScale(), c.cfg.GetFuzzingRasterPasses())
		if ts >= 2 {
			if err := c.scanner.SetScale(hwadapter.Vector2{X: float64(ts), Y: float64(ts)}); err != nil {
				return 0, fmt.Errorf("acq: %w: set fuzzing scale: %v", ErrIO, err)
			}
			if err := c.scanner.SetResolution(ts, ts); err != nil {
				return 0, fmt.Errorf("acq: %w: set fuzzing resolution: %v", ErrIO, err)
			}
			dwell := time.Duration(tPix.Seconds() / float64(ts*ts) * float64(time.Second))
			if _, err := c.scanner.SetDwellTime(dwell); err != nil {
				return 0, fmt.Errorf("acq: %w: set fuzzing dwell: %v", ErrIO, err)
			}
			return ts, nil
		}
	}
	if err := c.scanner.SetScale(hwadapter.Vector2{X: 1, Y: 1}); err != nil {
		return 0, fmt.Errorf("acq: %w: set spot scale: %v", ErrIO, err)
	}
	if err := c.scanner.SetResolution(1, 1); err != nil {
		return 0, fmt.Errorf("acq: %w: set spot resolution: %v", ErrIO, err)
	}
	if _, err := c.scanner.SetDwellTime(tPix); err != nil {
		return 0, fmt.Errorf("acq: %w: set spot dwell: %v", ErrIO, err)
	}
	return 1, nil
}

// Run executes the full CameraSync acquisition protocol, mutating acqn's
// state and returning the raw per-detector samples (index 0 primary,
// index 1 camera, index 2 an assembled anchor stack if a drift corrector
// collected one); assembly of the detector samples happens in the caller.
func (c *CameraSyncController) Run(ctx context.Context, acqn *Acquisition, bg *grid.BeamGrid, future *progress.Future[map[int][]dataarray.DataArray]) (map[int][]dataarray.DataArray, error) {
	tPix := c.pixelBudget()
	tileSize, err := c.setupHardware(tPix)
	if err != nil {
		acqn.Fail(err)
		return nil, err
	}
	_ = tileSize

	if err := c.reg.Subscribe(1, c.camera.DataFlow()); err != nil {
		acqn.Fail(err)
		return nil, err
	}

	tot := acqn.Rep.Total()
	scheduler, err := leech.NewScheduler(c.leeches, tPix, [2]int{acqn.Rep.Y, acqn.Rep.X})
	if err != nil {
		c.teardown()
		acqn.Fail(err)
		return nil, err
	}
	driftCorrectors := scheduler.DriftCorrectors()

	results := map[int][]dataarray.DataArray{0: make([]dataarray.DataArray, 0, tot), 1: make([]dataarray.DataArray, 0, tot)}

	var sumElapsed time.Duration
	n := 0
	for y := 0; y < acqn.Rep.Y; y++ {
		for x := 0; x < acqn.Rep.X; x++ {
			if acqn.State() == StateCancelled {
				c.teardown()
				return nil, ErrCancelled
			}

			pixelStart := time.Now()
			dx, dy := driftPixels(driftCorrectors)
			camSample, primSample, err := c.acquirePixelWithRetry(ctx, acqn, bg, x, y, dx, dy, tPix)
			if err != nil {
				c.teardown()
				acqn.Fail(err)
				return nil, err
			}

			camSample = c.preprocess(patchCameraPosition(camSample, primSample, dx, dy, c.scanner))
			results[0] = append(results[0], primSample)
			results[1] = append(results[1], camSample)

			elapsed := time.Since(pixelStart)
			n++
			if n > 1 {
				sumElapsed += elapsed
			}

			leechRemaining := scheduler.RemainingEstimate(tPix, [2]int{acqn.Rep.Y, acqn.Rep.X})
			if future != nil {
				future.UpdateEstimate(time.Now().Add(progress.EstimateRemaining(sumElapsed, n, tot, leechRemaining)))
			}

			latest := map[int]dataarray.DataArray{0: primSample, 1: camSample}
			if err := scheduler.Advance(1, latest); err != nil {
				c.teardown()
				acqn.Fail(err)
				return nil, err
			}
		}
	}

	c.teardown()
	if acqn.State() == StateCancelled {
		return nil, ErrCancelled
	}

	raw := map[int][]dataarray.DataArray{0: results[0], 1: results[1]}
	if err := scheduler.Complete(raw); err != nil {
		log.Printf("acq: camerasync: leech.Complete error: %v", err)
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

func driftPixels(correctors []leech.DriftCorrector) (dx, dy float64) {
	if len(correctors) == 0 {
		return 0, 0
	}
	return correctors[0].CumulativeDrift()
}

// acquirePixelWithRetry runs the steps 1-9 of spec.md §4.3's per-pixel
// protocol, retrying on a timed-out or too-fast camera wait until
// cfg.MaxSyncFailures failures have occurred for the pixel, at which point
// it returns ErrSyncFailure (so at most MaxSyncFailures-1 retries). The camera dataflow is subscribed once for the
// whole Run (spec.md §5's single-subscriber rule); only the primary
// detector's subscription is cycled per pixel here.
func (c *CameraSyncController) acquirePixelWithRetry(ctx context.Context, acqn *Acquisition, bg *grid.BeamGrid, x, y int, dx, dy float64, tPix time.Duration) (camSample, primSample dataarray.DataArray, err error) {
	failures := 0
	for {
		if acqn.State() == StateCancelled {
			return dataarray.DataArray{}, dataarray.DataArray{}, ErrCancelled
		}

		tx, ty := bg.At(x, y)
		clipped, cerr := c.scanner.SetTranslation(hwadapter.Vector2{X: tx - dx, Y: ty - dy})
		if cerr != nil {
			return dataarray.DataArray{}, dataarray.DataArray{}, fmt.Errorf("acq: %w: set translation: %v", ErrIO, cerr)
		}
		if clipped.X != tx-dx || clipped.Y != ty-dy {
			log.Printf("acq: camerasync: translation clipped at pixel (%d,%d): wanted (%v,%v) got (%v,%v)", x, y, tx-dx, ty-dy, clipped.X, clipped.Y)
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

// waitCameraCompletion waits for the camera's next sample, logging and
// dropping any sample timestamped before tStart (leftover from a prior
// trigger) and continuing to wait on the same subscription rather than
// re-firing the trigger, per spec.md §9's resolution against re-notifying
// on stale data.
func waitCameraCompletion(ctx context.Context, sig *trigger.Signal, tStart time.Time, tPix time.Duration, cfg *config.TuningConfig, x, y int) (hwadapter.DataSample, error) {
	fastDeadline := time.After(tPix + cfg.GetCameraPollInterval()*2)
	for {
		select {
		case s := <-sig.Done():
			if fresh, ok := freshCameraSample(sig, s, tStart, x, y); ok {
				return fresh, nil
			}
		case <-ctx.Done():
			return hwadapter.DataSample{}, ErrCancelled
		case <-fastDeadline:
			return waitCameraCompletionSlow(ctx, sig, tStart, tPix, cfg, x, y)
		}
	}
}

func waitCameraCompletionSlow(ctx context.Context, sig *trigger.Signal, tStart time.Time, tPix time.Duration, cfg *config.TuningConfig, x, y int) (hwadapter.DataSample, error) {
	absoluteDeadline := time.Duration(cfg.GetCameraAbsoluteDeadlineMultiplier()*float64(tPix)) + cfg.GetCameraAbsoluteDeadlineSlack()
	timeout := time.After(absoluteDeadline)
	ticker := time.NewTicker(cfg.GetCameraPollInterval())
	defer ticker.Stop()
	for {
		select {
		case s := <-sig.Done():
			if fresh, ok := freshCameraSample(sig, s, tStart, x, y); ok {
				return fresh, nil
			}
		case <-ctx.Done():
			return hwadapter.DataSample{}, ErrCancelled
		case <-timeout:
			return hwadapter.DataSample{}, ErrTimeout
		case <-ticker.C:
		}
	}
}

// freshCameraSample drops s if it predates tStart (a sample left over from
// the previous pixel's trigger) and re-arms sig so waiting can continue
// without re-subscribing or re-notifying the camera.
func freshCameraSample(sig *trigger.Signal, s hwadapter.DataSample, tStart time.Time, x, y int) (hwadapter.DataSample, bool) {
	if s.AcquisitionDate.Before(tStart) {
		log.Printf("acq: camerasync: %v at pixel (%d,%d), dropping and continuing to wait", ErrStaleData, x, y)
		sig.Reset()
		return hwadapter.DataSample{}, false
	}
	return s, true
}

func waitPrimaryCompletion(ctx context.Context, sig *trigger.Signal, timeout time.Duration) (dataarray.DataArray, error) {
	select {
	case s := <-sig.Done():
		return toDataArray(s), nil
	case <-ctx.Done():
		return dataarray.DataArray{}, ErrCancelled
	case <-time.After(timeout):
		return dataarray.DataArray{}, ErrTimeout
	}
}

func toDataArray(s hwadapter.DataSample) dataarray.DataArray {
	d := dataarray.DataArray{
		Shape:    append([]int(nil), s.Shape...),
		Data:     append([]float64(nil), s.Values...),
		Metadata: make(map[string]any, len(s.Metadata)+1),
	}
	for k, v := range s.Metadata {
		d.Metadata[k] = v
	}
	d.SetAcquisitionDate(s.AcquisitionDate)
	return d
}

// patchCameraPosition implements spec.md §4.3 step 11: the last camera
// sample's position becomes the primary detector's reported position plus
// drift×subpixel-size (Y inverted).
func patchCameraPosition(cam, primary dataarray.DataArray, dx, dy float64, scanner hwadapter.Scanner) dataarray.DataArray {
	px, py := scanner.PixelSize()
	primX, primY, ok := primary.Position()
	if !ok {
		return cam
	}
	cam.SetPosition(primX+dx*px, primY-dy*py)
	return cam
}

// teardown unsubscribes everything and unsynchronizes the camera,
// unconditionally, on every exit path of Run after the camera has been
// subscribed.
func (c *CameraSyncController) teardown() {
	c.reg.UnsubscribeAll(map[int]hwadapter.DataFlow{0: c.primary.DataFlow(), 1: c.camera.DataFlow()})
	if err := c.camera.DataFlow().SetSynchronizedOn(nil); err != nil {
		log.Printf("acq: camerasync: unsynchronize camera: %v", err)
	}
}
