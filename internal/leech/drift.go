package leech

import (
	"fmt"
	"sync"
	"time"

	"github.com/scanacq/engine/internal/dataarray"
	"github.com/scanacq/engine/internal/hwadapter"
)

// AnchorScanner is the beam capability handed to a drift corrector: set
// translation and read back the scanner's pixel size. AnchorDriftCorrector
// keeps the scanner it is given but calls neither method: anchors are
// captured at the current beam position and drift is measured in pixels.
type AnchorScanner interface {
	SetTranslation(v hwadapter.Vector2) (hwadapter.Vector2, error)
	PixelSize() (x, y float64)
}

// AnchorCapture acquires one anchor image at the current beam position.
// It is supplied by the caller (usually a thin wrapper around a detector's
// DataFlow) so the drift corrector stays independent of any one detector
// type.
type AnchorCapture func() (dataarray.DataArray, error)

// AnchorDriftCorrector is a DriftCorrector that periodically re-acquires a
// fixed anchor region, measures the pixel shift against the previous
// anchor, and accumulates a cumulative drift vector. Grounded on the teacher's
// CheckBackgroundDrift (internal/lidar/l3grid/background_drift.go):
// measurement-gated, threshold-free here because spec.md defines no
// rejection threshold for anchor drift — every measurement is accepted.
type AnchorDriftCorrector struct {
	scanner     AnchorScanner
	capture     AnchorCapture
	period      int // pixels between anchor measurements
	measureFunc func(first, current dataarray.DataArray) (dx, dy float64)

	mu          sync.Mutex
	anchors     []dataarray.DataArray
	cumDX       float64
	cumDY       float64
	measureCount int
}

// NewAnchorDriftCorrector builds a drift corrector that fires every period
// pixels. measure computes the pixel shift of current relative to the
// reference image passed as first (the previous anchor); pass nil to use a
// trivial centroid-difference measurement.
func NewAnchorDriftCorrector(scanner AnchorScanner, capture AnchorCapture, period int, measure func(first, current dataarray.DataArray) (dx, dy float64)) *AnchorDriftCorrector {
	if measure == nil {
		measure = centroidShift
	}
	return &AnchorDriftCorrector{
		scanner:     scanner,
		capture:     capture,
		period:      period,
		measureFunc: measure,
	}
}

// centroidShift is a simple, dependency-free drift estimator: the
// intensity-weighted centroid shift between two equal-shaped images, in
// pixel units. Real deployments can supply their own correlation-based
// measure function; this default exists so AnchorDriftCorrector is usable
// standalone in tests and the demo CLI.
func centroidShift(first, current dataarray.DataArray) (dx, dy float64) {
	cx0, cy0, ok0 := centroid(first)
	cx1, cy1, ok1 := centroid(current)
	if !ok0 || !ok1 {
		return 0, 0
	}
	return cx1 - cx0, cy1 - cy0
}

func centroid(d dataarray.DataArray) (cx, cy float64, ok bool) {
	if len(d.Shape) != 2 {
		return 0, 0, false
	}
	h, w := d.Shape[0], d.Shape[1]
	var sum, sx, sy float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := d.Data[y*w+x]
			sum += v
			sx += v * float64(x)
			sy += v * float64(y)
		}
	}
	if sum == 0 {
		return 0, 0, false
	}
	return sx / sum, sy / sum, true
}

// Estimate implements Leech.
func (a *AnchorDriftCorrector) Estimate(dwell time.Duration, shape [2]int) time.Duration {
	// One capture at roughly dwell-time granularity plus a settle.
	return dwell + 10*time.Millisecond
}

// Start implements Leech: takes the first anchor as the drift reference.
func (a *AnchorDriftCorrector) Start(dwell time.Duration, shape [2]int) (int, error) {
	img, err := a.acquireAnchor()
	if err != nil {
		return 0, fmt.Errorf("leech: drift corrector start: %w", err)
	}
	a.mu.Lock()
	a.anchors = []dataarray.DataArray{img}
	a.measureCount = 1
	a.mu.Unlock()
	return a.period, nil
}

// Next implements Leech: re-acquires the anchor, measures the shift
// relative to the previous anchor, and accumulates it. The cumulative drift
// is monotone in measurement count (it is appended to on every call,
// never reset or rolled back) but not in magnitude (a later measurement
// may report a smaller shift than an earlier one).
func (a *AnchorDriftCorrector) Next(_ map[int]dataarray.DataArray) (int, error) {
	img, err := a.acquireAnchor()
	if err != nil {
		return a.period, fmt.Errorf("leech: drift corrector measurement: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.anchors[len(a.anchors)-1]
	dx, dy := a.measureFunc(prev, img)
	a.cumDX += dx
	a.cumDY += dy
	a.measureCount++
	a.anchors = append(a.anchors, img)
	return a.period, nil
}

// Complete implements Leech; the drift corrector keeps no extra state on
// completion, its anchor stack is read via AnchorRaw by the acquisition
// controllers.
func (a *AnchorDriftCorrector) Complete(map[int][]dataarray.DataArray) error { return nil }

// CumulativeDrift implements DriftCorrector.
func (a *AnchorDriftCorrector) CumulativeDrift() (dx, dy float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cumDX, a.cumDY
}

// AnchorRaw implements DriftCorrector.
func (a *AnchorDriftCorrector) AnchorRaw() []dataarray.DataArray {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]dataarray.DataArray, len(a.anchors))
	copy(out, a.anchors)
	return out
}

func (a *AnchorDriftCorrector) acquireAnchor() (dataarray.DataArray, error) {
	img, err := a.capture()
	if err != nil {
		return dataarray.DataArray{}, err
	}
	return img, nil
}
