// Package grid builds the beam-translation and stage-position grids that
// drive a scanning acquisition. A grid maps a region of interest (ROI) and
// a repetition (the number of samples in X and Y) onto the concrete
// positions the hardware must visit, in strict row-major order with X as
// the fast axis.
package grid

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ErrOutOfRange is returned when a computed grid position falls outside a
// hardware axis's valid range.
var ErrOutOfRange = errors.New("grid: position out of range")

// ROI is a region of interest expressed as four ratios in [0, 1] over the
// emitter field: left, top, right, bottom.
type ROI struct {
	L, T, R, B float64
}

// UndefinedROI is the sentinel ROI meaning "no acquisition".
var UndefinedROI = ROI{L: -1, T: -1, R: -1, B: -1}

// IsUndefined reports whether r is the UndefinedROI sentinel.
func (r ROI) IsUndefined() bool {
	return r == UndefinedROI
}

// Validate checks that r's ratios are well-formed and within [0, 1].
func (r ROI) Validate() error {
	if r.IsUndefined() {
		return fmt.Errorf("grid: %w: ROI is undefined", ErrOutOfRange)
	}
	for _, v := range []float64{r.L, r.T, r.R, r.B} {
		if v < 0 || v > 1 {
			return fmt.Errorf("grid: %w: ROI ratio %v outside [0,1]", ErrOutOfRange, v)
		}
	}
	if r.R <= r.L || r.B <= r.T {
		return fmt.Errorf("grid: %w: ROI is degenerate %+v", ErrOutOfRange, r)
	}
	return nil
}

// Repetition is the number of grid samples in X and Y.
type Repetition struct {
	X, Y int
}

// Validate checks that rep is a positive, non-degenerate shape.
func (rep Repetition) Validate() error {
	if rep.X <= 0 || rep.Y <= 0 {
		return fmt.Errorf("grid: %w: repetition must be positive, got %+v", ErrOutOfRange, rep)
	}
	return nil
}

// Total returns rep.X * rep.Y.
func (rep Repetition) Total() int { return rep.X * rep.Y }

// PixelSize is the physical size, in meters, of one grid pixel.
type PixelSize struct {
	X, Y float64
}

// EmitterShape is the emitter's addressable field, in pixels.
type EmitterShape struct {
	X, Y int
}

// BeamGrid is a Y×X×2 array of emitter translations (fractional pixel
// offsets from the emitter center), Y the slow axis, X the fast axis, so
// index order matches scan order.
type BeamGrid struct {
	Rep  Repetition
	Data []float64 // len == Rep.Y*Rep.X*2, row-major (y, x, {tx,ty})
}

// At returns the (tx, ty) translation for grid position (x, y).
func (g *BeamGrid) At(x, y int) (tx, ty float64) {
	i := (y*g.Rep.X + x) * 2
	return g.Data[i], g.Data[i+1]
}

// NewBeamGrid computes the beam-translation grid for roi/rep/shape per
// spec: half-pixel inset so samples land on pixel centers, then mapped to
// emitter-centered translations tx = Sx*(u-0.5), ty = Sy*(v-0.5).
func NewBeamGrid(roi ROI, rep Repetition, shape EmitterShape) (*BeamGrid, error) {
	if err := roi.Validate(); err != nil {
		return nil, err
	}
	if err := rep.Validate(); err != nil {
		return nil, err
	}

	w := (roi.R - roi.L) / float64(rep.X)
	h := (roi.B - roi.T) / float64(rep.Y)

	us := centeredSamples(roi.L, w, rep.X)
	vs := centeredSamples(roi.T, h, rep.Y)

	data := make([]float64, rep.Y*rep.X*2)
	for y, v := range vs {
		ty := float64(shape.Y) * (v - 0.5)
		for x, u := range us {
			tx := float64(shape.X) * (u - 0.5)
			i := (y*rep.X + x) * 2
			data[i] = tx
			data[i+1] = ty
		}
	}
	return &BeamGrid{Rep: rep, Data: data}, nil
}

// centeredSamples returns n values spaced w apart starting at start,
// each offset by half a step so it lands on the center of its cell:
// start + w/2, start + 1.5w, ..., start + (n-1.5)w + w = start + (n-0.5)w.
func centeredSamples(start, w float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start + w/2
		return out
	}
	floats.Span(out, start+w/2, start+w/2+w*float64(n-1))
	return out
}

// PixelSizeFor derives the pixel size from an ROI, repetition and the
// emitter's field of view in meters — never from hardware-reported pixel
// size, which can be unreliable in single-point acquisition modes.
func PixelSizeFor(roi ROI, rep Repetition, fovX, fovY float64) PixelSize {
	return PixelSize{
		X: (roi.R - roi.L) * fovX / float64(rep.X),
		Y: (roi.B - roi.T) * fovY / float64(rep.Y),
	}
}

// AxisRange is the valid travel range of one stage axis, in meters.
type AxisRange struct {
	Min, Max float64
}

// Contains reports whether v lies within [Min, Max].
func (a AxisRange) Contains(v float64) bool { return v >= a.Min && v <= a.Max }

// StageGrid is a grid of absolute stage positions in meters, addressed by
// (x, y) through At and stored with X the fast axis to match BeamGrid's
// iteration order.
type StageGrid struct {
	Rep  Repetition
	Data []float64 // len == Rep.X*Rep.Y*2, row-major (y, x, {px,py})
}

// At returns the absolute (px, py) stage position for grid index (x, y).
func (g *StageGrid) At(x, y int) (px, py float64) {
	i := (y*g.Rep.X + x) * 2
	return g.Data[i], g.Data[i+1]
}

// NewStageGrid computes the stage-position grid for roi/rep against the
// emitter's field of view (fovX, fovY meters) and the stage's current
// center position (centerX, centerY). The Y axis is inverted relative to
// the ROI because image-Y grows downward while stage-Y grows upward. The
// full target box is validated against axis ranges before returning;
// any violation fails with ErrOutOfRange and no stage motion occurs.
func NewStageGrid(roi ROI, rep Repetition, fovX, fovY, centerX, centerY float64, axisX, axisY AxisRange) (*StageGrid, error) {
	if err := roi.Validate(); err != nil {
		return nil, err
	}
	if err := rep.Validate(); err != nil {
		return nil, err
	}

	w := (roi.R - roi.L) / float64(rep.X)
	h := (roi.B - roi.T) / float64(rep.Y)

	us := centeredSamples(roi.L, w, rep.X)
	vs := centeredSamples(roi.T, h, rep.Y)

	data := make([]float64, rep.X*rep.Y*2)
	for y, v := range vs {
		// v in [0,1], 0 at top of ROI; stage-Y grows upward so invert
		// around the field center.
		shiftY := fovY * (0.5 - v)
		py := centerY + shiftY
		for x, u := range us {
			shiftX := fovX * (u - 0.5)
			px := centerX + shiftX
			if !axisX.Contains(px) || !axisY.Contains(py) {
				return nil, fmt.Errorf("grid: %w: stage target (%v,%v) outside axis ranges x=%+v y=%+v", ErrOutOfRange, px, py, axisX, axisY)
			}
			i := (y*rep.X + x) * 2
			data[i] = px
			data[i+1] = py
		}
	}
	return &StageGrid{Rep: rep, Data: data}, nil
}
