// Package dataarray implements the N-D numeric buffer with attached
// key→value metadata that every detector produces and the assembler
// consumes.
package dataarray

import (
	"fmt"
	"time"
)

// Well-known metadata keys. Values are untyped (any) so callers can attach
// whatever the source detector stamped. Position, pixel size and
// acquisition date have typed helpers below; the engine reads and writes
// the other keys directly in Metadata.
const (
	KeyPosition         = "position"     // [2]float64, meters, center of top-left pixel + half extent
	KeyPixelSize        = "pixel-size"   // [2]float64, meters
	KeyAcquisitionDate  = "acquisition-date"
	KeyExposureTime     = "exposure-time"
	KeyDwellTime        = "dwell-time"
	KeyDescription      = "description"
	KeyAnchorDateList   = "anchor-date-list"
)

// DataArray is an N-D numeric buffer with attached metadata, row-major.
type DataArray struct {
	Shape    []int
	Data     []float64
	Metadata map[string]any
}

// New allocates a zeroed DataArray of the given shape.
func New(shape []int) DataArray {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return DataArray{
		Shape:    append([]int(nil), shape...),
		Data:     make([]float64, n),
		Metadata: make(map[string]any),
	}
}

// Len returns the total element count (product of Shape).
func (d DataArray) Len() int { return len(d.Data) }

// Empty reports whether the array carries zero elements — the "degenerate
// detector" case the flat assembler must pass through unchanged.
func (d DataArray) Empty() bool { return len(d.Data) == 0 }

// Clone returns a deep copy of d.
func (d DataArray) Clone() DataArray {
	out := DataArray{
		Shape:    append([]int(nil), d.Shape...),
		Data:     append([]float64(nil), d.Data...),
		Metadata: make(map[string]any, len(d.Metadata)),
	}
	for k, v := range d.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Position returns the KeyPosition metadata as (x, y) in meters.
func (d DataArray) Position() (x, y float64, ok bool) {
	v, present := d.Metadata[KeyPosition]
	if !present {
		return 0, 0, false
	}
	p, isPair := v.([2]float64)
	if !isPair {
		return 0, 0, false
	}
	return p[0], p[1], true
}

// SetPosition sets the KeyPosition metadata.
func (d DataArray) SetPosition(x, y float64) { d.Metadata[KeyPosition] = [2]float64{x, y} }

// PixelSize returns the KeyPixelSize metadata as (x, y) in meters.
func (d DataArray) PixelSize() (x, y float64, ok bool) {
	v, present := d.Metadata[KeyPixelSize]
	if !present {
		return 0, 0, false
	}
	p, isPair := v.([2]float64)
	if !isPair {
		return 0, 0, false
	}
	return p[0], p[1], true
}

// SetPixelSize sets the KeyPixelSize metadata.
func (d DataArray) SetPixelSize(x, y float64) { d.Metadata[KeyPixelSize] = [2]float64{x, y} }

// AcquisitionDate returns the KeyAcquisitionDate metadata.
func (d DataArray) AcquisitionDate() (time.Time, bool) {
	v, present := d.Metadata[KeyAcquisitionDate]
	if !present {
		return time.Time{}, false
	}
	t, isTime := v.(time.Time)
	return t, isTime
}

// SetAcquisitionDate sets the KeyAcquisitionDate metadata.
func (d DataArray) SetAcquisitionDate(t time.Time) { d.Metadata[KeyAcquisitionDate] = t }

// String renders a short diagnostic summary, matching the teacher's
// practice of giving its structured types cheap Stringer implementations
// for log lines rather than a custom logging framework.
func (d DataArray) String() string {
	return fmt.Sprintf("DataArray{shape=%v, len=%d, meta_keys=%d}", d.Shape, len(d.Data), len(d.Metadata))
}
