// Package assemble stitches per-pixel DataArrays received during an
// acquisition into the final flat, tiled, spectral-cube, or anchor-stack
// arrays with computed position and pixel-size metadata.
package assemble

import (
	"fmt"
	"time"

	"github.com/scanacq/engine/internal/dataarray"
	"github.com/scanacq/engine/internal/grid"
)

// Strategy is one of the four assembly modes spec.md §4.7 describes.
type Strategy int

const (
	Flat Strategy = iota
	Tiled
	Spectral
	AnchorStack
)

// centerAndPixelSize implements spec.md's critical "center/pixel-size
// rule": both are derived from the first received per-pixel DataArray's
// position, never from hardware-reported pixel size. top-left is that
// position minus half the per-pixel extent; center is top-left plus half
// the total image extent.
// The first received pixel's position is, by construction, the center of
// the top-left output cell. Per spec.md's testable "center-of-image rule"
// (position + (rep-1)/2 * (px, -py)), the image center sits (rep-1)/2
// pixel-size-units away from that first pixel's position along X, and the
// same distance in the opposite direction along Y (beam Y grows downward
// while the physical/metadata Y axis used here grows upward).
func centerAndPixelSize(first dataarray.DataArray, rep grid.Repetition, tileShape [2]int, internalPixelSize grid.PixelSize) (center [2]float64, px grid.PixelSize) {
	fx, fy, _ := first.Position()
	stepX := float64(tileShape[1]) * internalPixelSize.X
	stepY := float64(tileShape[0]) * internalPixelSize.Y

	centerX := fx + stepX*float64(rep.X-1)/2
	centerY := fy - stepY*float64(rep.Y-1)/2

	return [2]float64{centerX, centerY}, internalPixelSize
}

// warnIfPixelSizeMismatch cross-checks the hardware-reported pixel size
// against the ROI/emitter-derived one and returns a warning string if they
// differ wildly, per spec.md §4.7; finishMetadata stores a non-empty
// warning in the output's "pixel-size-mismatch-warning" metadata entry.
func warnIfPixelSizeMismatch(reportedX, reportedY, derivedX, derivedY float64) string {
	const tolerance = 0.5 // 50% relative difference is "wildly different"
	if derivedX == 0 || derivedY == 0 {
		return ""
	}
	relX := (reportedX - derivedX) / derivedX
	relY := (reportedY - derivedY) / derivedY
	if abs(relX) > tolerance || abs(relY) > tolerance {
		return fmt.Sprintf("assemble: hardware-reported pixel size (%.3e,%.3e) differs from derived (%.3e,%.3e) by more than %.0f%%",
			reportedX, reportedY, derivedX, derivedY, tolerance*100)
	}
	return ""
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Flatten2D implements the flat assembly strategy: each received element
// is at most one value per pixel; the result is reshaped to (rep.Y, rep.X).
// If the first element is empty (a degenerate detector), it is returned
// unchanged rather than reshaped.
func Flatten2D(pixels []dataarray.DataArray, rep grid.Repetition, internalPixelSize grid.PixelSize, description string) (dataarray.DataArray, error) {
	if len(pixels) == 0 {
		return dataarray.DataArray{}, fmt.Errorf("assemble: no pixels to flatten")
	}
	if len(pixels) != rep.Total() {
		return dataarray.DataArray{}, fmt.Errorf("assemble: flat assembly expects %d pixels, got %d", rep.Total(), len(pixels))
	}
	if pixels[0].Empty() {
		return pixels[0], nil
	}

	out := dataarray.New([]int{rep.Y, rep.X})
	for i, p := range pixels {
		if len(p.Data) != 1 {
			return dataarray.DataArray{}, fmt.Errorf("assemble: flat assembly expects 1 value/pixel, pixel %d has %d", i, len(p.Data))
		}
		out.Data[i] = p.Data[0]
	}

	finishMetadata(&out, pixels[0], rep, [2]int{1, 1}, internalPixelSize, description)
	return out, nil
}

// Tiled2D implements the tiled assembly strategy: each received element is
// a T×S tile; tiles are stacked (Y, X, T, S) then transposed/rearranged to
// (Y*T, X*S).
func Tiled2D(pixels []dataarray.DataArray, rep grid.Repetition, internalPixelSize grid.PixelSize, description string) (dataarray.DataArray, error) {
	if len(pixels) != rep.Total() {
		return dataarray.DataArray{}, fmt.Errorf("assemble: tiled assembly expects %d pixels, got %d", rep.Total(), len(pixels))
	}
	first := pixels[0]
	if len(first.Shape) != 2 {
		return dataarray.DataArray{}, fmt.Errorf("assemble: tiled assembly expects 2-D tiles, got shape %v", first.Shape)
	}
	tileH, tileW := first.Shape[0], first.Shape[1]

	out := dataarray.New([]int{rep.Y * tileH, rep.X * tileW})
	for gy := 0; gy < rep.Y; gy++ {
		for gx := 0; gx < rep.X; gx++ {
			idx := gy*rep.X + gx
			tile := pixels[idx]
			if tile.Shape[0] != tileH || tile.Shape[1] != tileW {
				return dataarray.DataArray{}, fmt.Errorf("assemble: tile %d has mismatched shape %v, expected [%d %d]", idx, tile.Shape, tileH, tileW)
			}
			for ty := 0; ty < tileH; ty++ {
				for tx := 0; tx < tileW; tx++ {
					outY := gy*tileH + ty
					outX := gx*tileW + tx
					out.Data[outY*(rep.X*tileW)+outX] = tile.Data[ty*tileW+tx]
				}
			}
		}
	}

	finishMetadata(&out, first, rep, [2]int{tileH, tileW}, internalPixelSize, description)
	return out, nil
}

// SpectralCube implements the spectral assembly strategy: each element is
// (1, C); the result is (C, 1, 1, rep.Y, rep.X), pixel-size in the
// spatial dims equal to emitter-pixel times tile shape.
func SpectralCube(pixels []dataarray.DataArray, rep grid.Repetition, internalPixelSize grid.PixelSize, tileShape [2]int, description string) (dataarray.DataArray, error) {
	if len(pixels) != rep.Total() {
		return dataarray.DataArray{}, fmt.Errorf("assemble: spectral assembly expects %d pixels, got %d", rep.Total(), len(pixels))
	}
	first := pixels[0]
	if len(first.Shape) != 2 || first.Shape[0] != 1 {
		return dataarray.DataArray{}, fmt.Errorf("assemble: spectral assembly expects (1,C) elements, got shape %v", first.Shape)
	}
	C := first.Shape[1]

	out := dataarray.New([]int{C, 1, 1, rep.Y, rep.X})
	for idx, p := range pixels {
		if len(p.Data) != C {
			return dataarray.DataArray{}, fmt.Errorf("assemble: spectral pixel %d has %d channels, expected %d", idx, len(p.Data), C)
		}
		gy, gx := idx/rep.X, idx%rep.X
		for c := 0; c < C; c++ {
			outIdx := ((c*1+0)*1+0)*rep.Y*rep.X + gy*rep.X + gx
			out.Data[outIdx] = p.Data[c]
		}
	}

	spatialPixelSize := grid.PixelSize{
		X: internalPixelSize.X * float64(tileShape[1]),
		Y: internalPixelSize.Y * float64(tileShape[0]),
	}
	finishMetadata(&out, first, rep, [2]int{1, 1}, spatialPixelSize, description)
	return out, nil
}

// AnchorImageStack implements the anchor assembly strategy: a list of 2-D
// anchor images into (1, N, 1, H, W), with anchor-date-list metadata.
func AnchorImageStack(anchors []dataarray.DataArray) (dataarray.DataArray, error) {
	if len(anchors) == 0 {
		return dataarray.DataArray{}, fmt.Errorf("assemble: no anchor images to stack")
	}
	first := anchors[0]
	if len(first.Shape) != 2 {
		return dataarray.DataArray{}, fmt.Errorf("assemble: anchor stack expects 2-D images, got shape %v", first.Shape)
	}
	h, w := first.Shape[0], first.Shape[1]
	n := len(anchors)

	out := dataarray.New([]int{1, n, 1, h, w})
	dates := make([]time.Time, 0, n)
	for i, a := range anchors {
		if a.Shape[0] != h || a.Shape[1] != w {
			return dataarray.DataArray{}, fmt.Errorf("assemble: anchor %d has mismatched shape %v, expected [%d %d]", i, a.Shape, h, w)
		}
		copy(out.Data[i*h*w:(i+1)*h*w], a.Data)
		if d, ok := a.AcquisitionDate(); ok {
			dates = append(dates, d)
		}
	}

	out.Metadata[dataarray.KeyDescription] = "Anchor region"
	out.Metadata[dataarray.KeyAnchorDateList] = dates
	if px, py, ok := first.PixelSize(); ok {
		out.SetPixelSize(px, py)
	}
	if x, y, ok := first.Position(); ok {
		out.SetPosition(x, y)
	}
	return out, nil
}

func finishMetadata(out *dataarray.DataArray, first dataarray.DataArray, rep grid.Repetition, tileShape [2]int, internalPixelSize grid.PixelSize, description string) {
	center, px := centerAndPixelSize(first, rep, tileShape, internalPixelSize)
	out.SetPosition(center[0], center[1])
	out.SetPixelSize(px.X, px.Y)
	if description != "" {
		out.Metadata[dataarray.KeyDescription] = description
	}
	if reportedX, reportedY, ok := first.PixelSize(); ok {
		if msg := warnIfPixelSizeMismatch(reportedX, reportedY, px.X, px.Y); msg != "" {
			out.Metadata["pixel-size-mismatch-warning"] = msg
		}
	}
}
