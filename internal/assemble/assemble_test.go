package assemble

import (
	"testing"
	"time"

	"github.com/scanacq/engine/internal/dataarray"
	"github.com/scanacq/engine/internal/grid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pixelAt(value, px, py float64) dataarray.DataArray {
	d := dataarray.New([]int{1})
	d.Data[0] = value
	d.SetPosition(px, py)
	return d
}

func TestFlatten2D_OrderingAndCenter(t *testing.T) {
	rep := grid.Repetition{X: 2, Y: 2}
	pixelSize := grid.PixelSize{X: 1, Y: 1}

	pixels := []dataarray.DataArray{
		pixelAt(0, 0, 0), // (x=0,y=0)
		pixelAt(1, 1, 0), // (x=1,y=0)
		pixelAt(2, 0, 1), // (x=0,y=1)
		pixelAt(3, 1, 1), // (x=1,y=1)
	}

	out, err := Flatten2D(pixels, rep, pixelSize, "primary")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, out.Shape)
	assert.Equal(t, []float64{0, 1, 2, 3}, out.Data, "row-major, X fast axis")

	cx, cy, ok := out.Position()
	require.True(t, ok)
	assert.InDelta(t, 0.5, cx, 1e-9) // 0 + (2-1)/2 * 1
	assert.InDelta(t, -0.5, cy, 1e-9) // 0 - (2-1)/2 * 1 (Y inverted)
}

func TestFlatten2D_DegenerateDetectorPassthrough(t *testing.T) {
	empty := dataarray.DataArray{Shape: []int{0}, Data: nil, Metadata: map[string]any{}}
	out, err := Flatten2D([]dataarray.DataArray{empty}, grid.Repetition{X: 1, Y: 1}, grid.PixelSize{X: 1, Y: 1}, "x")
	require.NoError(t, err)
	assert.True(t, out.Empty())
}

func TestFlatten2D_WrongCount(t *testing.T) {
	_, err := Flatten2D([]dataarray.DataArray{pixelAt(0, 0, 0)}, grid.Repetition{X: 2, Y: 2}, grid.PixelSize{X: 1, Y: 1}, "x")
	require.Error(t, err)
}

func tile(h, w int, fill float64, px, py float64) dataarray.DataArray {
	d := dataarray.New([]int{h, w})
	for i := range d.Data {
		d.Data[i] = fill
	}
	d.SetPosition(px, py)
	return d
}

func TestTiled2D_Shape(t *testing.T) {
	rep := grid.Repetition{X: 2, Y: 1}
	pixels := []dataarray.DataArray{
		tile(2, 2, 1, 0, 0),
		tile(2, 2, 2, 1, 0),
	}
	out, err := Tiled2D(pixels, rep, grid.PixelSize{X: 1, Y: 1}, "tiled")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, out.Shape)
	// left tile block is all 1s, right tile block all 2s
	assert.Equal(t, 1.0, out.Data[0])
	assert.Equal(t, 2.0, out.Data[2])
}

func TestSpectralCube_Shape(t *testing.T) {
	rep := grid.Repetition{X: 2, Y: 2}
	mkSpec := func(c int, px, py float64) dataarray.DataArray {
		d := dataarray.New([]int{1, c})
		for i := range d.Data {
			d.Data[i] = float64(i)
		}
		d.SetPosition(px, py)
		return d
	}
	pixels := []dataarray.DataArray{
		mkSpec(4, 0, 0), mkSpec(4, 1, 0),
		mkSpec(4, 0, 1), mkSpec(4, 1, 1),
	}
	out, err := SpectralCube(pixels, rep, grid.PixelSize{X: 1, Y: 1}, [2]int{1, 1}, "spec")
	require.NoError(t, err)
	assert.Equal(t, []int{4, 1, 1, 2, 2}, out.Shape)
}

func TestAnchorImageStack(t *testing.T) {
	now := time.Now()
	a := tile(2, 2, 1, 0, 0)
	a.SetAcquisitionDate(now)
	b := tile(2, 2, 2, 0, 0)
	b.SetAcquisitionDate(now.Add(time.Second))

	out, err := AnchorImageStack([]dataarray.DataArray{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 1, 2, 2}, out.Shape)
	assert.Equal(t, "Anchor region", out.Metadata[dataarray.KeyDescription])
	dates, ok := out.Metadata[dataarray.KeyAnchorDateList].([]time.Time)
	require.True(t, ok)
	assert.Len(t, dates, 2)
}

func TestAnchorImageStack_Empty(t *testing.T) {
	_, err := AnchorImageStack(nil)
	require.Error(t, err)
}
