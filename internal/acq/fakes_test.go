package acq

import (
	"context"
	"sync"
	"time"

	"github.com/scanacq/engine/internal/hwadapter"
)

// testDataFlow is an in-memory push dataflow mirroring cmd/simulate's
// fakeDataFlow: Notify (via testTrigger) or a fixed autoFireDelay after
// Subscribe calls produce, which fans out to every current subscriber.
type testDataFlow struct {
	mu            sync.Mutex
	subs          map[*hwadapter.DataCallback]hwadapter.DataCallback
	trigger       hwadapter.SoftwareTrigger
	produce       func() hwadapter.DataSample
	autoFireDelay time.Duration
}

func newTestDataFlow(produce func() hwadapter.DataSample) *testDataFlow {
	return &testDataFlow{subs: make(map[*hwadapter.DataCallback]hwadapter.DataCallback), produce: produce}
}

func (f *testDataFlow) Subscribe(cb hwadapter.DataCallback) error {
	f.mu.Lock()
	key := new(hwadapter.DataCallback)
	f.subs[key] = cb
	delay := f.autoFireDelay
	f.mu.Unlock()
	if delay > 0 {
		go func() {
			time.Sleep(delay)
			f.fire()
		}()
	}
	return nil
}

// Unsubscribe clears every current subscriber — function values are not
// comparable, and these tests never multiplex more than one subscriber
// per flow at a time.
func (f *testDataFlow) Unsubscribe(hwadapter.DataCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.subs {
		delete(f.subs, k)
	}
	return nil
}

func (f *testDataFlow) SetSynchronizedOn(t hwadapter.SoftwareTrigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trigger = t
	return nil
}

func (f *testDataFlow) fire() {
	sample := f.produce()
	f.mu.Lock()
	cbs := make([]hwadapter.DataCallback, 0, len(f.subs))
	for _, cb := range f.subs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(sample)
	}
}

// testTrigger fires every registered flow after a fixed delay, standing
// in for camera exposure.
type testTrigger struct {
	delay time.Duration
	flows []*testDataFlow
}

func (t *testTrigger) Notify() error {
	delay, flows := t.delay, t.flows
	go func() {
		time.Sleep(delay)
		for _, f := range flows {
			f.fire()
		}
	}()
	return nil
}

// testScanner is a deterministic in-memory Scanner test double.
type testScanner struct {
	mu          sync.Mutex
	translation hwadapter.Vector2
	dwell       time.Duration
	resolution  [2]int
	scale       hwadapter.Vector2
	shapeX      int
	shapeY      int
	pxX, pxY    float64
	dwellRange  hwadapter.Range
	minScale    float64
}

func newTestScanner() *testScanner {
	return &testScanner{
		shapeX: 100, shapeY: 100, pxX: 1e-9, pxY: 1e-9,
		dwellRange: hwadapter.Range{Min: 1e-6, Max: 1},
		minScale:   1,
	}
}

func (s *testScanner) Shape() (x, y int)         { return s.shapeX, s.shapeY }
func (s *testScanner) PixelSize() (x, y float64) { return s.pxX, s.pxY }

func (s *testScanner) SetScale(v hwadapter.Vector2) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scale = v
	return nil
}

func (s *testScanner) SetResolution(x, y int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolution = [2]int{x, y}
	return nil
}

func (s *testScanner) SetTranslation(v hwadapter.Vector2) (hwadapter.Vector2, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.translation = v
	return v, nil
}

func (s *testScanner) SetDwellTime(d time.Duration) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dwell = d
	return d, nil
}

func (s *testScanner) DwellRange() hwadapter.Range { return s.dwellRange }
func (s *testScanner) MinScale() float64           { return s.minScale }

// newTestPrimaryDetector builds a beam-driving SE detector that fires one
// scalar sample a fixed, short delay after being subscribed — standing in
// for "the beam has settled."
func newTestPrimaryDetector(role hwadapter.DriveRole, value float64) *testDetector {
	flow := newTestDataFlow(func() hwadapter.DataSample {
		return hwadapter.DataSample{
			Shape:           []int{1},
			Values:          []float64{value},
			AcquisitionDate: time.Now(),
			Metadata:        map[string]any{},
		}
	})
	flow.autoFireDelay = time.Millisecond
	return &testDetector{flow: flow, shape: []int{1}, role: role}
}

// testDetector is a minimal non-exposure Detector test double.
type testDetector struct {
	flow  *testDataFlow
	shape []int
	role  hwadapter.DriveRole
}

func (d *testDetector) Shape() []int                 { return d.shape }
func (d *testDetector) DataFlow() hwadapter.DataFlow { return d.flow }
func (d *testDetector) Role() hwadapter.DriveRole    { return d.role }

// testCamera is an ExposureDetector test double whose software trigger
// fires its own dataflow after a fixed exposure delay.
type testCamera struct {
	flow    *testDataFlow
	trigger *testTrigger
	shape   [2]int
	expose  time.Duration
	rate    float64
}

func newTestCamera(exposure time.Duration, shape [2]int, value float64) *testCamera {
	c := &testCamera{shape: shape, expose: exposure, rate: 1e9}
	c.flow = newTestDataFlow(func() hwadapter.DataSample {
		n := shape[0] * shape[1]
		values := make([]float64, n)
		for i := range values {
			values[i] = value
		}
		return hwadapter.DataSample{
			Shape:           []int{shape[0], shape[1]},
			Values:          values,
			AcquisitionDate: time.Now(),
			Metadata:        map[string]any{},
		}
	})
	c.trigger = &testTrigger{delay: exposure, flows: []*testDataFlow{c.flow}}
	return c
}

func (c *testCamera) Shape() []int                               { return []int{c.shape[0], c.shape[1]} }
func (c *testCamera) DataFlow() hwadapter.DataFlow                { return c.flow }
func (c *testCamera) Role() hwadapter.DriveRole                   { return hwadapter.RoleCamera }
func (c *testCamera) ExposureTime() time.Duration                 { return c.expose }
func (c *testCamera) ReadoutRate() float64                        { return c.rate }
func (c *testCamera) SoftwareTrigger() hwadapter.SoftwareTrigger { return c.trigger }

// testMoveCompletion resolves immediately.
type testMoveCompletion struct{}

func (testMoveCompletion) Wait(ctx context.Context) error { return nil }

// testStage is a deterministic in-memory ScanStage test double.
type testStage struct {
	mu       sync.Mutex
	position map[string]float64
	axes     map[string]hwadapter.Range
	moves    []map[string]float64
}

func newTestStage() *testStage {
	return &testStage{
		position: map[string]float64{"x": 0, "y": 0},
		axes: map[string]hwadapter.Range{
			"x": {Min: -1, Max: 1},
			"y": {Min: -1, Max: 1},
		},
	}
}

func (s *testStage) Axes() map[string]hwadapter.Range { return s.axes }

func (s *testStage) Position() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.position))
	for k, v := range s.position {
		out[k] = v
	}
	return out
}

func (s *testStage) MoveAbsolute(targets map[string]float64) (hwadapter.MoveCompletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for axis, v := range targets {
		s.position[axis] = v
	}
	cp := make(map[string]float64, len(targets))
	for k, v := range targets {
		cp[k] = v
	}
	s.moves = append(s.moves, cp)
	return testMoveCompletion{}, nil
}

func (s *testStage) Speed() float64 { return 1e-3 }
