package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/scanacq/engine/internal/hwadapter"
)

// fakeDataFlow is an in-memory push dataflow: Notify (via fakeTrigger) or
// a free-running ticker calls produce, which fans out to every
// subscriber, synchronized or not.
type fakeDataFlow struct {
	mu            sync.Mutex
	subs          map[*hwadapter.DataCallback]hwadapter.DataCallback
	trigger       hwadapter.SoftwareTrigger
	produce       func() hwadapter.DataSample
	autoFireDelay time.Duration // >0: fire once, shortly after each Subscribe
}

func newFakeDataFlow(produce func() hwadapter.DataSample) *fakeDataFlow {
	return &fakeDataFlow{subs: make(map[*hwadapter.DataCallback]hwadapter.DataCallback), produce: produce}
}

// Subscribe records cb under a fresh key — function values are not
// comparable in Go, so Unsubscribe cannot look one up by equality and
// instead clears every current subscriber, which matches how this
// simulator's controllers use it (one subscriber at a time per flow).
func (f *fakeDataFlow) Subscribe(cb hwadapter.DataCallback) error {
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

func (f *fakeDataFlow) Unsubscribe(cb hwadapter.DataCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.subs {
		delete(f.subs, k)
	}
	return nil
}

func (f *fakeDataFlow) SetSynchronizedOn(trigger hwadapter.SoftwareTrigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trigger = trigger
	return nil
}

// fire produces one sample and delivers it to every current subscriber.
func (f *fakeDataFlow) fire() {
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

// fakeTrigger is a software trigger wired to one or more dataflows; Notify
// fires each after a short simulated acquisition delay.
type fakeTrigger struct {
	delay time.Duration
	flows []*fakeDataFlow
}

func (t *fakeTrigger) Notify() error {
	delay := t.delay
	flows := t.flows
	go func() {
		time.Sleep(delay)
		for _, f := range flows {
			f.fire()
		}
	}()
	return nil
}

// fakeScanner simulates a beam-steering emitter: every setter validates
// and clips into a fixed valid range, matching hwadapter.Scanner's
// contract.
type fakeScanner struct {
	mu          sync.Mutex
	shapeX      int
	shapeY      int
	pixelSizeX  float64
	pixelSizeY  float64
	scale       hwadapter.Vector2
	resolution  [2]int
	translation hwadapter.Vector2
	dwell       time.Duration
	dwellRange  hwadapter.Range
	minScale    float64
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{
		shapeX: 2048, shapeY: 1536,
		pixelSizeX: 1e-8, pixelSizeY: 1e-8,
		scale:      hwadapter.Vector2{X: 1, Y: 1},
		resolution: [2]int{1, 1},
		dwellRange: hwadapter.Range{Min: 1e-6, Max: 1e-2},
		minScale:   1,
	}
}

func (s *fakeScanner) Shape() (x, y int)        { return s.shapeX, s.shapeY }
func (s *fakeScanner) PixelSize() (x, y float64) { return s.pixelSizeX, s.pixelSizeY }

func (s *fakeScanner) SetScale(v hwadapter.Vector2) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scale = v
	return nil
}

func (s *fakeScanner) SetResolution(x, y int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolution = [2]int{x, y}
	return nil
}

func (s *fakeScanner) SetTranslation(v hwadapter.Vector2) (hwadapter.Vector2, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	half := hwadapter.Vector2{X: float64(s.shapeX) / 2, Y: float64(s.shapeY) / 2}
	clipped := hwadapter.Vector2{
		X: hwadapter.Range{Min: -half.X, Max: half.X}.Clip(v.X),
		Y: hwadapter.Range{Min: -half.Y, Max: half.Y}.Clip(v.Y),
	}
	s.translation = clipped
	return clipped, nil
}

func (s *fakeScanner) SetDwellTime(d time.Duration) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clipped := time.Duration(s.dwellRange.Clip(d.Seconds()) * float64(time.Second))
	s.dwell = clipped
	return clipped, nil
}

func (s *fakeScanner) DwellRange() hwadapter.Range { return s.dwellRange }
func (s *fakeScanner) MinScale() float64           { return s.minScale }

// fakePrimaryDetector simulates the beam-driving SE detector: one scalar
// sample per pixel, produced on its own dataflow once the scanner's
// current dwell time has elapsed.
type fakePrimaryDetector struct {
	flow *fakeDataFlow
}

func newFakePrimaryDetector() *fakePrimaryDetector {
	d := &fakePrimaryDetector{}
	d.flow = newFakeDataFlow(func() hwadapter.DataSample {
		return hwadapter.DataSample{
			Shape:           []int{1},
			Values:          []float64{rand.Float64()},
			AcquisitionDate: time.Now(),
			Metadata:        map[string]any{},
		}
	})
	// Free-running: the primary detector clocks the beam, so it fires
	// shortly after the pixel loop subscribes rather than waiting on a
	// trigger — standing in for "as soon as the beam settles."
	d.flow.autoFireDelay = 2 * time.Millisecond
	return d
}

func (d *fakePrimaryDetector) Shape() []int            { return []int{1} }
func (d *fakePrimaryDetector) DataFlow() hwadapter.DataFlow { return d.flow }
func (d *fakePrimaryDetector) Role() hwadapter.DriveRole    { return hwadapter.RoleSE }

// fakeCamera simulates a small-frame exposure camera with its own
// software trigger.
type fakeCamera struct {
	flow    *fakeDataFlow
	trigger *fakeTrigger
	shape   [2]int
	expose  time.Duration
	rate    float64
}

func newFakeCamera(exposure time.Duration, shape [2]int) *fakeCamera {
	c := &fakeCamera{shape: shape, expose: exposure, rate: 1e6}
	c.flow = newFakeDataFlow(func() hwadapter.DataSample {
		n := shape[0] * shape[1]
		values := make([]float64, n)
		for i := range values {
			values[i] = rand.Float64()
		}
		return hwadapter.DataSample{
			Shape:           []int{shape[0], shape[1]},
			Values:          values,
			AcquisitionDate: time.Now(),
			Metadata:        map[string]any{},
		}
	})
	c.trigger = &fakeTrigger{delay: exposure, flows: []*fakeDataFlow{c.flow}}
	return c
}

func (c *fakeCamera) Shape() []int                 { return []int{c.shape[0], c.shape[1]} }
func (c *fakeCamera) DataFlow() hwadapter.DataFlow  { return c.flow }
func (c *fakeCamera) Role() hwadapter.DriveRole     { return hwadapter.RoleCamera }
func (c *fakeCamera) ExposureTime() time.Duration   { return c.expose }
func (c *fakeCamera) ReadoutRate() float64          { return c.rate }
func (c *fakeCamera) SoftwareTrigger() hwadapter.SoftwareTrigger { return c.trigger }

// fakeMoveCompletion resolves immediately — the simulated stage has no
// real travel time to model beyond the configured Speed().
type fakeMoveCompletion struct{}

func (fakeMoveCompletion) Wait(ctx context.Context) error { return nil }

// fakeStage simulates a two-axis mechanical stage with generous travel
// ranges, tracking its own position in memory.
type fakeStage struct {
	mu       sync.Mutex
	position map[string]float64
	axes     map[string]hwadapter.Range
	speed    float64
}

func newFakeStage() *fakeStage {
	return &fakeStage{
		position: map[string]float64{"x": 0, "y": 0},
		axes: map[string]hwadapter.Range{
			"x": {Min: -1e-3, Max: 1e-3},
			"y": {Min: -1e-3, Max: 1e-3},
		},
		speed: 1e-3,
	}
}

func (s *fakeStage) Axes() map[string]hwadapter.Range {
	out := make(map[string]hwadapter.Range, len(s.axes))
	for k, v := range s.axes {
		out[k] = v
	}
	return out
}

func (s *fakeStage) Position() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.position))
	for k, v := range s.position {
		out[k] = v
	}
	return out
}

func (s *fakeStage) MoveAbsolute(targets map[string]float64) (hwadapter.MoveCompletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for axis, v := range targets {
		r := s.axes[axis]
		s.position[axis] = r.Clip(v)
	}
	return fakeMoveCompletion{}, nil
}

func (s *fakeStage) Speed() float64 { return s.speed }
