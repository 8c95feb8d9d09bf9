package acq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/scanacq/engine/internal/config"
	"github.com/scanacq/engine/internal/dataarray"
	"github.com/scanacq/engine/internal/hwadapter"
)

// periodicDataFlow fires a new frame on a fixed period to its current
// subscriber until Unsubscribe is called, simulating a free-running
// push-stream detector.
type periodicDataFlow struct {
	mu       sync.Mutex
	cb       hwadapter.DataCallback
	stop     chan struct{}
	period   time.Duration
	shape    []int
	value    float64
}

func newPeriodicDataFlow(period time.Duration, shape []int, value float64) *periodicDataFlow {
	return &periodicDataFlow{period: period, shape: shape, value: value}
}

func (f *periodicDataFlow) Subscribe(cb hwadapter.DataCallback) error {
	f.mu.Lock()
	f.cb = cb
	stop := make(chan struct{})
	f.stop = stop
	f.mu.Unlock()

	n := 1
	for _, s := range f.shape {
		n *= s
	}
	values := make([]float64, n)
	for i := range values {
		values[i] = f.value
	}

	go func() {
		ticker := time.NewTicker(f.period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.mu.Lock()
				cb := f.cb
				f.mu.Unlock()
				if cb != nil {
					cb(hwadapter.DataSample{
						Shape:           append([]int(nil), f.shape...),
						Values:          append([]float64(nil), values...),
						AcquisitionDate: time.Now(),
						Metadata:        map[string]any{},
					})
				}
			}
		}
	}()
	return nil
}

func (f *periodicDataFlow) Unsubscribe(hwadapter.DataCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil {
		close(f.stop)
		f.stop = nil
	}
	f.cb = nil
	return nil
}

func (f *periodicDataFlow) SetSynchronizedOn(hwadapter.SoftwareTrigger) error { return nil }

type streamDetector struct {
	flow  *periodicDataFlow
	shape []int
}

func (d *streamDetector) Shape() []int                 { return d.shape }
func (d *streamDetector) DataFlow() hwadapter.DataFlow { return d.flow }
func (d *streamDetector) Role() hwadapter.DriveRole    { return hwadapter.RoleSE }

// testPulse is a PulseDetector test double recording call order and
// failing on demand.
type testPulse struct {
	mu          sync.Mutex
	started     bool
	stopped     bool
	pulseOn     bool
	lightLevel  float64
	startErr    error
}

func (p *testPulse) StartHelperAcquisition() error {
	if p.startErr != nil {
		return p.startErr
	}
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}
func (p *testPulse) StopHelperAcquisition() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	return nil
}
func (p *testPulse) SetPulseOn(on bool) error {
	p.mu.Lock()
	p.pulseOn = on
	p.mu.Unlock()
	return nil
}
func (p *testPulse) SetLightIntensity(v float64) error {
	p.mu.Lock()
	p.lightLevel = v
	p.mu.Unlock()
	return nil
}

func TestFrameCount(t *testing.T) {
	n, perFrame := frameCount(100*time.Millisecond, 30*time.Millisecond)
	if n != 4 {
		t.Errorf("frameCount() n = %d, want 4 (ceil(100/30))", n)
	}
	if perFrame != 25*time.Millisecond {
		t.Errorf("frameCount() perFrame = %v, want 25ms", perFrame)
	}
}

func TestFrameCount_ZeroMaxDwellFallsBackToSingleFrame(t *testing.T) {
	n, perFrame := frameCount(50*time.Millisecond, 0)
	if n != 1 {
		t.Errorf("frameCount() n = %d, want 1", n)
	}
	if perFrame != 50*time.Millisecond {
		t.Errorf("frameCount() perFrame = %v, want 50ms", perFrame)
	}
}

func newFrame(shape []int, fill float64) dataarray.DataArray {
	d := dataarray.New(shape)
	for i := range d.Data {
		d.Data[i] = fill
	}
	return d
}

func TestAccumulator_SumsMatchingFrames(t *testing.T) {
	a := &accumulator{}
	frame := newFrame([]int{2, 2}, 1)
	a.add(frame, 10*time.Millisecond)
	a.add(frame, 10*time.Millisecond)

	result := a.result()
	for _, v := range result.Data {
		if v != 2 {
			t.Errorf("accumulated value = %v, want 2", v)
		}
	}
	if got := result.Metadata[dataarray.KeyDwellTime]; got != 20*time.Millisecond {
		t.Errorf("dwell-time metadata = %v, want 20ms", got)
	}
}

func TestAccumulator_DropsMismatchedShape(t *testing.T) {
	a := &accumulator{}
	a.add(newFrame([]int{2, 2}, 1), time.Millisecond)
	a.add(newFrame([]int{3, 3}, 0), time.Millisecond)

	if a.dropped != 1 {
		t.Errorf("dropped = %d, want 1", a.dropped)
	}
	if got := a.result().Len(); got != 4 {
		t.Errorf("result length = %d, want 4 (mismatched frame must not be merged)", got)
	}
}

func TestStreamAccumulatorController_RunHappyPath(t *testing.T) {
	scanner := newTestScanner()
	flow := newPeriodicDataFlow(2*time.Millisecond, []int{2, 2}, 1)
	detector := &streamDetector{flow: flow, shape: []int{2, 2}}
	pulse := &testPulse{}

	c, err := NewStreamAccumulatorController(scanner, detector, pulse, config.Empty())
	if err != nil {
		t.Fatal(err)
	}

	acqn := newTestAcquisition()
	_ = acqn.TransitionToRunning()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := c.Run(ctx, acqn, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Empty() {
		t.Fatal("expected a non-empty accumulated result")
	}
	pulse.mu.Lock()
	defer pulse.mu.Unlock()
	if !pulse.started || !pulse.stopped {
		t.Error("expected helper acquisition started and stopped")
	}
	if pulse.pulseOn {
		t.Error("expected pulse to be off after Run returns")
	}
	if pulse.lightLevel != 0 {
		t.Errorf("expected light intensity zeroed after Run, got %v", pulse.lightLevel)
	}
}

// nilFlowDetector returns a genuinely nil DataFlow interface value — a
// *streamDetector with a nil *periodicDataFlow field would instead box a
// non-nil interface around a nil pointer, masking the validation check.
type nilFlowDetector struct{}

func (nilFlowDetector) Shape() []int                 { return []int{1} }
func (nilFlowDetector) DataFlow() hwadapter.DataFlow { return nil }
func (nilFlowDetector) Role() hwadapter.DriveRole    { return hwadapter.RoleSE }

func TestStreamAccumulatorController_RejectsNilDataFlow(t *testing.T) {
	_, err := NewStreamAccumulatorController(newTestScanner(), nilFlowDetector{}, nil, nil)
	if err == nil {
		t.Fatal("expected a ValidationError for a nil dataflow")
	}
}
