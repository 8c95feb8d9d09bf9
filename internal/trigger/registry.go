// Package trigger manages per-detector subscription, software triggers,
// and completion signaling for the acquisition controllers. It generalizes
// the teacher's serial-port subscriber multiplexer (subscribe returns an
// id + channel, unsubscribe closes and deletes) from line-oriented serial
// text to per-detector single-shot completion events.
package trigger

import (
	"fmt"
	"sync"

	"github.com/scanacq/engine/internal/hwadapter"
)

// Signal is a single-shot completion event for one detector. It is cleared
// at the top of every pixel and set by the receive callback when a sample
// arrives. Done returns the same one-slot buffered channel until Reset
// replaces it; the channel is never closed, so the fired sample can be
// received from it once and a second receive blocks until the next Fire.
type Signal struct {
	mu   sync.Mutex
	ch   chan hwadapter.DataSample
	fired bool
}

// NewSignal returns a ready, unfired Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan hwadapter.DataSample, 1)}
}

// Reset clears the signal so it can be armed for the next pixel.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = make(chan hwadapter.DataSample, 1)
	s.fired = false
}

// Fire delivers sample and marks the signal done. Safe to call once per
// arm; subsequent calls before Reset are dropped (the detector re-fired
// without being re-subscribed, which should not happen but must not
// panic the controller).
func (s *Signal) Fire(sample hwadapter.DataSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return
	}
	s.fired = true
	s.ch <- sample
}

// Done returns the channel that receives the fired sample.
func (s *Signal) Done() <-chan hwadapter.DataSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Registry tracks one completion Signal per detector index and manages
// subscribe/unsubscribe on each detector's DataFlow so every exit path —
// success, retry, cancellation, or error — can unwind cleanly with one
// UnsubscribeAll call.
type Registry struct {
	mu      sync.Mutex
	signals map[int]*Signal
	subbed  map[int]hwadapter.DataCallback
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		signals: make(map[int]*Signal),
		subbed:  make(map[int]hwadapter.DataCallback),
	}
}

// Signal returns (creating if absent) the completion Signal for detector
// index i.
func (r *Registry) Signal(i int) *Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[i]
	if !ok {
		s = NewSignal()
		r.signals[i] = s
	}
	return s
}

// ResetAll clears every tracked signal, done at the top of every pixel.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.signals {
		s.Reset()
	}
}

// Subscribe subscribes detector i's dataflow, routing pushed samples into
// its Signal.
func (r *Registry) Subscribe(i int, flow hwadapter.DataFlow) error {
	sig := r.Signal(i)
	cb := func(sample hwadapter.DataSample) { sig.Fire(sample) }
	if err := flow.Subscribe(cb); err != nil {
		return fmt.Errorf("trigger: subscribe detector %d: %w", i, err)
	}
	r.mu.Lock()
	r.subbed[i] = cb
	r.mu.Unlock()
	return nil
}

// Unsubscribe unsubscribes detector i if currently subscribed. It is a
// no-op if detector i was never subscribed, so it is safe on every exit
// path regardless of how far the pixel protocol progressed.
func (r *Registry) Unsubscribe(i int, flow hwadapter.DataFlow) error {
	r.mu.Lock()
	cb, ok := r.subbed[i]
	if ok {
		delete(r.subbed, i)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := flow.Unsubscribe(cb); err != nil {
		return fmt.Errorf("trigger: unsubscribe detector %d: %w", i, err)
	}
	return nil
}

// UnsubscribeAll unsubscribes every currently subscribed detector in
// flows, tolerating flows shorter than the tracked index set. Errors are
// collected but do not stop the sweep — every detector gets an
// unsubscribe attempt regardless of earlier failures, matching spec.md's
// guarantee that "all dataflows unsubscribed" holds on every fatal path.
func (r *Registry) UnsubscribeAll(flows map[int]hwadapter.DataFlow) error {
	r.mu.Lock()
	indices := make([]int, 0, len(r.subbed))
	for i := range r.subbed {
		indices = append(indices, i)
	}
	r.mu.Unlock()

	var firstErr error
	for _, i := range indices {
		flow, ok := flows[i]
		if !ok {
			continue
		}
		if err := r.Unsubscribe(i, flow); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
