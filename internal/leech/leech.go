// Package leech implements the periodic auxiliary tasks interleaved with
// the main grid scan, and the drift-correction leech in particular. The
// leech contract mirrors spec.md §4 exactly: estimate/start/next/complete,
// where start and next return the number of pixels until the leech should
// fire again.
package leech

import (
	"time"

	"github.com/scanacq/engine/internal/dataarray"
)

// Leech is an opaque periodic task interleaved with the pixel loop. All
// methods are called from the controller's single worker goroutine, so
// implementations need no internal locking against the controller —
// only against any of their own background activity.
type Leech interface {
	// Estimate returns how long one invocation of this leech is expected
	// to take, given the per-pixel dwell time and the scan shape.
	Estimate(dwell time.Duration, shape [2]int) time.Duration
	// Start is called once before the first pixel and returns the pixel
	// count before this leech should next fire.
	Start(dwell time.Duration, shape [2]int) (pixelsUntilFire int, err error)
	// Next is invoked when the countdown reaches zero, given the latest
	// per-detector data received so far, and returns the new countdown.
	Next(latest map[int]dataarray.DataArray) (pixelsUntilFire int, err error)
	// Complete is called exactly once at the end of a successful
	// acquisition with every sample the acquisition collected; the
	// controllers do not call it when an acquisition fails or is cancelled.
	Complete(raw map[int][]dataarray.DataArray) error
}

// DriftCorrector is a Leech that additionally reports a cumulative beam
// drift, in pixels, and the raw anchor images it has collected.
type DriftCorrector interface {
	Leech
	// CumulativeDrift returns the total measured drift since Start, in
	// beam pixels (dx, dy).
	CumulativeDrift() (dx, dy float64)
	// AnchorRaw returns every anchor image measured so far, in
	// measurement order.
	AnchorRaw() []dataarray.DataArray
}

// Scheduler tracks, for a set of leeches, the pixel countdown until each
// next fires and returns the minimum distance across all of them — used
// by the BeamSync controller to size its rectangular blocks, and by the
// CameraSync controller to decide when to invoke Leech.Next.
type Scheduler struct {
	leeches   []Leech
	countdown []int
}

// NewScheduler starts every leech and returns a ready Scheduler, or the
// first error any leech.Start returns.
func NewScheduler(leeches []Leech, dwell time.Duration, shape [2]int) (*Scheduler, error) {
	s := &Scheduler{
		leeches:   leeches,
		countdown: make([]int, len(leeches)),
	}
	for i, l := range leeches {
		n, err := l.Start(dwell, shape)
		if err != nil {
			return nil, err
		}
		s.countdown[i] = n
	}
	return s, nil
}

// MinCountdown returns the smallest remaining countdown across all
// leeches, or fallback if there are none.
func (s *Scheduler) MinCountdown(fallback int) int {
	min := fallback
	for _, c := range s.countdown {
		if c < min {
			min = c
		}
	}
	return min
}

// Advance decrements every leech's countdown by n pixels and fires (calls
// Next) any leech whose countdown reaches zero or below, using latest as
// the data passed to Next. Leeches fire strictly after the pixels they
// elected to fire on, never inside them — callers advance only once the
// pixel(s) in question have already been stored.
func (s *Scheduler) Advance(n int, latest map[int]dataarray.DataArray) error {
	for i, l := range s.leeches {
		s.countdown[i] -= n
		if s.countdown[i] > 0 {
			continue
		}
		next, err := l.Next(latest)
		if err != nil {
			return err
		}
		s.countdown[i] = next
	}
	return nil
}

// RemainingEstimate sums Estimate() across all leeches, used by the
// progress core to budget time still owed to leech work.
func (s *Scheduler) RemainingEstimate(dwell time.Duration, shape [2]int) time.Duration {
	var total time.Duration
	for _, l := range s.leeches {
		total += l.Estimate(dwell, shape)
	}
	return total
}

// Complete calls Complete on every leech, collecting the first error but
// still invoking every leech exactly once regardless of earlier failures.
func (s *Scheduler) Complete(raw map[int][]dataarray.DataArray) error {
	var firstErr error
	for _, l := range s.leeches {
		if err := l.Complete(raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DriftCorrectors filters leeches down to those implementing
// DriftCorrector, for controllers that need to apply drift to beam
// translations.
func (s *Scheduler) DriftCorrectors() []DriftCorrector {
	var out []DriftCorrector
	for _, l := range s.leeches {
		if dc, ok := l.(DriftCorrector); ok {
			out = append(out, dc)
		}
	}
	return out
}
