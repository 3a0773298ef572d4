// Package blink turns an eye-aspect-ratio series into a cumulative blink count.
package blink

import (
	"errors"
	"fmt"
	"math"
)

// RobustRank selects the k-th largest sample used in place of the maximum,
// so up to RobustRank-1 spurious high readings do not move the threshold.
const RobustRank = 10

var (
	// ErrNoFrameRate is returned when a windowed threshold is requested without a usable fps.
	ErrNoFrameRate = errors.New("windowed threshold requires a positive frame rate")
	// ErrCollapsedThreshold warns that the automatic threshold sat on the window minimum for
	// some frames, so no blink could be detected there.
	ErrCollapsedThreshold = errors.New("automatic threshold collapsed to the minimum")
)

// Result is the output of one counting pass. Counts and Thresholds are aligned with the input.
type Result struct {
	Counts     []int
	Thresholds []float64
	Warnings   []error
}

// Total returns the final cumulative count.
func (r Result) Total() int {
	if len(r.Counts) == 0 {
		return 0
	}
	return r.Counts[len(r.Counts)-1]
}

// Count runs the closed/open state machine over ear. Undefined samples (NaN) count as open.
// A closed run still open at the end of the series is never committed.
func Count(ear []float64, fps float64, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	perFrame, collapsed, err := thresholds(ear, fps, cfg)
	if err != nil {
		return Result{}, err
	}
	warnings := cfg.Unused()
	if collapsed > 0 {
		warnings = append(warnings, fmt.Errorf("%w on %d of %d frames", ErrCollapsedThreshold, collapsed, len(ear)))
	}

	minClosed := cfg.GetMinConsecutiveClosedFrames()
	var st state
	counts := make([]int, len(ear))
	for f, v := range ear {
		counts[f] = st.step(v, perFrame[f], minClosed)
	}

	return Result{
		Counts:     counts,
		Thresholds: perFrame,
		Warnings:   warnings,
	}, nil
}

// state is the per-pass counting state; a fresh zero value starts every pass.
type state struct {
	closed int // consecutive frames below threshold
	total  int // cumulative blinks
}

func (s *state) step(v, threshold float64, minClosed int) int {
	if v < threshold {
		s.closed++
		return s.total
	}
	if s.closed > 0 && s.closed >= minClosed {
		s.total++
	}
	s.closed = 0
	return s.total
}

// Thresholds returns the per-frame threshold the counter compares against.
func Thresholds(ear []float64, fps float64, cfg Config) ([]float64, error) {
	out, _, err := thresholds(ear, fps, cfg)
	return out, err
}

// thresholds also counts the frames whose automatic threshold collapsed.
func thresholds(ear []float64, fps float64, cfg Config) ([]float64, int, error) {
	out := make([]float64, len(ear))
	if !cfg.Auto() {
		fill(out, *cfg.RatioThreshold)
		return out, 0, nil
	}

	q := cfg.GetAutoQuantile()
	seconds := cfg.GetAutoWindowSeconds()
	half := 0
	if seconds != 0 {
		if fps <= 0 || math.IsNaN(fps) {
			return nil, 0, fmt.Errorf("%w: fps=%v", ErrNoFrameRate, fps)
		}
		half = int(math.Round(fps * seconds))
	}
	n := len(ear)
	if seconds == 0 || half >= n {
		// The window covers the whole series from every frame.
		t, collapsed := globalThreshold(ear, q)
		fill(out, t)
		if collapsed {
			return out, n, nil
		}
		return out, 0, nil
	}

	w := newRankWindow(ear)
	for i := 0; i <= half && i < n; i++ {
		w.add(ear[i])
	}
	collapsedFrames := 0
	for f := 0; f < n; f++ {
		t, collapsed := w.threshold(q)
		out[f] = t
		if collapsed {
			collapsedFrames++
		}
		if in := f + 1 + half; in < n {
			w.add(ear[in])
		}
		if outIdx := f - half; outIdx >= 0 {
			w.remove(ear[outIdx])
		}
	}
	return out, collapsedFrames, nil
}

// GlobalThreshold derives a single threshold from the whole series:
// min + (max10 - min) * q, where max10 is the RobustRank-th largest defined sample
// (the largest one when there are fewer than RobustRank).
// It returns NaN when the series has no defined samples.
func GlobalThreshold(ear []float64, q float64) float64 {
	t, _ := globalThreshold(ear, q)
	return t
}

func globalThreshold(ear []float64, q float64) (float64, bool) {
	w := newRankWindow(ear)
	for _, v := range ear {
		w.add(v)
	}
	return w.threshold(q)
}

// Events returns the frame indices at which a blink was committed.
func Events(counts []int) []int {
	var out []int
	prev := 0
	for i, c := range counts {
		if c > prev {
			out = append(out, i)
		}
		prev = c
	}
	return out
}

func fill(dst []float64, v float64) {
	for i := range dst {
		dst[i] = v
	}
}
