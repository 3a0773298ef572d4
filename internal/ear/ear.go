// Package ear computes the eye aspect ratio from 68-point facial landmarks.
package ear

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/andresmejia3/blinktrace/internal/types"
)

var (
	// ErrInsufficientLandmarks is returned when fewer than 68 landmarks are supplied.
	ErrInsufficientLandmarks = errors.New("insufficient landmarks")
	// ErrUnexpectedLandmarks is returned for more than 68 landmarks, which means another shape model.
	ErrUnexpectedLandmarks = errors.New("unexpected landmark layout")
)

// Eye selects which eye(s) the ratio is computed for.
type Eye int

const (
	Both Eye = iota
	Left
	Right
)

func (e Eye) String() string {
	switch e {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return "both"
	}
}

// ParseEye maps "both", "left" or "right" to an Eye.
func ParseEye(s string) (Eye, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "both", "":
		return Both, nil
	case "left":
		return Left, nil
	case "right":
		return Right, nil
	}
	return Both, fmt.Errorf("invalid eye %q: must be both, left or right", s)
}

// Landmark indices in the 68-point layout. The subject's right eye is 36-41, the left eye 42-47.
var (
	rightEye = eyeIndices{corner1: 36, corner2: 39, upper1: 37, lower1: 41, upper2: 38, lower2: 40}
	leftEye  = eyeIndices{corner1: 42, corner2: 45, upper1: 43, lower1: 47, upper2: 44, lower2: 46}
)

type eyeIndices struct {
	corner1, corner2 int
	upper1, lower1   int
	upper2, lower2   int
}

// Ratio returns the eye aspect ratio for the requested eye.
// The result is NaN when the eye's horizontal extent is zero.
func Ratio(landmarks []types.Point, eye Eye) (float64, error) {
	switch n := len(landmarks); {
	case n < types.LandmarkCount:
		return math.NaN(), fmt.Errorf("%w: got %d, need %d", ErrInsufficientLandmarks, n, types.LandmarkCount)
	case n > types.LandmarkCount:
		return math.NaN(), fmt.Errorf("%w: got %d points, want %d", ErrUnexpectedLandmarks, n, types.LandmarkCount)
	}

	switch eye {
	case Right:
		return eyeRatio(landmarks, rightEye), nil
	case Left:
		return eyeRatio(landmarks, leftEye), nil
	default:
		return (eyeRatio(landmarks, rightEye) + eyeRatio(landmarks, leftEye)) * 0.5, nil
	}
}

func eyeRatio(p []types.Point, idx eyeIndices) float64 {
	height := (dist(p[idx.upper1], p[idx.lower1]) + dist(p[idx.upper2], p[idx.lower2])) * 0.5
	width := dist(p[idx.corner1], p[idx.corner2])
	if width == 0 {
		return math.NaN()
	}
	return height / width
}

func dist(a, b types.Point) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}

// Series maps every frame record to an EAR sample. Frames without a single detected
// face produce NaN. Malformed landmark sets also produce NaN plus a *types.FrameError.
func Series(records []types.FrameRecord, eye Eye) ([]float64, []error) {
	out := make([]float64, len(records))
	var errs []error
	for i, rec := range records {
		if !rec.HasFace() {
			out[i] = math.NaN()
			continue
		}
		r, err := Ratio(rec.Landmarks, eye)
		if err != nil {
			errs = append(errs, &types.FrameError{Index: rec.Index, Err: err})
			out[i] = math.NaN()
			continue
		}
		out[i] = r
	}
	return out, errs
}

// Defined reports whether an EAR sample carries a value.
func Defined(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
