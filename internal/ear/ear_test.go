package ear

import (
	"errors"
	"math"
	"testing"

	"github.com/andresmejia3/blinktrace/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// face builds a 68-point layout where the right eye spans rw x rh pixels and the left eye lw x lh.
func face(rw, rh, lw, lh int) []types.Point {
	p := make([]types.Point, types.LandmarkCount)
	placeEye(p, rightEye, 100, 100, rw, rh)
	placeEye(p, leftEye, 200, 100, lw, lh)
	return p
}

func placeEye(p []types.Point, idx eyeIndices, x, y, w, h int) {
	p[idx.corner1] = types.Point{X: x, Y: y}
	p[idx.corner2] = types.Point{X: x + w, Y: y}
	p[idx.upper1] = types.Point{X: x + w/3, Y: y - h/2}
	p[idx.lower1] = types.Point{X: x + w/3, Y: y + h - h/2}
	p[idx.upper2] = types.Point{X: x + 2*w/3, Y: y - h/2}
	p[idx.lower2] = types.Point{X: x + 2*w/3, Y: y + h - h/2}
}

func TestRatio(t *testing.T) {
	lm := face(30, 9, 40, 4)

	tests := []struct {
		name string
		eye  Eye
		want float64
	}{
		{"right", Right, 9.0 / 30.0},
		{"left", Left, 4.0 / 40.0},
		{"both", Both, (9.0/30.0 + 4.0/40.0) / 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Ratio(lm, tt.eye)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestRatio_InsufficientLandmarks(t *testing.T) {
	_, err := Ratio(make([]types.Point, 67), Both)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientLandmarks))

	_, err = Ratio(nil, Left)
	assert.ErrorIs(t, err, ErrInsufficientLandmarks)
}

func TestRatio_RejectsOtherLayouts(t *testing.T) {
	// A well-formed 68-point face with extra points appended, as an 81-point model would produce.
	lm := append(face(30, 9, 30, 9), make([]types.Point, 13)...)
	got, err := Ratio(lm, Both)
	assert.ErrorIs(t, err, ErrUnexpectedLandmarks)
	assert.True(t, math.IsNaN(got))

	_, err = Ratio(lm[:types.LandmarkCount+1], Right)
	assert.ErrorIs(t, err, ErrUnexpectedLandmarks)

	got, err = Ratio(lm[:types.LandmarkCount], Both)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, got, 1e-9)
}

func TestRatio_DegenerateGeometry(t *testing.T) {
	// All points collapsed onto one pixel: zero eye width.
	lm := make([]types.Point, types.LandmarkCount)

	for _, eye := range []Eye{Left, Right, Both} {
		got, err := Ratio(lm, eye)
		require.NoError(t, err, eye.String())
		assert.True(t, math.IsNaN(got), "%s: expected NaN, got %v", eye, got)
	}
}

func TestSeries(t *testing.T) {
	region := &types.Rect{Left: 0, Top: 0, Right: 10, Bottom: 10}
	records := []types.FrameRecord{
		{Index: 0, State: types.OneFace, Region: region, Landmarks: face(30, 9, 30, 9)},
		{Index: 1, State: types.NoFace},
		{Index: 2, State: types.OneFace, Region: region, Landmarks: make([]types.Point, 5)},
		{Index: 3, State: types.MultiFace},
		{Index: 4, State: types.OneFace, Region: region, Landmarks: make([]types.Point, types.LandmarkCount)},
		{Index: 5, State: types.OneFace, Region: region, Landmarks: make([]types.Point, types.LandmarkCount+1)},
	}

	got, errs := Series(records, Both)
	require.Len(t, got, len(records))

	assert.InDelta(t, 0.3, got[0], 1e-9)
	assert.True(t, math.IsNaN(got[1]))
	assert.True(t, math.IsNaN(got[2]))
	assert.True(t, math.IsNaN(got[3]))
	assert.True(t, math.IsNaN(got[4]), "degenerate geometry yields an undefined sample")

	assert.True(t, math.IsNaN(got[5]))

	require.Len(t, errs, 2)
	var fe *types.FrameError
	require.ErrorAs(t, errs[0], &fe)
	assert.Equal(t, 2, fe.Index)
	assert.ErrorIs(t, errs[0], ErrInsufficientLandmarks)
	require.ErrorAs(t, errs[1], &fe)
	assert.Equal(t, 5, fe.Index)
	assert.ErrorIs(t, errs[1], ErrUnexpectedLandmarks)
}

func TestSeries_NeverNegative(t *testing.T) {
	// Eyes "upside down" (lower lid above upper lid) still yield a non-negative ratio.
	lm := face(20, 6, 20, 6)
	lm[37], lm[41] = lm[41], lm[37]
	lm[43], lm[47] = lm[47], lm[43]

	got, errs := Series([]types.FrameRecord{{State: types.OneFace, Landmarks: lm}}, Both)
	assert.Empty(t, errs)
	assert.GreaterOrEqual(t, got[0], 0.0)
	assert.True(t, Defined(got[0]))
}

func TestParseEye(t *testing.T) {
	for in, want := range map[string]Eye{"both": Both, "LEFT": Left, " right ": Right, "": Both} {
		got, err := ParseEye(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseEye("middle")
	assert.Error(t, err)
}
