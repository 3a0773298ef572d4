package cmd

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/blinktrace/internal/blink"
	"github.com/andresmejia3/blinktrace/internal/ear"
	"github.com/andresmejia3/blinktrace/internal/pipeline"
	"github.com/andresmejia3/blinktrace/internal/store"
	"github.com/andresmejia3/blinktrace/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAnalyzeFlags(t *testing.T) {
	// Create a temp file for valid input
	tmpFile, err := os.CreateTemp("", "video.mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	valid := func() AnalyzeOptions {
		return AnalyzeOptions{
			InputPath:     tmpFile.Name(),
			NumEngines:    2,
			Eye:           "both",
			MultiFace:     "record",
			Decoder:       "ffmpeg",
			WorkerTimeout: "30s",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*AnalyzeOptions)
		wantErr bool
	}{
		{name: "Valid options", mutate: func(*AnalyzeOptions) {}},
		{name: "Input file does not exist", mutate: func(o *AnalyzeOptions) { o.InputPath = "nonexistent.mp4" }, wantErr: true},
		{name: "Input is directory", mutate: func(o *AnalyzeOptions) { o.InputPath = t.TempDir() }, wantErr: true},
		{name: "Invalid eye", mutate: func(o *AnalyzeOptions) { o.Eye = "third" }, wantErr: true},
		{name: "Invalid multi-face policy", mutate: func(o *AnalyzeOptions) { o.MultiFace = "ignore" }, wantErr: true},
		{name: "Unknown decoder", mutate: func(o *AnalyzeOptions) { o.Decoder = "quicktime" }, wantErr: true},
		{name: "Default decoder", mutate: func(o *AnalyzeOptions) { o.Decoder = "" }},
		{name: "Negative upsample", mutate: func(o *AnalyzeOptions) { o.Upsample = -1 }, wantErr: true},
		{name: "Bad worker timeout", mutate: func(o *AnalyzeOptions) { o.WorkerTimeout = "soon" }, wantErr: true},
		{name: "Negative worker timeout", mutate: func(o *AnalyzeOptions) { o.WorkerTimeout = "-1s" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid()
			tt.mutate(&opts)
			if err := validateAnalyzeFlags(&opts); (err != nil) != tt.wantErr {
				t.Errorf("validateAnalyzeFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAnalyzeFlags_Normalizes(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(tmp, []byte("x"), 0644))

	opts := AnalyzeOptions{InputPath: tmp, NumEngines: 0, Eye: "left", WorkerTimeout: "0s", OverlayPath: "out.mp4"}
	require.NoError(t, validateAnalyzeFlags(&opts))
	assert.Equal(t, 1, opts.NumEngines)
	assert.True(t, opts.Overlay, "an explicit overlay path enables the overlay")
}

func changedSet(names ...string) func(string) bool {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func TestBlinkConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "blink.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"auto_quantile": 0.3, "min_consecutive_closed_frames": 2, "smoothing": 5}`), 0644))

	t.Run("Defaults without flags or file", func(t *testing.T) {
		cfg, warnings, err := blinkConfig(BlinkFlags{RatioThreshold: 0.2, MinClosed: 3}, changedSet())
		require.NoError(t, err)
		assert.Empty(t, warnings)
		assert.Equal(t, blink.Config{}, cfg)
	})

	t.Run("Only changed flags apply", func(t *testing.T) {
		cfg, _, err := blinkConfig(BlinkFlags{RatioThreshold: 0.2, MinClosed: 4}, changedSet("threshold"))
		require.NoError(t, err)
		require.NotNil(t, cfg.RatioThreshold)
		assert.Equal(t, 0.2, *cfg.RatioThreshold)
		assert.Nil(t, cfg.MinConsecutiveClosedFrames)
	})

	t.Run("Flags override the file", func(t *testing.T) {
		o := BlinkFlags{ConfigPath: file, AutoQuantile: 0.5, MinClosed: 3}
		cfg, warnings, err := blinkConfig(o, changedSet("quantile"))
		require.NoError(t, err)
		assert.Equal(t, 0.5, cfg.GetAutoQuantile())
		assert.Equal(t, 2, cfg.GetMinConsecutiveClosedFrames())
		require.Len(t, warnings, 1)
		assert.ErrorIs(t, warnings[0], blink.ErrUnusedConfigOption)
	})

	t.Run("Auto clears a fixed threshold from the file", func(t *testing.T) {
		fixed := filepath.Join(dir, "fixed.json")
		require.NoError(t, os.WriteFile(fixed, []byte(`{"ratio_threshold": 0.18, "auto_quantile": 0.3}`), 0644))

		cfg, _, err := blinkConfig(BlinkFlags{ConfigPath: fixed}, changedSet())
		require.NoError(t, err)
		assert.False(t, cfg.Auto())

		cfg, _, err = blinkConfig(BlinkFlags{ConfigPath: fixed, Auto: true}, changedSet("auto"))
		require.NoError(t, err)
		assert.True(t, cfg.Auto())
		assert.True(t, cfg.ForceAuto, "recount needs it to clear a stored threshold")
		assert.Equal(t, 0.3, cfg.GetAutoQuantile())
	})

	t.Run("Auto with threshold", func(t *testing.T) {
		_, _, err := blinkConfig(BlinkFlags{RatioThreshold: 0.2, Auto: true}, changedSet("threshold", "auto"))
		assert.Error(t, err)
	})

	t.Run("Invalid flag value", func(t *testing.T) {
		_, _, err := blinkConfig(BlinkFlags{AutoQuantile: 1.5}, changedSet("quantile"))
		assert.Error(t, err)
	})

	t.Run("Missing file", func(t *testing.T) {
		_, _, err := blinkConfig(BlinkFlags{ConfigPath: filepath.Join(dir, "missing.json")}, changedSet())
		assert.Error(t, err)
	})
}

func TestBuildDBURL(t *testing.T) {
	env := func(vars map[string]string) func(string) string {
		return func(k string) string { return vars[k] }
	}

	tests := []struct {
		name     string
		explicit string
		vars     map[string]string
		want     string
	}{
		{
			name:     "Explicit flag wins",
			explicit: "postgres://db:5432/x",
			vars:     map[string]string{"POSTGRES_HOST": "ignored"},
			want:     "postgres://db:5432/x",
		},
		{
			name: "Environment",
			vars: map[string]string{
				"POSTGRES_HOST": "pg", "POSTGRES_USER": "u", "POSTGRES_PASSWORD": "p",
				"POSTGRES_DB": "blinks", "POSTGRES_PORT": "6543",
			},
			want: "postgres://u:p@pg:6543/blinks",
		},
		{
			name: "Default port",
			vars: map[string]string{"POSTGRES_HOST": "pg", "POSTGRES_USER": "u", "POSTGRES_PASSWORD": "p", "POSTGRES_DB": "d"},
			want: "postgres://u:p@pg:5432/d",
		},
		{
			name: "Local fallback",
			want: "postgres://localhost:5432/blinktrace",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildDBURL(tt.explicit, env(tt.vars)); got != tt.want {
				t.Errorf("buildDBURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrintSummary(t *testing.T) {
	rep := pipeline.Report{
		Path:    "/videos/clip.mp4",
		VideoID: "0123456789abcdef",
		Eye:     ear.Both,
		Config:  blink.Config{RatioThreshold: blink.Float(0.2)},
		Summary: types.VideoSummary{TotalFrames: 600, ProcessedFrames: 600, FPS: 30, Width: 640, Height: 480},
		EAR:     []float64{0.3, math.NaN(), 0.1, 0.3},
		Errors: []error{
			&types.FrameError{Index: 1, Err: ear.ErrInsufficientLandmarks},
			fmt.Errorf("%w: auto_window_seconds", blink.ErrUnusedConfigOption),
		},
		BlinkCount: 4,
		Elapsed:    1500 * time.Millisecond,
	}

	var buf bytes.Buffer
	printSummary(&buf, rep)
	out := buf.String()

	assert.Contains(t, out, "/videos/clip.mp4")
	assert.Contains(t, out, "0123456789ab")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "640x480 @ 30.00 fps")
	assert.Contains(t, out, "00:00:20 (600 frames)")
	assert.Contains(t, out, "Blinks:       4")
	assert.Contains(t, out, "12.0 / min")
	assert.Contains(t, out, "threshold=0.2000")
	assert.Contains(t, out, "auto_window_seconds")
	assert.Contains(t, out, "1 frame error(s)")
	assert.NotContains(t, out, "Interrupted")
}

func TestPrintSummary_FailedRun(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, pipeline.Report{
		Path:    "clip.mp4",
		Summary: types.VideoSummary{TotalFrames: 10, ProcessedFrames: 3, FPS: 10, Interrupted: true},
		Failed:  true,
	})
	out := buf.String()
	assert.Contains(t, out, "Interrupted")
	assert.NotContains(t, out, "Blink rate")
	assert.NotContains(t, out, "EAR:")
}

func TestPrintAnalyses(t *testing.T) {
	var buf bytes.Buffer
	printAnalyses(&buf, nil)
	assert.Contains(t, buf.String(), "No analyses found")

	buf.Reset()
	printAnalyses(&buf, []store.Analysis{
		{
			ID:         uuid.MustParse("6f1c2b7e-2d1a-4c55-9a43-0f7f9d1e2a3b"),
			Path:       "/videos/a.mp4",
			Status:     store.StatusSuccess,
			Summary:    types.VideoSummary{TotalFrames: 300, ProcessedFrames: 120, FPS: 30, Interrupted: true},
			BlinkCount: 7,
			CreatedAt:  time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
		},
		{ID: uuid.New(), Path: "/videos/b.mp4", Status: store.StatusError},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[2], "6f1c2b7e-2d1a-4c55-9a43-0f7f9d1e2a3b")
	assert.Contains(t, lines[2], "120/300*")
	assert.Contains(t, lines[2], "ok")
	assert.Contains(t, lines[3], "failed")
}

func TestWriteSeries(t *testing.T) {
	var buf bytes.Buffer
	a := store.Analysis{
		Summary: types.VideoSummary{FPS: 10},
		EAR:     []float64{0.3, math.NaN(), 0.1},
		Blinks:  []int{0, 0, 1},
	}
	require.NoError(t, writeSeries(&buf, a))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"frame", "seconds", "ear", "blinks"}, rows[0])
	assert.Equal(t, []string{"1", "0.100", "", "0"}, rows[2])
	assert.Equal(t, []string{"2", "0.200", "0.100000", "1"}, rows[3])

	// A failed analysis has no blink series.
	buf.Reset()
	require.NoError(t, writeSeries(&buf, store.Analysis{EAR: []float64{0.2}}))
	rows, err = csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "", "0.200000", ""}, rows[1])
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.input), func(t *testing.T) {
			var out bytes.Buffer
			got := confirm(bufio.NewReader(strings.NewReader(tt.input)), &out, "Drop?")
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "Drop? [y/N]")
		})
	}
}
