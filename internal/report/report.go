// Package report summarises and plots an EAR series.
package report

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/andresmejia3/blinktrace/internal/blink"
	"github.com/andresmejia3/blinktrace/internal/ear"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Summary describes the defined samples of an EAR series.
type Summary struct {
	Samples int
	Valid   int
	Min     float64
	Max     float64
	Mean    float64
	StdDev  float64
	Median  float64
}

// Coverage is the share of frames that produced an EAR sample.
func (s Summary) Coverage() float64 {
	if s.Samples == 0 {
		return 0
	}
	return float64(s.Valid) / float64(s.Samples)
}

// Stats summarises the finite samples of series. All statistics are NaN when none are finite.
func Stats(series []float64) Summary {
	valid := make([]float64, 0, len(series))
	for _, v := range series {
		if ear.Defined(v) {
			valid = append(valid, v)
		}
	}

	s := Summary{Samples: len(series), Valid: len(valid)}
	if len(valid) == 0 {
		nan := math.NaN()
		s.Min, s.Max, s.Mean, s.StdDev, s.Median = nan, nan, nan, nan, nan
		return s
	}

	s.Min = floats.Min(valid)
	s.Max = floats.Max(valid)
	if len(valid) > 1 {
		s.Mean, s.StdDev = stat.MeanStdDev(valid, nil)
	} else {
		s.Mean = valid[0]
	}
	sort.Float64s(valid)
	s.Median = stat.Quantile(0.5, stat.Empirical, valid, nil)
	return s
}

// PlotSeries renders the EAR ratios, the per-frame thresholds and the committed blinks to a PNG/SVG/PDF
// chosen by the extension of path. The x axis is seconds when fps > 0, frames otherwise.
func PlotSeries(path string, ratios, thresholds []float64, counts []int, fps float64) error {
	if len(ratios) == 0 {
		return fmt.Errorf("nothing to plot")
	}
	if len(thresholds) != 0 && len(thresholds) != len(ratios) {
		return fmt.Errorf("threshold series has %d samples, EAR has %d", len(thresholds), len(ratios))
	}
	if len(counts) != 0 && len(counts) != len(ratios) {
		return fmt.Errorf("blink series has %d samples, EAR has %d", len(counts), len(ratios))
	}

	x := func(i int) float64 { return float64(i) }
	xLabel := "frame"
	if fps > 0 {
		x = func(i int) float64 { return float64(i) / fps }
		xLabel = "seconds"
	}

	p := plot.New()
	p.Title.Text = "Eye aspect ratio"
	p.X.Label.Text = xLabel
	p.Y.Label.Text = "EAR"
	p.Add(plotter.NewGrid())

	earColor := color.RGBA{R: 31, G: 119, B: 180, A: 255}
	for i, run := range definedRuns(ratios, x) {
		line, err := plotter.NewLine(run)
		if err != nil {
			return err
		}
		line.Color = earColor
		line.Width = vg.Points(1)
		p.Add(line)
		if i == 0 {
			p.Legend.Add("EAR", line)
		}
	}

	if len(thresholds) > 0 {
		for i, run := range definedRuns(thresholds, x) {
			line, err := plotter.NewLine(run)
			if err != nil {
				return err
			}
			line.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
			line.Width = vg.Points(1)
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
			p.Add(line)
			if i == 0 {
				p.Legend.Add("threshold", line)
			}
		}
	}

	if pts := blinkPoints(ratios, counts, x); len(pts) > 0 {
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(3)
		sc.GlyphStyle.Color = color.RGBA{R: 44, G: 160, B: 44, A: 255}
		p.Add(sc)
		p.Legend.Add(fmt.Sprintf("blink (%d)", len(pts)), sc)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
	}
	return p.Save(14*vg.Inch, 5*vg.Inch, path)
}

// definedRuns splits series at undefined samples so gaps are not bridged by a line.
// Runs need two points to draw a line; isolated samples are dropped.
func definedRuns(series []float64, x func(int) float64) []plotter.XYs {
	var runs []plotter.XYs
	var cur plotter.XYs
	flush := func() {
		if len(cur) >= 2 {
			runs = append(runs, cur)
		}
		cur = nil
	}
	for i, v := range series {
		if !ear.Defined(v) {
			flush()
			continue
		}
		cur = append(cur, plotter.XY{X: x(i), Y: v})
	}
	flush()
	return runs
}

// blinkPoints marks each frame where a blink was committed.
func blinkPoints(series []float64, counts []int, x func(int) float64) plotter.XYs {
	var pts plotter.XYs
	for _, i := range blink.Events(counts) {
		y := 0.0
		if i < len(series) && ear.Defined(series[i]) {
			y = series[i]
		}
		pts = append(pts, plotter.XY{X: x(i), Y: y})
	}
	return pts
}
