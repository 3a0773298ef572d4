// Package overlay draws the tracked face region and its 68-point outline onto frames
// and streams the annotated frames to an encoder.
package overlay

import (
	"fmt"
	"image"
	"image/color"

	"git.sr.ht/~sbinet/gg"

	"github.com/andresmejia3/blinktrace/internal/types"
	"github.com/andresmejia3/blinktrace/internal/video"
)

// Style controls the overlay colours and stroke width.
type Style struct {
	Region    color.Color
	Outline   color.Color
	Points    color.Color
	LineWidth float64
	PointSize float64
}

// DefaultStyle is a green region box with a white outline.
var DefaultStyle = Style{
	Region:    color.RGBA{0, 255, 0, 255},
	Outline:   color.RGBA{255, 255, 255, 255},
	Points:    color.RGBA{255, 64, 64, 255},
	LineWidth: 1.5,
	PointSize: 1.5,
}

// partStarts are the first landmark of each facial part; no segment joins them to the previous point.
var partStarts = map[int]bool{0: true, 17: true, 22: true, 27: true, 36: true, 42: true, 48: true, 60: true}

// closing segments for the nostrils, both eyes and both lip contours.
var closing = [][2]int{{35, 30}, {41, 36}, {47, 42}, {59, 48}, {67, 60}}

// Segments is the landmark connectivity of the 68-point layout.
var Segments = buildSegments()

func buildSegments() [][2]int {
	segs := make([][2]int, 0, types.LandmarkCount)
	for i := 1; i < types.LandmarkCount; i++ {
		if !partStarts[i] {
			segs = append(segs, [2]int{i - 1, i})
		}
	}
	return append(segs, closing...)
}

// Draw annotates img with rec. Only single-face records carry geometry; others are left as is.
func Draw(img *image.RGBA, rec types.FrameRecord, style Style) {
	if rec.State != types.OneFace {
		return
	}

	dc := gg.NewContextForRGBA(img)
	dc.SetLineWidth(style.LineWidth)

	if rec.Region != nil && !rec.Region.Empty() {
		r := rec.Region
		dc.SetColor(style.Region)
		dc.DrawRectangle(float64(r.Left), float64(r.Top), float64(r.Right-r.Left), float64(r.Bottom-r.Top))
		dc.Stroke()
	}

	pts := rec.Landmarks
	if len(pts) < types.LandmarkCount {
		return
	}

	dc.SetColor(style.Outline)
	for _, s := range Segments {
		a, b := pts[s[0]], pts[s[1]]
		dc.DrawLine(float64(a.X), float64(a.Y), float64(b.X), float64(b.Y))
	}
	dc.Stroke()

	if style.PointSize > 0 {
		dc.SetColor(style.Points)
		for _, p := range pts[:types.LandmarkCount] {
			dc.DrawCircle(float64(p.X), float64(p.Y), style.PointSize)
		}
		dc.Fill()
	}
}

// ToRGBA expands a packed RGB24 frame into dst, reallocating dst when the size changed.
func ToRGBA(f video.Frame, dst *image.RGBA) (*image.RGBA, error) {
	if len(f.Data) != f.Width*f.Height*3 {
		return nil, fmt.Errorf("frame %d: %d bytes for %dx%d RGB", f.Index, len(f.Data), f.Width, f.Height)
	}
	if dst == nil || dst.Rect.Dx() != f.Width || dst.Rect.Dy() != f.Height {
		dst = image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	}

	pix := dst.Pix
	for i, j := 0, 0; i < len(f.Data); i, j = i+3, j+4 {
		pix[j] = f.Data[i]
		pix[j+1] = f.Data[i+1]
		pix[j+2] = f.Data[i+2]
		pix[j+3] = 0xFF
	}
	return dst, nil
}
