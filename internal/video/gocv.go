//go:build gocv

package video

import (
	"context"
	"fmt"
	"io"

	"gocv.io/x/gocv"
)

func init() {
	Register("gocv", OpenGoCV)
}

type gocvSource struct {
	vc   *gocv.VideoCapture
	bgr  gocv.Mat
	rgb  gocv.Mat
	meta Meta
	next int
}

// OpenGoCV opens path with OpenCV's VideoCapture.
func OpenGoCV(_ context.Context, path string) (Source, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("opencv cannot open %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("opencv cannot open %s", path)
	}

	meta := Meta{
		FPS:         vc.Get(gocv.VideoCaptureFPS),
		Width:       int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:      int(vc.Get(gocv.VideoCaptureFrameHeight)),
		TotalFrames: int(vc.Get(gocv.VideoCaptureFrameCount)),
	}
	if meta.TotalFrames < 0 {
		meta.TotalFrames = 0
	}

	return &gocvSource{vc: vc, bgr: gocv.NewMat(), rgb: gocv.NewMat(), meta: meta}, nil
}

func (s *gocvSource) Meta() Meta { return s.meta }

func (s *gocvSource) Next() (Frame, error) {
	if ok := s.vc.Read(&s.bgr); !ok || s.bgr.Empty() {
		return Frame{}, io.EOF
	}
	gocv.CvtColor(s.bgr, &s.rgb, gocv.ColorBGRToRGB)

	raw := s.rgb.ToBytes()
	buf := getBuffer(len(raw))
	copy(buf, raw)

	f := Frame{Index: s.next, Width: s.rgb.Cols(), Height: s.rgb.Rows(), Data: buf}
	s.next++
	return f, nil
}

func (s *gocvSource) Close() error {
	s.bgr.Close()
	s.rgb.Close()
	return s.vc.Close()
}
