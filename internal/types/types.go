package types

import "fmt"

// LandmarkCount is the number of points in the canonical 68-point face layout.
const LandmarkCount = 68

// FrameTask represents a single decoded frame sent to a worker for processing
type FrameTask struct {
	Index  int
	Width  int
	Height int
	Data   []byte // packed RGB24, Width*Height*3 bytes
}

// Point is a landmark position in pixel coordinates.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Rect is a face bounding region in pixel coordinates.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

// Face is one face as reported by the landmark detector.
type Face struct {
	Region    Rect
	Landmarks []Point
}

// Detection is the detector's answer for one frame: zero, one or many faces.
type Detection struct {
	Faces []Face
}

// DetectionState classifies a frame by how many faces were found in it.
type DetectionState int

const (
	NoFace DetectionState = iota
	OneFace
	MultiFace
)

func (s DetectionState) String() string {
	switch s {
	case NoFace:
		return "no-face"
	case OneFace:
		return "one-face"
	case MultiFace:
		return "multi-face"
	default:
		return fmt.Sprintf("DetectionState(%d)", int(s))
	}
}

// FrameRecord is the per-frame output of a tracking session.
// Region and Landmarks are set only when State is OneFace.
type FrameRecord struct {
	Index     int
	Timestamp float64 // seconds from start
	State     DetectionState
	Region    *Rect
	Landmarks []Point
}

// HasFace reports whether the record carries landmark data.
func (r FrameRecord) HasFace() bool {
	return r.State == OneFace && r.Landmarks != nil
}

// VideoSummary holds the metadata of one analysis run.
type VideoSummary struct {
	TotalFrames     int     `json:"total_frame"`
	ProcessedFrames int     `json:"processed_frame"`
	FPS             float64 `json:"fps"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Interrupted     bool    `json:"interrupt"`
}

// IsZero reports whether the summary is the empty value returned when a source cannot be opened.
func (s VideoSummary) IsZero() bool {
	return s == VideoSummary{}
}

// Duration returns the nominal video length in seconds.
func (s VideoSummary) Duration() float64 {
	if s.FPS <= 0 {
		return 0
	}
	return float64(s.TotalFrames) / s.FPS
}

// FrameError ties a per-frame failure to its frame index.
type FrameError struct {
	Index int
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Index, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }
