// Package session drives a frame source and a pool of landmark detectors across one video
// and assembles the ordered per-frame record series.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andresmejia3/blinktrace/internal/log"
	"github.com/andresmejia3/blinktrace/internal/types"
	"github.com/andresmejia3/blinktrace/internal/video"
)

var (
	// ErrSourceUnavailable means the video could not be opened. The summary is empty.
	ErrSourceUnavailable = errors.New("video source unavailable")
	// ErrMultiFaceDetected aborts a run under MultiFaceAbort.
	ErrMultiFaceDetected = errors.New("more than one face detected")
	// ErrDetectorFailed wraps a detector startup or per-frame failure.
	ErrDetectorFailed = errors.New("landmark detector failed")
)

// Detector finds faces and their 68 landmarks in one frame.
type Detector interface {
	Detect(ctx context.Context, task types.FrameTask) (types.Detection, error)
	Close() error
}

// DetectorFactory starts detector number id of the pool.
type DetectorFactory func(ctx context.Context, id int) (Detector, error)

// Visualizer receives every processed frame in order together with its record.
type Visualizer interface {
	Render(frame video.Frame, rec types.FrameRecord) error
	Close() error
}

// MultiFacePolicy decides what a frame with several faces does to the run.
type MultiFacePolicy int

const (
	// MultiFaceRecord marks the frame as MultiFace and keeps going.
	MultiFaceRecord MultiFacePolicy = iota
	// MultiFaceAbort stops the run with ErrMultiFaceDetected.
	MultiFaceAbort
)

func (p MultiFacePolicy) String() string {
	if p == MultiFaceAbort {
		return "abort"
	}
	return "record"
}

// ParseMultiFacePolicy accepts "record" or "abort".
func ParseMultiFacePolicy(s string) (MultiFacePolicy, error) {
	switch s {
	case "", "record":
		return MultiFaceRecord, nil
	case "abort":
		return MultiFaceAbort, nil
	}
	return 0, fmt.Errorf("invalid multi-face policy %q (use record or abort)", s)
}

// Session holds the collaborators for an analysis run. A Session can run several
// videos one after another; no state is carried between runs.
type Session struct {
	Open      video.Opener
	Detectors DetectorFactory
	Workers   int
	MultiFace MultiFacePolicy

	// Visualize, when set, is called once the stream geometry is known.
	Visualize func(meta video.Meta) (Visualizer, error)
	// Started, when set, is called once the source is open.
	Started func(meta video.Meta)
	// Progress, when set, is called after each record is assembled.
	Progress func(processed int)
}

// Result is the output of Analyze. Errors holds every error met during the run,
// including the fatal one returned by Analyze.
type Result struct {
	Summary types.VideoSummary
	Records []types.FrameRecord
	Errors  []error
}

type frameResult struct {
	frame video.Frame
	det   types.Detection
	err   error
}

// Analyze reads path to the end, or until ctx is cancelled. Cancellation is not an error:
// the records read so far are returned and Summary.Interrupted is set.
func (s *Session) Analyze(ctx context.Context, path string) (Result, error) {
	if s.Detectors == nil {
		return Result{}, fmt.Errorf("%w: no detector configured", ErrDetectorFailed)
	}
	open := s.Open
	if open == nil {
		var err error
		if open, err = video.Lookup(video.DefaultBackend); err != nil {
			return Result{}, err
		}
	}

	// Child processes must outlive an interrupt long enough to finish in-flight frames.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	src, err := open(runCtx, path)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, path, err)
		return Result{Errors: []error{err}}, err
	}
	defer src.Close()

	meta := src.Meta()
	res := Result{Summary: types.VideoSummary{
		TotalFrames: meta.TotalFrames,
		FPS:         meta.FPS,
		Width:       meta.Width,
		Height:      meta.Height,
	}}
	logger := log.With("path", path)
	if s.Started != nil {
		s.Started(meta)
	}

	numWorkers := s.Workers
	if numWorkers < 1 {
		numWorkers = 1
	}
	detectors := make([]Detector, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		d, err := s.Detectors(runCtx, i)
		if err != nil {
			for _, started := range detectors {
				started.Close()
			}
			err = fmt.Errorf("%w: starting detector %d: %w", ErrDetectorFailed, i, err)
			res.Errors = append(res.Errors, err)
			return res, err
		}
		detectors = append(detectors, d)
	}

	var vis Visualizer
	if s.Visualize != nil {
		if vis, err = s.Visualize(meta); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("visualization disabled: %w", err))
			logger.Warn("visualization disabled", "err", err)
			vis = nil
		}
	}

	tasks := make(chan video.Frame, numWorkers)
	results := make(chan frameResult, numWorkers*2)
	var wg sync.WaitGroup

	// 1. Engine pool
	for i, d := range detectors {
		wg.Add(1)
		go func(id int, d Detector) {
			defer wg.Done()
			defer func() {
				if err := d.Close(); err != nil {
					logger.Debug("detector exited with error", "worker", id, "err", err)
				}
			}()
			for f := range tasks {
				det, err := d.Detect(runCtx, types.FrameTask{Index: f.Index, Width: f.Width, Height: f.Height, Data: f.Data})
				results <- frameResult{frame: f, det: det, err: err}
			}
		}(i, d)
	}

	// 2. Reader: the interrupt is checked once per frame before reading it.
	var (
		framesRead  int
		interrupted bool
		readErr     error
	)
	go func() {
		defer close(tasks)
		for {
			if ctx.Err() != nil {
				interrupted = true
				return
			}
			if runCtx.Err() != nil {
				return
			}
			f, err := src.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				readErr = err
				return
			}
			framesRead++
			select {
			case tasks <- f:
			case <-runCtx.Done():
				video.Recycle(f)
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// 3. Aggregator: re-order results (worker 2 might finish before worker 1)
	buffer := make(map[int]frameResult)
	nextFrame := 0
	var fatal error

	for r := range results {
		if fatal != nil {
			video.Recycle(r.frame)
			continue
		}
		buffer[r.frame.Index] = r

		for {
			cur, ok := buffer[nextFrame]
			if !ok {
				break
			}
			delete(buffer, nextFrame)

			rec, err := s.assemble(cur, meta.FPS)
			if err != nil {
				fatal = err
				cancel()
				video.Recycle(cur.frame)
				for _, pending := range buffer {
					video.Recycle(pending.frame)
				}
				clear(buffer)
				break
			}
			res.Records = append(res.Records, rec)

			if vis != nil {
				if err := vis.Render(cur.frame, rec); err != nil {
					res.Errors = append(res.Errors, &types.FrameError{Index: rec.Index, Err: fmt.Errorf("visualization: %w", err)})
					logger.Warn("visualization failed, continuing without it", "frame", rec.Index, "err", err)
					vis.Close()
					vis = nil
				}
			}

			video.Recycle(cur.frame)
			nextFrame++
			if s.Progress != nil {
				s.Progress(len(res.Records))
			}
		}
	}

	if vis != nil {
		if err := vis.Close(); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("visualization: %w", err))
		}
	}

	res.Summary.ProcessedFrames = len(res.Records)
	res.Summary.Interrupted = interrupted
	if res.Summary.TotalFrames < framesRead {
		res.Summary.TotalFrames = framesRead
	}

	if fatal != nil {
		res.Errors = append(res.Errors, fatal)
		logger.Error("analysis aborted", "frame", nextFrame, "err", fatal)
		return res, fatal
	}
	if readErr != nil {
		res.Errors = append(res.Errors, fmt.Errorf("reading %s: %w", path, readErr))
		logger.Warn("stopped at unreadable frame", "frame", framesRead, "err", readErr)
	}
	if interrupted {
		logger.Info("analysis interrupted", "processed", res.Summary.ProcessedFrames)
	}
	return res, nil
}

// assemble turns one detector answer into a record. Landmarks are copied so the record
// owns them; nothing is carried over from earlier frames.
func (s *Session) assemble(r frameResult, fps float64) (types.FrameRecord, error) {
	rec := types.FrameRecord{Index: r.frame.Index, Timestamp: timestamp(r.frame.Index, fps)}
	if r.err != nil {
		return rec, fmt.Errorf("%w: %w", ErrDetectorFailed, &types.FrameError{Index: rec.Index, Err: r.err})
	}

	switch n := len(r.det.Faces); n {
	case 0:
		rec.State = types.NoFace
	case 1:
		face := r.det.Faces[0]
		region := face.Region
		rec.State = types.OneFace
		rec.Region = &region
		rec.Landmarks = append(make([]types.Point, 0, len(face.Landmarks)), face.Landmarks...)
	default:
		if s.MultiFace == MultiFaceAbort {
			return rec, &types.FrameError{Index: rec.Index, Err: fmt.Errorf("%w (%d faces)", ErrMultiFaceDetected, n)}
		}
		rec.State = types.MultiFace
	}
	return rec, nil
}

func timestamp(index int, fps float64) float64 {
	if fps <= 0 {
		return 0
	}
	return float64(index) / fps
}
