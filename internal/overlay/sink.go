package overlay

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"

	"github.com/andresmejia3/blinktrace/internal/log"
	"github.com/andresmejia3/blinktrace/internal/types"
	"github.com/andresmejia3/blinktrace/internal/utils"
	"github.com/andresmejia3/blinktrace/internal/video"
)

// WriterSink annotates frames and writes them as raw RGBA to w.
type WriterSink struct {
	w      io.WriteCloser
	style  Style
	canvas *image.RGBA
	frames int
}

// NewWriterSink wraps w. Close closes w.
func NewWriterSink(w io.WriteCloser, style Style) *WriterSink {
	return &WriterSink{w: w, style: style}
}

func (s *WriterSink) Render(frame video.Frame, rec types.FrameRecord) error {
	canvas, err := ToRGBA(frame, s.canvas)
	if err != nil {
		return err
	}
	s.canvas = canvas

	Draw(canvas, rec, s.style)
	if _, err := s.w.Write(canvas.Pix); err != nil {
		return err
	}
	s.frames++
	return nil
}

// Frames returns how many frames were written.
func (s *WriterSink) Frames() int { return s.frames }

func (s *WriterSink) Close() error {
	return s.w.Close()
}

// EncoderSink feeds annotated frames into an ffmpeg encoder process.
type EncoderSink struct {
	*WriterSink
	cmd *utils.SafeCommand
}

// NewEncoderSink starts an encoder writing to path, creating parent directories as needed.
func NewEncoderSink(ctx context.Context, path string, meta video.Meta, style Style) (*EncoderSink, error) {
	if meta.Width <= 0 || meta.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", meta.Width, meta.Height)
	}
	fps := meta.FPS
	if fps <= 0 {
		fps = 30
		log.Warn("unknown frame rate, encoding overlay at 30 fps", "path", path)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	encoder := utils.NewFFmpegEncoder(ctx, path, fps, meta.Width, meta.Height)
	in, err := encoder.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := encoder.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	log.Debug("overlay encoder started", "path", path, "fps", fps)
	return &EncoderSink{WriterSink: NewWriterSink(in, style), cmd: encoder}, nil
}

// Close flushes the encoder and waits for it to exit.
func (e *EncoderSink) Close() error {
	e.WriterSink.Close()
	if err := e.cmd.Wait(); err != nil {
		if e.cmd.Stderr.Len() > 0 {
			return fmt.Errorf("encoder failed: %w: %s", err, e.cmd.Stderr.String())
		}
		return fmt.Errorf("encoder failed: %w", err)
	}
	return nil
}
