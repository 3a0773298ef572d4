package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/blinktrace/internal/log"
	"github.com/andresmejia3/blinktrace/internal/utils"
)

type ffmpegSource struct {
	cmd    *utils.SafeCommand
	out    io.ReadCloser
	r      *bufio.Reader
	meta   Meta
	next   int
	waited bool
}

// OpenFFmpeg probes path with ffprobe and starts an ffmpeg rawvideo decoder for it.
func OpenFFmpeg(ctx context.Context, path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	probe, err := utils.ProbeVideo(ctx, path)
	if err != nil {
		return nil, err
	}

	cmd := utils.NewFFmpegRawDecoder(ctx, path)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	meta := Meta{FPS: probe.FPS, Width: probe.Width, Height: probe.Height, TotalFrames: probe.Frames}
	log.Debug("ffmpeg decoder started", "path", path, "fps", meta.FPS, "width", meta.Width, "height", meta.Height, "frames", meta.TotalFrames)

	return &ffmpegSource{
		cmd:  cmd,
		out:  out,
		r:    bufio.NewReaderSize(out, meta.Width*meta.Height*3),
		meta: meta,
	}, nil
}

func (s *ffmpegSource) Meta() Meta { return s.meta }

func (s *ffmpegSource) Next() (Frame, error) {
	size := s.meta.Width * s.meta.Height * 3
	buf := getBuffer(size)

	if _, err := io.ReadFull(s.r, buf); err != nil {
		framePool.Put(buf[:0])
		if errors.Is(err, io.ErrUnexpectedEOF) {
			log.Warn("discarding truncated trailing frame", "index", s.next)
		} else if !errors.Is(err, io.EOF) {
			return Frame{}, fmt.Errorf("reading frame %d: %w", s.next, err)
		}
		// End of stream: surface decoder failures instead of a silent short read.
		if werr := s.wait(); werr != nil {
			return Frame{}, fmt.Errorf("ffmpeg decode failed after %d frames: %w", s.next, werr)
		}
		return Frame{}, io.EOF
	}

	f := Frame{Index: s.next, Width: s.meta.Width, Height: s.meta.Height, Data: buf}
	s.next++
	return f, nil
}

func (s *ffmpegSource) wait() error {
	if s.waited {
		return nil
	}
	s.waited = true
	if err := s.cmd.Wait(); err != nil {
		if s.cmd.Stderr.Len() > 0 {
			return fmt.Errorf("%w: %s", err, s.cmd.Stderr.String())
		}
		return err
	}
	return nil
}

func (s *ffmpegSource) Close() error {
	s.out.Close()
	if !s.waited && s.cmd.Process != nil {
		// Stopped early (interrupt or fatal error); the decoder may still be writing.
		s.cmd.Process.Kill()
		s.waited = true
		s.cmd.Wait()
	}
	return nil
}
