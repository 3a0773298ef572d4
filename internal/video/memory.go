package video

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Memory is an in-process Source over pre-decoded frames.
// A nil entry in Frames decodes as a black frame.
type Memory struct {
	Info   Meta
	Frames [][]byte

	next   int
	closed bool
}

// NewMemory builds a Memory source of n black frames.
func NewMemory(fps float64, width, height, n int) *Memory {
	return &Memory{
		Info:   Meta{FPS: fps, Width: width, Height: height, TotalFrames: n},
		Frames: make([][]byte, n),
	}
}

func (m *Memory) Meta() Meta { return m.Info }

func (m *Memory) Next() (Frame, error) {
	if m.closed {
		return Frame{}, fmt.Errorf("read from closed source")
	}
	if m.next >= len(m.Frames) {
		return Frame{}, io.EOF
	}

	size := m.Info.Width * m.Info.Height * 3
	buf := getBuffer(size)
	if src := m.Frames[m.next]; src != nil {
		copy(buf, src)
	} else {
		clear(buf)
	}

	f := Frame{Index: m.next, Width: m.Info.Width, Height: m.Info.Height, Data: buf}
	m.next++
	return f, nil
}

func (m *Memory) Close() error {
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *Memory) Closed() bool { return m.closed }

// MemoryOpener serves clips by path. Unknown paths fail like a missing file.
func MemoryOpener(clips map[string]*Memory) Opener {
	return func(_ context.Context, path string) (Source, error) {
		m, ok := clips[path]
		if !ok {
			return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
		}
		m.next = 0
		m.closed = false
		return m, nil
	}
}
