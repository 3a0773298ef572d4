// Package video decodes a finished video file into packed RGB24 frames.
package video

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Meta describes the stream as reported before decoding starts.
type Meta struct {
	FPS         float64
	Width       int
	Height      int
	TotalFrames int // 0 when the container does not say
}

// Frame is one decoded picture. Data is packed RGB24, Width*Height*3 bytes.
type Frame struct {
	Index  int
	Width  int
	Height int
	Data   []byte
}

// Source yields frames in order until io.EOF.
type Source interface {
	Meta() Meta
	Next() (Frame, error)
	Close() error
}

// Opener opens a Source for a path.
type Opener func(ctx context.Context, path string) (Source, error)

var (
	mu      sync.RWMutex
	openers = map[string]Opener{
		"ffmpeg": OpenFFmpeg,
	}
)

// DefaultBackend is the decoder used when none is named.
const DefaultBackend = "ffmpeg"

// Register makes a decoder backend available under name.
func Register(name string, o Opener) {
	mu.Lock()
	defer mu.Unlock()
	openers[name] = o
}

// Lookup returns the opener registered under name.
func Lookup(name string) (Opener, error) {
	if name == "" {
		name = DefaultBackend
	}
	mu.RLock()
	defer mu.RUnlock()
	o, ok := openers[name]
	if !ok {
		return nil, fmt.Errorf("unknown decoder %q (available: %v)", name, backendsLocked())
	}
	return o, nil
}

// Backends lists the registered decoder names.
func Backends() []string {
	mu.RLock()
	defer mu.RUnlock()
	return backendsLocked()
}

func backendsLocked() []string {
	names := make([]string, 0, len(openers))
	for n := range openers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Buffer pool to reduce GC pressure while decoding
var framePool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, 1024*1024) },
}

func getBuffer(size int) []byte {
	buf := framePool.Get().([]byte)
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	return buf[:size]
}

// Recycle hands a frame's buffer back to the decoder pool.
// The frame must not be used afterwards.
func Recycle(f Frame) {
	if f.Data != nil {
		framePool.Put(f.Data[:0])
	}
}
