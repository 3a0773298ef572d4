package video

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySource(t *testing.T) {
	m := NewMemory(25, 2, 1, 3)
	m.Frames[1] = []byte{1, 2, 3, 4, 5, 6}

	src, err := MemoryOpener(map[string]*Memory{"clip": m})(context.Background(), "clip")
	require.NoError(t, err)
	assert.Equal(t, Meta{FPS: 25, Width: 2, Height: 1, TotalFrames: 3}, src.Meta())

	var got []Frame
	for {
		f, err := src.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, Frame{Index: f.Index, Width: f.Width, Height: f.Height, Data: append([]byte(nil), f.Data...)})
		Recycle(f)
	}

	require.Len(t, got, 3)
	for i, f := range got {
		assert.Equal(t, i, f.Index)
		assert.Len(t, f.Data, 6)
	}
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0}, got[0].Data)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, got[1].Data)

	require.NoError(t, src.Close())
	assert.True(t, m.Closed())
	_, err = src.Next()
	assert.Error(t, err)
}

func TestMemoryOpener_UnknownPath(t *testing.T) {
	_, err := MemoryOpener(nil)(context.Background(), "nope.mp4")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLookup(t *testing.T) {
	o, err := Lookup("")
	require.NoError(t, err)
	assert.NotNil(t, o)

	_, err = Lookup("vlc")
	assert.Error(t, err)

	Register("test-memory", MemoryOpener(nil))
	assert.Contains(t, Backends(), "test-memory")
	assert.Contains(t, Backends(), DefaultBackend)
}

func TestRecycle_ReusesCapacity(t *testing.T) {
	buf := getBuffer(12)
	assert.Len(t, buf, 12)
	Recycle(Frame{Data: buf})
	Recycle(Frame{}) // no-op

	again := getBuffer(8)
	assert.Len(t, again, 8)
}

func TestOpenFFmpeg_MissingFile(t *testing.T) {
	_, err := OpenFFmpeg(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = OpenFFmpeg(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestOpenFFmpeg_Decode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ffmpeg decode in short mode")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}

	clip := filepath.Join(t.TempDir(), "clip.mp4")
	gen := exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error", "-f", "lavfi",
		"-i", "testsrc=size=32x24:rate=10:duration=1", "-pix_fmt", "yuv420p", clip)
	require.NoError(t, gen.Run())

	src, err := OpenFFmpeg(context.Background(), clip)
	require.NoError(t, err)
	defer src.Close()

	meta := src.Meta()
	assert.Equal(t, 32, meta.Width)
	assert.Equal(t, 24, meta.Height)
	assert.InDelta(t, 10, meta.FPS, 0.01)

	n := 0
	for {
		f, err := src.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, n, f.Index)
		assert.Len(t, f.Data, 32*24*3)
		Recycle(f)
		n++
	}
	assert.Equal(t, 10, n)
}
