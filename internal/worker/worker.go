package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/blinktrace/internal/types"
	"github.com/andresmejia3/blinktrace/internal/utils" // Using the SafeCommand wrapper
)

const (
	// maxPoints bounds the per-face landmark count read from the wire.
	maxPoints = 1024
	// maxResponse bounds the length header of one reply.
	maxResponse = 16 << 20
	// faceHeaderSize is the box and point count that precede every face.
	faceHeaderSize = 4*4 + 4
)

var (
	// ErrTimeout is returned when the worker does not answer within Options.Timeout.
	ErrTimeout = errors.New("python worker timed out")
	// ErrResponseTooLarge is returned when a reply announces more than maxResponse bytes.
	ErrResponseTooLarge = errors.New("worker response too large")
)

// Options configures the landmark worker subprocess.
type Options struct {
	Python    string        // interpreter, default "python3"
	Script    string        // default "python/landmark_worker.py"
	Predictor string        // dlib shape predictor .dat file
	Upsample  int           // dlib detector upsample count
	Timeout   time.Duration // per-frame; 0 disables
}

func (o Options) withDefaults() Options {
	if o.Python == "" {
		o.Python = "python3"
	}
	if o.Script == "" {
		o.Script = "python/landmark_worker.py"
	}
	if o.Predictor == "" {
		o.Predictor = "models/shape_predictor_68_face_landmarks.dat"
	}
	return o
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration
}

func NewPythonWorker(ctx context.Context, id int, opts Options) (*PythonWorker, error) {
	opts = opts.withDefaults()

	// 1. Initialize the SafeCommand
	args := []string{"-u", opts.Script, "--predictor", opts.Predictor, "--upsample", fmt.Sprint(opts.Upsample)}
	py := utils.NewSafeCommand(ctx, opts.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  opts.Timeout,
	}, nil
}

// Detect runs ProcessFrame under the worker timeout. A timed-out worker is killed
// and must not be reused.
func (w *PythonWorker) Detect(ctx context.Context, task types.FrameTask) (types.Detection, error) {
	if w.Timeout <= 0 {
		return w.ProcessFrame(task)
	}

	type reply struct {
		det types.Detection
		err error
	}
	done := make(chan reply, 1)
	go func() {
		det, err := w.ProcessFrame(task)
		done <- reply{det, err}
	}()

	timer := time.NewTimer(w.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.det, r.err
	case <-timer.C:
		w.kill()
		return types.Detection{}, fmt.Errorf("worker %d, frame %d: %w after %s", w.ID, task.Index, ErrTimeout, w.Timeout)
	case <-ctx.Done():
		w.kill()
		return types.Detection{}, ctx.Err()
	}
}

// ProcessFrame sends one RGB frame and decodes the faces found in it.
func (w *PythonWorker) ProcessFrame(task types.FrameTask) (types.Detection, error) {
	if want := task.Width * task.Height * 3; len(task.Data) != want {
		return types.Detection{}, fmt.Errorf("frame %d: got %d bytes, want %d for %dx%d RGB", task.Index, len(task.Data), want, task.Width, task.Height)
	}

	// Protocol: [Length][Width][Height][RGB]
	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header[0:], uint32(8+len(task.Data)))
	binary.BigEndian.PutUint32(header[4:], uint32(task.Width))
	binary.BigEndian.PutUint32(header[8:], uint32(task.Height))
	if _, err := w.Stdin.Write(header); err != nil {
		return types.Detection{}, err
	}
	if _, err := w.Stdin.Write(task.Data); err != nil {
		return types.Detection{}, err
	}

	// Read Result from the clean DataPipe
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, lenBuf); err != nil {
		return types.Detection{}, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(lenBuf)
	if respLen > maxResponse {
		// The stream can no longer be trusted to be in sync.
		w.kill()
		return types.Detection{}, fmt.Errorf("frame %d: %w (%d bytes, limit %d)", task.Index, ErrResponseTooLarge, respLen, maxResponse)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return types.Detection{}, err
	}

	return decodeResponse(respBody)
}

// decodeResponse parses [Status] followed by either the face list or an error message.
func decodeResponse(body []byte) (types.Detection, error) {
	r := bytes.NewReader(body)

	status, err := r.ReadByte()
	if err != nil {
		return types.Detection{}, fmt.Errorf("empty worker response")
	}

	if status == 1 {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return types.Detection{}, fmt.Errorf("malformed worker error: %w", err)
		}
		if int64(msgLen) > int64(r.Len()) {
			return types.Detection{}, fmt.Errorf("malformed worker error: %d byte message in %d bytes", msgLen, r.Len())
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return types.Detection{}, fmt.Errorf("malformed worker error: %w", err)
		}
		return types.Detection{}, fmt.Errorf("python worker error: %s", msg)
	}
	if status != 0 {
		return types.Detection{}, fmt.Errorf("unknown worker status %d", status)
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return types.Detection{}, fmt.Errorf("reading face count: %w", err)
	}

	if uint64(numFaces)*faceHeaderSize > uint64(r.Len()) {
		return types.Detection{}, fmt.Errorf("%d faces cannot fit in %d remaining bytes", numFaces, r.Len())
	}

	det := types.Detection{Faces: make([]types.Face, 0, numFaces)}
	for i := uint32(0); i < numFaces; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return types.Detection{}, fmt.Errorf("face %d box: %w", i, err)
		}

		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return types.Detection{}, fmt.Errorf("face %d point count: %w", i, err)
		}
		if n > maxPoints {
			return types.Detection{}, fmt.Errorf("face %d: %d points exceeds limit %d", i, n, maxPoints)
		}

		coords := make([]int32, 2*n)
		if err := binary.Read(r, binary.BigEndian, coords); err != nil {
			return types.Detection{}, fmt.Errorf("face %d points: %w", i, err)
		}
		points := make([]types.Point, n)
		for j := range points {
			points[j] = types.Point{X: int(coords[2*j]), Y: int(coords[2*j+1])}
		}

		det.Faces = append(det.Faces, types.Face{
			Region:    types.Rect{Left: int(box[0]), Top: int(box[1]), Right: int(box[2]), Bottom: int(box[3])},
			Landmarks: points,
		})
	}

	if r.Len() != 0 {
		return types.Detection{}, fmt.Errorf("%d trailing bytes in worker response", r.Len())
	}
	return det, nil
}

func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

// Close shuts the worker down and returns its exit error, if any.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
