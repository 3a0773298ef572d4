package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python/FFmpeg logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps child process logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 BLINKTRACE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Video Engine ---

// VideoInfo is the stream metadata reported by ffprobe.
type VideoInfo struct {
	FPS    float64
	Width  int
	Height int
	Frames int // 0 when unknown
}

type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// ProbeVideo reads fps, dimensions and frame count of the first video stream.
func ProbeVideo(ctx context.Context, path string) (VideoInfo, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe not found: %w", err)
	}

	cmd := NewSafeCommand(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe failed: %w (%s)", err, strings.TrimSpace(cmd.Stderr.String()))
	}

	info, err := parseProbe(out)
	if err != nil {
		return VideoInfo{}, err
	}
	if info.Frames <= 0 {
		info.Frames = GetTotalFrames(ctx, path)
	}
	return info, nil
}

func parseProbe(out []byte) (VideoInfo, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return VideoInfo{}, errors.New("no video stream found")
	}
	s := res.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("invalid frame size %dx%d", s.Width, s.Height)
	}

	fps, err := ParseFrameRate(s.AvgFrameRate)
	if err != nil || fps <= 0 {
		fps, err = ParseFrameRate(s.RFrameRate)
		if err != nil {
			return VideoInfo{}, err
		}
	}

	frames, _ := strconv.Atoi(s.NbFrames)
	return VideoInfo{FPS: fps, Width: s.Width, Height: s.Height, Frames: frames}, nil
}

// ParseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func ParseFrameRate(rate string) (float64, error) {
	num, den, found := strings.Cut(strings.TrimSpace(rate), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", rate, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", rate, err)
	}
	if d == 0 {
		return 0, fmt.Errorf("invalid frame rate %q: zero denominator", rate)
	}
	return n / d, nil
}

// GetTotalFrames uses ffprobe to count packets for the progress bar
// It returns 0 if the count fails, allowing the caller to fall back to a spinner.
func GetTotalFrames(ctx context.Context, path string) int {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return 0
	}

	// 1. Fast Path: Check Container Metadata
	// This is instant but might return "N/A" or be inaccurate for VFR.
	cmdFast := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=nb_frames", "-of", "json", path)
	if out, err := cmdFast.Output(); err == nil {
		var res ffprobeOutput
		if json.Unmarshal(out, &res) == nil && len(res.Streams) > 0 {
			if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
				return count
			}
		}
	}

	// 2. Slow Path: Count Packets (Fallback)
	fmt.Fprintf(os.Stderr, "⏳ Metadata missing. Counting frames (this may take a moment)...\n")
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return 0
	}
	return count
}

// NewFFmpegRawDecoder creates a decoder pipe emitting packed RGB24 frames on Stdout.
func NewFFmpegRawDecoder(ctx context.Context, inputPath string) *SafeCommand {
	// -loglevel error keeps the stderr buffer small
	return NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-i", inputPath,
		"-f", "rawvideo", "-pix_fmt", "rgb24", "-")
}

// NewFFmpegEncoder creates an encoder reading packed RGBA frames on Stdin.
func NewFFmpegEncoder(ctx context.Context, outputPath string, fps float64, width, height int) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		outputPath)
}

// MarkedPath returns the default export path for an annotated copy of a video:
// the source directory, the source name with a "_marked" suffix, and an .mp4 extension.
func MarkedPath(videoPath string) string {
	dir, name := filepath.Split(videoPath)
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return filepath.Join(dir, base+"_marked.mp4")
}

// GenerateVideoID creates a deterministic hash for the video file
// based on its path, size, and modification time.
func GenerateVideoID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}

// FmtTime renders seconds as HH:MM:SS.
func FmtTime(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
