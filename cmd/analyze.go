package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/blinktrace/internal/blink"
	"github.com/andresmejia3/blinktrace/internal/ear"
	"github.com/andresmejia3/blinktrace/internal/log"
	"github.com/andresmejia3/blinktrace/internal/overlay"
	"github.com/andresmejia3/blinktrace/internal/pipeline"
	"github.com/andresmejia3/blinktrace/internal/report"
	"github.com/andresmejia3/blinktrace/internal/session"
	"github.com/andresmejia3/blinktrace/internal/utils"
	"github.com/andresmejia3/blinktrace/internal/video"
	"github.com/andresmejia3/blinktrace/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// BlinkFlags are the counting options shared by analyze and recount.
type BlinkFlags struct {
	ConfigPath        string
	RatioThreshold    float64
	AutoWindowSeconds float64
	AutoQuantile      float64
	MinClosed         int
	Auto              bool
}

// AnalyzeOptions holds the configuration of the analyze command.
type AnalyzeOptions struct {
	InputPath     string
	NumEngines    int
	Eye           string
	MultiFace     string
	Decoder       string
	Overlay       bool
	OverlayPath   string
	PlotPath      string
	Python        string
	WorkerScript  string
	Predictor     string
	Upsample      int
	WorkerTimeout string
	NoSave        bool
	Blink         BlinkFlags
}

var analyzeOpts AnalyzeOptions

var analyzeCmd = &cobra.Command{
	Use:         "analyze",
	Short:       "Track facial landmarks through a video and count blinks",
	Annotations: map[string]string{dbAnnotation: dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalyze(cmd, analyzeOpts)
	},
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVarP(&analyzeOpts.InputPath, "input", "i", "", "Path to video")
	f.IntVarP(&analyzeOpts.NumEngines, "engines", "e", 1, "Number of parallel landmark workers")
	f.StringVar(&analyzeOpts.Eye, "eye", "both", "Eye to measure: both, left or right")
	f.StringVar(&analyzeOpts.MultiFace, "multi-face", "record", "Frames with several faces: record or abort")
	f.StringVar(&analyzeOpts.Decoder, "decoder", video.DefaultBackend, "Frame source backend ("+strings.Join(video.Backends(), ", ")+")")
	f.BoolVarP(&analyzeOpts.Overlay, "mark", "m", false, "Write a copy of the video with landmarks drawn on every frame")
	f.StringVar(&analyzeOpts.OverlayPath, "mark-output", "", "Output path for --mark (default: <input>_marked.mp4)")
	f.StringVar(&analyzeOpts.PlotPath, "plot", "", "Save an EAR/threshold/blink chart (.png, .svg or .pdf)")
	f.StringVar(&analyzeOpts.Python, "python", "python3", "Python interpreter for the landmark worker")
	f.StringVar(&analyzeOpts.WorkerScript, "worker-script", "python/landmark_worker.py", "Landmark worker script")
	f.StringVar(&analyzeOpts.Predictor, "predictor", "models/shape_predictor_68_face_landmarks.dat", "dlib 68-point shape predictor")
	f.IntVar(&analyzeOpts.Upsample, "upsample", 0, "Times the face detector upsamples each frame (finds smaller faces, slower)")
	f.StringVar(&analyzeOpts.WorkerTimeout, "worker-timeout", "30s", "Maximum time a worker may spend on one frame")
	f.BoolVar(&analyzeOpts.NoSave, "no-save", false, "Do not store the analysis in the database")
	addBlinkFlags(analyzeCmd, &analyzeOpts.Blink)

	analyzeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(analyzeCmd)
}

func addBlinkFlags(cmd *cobra.Command, o *BlinkFlags) {
	f := cmd.Flags()
	f.StringVarP(&o.ConfigPath, "blink-config", "c", "", "JSON file with blink options (flags override it)")
	f.Float64VarP(&o.RatioThreshold, "threshold", "t", 0, "Fixed EAR threshold; disables the automatic threshold")
	f.Float64Var(&o.AutoWindowSeconds, "window", blink.DefaultAutoWindowSeconds, "Half-width in seconds of the adaptive threshold window (0 = whole video)")
	f.Float64Var(&o.AutoQuantile, "quantile", blink.DefaultAutoQuantile, "Position of the automatic threshold between the EAR minimum and robust maximum")
	f.IntVar(&o.MinClosed, "min-closed", blink.DefaultMinConsecutiveClosedFrames, "Consecutive closed frames needed for a blink")
	f.BoolVar(&o.Auto, "auto", false, "Use the automatic threshold even if the config file or stored analysis fixes one")
}

// blinkConfig loads the optional config file and lets every flag the user set override it.
// Only changed flags are applied, so the file's values survive flag defaults.
func blinkConfig(o BlinkFlags, changed func(string) bool) (blink.Config, []error, error) {
	var (
		cfg      blink.Config
		warnings []error
	)
	if o.ConfigPath != "" {
		var err error
		if cfg, warnings, err = blink.LoadConfig(o.ConfigPath); err != nil {
			return blink.Config{}, warnings, err
		}
	}

	var fromFlags blink.Config
	if o.Auto && changed("threshold") {
		return blink.Config{}, warnings, errors.New("--auto and --threshold cannot be used together")
	}
	if o.Auto {
		fromFlags.ForceAuto = true
	} else if changed("threshold") {
		fromFlags.RatioThreshold = blink.Float(o.RatioThreshold)
	}
	if changed("window") {
		fromFlags.AutoWindowSeconds = blink.Float(o.AutoWindowSeconds)
	}
	if changed("quantile") {
		fromFlags.AutoQuantile = blink.Float(o.AutoQuantile)
	}
	if changed("min-closed") {
		fromFlags.MinConsecutiveClosedFrames = blink.Int(o.MinClosed)
	}
	cfg = cfg.Merge(fromFlags)

	if err := cfg.Validate(); err != nil {
		return blink.Config{}, warnings, err
	}
	return cfg, warnings, nil
}

func validateAnalyzeFlags(opts *AnalyzeOptions) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", opts.InputPath)
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if _, err := ear.ParseEye(opts.Eye); err != nil {
		return err
	}
	if _, err := session.ParseMultiFacePolicy(opts.MultiFace); err != nil {
		return err
	}
	if _, err := video.Lookup(opts.Decoder); err != nil {
		return err
	}
	if opts.Upsample < 0 {
		return fmt.Errorf("invalid upsample: must be >= 0, got %d", opts.Upsample)
	}
	d, err := time.ParseDuration(opts.WorkerTimeout)
	if err != nil {
		return fmt.Errorf("invalid worker-timeout format (use '30s', '500ms'): %w", err)
	}
	if d < 0 {
		return fmt.Errorf("invalid worker-timeout: must be >= 0, got %s", d)
	}
	if opts.OverlayPath != "" {
		opts.Overlay = true
	}
	return nil
}

// runAnalyze wires the frame source, the worker pool, the overlay encoder and the
// database around one pipeline run.
func runAnalyze(cmd *cobra.Command, opts AnalyzeOptions) error {
	if err := validateAnalyzeFlags(&opts); err != nil {
		utils.ShowError("Invalid analyze options", err, nil)
		return err
	}
	cfg, cfgWarnings, err := blinkConfig(opts.Blink, cmd.Flags().Changed)
	if err != nil {
		utils.ShowError("Invalid blink options", err, nil)
		return err
	}
	eye, _ := ear.ParseEye(opts.Eye)
	policy, _ := session.ParseMultiFacePolicy(opts.MultiFace)
	timeout, _ := time.ParseDuration(opts.WorkerTimeout)
	open, _ := video.Lookup(opts.Decoder)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	workerOpts := worker.Options{
		Python:    opts.Python,
		Script:    opts.WorkerScript,
		Predictor: opts.Predictor,
		Upsample:  opts.Upsample,
		Timeout:   timeout,
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("👁️  Tracking landmarks"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d landmark worker(s)...\n", opts.NumEngines)
	sess := &session.Session{
		Open:      open,
		Workers:   opts.NumEngines,
		MultiFace: policy,
		Detectors: func(ctx context.Context, id int) (session.Detector, error) {
			w, err := worker.NewPythonWorker(ctx, id, workerOpts)
			if err != nil {
				return nil, err
			}
			return w, nil
		},
		Started: func(meta video.Meta) {
			if meta.TotalFrames > 0 {
				bar.ChangeMax(meta.TotalFrames)
			}
		},
		Progress: func(n int) { bar.Set(n) },
	}
	if opts.Overlay {
		out := opts.OverlayPath
		if out == "" {
			out = utils.MarkedPath(opts.InputPath)
		}
		sess.Visualize = func(meta video.Meta) (session.Visualizer, error) {
			// The encoder must flush the frames processed before an interrupt.
			return overlay.NewEncoderSink(context.WithoutCancel(ctx), out, meta, overlay.DefaultStyle)
		}
	}

	analyzer := &pipeline.Analyzer{Session: sess, Eye: eye, Blink: cfg}
	rep, runErr := analyzer.Run(ctx, opts.InputPath)
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	rep.Errors = append(cfgWarnings, rep.Errors...)

	printSummary(os.Stdout, rep)

	if runErr == nil && opts.PlotPath != "" {
		if len(rep.EAR) == 0 {
			log.Warn("no frames processed, skipping plot")
		} else if err := report.PlotSeries(opts.PlotPath, rep.EAR, rep.Thresholds, rep.Blinks, rep.Summary.FPS); err != nil {
			utils.ShowError("Failed to save plot", err, nil)
		} else {
			fmt.Printf("📈 Plot saved to %s\n", opts.PlotPath)
		}
	}
	if opts.Overlay && runErr == nil {
		out := opts.OverlayPath
		if out == "" {
			out = utils.MarkedPath(opts.InputPath)
		}
		fmt.Printf("🎞️  Marked video saved to %s\n", out)
	}

	if !opts.NoSave && DB != nil {
		// Save even when interrupted: the partial series is still useful.
		if err := saveReport(context.WithoutCancel(ctx), rep); err != nil {
			utils.ShowError("Failed to save analysis", err, nil)
			if runErr == nil {
				return err
			}
		}
	}

	if runErr != nil {
		msg := "Analysis failed"
		if errors.Is(runErr, session.ErrSourceUnavailable) {
			msg = "Unable to open video"
		}
		utils.ShowError(msg, runErr, nil)
		return runErr
	}
	return nil
}

func saveReport(ctx context.Context, rep pipeline.Report) error {
	if rep.VideoID == "" {
		return fmt.Errorf("no video id for %s", rep.Path)
	}
	if err := DB.EnsureVideoMetadata(ctx, rep.VideoID, rep.Path); err != nil {
		return fmt.Errorf("failed to register video metadata: %w", err)
	}
	row, err := rep.Analysis()
	if err != nil {
		return err
	}
	id, err := DB.InsertAnalysis(ctx, row)
	if err != nil {
		return err
	}
	fmt.Printf("💾 Saved analysis %s\n", id)
	return nil
}

// printSummary writes the human readable result of a run.
func printSummary(w io.Writer, rep pipeline.Report) {
	s := rep.Summary
	fmt.Fprintf(w, "📼 Video:        %s\n", rep.Path)
	if rep.VideoID != "" {
		fmt.Fprintf(w, "🆔 Video ID:     %s\n", shortID(rep.VideoID))
	}
	fmt.Fprintf(w, "📐 Resolution:   %dx%d @ %.2f fps\n", s.Width, s.Height, s.FPS)
	fmt.Fprintf(w, "⏱️  Length:       %s (%d frames)\n", utils.FmtTime(s.Duration()), s.TotalFrames)
	fmt.Fprintf(w, "🎞️  Processed:    %d frames in %s\n", s.ProcessedFrames, rep.Elapsed.Round(time.Millisecond))
	if s.Interrupted {
		fmt.Fprintln(w, "⚠️  Interrupted before the end of the video")
	}
	fmt.Fprintf(w, "🎚️  Blink config: %s (eye: %s)\n", rep.Config, rep.Eye)

	if len(rep.EAR) > 0 {
		st := report.Stats(rep.EAR)
		fmt.Fprintf(w, "📊 EAR:          coverage %.1f%%, mean %.3f, median %.3f, min %.3f, max %.3f\n",
			st.Coverage()*100, st.Mean, st.Median, st.Min, st.Max)
	}
	fmt.Fprintf(w, "👁️  Blinks:       %d\n", rep.BlinkCount)
	if s.FPS > 0 && s.ProcessedFrames > 0 && !rep.Failed {
		perMinute := float64(rep.BlinkCount) / (float64(s.ProcessedFrames) / s.FPS) * 60
		fmt.Fprintf(w, "🔁 Blink rate:   %.1f / min\n", perMinute)
	}

	for _, wrn := range rep.Warnings() {
		fmt.Fprintf(w, "⚠️  %v\n", wrn)
	}
	if n := len(rep.Errors) - len(rep.Warnings()); n > 0 {
		fmt.Fprintf(w, "❗ %d frame error(s); run with --log-level debug for details\n", n)
		for _, e := range rep.Errors {
			if !pipeline.IsWarning(e) {
				log.Debug("frame error", "err", e)
			}
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
