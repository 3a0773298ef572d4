// Package pipeline runs a tracking session, the EAR engine and the blink counter in sequence.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/blinktrace/internal/blink"
	"github.com/andresmejia3/blinktrace/internal/ear"
	"github.com/andresmejia3/blinktrace/internal/log"
	"github.com/andresmejia3/blinktrace/internal/session"
	"github.com/andresmejia3/blinktrace/internal/store"
	"github.com/andresmejia3/blinktrace/internal/types"
	"github.com/andresmejia3/blinktrace/internal/utils"
)

// Analyzer ties the three stages together.
type Analyzer struct {
	Session *session.Session
	Eye     ear.Eye
	Blink   blink.Config
}

// Report is everything one analysis produced. EAR, Thresholds and Blinks are aligned with Records.
type Report struct {
	ID         uuid.UUID
	VideoID    string
	Path       string
	Eye        ear.Eye
	Config     blink.Config
	Summary    types.VideoSummary
	Records    []types.FrameRecord
	EAR        []float64
	Thresholds []float64
	Blinks     []int
	BlinkCount int
	Errors     []error
	Failed     bool
	Elapsed    time.Duration
}

// Run analyzes path. A fatal error still returns a report carrying the partial summary
// and every error collected so far.
func (a *Analyzer) Run(ctx context.Context, path string) (Report, error) {
	if a.Session == nil {
		return Report{}, errors.New("analyzer has no session")
	}

	start := time.Now()
	rep := Report{ID: uuid.New(), Path: path, Eye: a.Eye, Config: a.Blink}
	if id, err := utils.GenerateVideoID(path); err == nil {
		rep.VideoID = id
	}

	fail := func(err error) (Report, error) {
		rep.Failed = true
		rep.Elapsed = time.Since(start)
		return rep, err
	}

	// Reject bad options before spending time on detection.
	if err := a.Blink.Validate(); err != nil {
		rep.Errors = append(rep.Errors, err)
		return fail(err)
	}

	res, err := a.Session.Analyze(ctx, path)
	rep.Summary = res.Summary
	rep.Records = res.Records
	rep.Errors = append(rep.Errors, res.Errors...)
	if err != nil {
		return fail(err)
	}

	series, errs := ear.Series(res.Records, a.Eye)
	rep.EAR = series
	rep.Errors = append(rep.Errors, errs...)

	counted, err := blink.Count(series, res.Summary.FPS, a.Blink)
	if err != nil {
		rep.Errors = append(rep.Errors, err)
		return fail(err)
	}
	rep.Thresholds = counted.Thresholds
	rep.Blinks = counted.Counts
	rep.BlinkCount = counted.Total()
	rep.Errors = append(rep.Errors, counted.Warnings...)
	rep.Elapsed = time.Since(start)

	log.Info("analysis finished", "path", path, "frames", rep.Summary.ProcessedFrames,
		"blinks", rep.BlinkCount, "errors", len(rep.Errors), "elapsed", rep.Elapsed)
	return rep, nil
}

// Recount re-derives the blink series of a stored analysis. Options in override take
// precedence over the ones the analysis was stored with.
func Recount(stored store.Analysis, override blink.Config) (Report, error) {
	var base blink.Config
	if stored.Config != "" {
		if err := json.Unmarshal([]byte(stored.Config), &base); err != nil {
			return Report{}, fmt.Errorf("stored blink config: %w", err)
		}
	}
	cfg := base.Merge(override)

	eye, err := ear.ParseEye(stored.Eye)
	if err != nil {
		return Report{}, err
	}

	counted, err := blink.Count(stored.EAR, stored.Summary.FPS, cfg)
	if err != nil {
		return Report{}, err
	}

	return Report{
		ID:         stored.ID,
		VideoID:    stored.VideoID,
		Path:       stored.Path,
		Eye:        eye,
		Config:     cfg,
		Summary:    stored.Summary,
		EAR:        stored.EAR,
		Thresholds: counted.Thresholds,
		Blinks:     counted.Counts,
		BlinkCount: counted.Total(),
		Errors:     counted.Warnings,
	}, nil
}

// Analysis converts the report into its persisted form.
func (r Report) Analysis() (store.Analysis, error) {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return store.Analysis{}, err
	}

	status := store.StatusSuccess
	if r.Failed {
		status = store.StatusError
	}

	errs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e.Error()
	}

	return store.Analysis{
		ID:         r.ID,
		VideoID:    r.VideoID,
		Path:       r.Path,
		Status:     status,
		Summary:    r.Summary,
		Eye:        r.Eye.String(),
		Config:     string(cfg),
		BlinkCount: r.BlinkCount,
		EAR:        r.EAR,
		Blinks:     r.Blinks,
		Errors:     errs,
	}, nil
}

// Warnings returns the non-fatal entries of Errors raised by blink counting.
func (r Report) Warnings() []error {
	var out []error
	for _, e := range r.Errors {
		if IsWarning(e) {
			out = append(out, e)
		}
	}
	return out
}

// IsWarning reports whether err is advisory rather than a per-frame failure.
func IsWarning(err error) bool {
	return errors.Is(err, blink.ErrUnusedConfigOption) || errors.Is(err, blink.ErrCollapsedThreshold)
}
