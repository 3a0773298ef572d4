package blink

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// Defaults for options left unset.
const (
	DefaultAutoQuantile               = 0.4
	DefaultAutoWindowSeconds          = 0.0
	DefaultMinConsecutiveClosedFrames = 3
)

// ErrUnusedConfigOption marks an option that was supplied but not recognized.
// It is reported as a warning, never as a failure.
var ErrUnusedConfigOption = errors.New("unused config option")

// Config holds the blink thresholding options. Nil fields fall back to defaults.
// When RatioThreshold is set it is used for every frame and the auto options are ignored.
type Config struct {
	RatioThreshold             *float64 `json:"ratio_threshold,omitempty"`
	AutoWindowSeconds          *float64 `json:"auto_window_seconds,omitempty"`
	AutoQuantile               *float64 `json:"auto_quantile,omitempty"`
	MinConsecutiveClosedFrames *int     `json:"min_consecutive_closed_frames,omitempty"`

	// ForceAuto makes Merge drop any fixed threshold from the receiver and carries over
	// into the result. It is never persisted.
	ForceAuto bool `json:"-"`
}

// Helper functions to create pointers
func Float(v float64) *float64 { return &v }
func Int(v int) *int             { return &v }

// Auto reports whether the threshold is derived from the data.
func (c Config) Auto() bool {
	return c.RatioThreshold == nil
}

// GetAutoWindowSeconds returns the half-width of the adaptive window; 0 means the whole series.
func (c Config) GetAutoWindowSeconds() float64 {
	if c.AutoWindowSeconds == nil {
		return DefaultAutoWindowSeconds
	}
	return *c.AutoWindowSeconds
}

// GetAutoQuantile returns the fraction between the series minimum and its robust maximum.
func (c Config) GetAutoQuantile() float64 {
	if c.AutoQuantile == nil {
		return DefaultAutoQuantile
	}
	return *c.AutoQuantile
}

// GetMinConsecutiveClosedFrames returns the debounce length.
func (c Config) GetMinConsecutiveClosedFrames() int {
	if c.MinConsecutiveClosedFrames == nil {
		return DefaultMinConsecutiveClosedFrames
	}
	return *c.MinConsecutiveClosedFrames
}

// Validate checks that every set option is in range.
func (c Config) Validate() error {
	if c.RatioThreshold != nil {
		if math.IsNaN(*c.RatioThreshold) || math.IsInf(*c.RatioThreshold, 0) {
			return fmt.Errorf("ratio_threshold must be a finite number, got %v", *c.RatioThreshold)
		}
	}
	if c.AutoWindowSeconds != nil {
		if w := *c.AutoWindowSeconds; math.IsNaN(w) || w < 0 {
			return fmt.Errorf("auto_window_seconds must be >= 0, got %v", w)
		}
	}
	if c.AutoQuantile != nil {
		if q := *c.AutoQuantile; math.IsNaN(q) || q < 0 || q > 1 {
			return fmt.Errorf("auto_quantile must be between 0 and 1, got %v", q)
		}
	}
	if c.MinConsecutiveClosedFrames != nil && *c.MinConsecutiveClosedFrames < 0 {
		return fmt.Errorf("min_consecutive_closed_frames must be >= 0, got %d", *c.MinConsecutiveClosedFrames)
	}
	return nil
}

// String renders the effective configuration.
func (c Config) String() string {
	if !c.Auto() {
		return fmt.Sprintf("threshold=%.4f min-closed=%d", *c.RatioThreshold, c.GetMinConsecutiveClosedFrames())
	}
	return fmt.Sprintf("auto quantile=%.2f window=%.2fs min-closed=%d",
		c.GetAutoQuantile(), c.GetAutoWindowSeconds(), c.GetMinConsecutiveClosedFrames())
}

// ParseOptions builds a Config from loosely typed options. Unknown keys are returned
// as ErrUnusedConfigOption warnings. Known keys with the wrong type are errors.
func ParseOptions(opts map[string]any) (Config, []error, error) {
	var cfg Config
	var warnings []error

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := opts[k]
		switch k {
		case "ratio_threshold":
			f, err := toFloat(k, v)
			if err != nil {
				return Config{}, warnings, err
			}
			cfg.RatioThreshold = &f
		case "auto_window_seconds":
			f, err := toFloat(k, v)
			if err != nil {
				return Config{}, warnings, err
			}
			cfg.AutoWindowSeconds = &f
		case "auto_quantile":
			f, err := toFloat(k, v)
			if err != nil {
				return Config{}, warnings, err
			}
			cfg.AutoQuantile = &f
		case "min_consecutive_closed_frames":
			f, err := toFloat(k, v)
			if err != nil {
				return Config{}, warnings, err
			}
			if f != math.Trunc(f) {
				return Config{}, warnings, fmt.Errorf("%s must be an integer, got %v", k, v)
			}
			n := int(f)
			cfg.MinConsecutiveClosedFrames = &n
		default:
			warnings = append(warnings, fmt.Errorf("%w: %q", ErrUnusedConfigOption, k))
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, warnings, err
	}
	return cfg, warnings, nil
}

// Unused reports the auto options that are ignored because an explicit threshold is set.
func (c Config) Unused() []error {
	if c.Auto() {
		return nil
	}
	var warnings []error
	if c.AutoWindowSeconds != nil {
		warnings = append(warnings, fmt.Errorf("%w: %q ignored, ratio_threshold is set", ErrUnusedConfigOption, "auto_window_seconds"))
	}
	if c.AutoQuantile != nil {
		warnings = append(warnings, fmt.Errorf("%w: %q ignored, ratio_threshold is set", ErrUnusedConfigOption, "auto_quantile"))
	}
	return warnings
}

func toFloat(key string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("%s must be a number, got %T", key, v)
}

// LoadConfig loads blink options from a JSON object file.
// Unknown keys are returned as warnings.
func LoadConfig(path string) (Config, []error, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return Config{}, nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	cfg, warnings, err := ParseOptions(raw)
	if err != nil {
		return Config{}, warnings, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, warnings, nil
}

// Merge returns c with every field that is set in o overriding c's value.
// A ForceAuto override clears the threshold instead, switching back to automatic mode.
func (c Config) Merge(o Config) Config {
	if o.ForceAuto {
		c.RatioThreshold = nil
		c.ForceAuto = true
	} else if o.RatioThreshold != nil {
		c.RatioThreshold = o.RatioThreshold
	}
	if o.AutoWindowSeconds != nil {
		c.AutoWindowSeconds = o.AutoWindowSeconds
	}
	if o.AutoQuantile != nil {
		c.AutoQuantile = o.AutoQuantile
	}
	if o.MinConsecutiveClosedFrames != nil {
		c.MinConsecutiveClosedFrames = o.MinConsecutiveClosedFrames
	}
	return c
}
