// Package config loads the JSON tuning file that holds the acquisition
// engine's timing constants — spec.md leaves these as prose ("≈10 ms
// settle", "3 failures", "1.5·sem_time + 5 s") so operators can retune
// them per instrument without a rebuild. Modeled on the teacher's
// internal/config/tuning.go: optional pointer fields with JSON
// omitempty, a Get* accessor per field that falls back to the documented
// default when the field is absent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/acquisition.defaults.json"

// TuningConfig holds the acquisition engine's overridable timing and
// retry constants. Fields omitted from the JSON file retain their
// documented defaults, so partial configs are safe.
type TuningConfig struct {
	SettleTime           *string `json:"settle_time,omitempty"`            // beam-settle sleep before trigger, default 10ms
	CameraPollInterval   *string `json:"camera_poll_interval,omitempty"`   // poll granularity once past the fast wait, default 5ms
	CameraAbsoluteDeadlineMultiplier *float64 `json:"camera_absolute_deadline_multiplier,omitempty"` // multiplies t_pix for the absolute deadline, default 3
	CameraAbsoluteDeadlineSlack *string `json:"camera_absolute_deadline_slack,omitempty"` // added to the multiplied t_pix, default 5s
	MaxSyncFailures      *int    `json:"max_sync_failures,omitempty"`      // per-pixel retry budget, default 3
	RetrySleep           *string `json:"retry_sleep,omitempty"`            // sleep between retries, default 1s
	PrimaryTimeoutMultiplier *float64 `json:"primary_timeout_multiplier,omitempty"` // multiplies sem_time for primary-detector wait, default 1.5
	PrimaryTimeoutSlack  *string `json:"primary_timeout_slack,omitempty"`  // added to the multiplied sem_time, default 5s
	TooFastFraction      *float64 `json:"too_fast_fraction,omitempty"`     // elapsed < fraction*t_pix counts as a failure, default 0.95
	BlockTimeoutSlack    *string `json:"block_timeout_slack,omitempty"`    // added to 10*frame_time for BeamSync blocks, default 5s
	StreamFrameTimeoutMultiplier *float64 `json:"stream_frame_timeout_multiplier,omitempty"` // multiplies frame_time for stream waits, default 3
	StreamFrameTimeoutSlack *string `json:"stream_frame_timeout_slack,omitempty"` // added to the multiplied frame_time, default 1s
	FuzzingRasterPasses  *float64 `json:"fuzzing_raster_passes,omitempty"` // target full raster passes during one exposure, default 2
	CancelTeardownTimeout *string `json:"cancel_teardown_timeout,omitempty"` // max wait for the worker to exit after cancel, default 5s; no controller reads it
}

// Empty returns a TuningConfig with all fields nil.
func Empty() *TuningConfig { return &TuningConfig{} }

// Load loads a TuningConfig from a JSON file. The file must have a .json
// extension and be under 1MB; fields it omits keep their defaults.
func Load(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that any set duration-string fields parse and that
// numeric fields are in sane ranges.
func (c *TuningConfig) Validate() error {
	for name, v := range map[string]*string{
		"settle_time":                    c.SettleTime,
		"camera_poll_interval":           c.CameraPollInterval,
		"camera_absolute_deadline_slack": c.CameraAbsoluteDeadlineSlack,
		"retry_sleep":                    c.RetrySleep,
		"primary_timeout_slack":          c.PrimaryTimeoutSlack,
		"block_timeout_slack":            c.BlockTimeoutSlack,
		"stream_frame_timeout_slack":     c.StreamFrameTimeoutSlack,
		"cancel_teardown_timeout":        c.CancelTeardownTimeout,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, *v, err)
			}
		}
	}
	if c.MaxSyncFailures != nil && *c.MaxSyncFailures < 1 {
		return fmt.Errorf("max_sync_failures must be >= 1, got %d", *c.MaxSyncFailures)
	}
	if c.TooFastFraction != nil && (*c.TooFastFraction <= 0 || *c.TooFastFraction > 1) {
		return fmt.Errorf("too_fast_fraction must be in (0,1], got %f", *c.TooFastFraction)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func (c *TuningConfig) GetSettleTime() time.Duration { return durationOr(c.SettleTime, 10*time.Millisecond) }
func (c *TuningConfig) GetCameraPollInterval() time.Duration {
	return durationOr(c.CameraPollInterval, 5*time.Millisecond)
}
func (c *TuningConfig) GetCameraAbsoluteDeadlineMultiplier() float64 {
	return floatOr(c.CameraAbsoluteDeadlineMultiplier, 3)
}
func (c *TuningConfig) GetCameraAbsoluteDeadlineSlack() time.Duration {
	return durationOr(c.CameraAbsoluteDeadlineSlack, 5*time.Second)
}
func (c *TuningConfig) GetMaxSyncFailures() int { return intOr(c.MaxSyncFailures, 3) }
func (c *TuningConfig) GetRetrySleep() time.Duration {
	return durationOr(c.RetrySleep, time.Second)
}
func (c *TuningConfig) GetPrimaryTimeoutMultiplier() float64 {
	return floatOr(c.PrimaryTimeoutMultiplier, 1.5)
}
func (c *TuningConfig) GetPrimaryTimeoutSlack() time.Duration {
	return durationOr(c.PrimaryTimeoutSlack, 5*time.Second)
}
func (c *TuningConfig) GetTooFastFraction() float64 { return floatOr(c.TooFastFraction, 0.95) }
func (c *TuningConfig) GetBlockTimeoutSlack() time.Duration {
	return durationOr(c.BlockTimeoutSlack, 5*time.Second)
}
func (c *TuningConfig) GetStreamFrameTimeoutMultiplier() float64 {
	return floatOr(c.StreamFrameTimeoutMultiplier, 3)
}
func (c *TuningConfig) GetStreamFrameTimeoutSlack() time.Duration {
	return durationOr(c.StreamFrameTimeoutSlack, time.Second)
}
func (c *TuningConfig) GetFuzzingRasterPasses() float64 { return floatOr(c.FuzzingRasterPasses, 2) }
func (c *TuningConfig) GetCancelTeardownTimeout() time.Duration {
	return durationOr(c.CancelTeardownTimeout, 5*time.Second)
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath, searching from the current directory up to common
// repository-root-relative depths. Intended for test setup; panics if the
// file cannot be found.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}
