// ABOUTME: Tunable constants for time keeping and synchronization
// ABOUTME: Defaults mirror the values the sync loop was tuned against
package sync

import (
	"fmt"
	"math"
	"time"
)

// Config holds every tunable of the synchronization engine. Durations are
// converted to ticks at the point of use.
type Config struct {
	// TimeKeeper
	MaxDelta            time.Duration `yaml:"max_delta"`
	FixedStep           time.Duration `yaml:"fixed_step"`
	MaxFixedDelta       time.Duration `yaml:"max_fixed_delta"`
	InterpolationWindow time.Duration `yaml:"interpolation_window"`
	MaxInterpolatedGap  time.Duration `yaml:"max_interpolated_gap"`
	MinBackwardRate     float64       `yaml:"min_backward_rate"`

	// Processor
	MinCorrection      time.Duration `yaml:"min_correction"`
	MaxAuthorityTicks  Tick          `yaml:"max_authority_ticks"`
	GapClosedThreshold time.Duration `yaml:"gap_closed_threshold"`

	// Scheduler
	SyncInterval       time.Duration `yaml:"sync_interval"`
	AggressiveInterval time.Duration `yaml:"aggressive_interval"`
	AggressiveDuration time.Duration `yaml:"aggressive_duration"`

	// Engine
	RequestHistory int           `yaml:"request_history"`
	LostAfter      time.Duration `yaml:"lost_after"`
	DegradedRtt    time.Duration `yaml:"degraded_rtt"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MaxDelta:            100 * time.Millisecond,
		FixedStep:           20 * time.Millisecond,
		MaxFixedDelta:       50 * time.Millisecond,
		InterpolationWindow: time.Second,
		MaxInterpolatedGap:  30 * time.Second,
		MinBackwardRate:     0.1,

		MinCorrection:      5 * time.Millisecond,
		MaxAuthorityTicks:  MaxTick,
		GapClosedThreshold: 100 * time.Millisecond,

		SyncInterval:       5 * time.Second,
		AggressiveInterval: time.Second,
		AggressiveDuration: 10 * time.Second,

		RequestHistory: 10,
		LostAfter:      15 * time.Second,
		DegradedRtt:    50 * time.Millisecond,
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.MaxDelta <= 0:
		return fmt.Errorf("max_delta must be positive, got %v", c.MaxDelta)
	case c.FixedStep <= 0:
		return fmt.Errorf("fixed_step must be positive, got %v", c.FixedStep)
	case c.MaxFixedDelta < c.FixedStep:
		return fmt.Errorf("max_fixed_delta (%v) must be at least fixed_step (%v)", c.MaxFixedDelta, c.FixedStep)
	case c.InterpolationWindow <= 0:
		return fmt.Errorf("interpolation_window must be positive, got %v", c.InterpolationWindow)
	case c.MaxInterpolatedGap <= 0:
		return fmt.Errorf("max_interpolated_gap must be positive, got %v", c.MaxInterpolatedGap)
	case !(c.MinBackwardRate > 0 && c.MinBackwardRate < 1):
		return fmt.Errorf("min_backward_rate must be in (0, 1), got %v", c.MinBackwardRate)
	case c.MinCorrection < 0:
		return fmt.Errorf("min_correction must not be negative, got %v", c.MinCorrection)
	case c.MaxAuthorityTicks <= 0:
		return fmt.Errorf("max_authority_ticks must be positive, got %d", c.MaxAuthorityTicks)
	case c.SyncInterval <= 0 || c.AggressiveInterval <= 0:
		return fmt.Errorf("sync intervals must be positive, got %v / %v", c.SyncInterval, c.AggressiveInterval)
	case c.AggressiveInterval > c.SyncInterval:
		return fmt.Errorf("aggressive_interval (%v) must not exceed sync_interval (%v)", c.AggressiveInterval, c.SyncInterval)
	case c.RequestHistory <= 0:
		return fmt.Errorf("request_history must be positive, got %d", c.RequestHistory)
	}
	return nil
}

// WithDefaults fills zero fields from DefaultConfig so a partially populated
// Config (e.g. from YAML) still behaves. MinCorrection is left alone since
// zero is a meaningful setting.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxDelta == 0 {
		c.MaxDelta = d.MaxDelta
	}
	if c.FixedStep == 0 {
		c.FixedStep = d.FixedStep
	}
	if c.MaxFixedDelta == 0 {
		c.MaxFixedDelta = d.MaxFixedDelta
	}
	if c.InterpolationWindow == 0 {
		c.InterpolationWindow = d.InterpolationWindow
	}
	if c.MaxInterpolatedGap == 0 {
		c.MaxInterpolatedGap = d.MaxInterpolatedGap
	}
	if c.MinBackwardRate == 0 {
		c.MinBackwardRate = d.MinBackwardRate
	}
	if c.MaxAuthorityTicks == 0 {
		c.MaxAuthorityTicks = d.MaxAuthorityTicks
	}
	if c.GapClosedThreshold == 0 {
		c.GapClosedThreshold = d.GapClosedThreshold
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.AggressiveInterval == 0 {
		c.AggressiveInterval = d.AggressiveInterval
	}
	if c.AggressiveDuration == 0 {
		c.AggressiveDuration = d.AggressiveDuration
	}
	if c.RequestHistory == 0 {
		c.RequestHistory = d.RequestHistory
	}
	if c.LostAfter == 0 {
		c.LostAfter = d.LostAfter
	}
	if c.DegradedRtt == 0 {
		c.DegradedRtt = d.DegradedRtt
	}
	return c
}

// sanitized is WithDefaults plus replacement of every setting Validate would
// reject, so constructors always get a workable Config. Callers that want
// bad settings reported call Validate themselves.
func (c Config) sanitized() Config {
	c = c.WithDefaults()
	d := DefaultConfig()
	if c.MaxDelta < 0 {
		c.MaxDelta = d.MaxDelta
	}
	if c.FixedStep < 0 {
		c.FixedStep = d.FixedStep
	}
	if c.MaxFixedDelta < c.FixedStep {
		c.MaxFixedDelta = c.FixedStep
	}
	if c.InterpolationWindow < 0 {
		c.InterpolationWindow = d.InterpolationWindow
	}
	if c.MaxInterpolatedGap < 0 {
		c.MaxInterpolatedGap = d.MaxInterpolatedGap
	}
	if c.MinBackwardRate <= 0 || c.MinBackwardRate >= 1 || math.IsNaN(c.MinBackwardRate) {
		c.MinBackwardRate = d.MinBackwardRate
	}
	if c.MinCorrection < 0 {
		c.MinCorrection = 0
	}
	if c.MaxAuthorityTicks < 0 {
		c.MaxAuthorityTicks = d.MaxAuthorityTicks
	}
	if c.SyncInterval < 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.AggressiveInterval < 0 {
		c.AggressiveInterval = d.AggressiveInterval
	}
	if c.AggressiveInterval > c.SyncInterval {
		c.AggressiveInterval = c.SyncInterval
	}
	if c.RequestHistory < 0 {
		c.RequestHistory = d.RequestHistory
	}
	return c
}
