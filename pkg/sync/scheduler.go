// ABOUTME: Rate limits sync attempts with single-winner semantics
// ABOUTME: Steady interval, shortened while aggressive mode is active
package sync

import (
	"math"
	"sync/atomic"

	"go.uber.org/zap"
)

const never = math.MinInt64

// SyncScheduler decides when the next round trip may start. Any number of
// goroutines may race ShouldSyncNow; exactly one wins each window.
type SyncScheduler struct {
	clock              TickSource
	interval           Tick
	aggressiveInterval Tick
	aggressiveDuration Tick
	logger             *zap.Logger

	lastSync      atomic.Int64
	aggressiveEnd atomic.Int64
}

// NewSyncScheduler creates a scheduler whose first ShouldSyncNow wins.
func NewSyncScheduler(clock TickSource, cfg Config, opts ...Option) *SyncScheduler {
	cfg = cfg.sanitized()
	o := buildOptions(opts)
	s := &SyncScheduler{
		clock:              clock,
		interval:           TicksFromDuration(cfg.SyncInterval),
		aggressiveInterval: TicksFromDuration(cfg.AggressiveInterval),
		aggressiveDuration: TicksFromDuration(cfg.AggressiveDuration),
		logger:             o.logger,
	}
	s.lastSync.Store(never)
	s.aggressiveEnd.Store(never)
	return s
}

// ShouldSyncNow reports whether the caller should start a round trip now.
func (s *SyncScheduler) ShouldSyncNow() bool {
	now := s.clock.Now()
	interval := s.interval
	if s.inAggressiveModeAt(now) {
		interval = s.aggressiveInterval
	}

	last := s.lastSync.Load()
	if last != never && subTicks(now, Tick(last)) < interval {
		return false
	}
	return s.lastSync.CompareAndSwap(last, int64(now))
}

// EnableAggressiveMode shortens the interval for the configured duration
// from now. Calling it again extends the window.
func (s *SyncScheduler) EnableAggressiveMode(reason string) {
	end := addTicks(s.clock.Now(), s.aggressiveDuration)
	for {
		cur := s.aggressiveEnd.Load()
		if cur != never && Tick(cur) >= end {
			return
		}
		if s.aggressiveEnd.CompareAndSwap(cur, int64(end)) {
			break
		}
	}
	s.logger.Debug("aggressive sync enabled", zap.String("reason", reason), zap.Duration("for", s.aggressiveDuration.Duration()))
}

// InAggressiveMode reports whether the short interval is in effect.
func (s *SyncScheduler) InAggressiveMode() bool {
	return s.inAggressiveModeAt(s.clock.Now())
}

func (s *SyncScheduler) inAggressiveModeAt(now Tick) bool {
	end := s.aggressiveEnd.Load()
	return end != never && now < Tick(end)
}

// ResetOnConnection treats a fresh connection as a sync that just happened
// and enables aggressive mode so the next attempts come quickly.
func (s *SyncScheduler) ResetOnConnection() {
	s.lastSync.Store(int64(s.clock.Now()))
	s.EnableAggressiveMode("connection")
}

// LastSyncTicks returns the clock value of the last winning call.
func (s *SyncScheduler) LastSyncTicks() (Tick, bool) {
	v := s.lastSync.Load()
	return Tick(v), v != never
}

// ResetForTesting forgets the last sync and ends aggressive mode, so the
// next ShouldSyncNow wins.
func (s *SyncScheduler) ResetForTesting() {
	s.lastSync.Store(never)
	s.aggressiveEnd.Store(never)
}
