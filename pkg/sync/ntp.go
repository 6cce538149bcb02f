// ABOUTME: NTP-backed wall reference for MonotonicClock
// ABOUTME: Queries in the background so reads never wait on the network
package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
	"go.uber.org/zap"
)

// ntpQuery is swapped out in tests.
var ntpQuery = func(server string) (time.Duration, error) {
	resp, err := ntp.Query(server)
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// NTPWall is a WallSource that applies the offset last measured against an
// NTP server to the local system clock.
type NTPWall struct {
	Server         string
	QueryInterval  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	logger *zap.Logger

	offset atomic.Int64 // nanoseconds

	mu        sync.RWMutex
	lastSync  time.Time
	lastError error
}

// NewNTPWall creates an NTP wall source. Call Run to start refreshing.
func NewNTPWall(server string, logger *zap.Logger) *NTPWall {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NTPWall{
		Server:         server,
		QueryInterval:  5 * time.Minute,
		BackoffInitial: 5 * time.Second,
		BackoffMax:     5 * time.Minute,
		logger:         logger,
	}
}

// Now returns the system clock corrected by the cached NTP offset. It never
// touches the network.
func (w *NTPWall) Now() (time.Time, error) {
	return time.Now().Round(0).Add(time.Duration(w.offset.Load())), nil
}

// Sync performs one blocking NTP query and caches the offset on success.
func (w *NTPWall) Sync() error {
	offset, err := ntpQuery(w.Server)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.lastError = fmt.Errorf("ntp query %s: %w", w.Server, err)
		return w.lastError
	}
	w.offset.Store(int64(offset))
	w.lastSync = time.Now()
	w.lastError = nil
	return nil
}

// Run refreshes the offset until ctx is cancelled, backing off on failure.
func (w *NTPWall) Run(ctx context.Context) {
	backoff := time.Duration(0)
	for {
		wait := w.QueryInterval
		if err := w.Sync(); err != nil {
			if backoff == 0 {
				backoff = w.BackoffInitial
			} else {
				backoff *= 2
			}
			if backoff > w.BackoffMax {
				backoff = w.BackoffMax
			}
			wait = backoff
			w.logger.Warn("ntp sync failed", zap.Error(err), zap.Duration("retry_in", wait))
		} else {
			backoff = 0
			w.logger.Debug("ntp sync", zap.Duration("offset", time.Duration(w.offset.Load())))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Health reports the current offset, when it was measured and the last error.
func (w *NTPWall) Health() (offset time.Duration, lastSync time.Time, lastError error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return time.Duration(w.offset.Load()), w.lastSync, w.lastError
}
