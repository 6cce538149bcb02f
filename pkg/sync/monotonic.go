// ABOUTME: Monotonic high-resolution tick source
// ABOUTME: Never returns a smaller value than any caller already saw; wall view is eased on resync
package sync

import (
	"sync"
	"sync/atomic"
	"time"
)

// TickSource is anything that can report a monotonic tick count.
type TickSource interface {
	Now() Tick
}

// WallSource supplies the wall-clock reference a MonotonicClock reconciles against.
type WallSource interface {
	Now() (time.Time, error)
}

// SystemWall reads the operating system clock.
type SystemWall struct{}

// Now returns time.Now with its monotonic reading stripped.
func (SystemWall) Now() (time.Time, error) {
	return time.Now().Round(0), nil
}

// DefaultResyncInterval is how often the wall view is re-anchored.
const DefaultResyncInterval = 10 * time.Second

// wallAnchor is replaced wholesale on resync so readers never see half of one.
type wallAnchor struct {
	wall     time.Time // wall reading at resync
	mono     Tick      // clock ticks at resync
	easeDiff Tick      // new anchor minus old projection, eased out over the interval
}

// project returns the wall view at now, with the remaining part of easeDiff
// still held back.
func (a *wallAnchor) project(now, every Tick) time.Time {
	since := max(now-a.mono, 0)
	add := since
	if a.easeDiff != 0 && since < every {
		remaining := 1 - float64(since)/float64(every)
		add -= Tick(float64(a.easeDiff) * remaining)
	}
	return a.wall.Add(add.Duration())
}

// MonotonicClock is a process-wide, lock-free tick source built on the
// runtime's monotonic clock. Now never returns a value smaller than one any
// goroutine has already received.
type MonotonicClock struct {
	start  time.Time
	last   atomic.Int64
	source WallSource

	resyncEvery Tick
	anchor      atomic.Pointer[wallAnchor]
	lastWall    atomic.Int64 // unix nanos, high water of WallNow
	resyncMu    sync.Mutex
	resyncs     atomic.Int64
}

// NewMonotonicClock creates a clock. A nil source uses SystemWall.
func NewMonotonicClock(source WallSource) *MonotonicClock {
	if source == nil {
		source = SystemWall{}
	}
	c := &MonotonicClock{
		start:       time.Now(),
		source:      source,
		resyncEvery: TicksFromDuration(DefaultResyncInterval),
	}
	c.anchor.Store(&wallAnchor{wall: c.readWall(), mono: 0})
	return c
}

// Now returns ticks elapsed since the clock was created.
func (c *MonotonicClock) Now() Tick {
	observed := TicksFromDuration(time.Since(c.start))
	for {
		prev := c.last.Load()
		if int64(observed) <= prev {
			return Tick(prev)
		}
		if c.last.CompareAndSwap(prev, int64(observed)) {
			return observed
		}
	}
}

// WallNow returns a high-resolution wall-clock reading. Resyncs against the
// wall source only move the reported offset; the returned value never decreases.
func (c *MonotonicClock) WallNow() time.Time {
	now := c.Now()
	a := c.anchor.Load()
	if now-a.mono > c.resyncEvery {
		c.resync(now)
		a = c.anchor.Load()
	}

	wall := a.project(now, c.resyncEvery).UnixNano()

	for {
		prev := c.lastWall.Load()
		if wall <= prev {
			return time.Unix(0, prev)
		}
		if c.lastWall.CompareAndSwap(prev, wall) {
			return time.Unix(0, wall)
		}
	}
}

// Resync forces the wall view to re-anchor now.
func (c *MonotonicClock) Resync() {
	c.resync(c.Now())
}

// Resyncs reports how many times the wall anchor has been replaced.
func (c *MonotonicClock) Resyncs() int64 {
	return c.resyncs.Load()
}

func (c *MonotonicClock) resync(now Tick) {
	// Another goroutine is already re-anchoring; keep using the old anchor.
	if !c.resyncMu.TryLock() {
		return
	}
	defer c.resyncMu.Unlock()

	old := c.anchor.Load()
	if old.mono >= now {
		return
	}
	projected := old.project(now, c.resyncEvery)
	wall := c.readWall()
	c.anchor.Store(&wallAnchor{
		wall:     wall,
		mono:     now,
		easeDiff: TicksFromDuration(wall.Sub(projected)),
	})
	c.resyncs.Add(1)
}

func (c *MonotonicClock) readWall() time.Time {
	t, err := c.source.Now()
	if err != nil || t.IsZero() {
		return time.Now().Round(0)
	}
	return t
}

// ManualClock is a TickSource that only moves when told to. Useful for
// deterministic tests and simulations.
type ManualClock struct {
	now atomic.Int64
}

// NewManualClock starts a manual clock at the given tick.
func NewManualClock(start Tick) *ManualClock {
	c := &ManualClock{}
	c.now.Store(int64(start))
	return c
}

// Now returns the current manual tick.
func (c *ManualClock) Now() Tick {
	return Tick(c.now.Load())
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *ManualClock) Advance(d time.Duration) Tick {
	if d < 0 {
		return c.Now()
	}
	return Tick(c.now.Add(int64(TicksFromDuration(d))))
}

// AdvanceTicks moves the clock forward by n ticks. Negative values are ignored.
func (c *ManualClock) AdvanceTicks(n Tick) Tick {
	if n < 0 {
		return c.Now()
	}
	return Tick(c.now.Add(int64(n)))
}
