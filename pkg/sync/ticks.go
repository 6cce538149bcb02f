// ABOUTME: Tick type and conversions shared by every node
// ABOUTME: All time arithmetic is integer ticks with saturating helpers
package sync

import (
	"math"
	"time"
)

// Tick is a count of 100ns units.
type Tick int64

const (
	// TicksPerSecond is shared by all nodes and must never change on the wire.
	TicksPerSecond Tick = 10_000_000

	ticksPerNanosecond = 100

	// MaxTick bounds every stored tick value. Half of int64 leaves headroom
	// for sums of two in-range values.
	MaxTick Tick = math.MaxInt64 / 2
	MinTick Tick = -MaxTick
)

// TicksFromSeconds converts seconds to ticks, saturating at MinTick/MaxTick.
// NaN converts to zero.
func TicksFromSeconds(seconds float64) Tick {
	if math.IsNaN(seconds) {
		return 0
	}
	v := seconds * float64(TicksPerSecond)
	if v >= float64(MaxTick) {
		return MaxTick
	}
	if v <= float64(MinTick) {
		return MinTick
	}
	return Tick(math.Round(v))
}

// TicksFromDuration converts a time.Duration to ticks (truncating).
func TicksFromDuration(d time.Duration) Tick {
	return Tick(d / ticksPerNanosecond)
}

// Seconds returns t in seconds.
func (t Tick) Seconds() float64 {
	return float64(t) / float64(TicksPerSecond)
}

// Duration returns t as a time.Duration, saturating instead of overflowing.
func (t Tick) Duration() time.Duration {
	if t > Tick(math.MaxInt64/ticksPerNanosecond) {
		return time.Duration(math.MaxInt64)
	}
	if t < Tick(math.MinInt64/ticksPerNanosecond) {
		return time.Duration(math.MinInt64)
	}
	return time.Duration(t) * ticksPerNanosecond
}

// clampTick pins t into [MinTick, MaxTick].
func clampTick(t Tick) Tick {
	if t > MaxTick {
		return MaxTick
	}
	if t < MinTick {
		return MinTick
	}
	return t
}

// addTicks is a+b saturated to [MinTick, MaxTick] for any int64 inputs.
func addTicks(a, b Tick) Tick {
	return clampTick(Tick(satAdd(int64(a), int64(b))))
}

// subTicks is a-b saturated to [MinTick, MaxTick] for any int64 inputs.
func subTicks(a, b Tick) Tick {
	if b == math.MinInt64 {
		return addTicks(addTicks(a, MaxTick), MaxTick)
	}
	return addTicks(a, -b)
}

func satAdd(a, b int64) int64 {
	s := a + b
	if a > 0 && b > 0 && s < 0 {
		return math.MaxInt64
	}
	if a < 0 && b < 0 && s >= 0 {
		return math.MinInt64
	}
	return s
}

func absTicks(t Tick) Tick {
	if t < 0 {
		return -t
	}
	return t
}
