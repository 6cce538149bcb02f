// ABOUTME: Round-trip time estimator over a fixed ring of samples
// ABOUTME: Median of fresh samples, with a safe default before any exist
package sync

import (
	"math"
	"slices"
	"sync"
)

const (
	// RttRingCapacity is the number of samples kept.
	RttRingCapacity = 32

	// MaxRttSeconds rejects anything slower as a measurement error.
	MaxRttSeconds = 10.0

	// DefaultRttSeconds is returned while no fresh sample exists so one-way
	// delay math stays defined.
	DefaultRttSeconds float32 = 0.05
)

// RttStaleAfter is the age past which a sample no longer counts.
const RttStaleAfter = 10 * TicksPerSecond

// RttSample is one accepted round trip.
type RttSample struct {
	Timestamp    Tick
	ValueSeconds float32
}

type rttSlot struct {
	RttSample
	valid bool
}

// RttStats summarises the fresh samples.
type RttStats struct {
	Count  int
	Min    float32
	Median float32
	Max    float32
}

// RttEstimator keeps the last RttRingCapacity samples and reports their median.
type RttEstimator struct {
	clock TickSource

	mu     sync.Mutex
	ring   [RttRingCapacity]rttSlot
	next   int
	latest float32
}

// NewRttEstimator creates an estimator whose staleness is judged by clock.
func NewRttEstimator(clock TickSource) *RttEstimator {
	return &RttEstimator{clock: clock, latest: DefaultRttSeconds}
}

// RecordSample stores a sample taken at the given tick. Negative, NaN or
// implausibly large values are ignored.
func (e *RttEstimator) RecordSample(at Tick, rttSeconds float32) bool {
	if !validRtt(rttSeconds) {
		return false
	}
	e.mu.Lock()
	e.ring[e.next] = rttSlot{RttSample: RttSample{Timestamp: at, ValueSeconds: rttSeconds}, valid: true}
	e.next = (e.next + 1) % RttRingCapacity
	e.latest = rttSeconds
	e.mu.Unlock()
	return true
}

// Record stores a sample stamped with the estimator's clock.
func (e *RttEstimator) Record(rttSeconds float32) bool {
	return e.RecordSample(e.clock.Now(), rttSeconds)
}

// MedianRtt returns the median of fresh samples, or DefaultRttSeconds.
func (e *RttEstimator) MedianRtt() float32 {
	return e.MedianRttAt(e.clock.Now())
}

// MedianRttAt is MedianRtt judged against an explicit now.
func (e *RttEstimator) MedianRttAt(now Tick) float32 {
	values := e.fresh(now)
	if len(values) == 0 {
		return DefaultRttSeconds
	}
	return median(values)
}

// Latest returns the most recently accepted sample value.
func (e *RttEstimator) Latest() float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// ValidCount returns how many samples are still fresh.
func (e *RttEstimator) ValidCount() int {
	return len(e.fresh(e.clock.Now()))
}

// Stats returns count, min, median and max of the fresh samples.
func (e *RttEstimator) Stats() RttStats {
	values := e.fresh(e.clock.Now())
	if len(values) == 0 {
		return RttStats{Median: DefaultRttSeconds}
	}
	return RttStats{
		Count:  len(values),
		Min:    values[0],
		Median: median(values),
		Max:    values[len(values)-1],
	}
}

// ResetForTesting drops every sample.
func (e *RttEstimator) ResetForTesting() {
	e.mu.Lock()
	e.ring = [RttRingCapacity]rttSlot{}
	e.next = 0
	e.latest = DefaultRttSeconds
	e.mu.Unlock()
}

// fresh returns the sorted values of samples no older than RttStaleAfter.
func (e *RttEstimator) fresh(now Tick) []float32 {
	values := make([]float32, 0, RttRingCapacity)
	e.mu.Lock()
	for _, s := range e.ring {
		if !s.valid {
			continue
		}
		age := subTicks(now, s.Timestamp)
		if age < 0 || age > RttStaleAfter {
			continue
		}
		values = append(values, s.ValueSeconds)
	}
	e.mu.Unlock()
	slices.Sort(values)
	return values
}

// median expects sorted, non-empty input.
func median(sorted []float32) float32 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func validRtt(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && f >= 0 && f <= MaxRttSeconds
}
