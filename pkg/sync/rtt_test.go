// ABOUTME: Tests for the RTT estimator
// ABOUTME: Tests median, staleness and rejection of bad samples
package sync

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestMedianRttOfOrderedSamples(t *testing.T) {
	clock := NewManualClock(0)
	e := NewRttEstimator(clock)
	for ms := 10; ms <= 100; ms += 10 {
		require.True(t, e.Record(float32(ms)/1000))
	}
	m := e.MedianRtt()
	assert.GreaterOrEqual(t, m, float32(0.045))
	assert.LessOrEqual(t, m, float32(0.065))
	assert.InDelta(t, 0.055, m, 1e-6)
}

func TestMedianRttOddCount(t *testing.T) {
	e := NewRttEstimator(NewManualClock(0))
	e.Record(0.03)
	e.Record(0.01)
	e.Record(0.02)
	assert.InDelta(t, 0.02, e.MedianRtt(), 1e-6)
}

func TestMedianRttDefaultWhenEmpty(t *testing.T) {
	e := NewRttEstimator(NewManualClock(0))
	assert.InDelta(t, 0.05, e.MedianRtt(), 0.001)
	assert.Equal(t, 0, e.ValidCount())
	assert.Equal(t, RttStats{Median: DefaultRttSeconds}, e.Stats())
}

func TestMedianRttIgnoresStaleSamples(t *testing.T) {
	clock := NewManualClock(0)
	e := NewRttEstimator(clock)
	for i := 0; i < RttRingCapacity; i++ {
		e.Record(0.2)
	}
	assert.InDelta(t, 0.2, e.MedianRtt(), 1e-6)

	clock.AdvanceTicks(RttStaleAfter + 1)
	assert.Equal(t, DefaultRttSeconds, e.MedianRtt())
	assert.Equal(t, 0, e.ValidCount())

	// a sample stamped in the future of now does not count either
	e.RecordSample(clock.Now()+TicksPerSecond, 0.3)
	assert.Equal(t, DefaultRttSeconds, e.MedianRtt())
}

func TestRecordRejectsInvalid(t *testing.T) {
	e := NewRttEstimator(NewManualClock(0))
	for _, v := range []float32{-0.001, 10.5, float32(math.NaN()), float32(math.Inf(1))} {
		assert.False(t, e.Record(v), "accepted %v", v)
	}
	assert.Equal(t, 0, e.ValidCount())
	assert.True(t, e.Record(10))
	assert.True(t, e.Record(0))
	assert.Equal(t, 2, e.ValidCount())
}

func TestRingOverwritesOldest(t *testing.T) {
	clock := NewManualClock(0)
	e := NewRttEstimator(clock)
	for i := 0; i < RttRingCapacity; i++ {
		e.Record(5)
	}
	for i := 0; i < RttRingCapacity; i++ {
		e.Record(0.01)
	}
	st := e.Stats()
	assert.Equal(t, RttRingCapacity, st.Count)
	assert.InDelta(t, 0.01, st.Max, 1e-6)
	assert.InDelta(t, 0.01, e.Latest(), 1e-6)
}

func TestStats(t *testing.T) {
	e := NewRttEstimator(NewManualClock(0))
	e.Record(0.04)
	e.Record(0.01)
	e.Record(0.09)
	e.Record(0.02)
	st := e.Stats()
	assert.Equal(t, 4, st.Count)
	assert.InDelta(t, 0.01, st.Min, 1e-6)
	assert.InDelta(t, 0.03, st.Median, 1e-6)
	assert.InDelta(t, 0.09, st.Max, 1e-6)
}

func TestRttConcurrentWriters(t *testing.T) {
	clock := NewManualClock(0)
	e := NewRttEstimator(clock)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 1000; j++ {
				e.Record(0.025)
				clock.Advance(time.Microsecond)
				_ = e.MedianRtt()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, RttRingCapacity, e.ValidCount())
	assert.InDelta(t, 0.025, e.MedianRtt(), 1e-6)
}

func TestRttResetForTesting(t *testing.T) {
	e := NewRttEstimator(NewManualClock(0))
	e.Record(0.3)
	e.ResetForTesting()
	assert.Equal(t, 0, e.ValidCount())
	assert.Equal(t, DefaultRttSeconds, e.Latest())
}
