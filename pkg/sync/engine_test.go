// ABOUTME: Tests for the per-node engine
// ABOUTME: Tests forced first sync, aggressive gaps and quality
package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() (*Engine, *ManualClock) {
	clock := NewManualClock(0)
	e := NewEngine(DefaultConfig(), clock)
	e.Keeper().Update()
	return e, clock
}

func TestEngineFirstResponseIsForced(t *testing.T) {
	e, clock := newTestEngine()
	req, ok := e.BeginSync()
	require.True(t, ok)
	_, ok = e.BeginSync()
	assert.False(t, ok)

	step(clock, 10*time.Millisecond, e.Keeper())
	// close enough that an unforced response would be within threshold
	res := e.HandleResponse(req.UID, TicksFromDuration(5*time.Millisecond))
	assert.Equal(t, OutcomeAdjusted, res.Outcome)
	assert.True(t, e.Synced())
	assert.False(t, e.Scheduler().InAggressiveMode())

	req = e.BeginSyncNow()
	step(clock, 10*time.Millisecond, e.Keeper())
	res = e.HandleResponse(req.UID, TicksFromDuration(16*time.Millisecond))
	assert.Equal(t, OutcomeWithinThreshold, res.Outcome)
}

func TestEngineLargeGapGoesAggressive(t *testing.T) {
	e, clock := newTestEngine()
	req, _ := e.BeginSync()
	step(clock, 20*time.Millisecond, e.Keeper())

	res := e.HandleResponse(req.UID, 10*TicksPerSecond)
	assert.Equal(t, OutcomeAdjusted, res.Outcome)
	assert.True(t, e.Scheduler().InAggressiveMode())
	assert.InDelta(t, 10-0.01, e.LastDiffTicks().Seconds(), 1e-6)

	clock.Advance(time.Second)
	_, ok := e.BeginSync()
	assert.True(t, ok)
}

func TestEngineUnknownResponse(t *testing.T) {
	e, _ := newTestEngine()
	res := e.HandleResponse(12345, TicksPerSecond)
	assert.Equal(t, OutcomeRejectedInvalid, res.Outcome)
	assert.Equal(t, int64(1), e.Processor().Count(OutcomeRejectedInvalid))
	assert.False(t, e.Synced())
}

func TestEngineQuality(t *testing.T) {
	e, clock := newTestEngine()
	assert.Equal(t, QualityLost, e.Quality())

	req := e.BeginSyncNow()
	step(clock, 20*time.Millisecond, e.Keeper())
	e.HandleResponse(req.UID, TicksPerSecond)
	assert.Equal(t, QualityGood, e.Quality())

	for i := 0; i < 3; i++ {
		req = e.BeginSyncNow()
		step(clock, 90*time.Millisecond, e.Keeper())
		e.HandleResponse(req.UID, Tick(2+i)*TicksPerSecond)
	}
	assert.Equal(t, QualityDegraded, e.Quality())

	clock.Advance(16 * time.Second)
	assert.Equal(t, QualityLost, e.Quality())
}

func TestEngineConnectedForcesNextResponse(t *testing.T) {
	e, clock := newTestEngine()
	req := e.BeginSyncNow()
	step(clock, 10*time.Millisecond, e.Keeper())
	e.HandleResponse(req.UID, 50*TicksPerSecond)
	pending := e.BeginSyncNow()

	e.Connected()
	assert.False(t, e.Synced())
	assert.Equal(t, 0, e.Requests().Len())
	assert.Equal(t, OutcomeRejectedInvalid, e.HandleResponse(pending.UID, TicksPerSecond).Outcome)

	// a restarted authority reports smaller ticks; it must still be accepted
	req = e.BeginSyncNow()
	step(clock, 10*time.Millisecond, e.Keeper())
	res := e.HandleResponse(req.UID, TicksPerSecond)
	assert.Equal(t, OutcomeAdjusted, res.Outcome)
}

func TestEngineStats(t *testing.T) {
	e, clock := newTestEngine()
	req := e.BeginSyncNow()
	e.BeginSyncNow()
	step(clock, 20*time.Millisecond, e.Keeper())
	e.HandleResponse(req.UID, 3*TicksPerSecond)

	st := e.Stats()
	assert.Equal(t, 1, st.Outstanding)
	assert.Equal(t, 1, st.Rtt.Count)
	assert.InDelta(t, 0.02, st.Rtt.Median, 1e-6)
	assert.True(t, st.Interpolating)
	assert.Equal(t, QualityGood, st.Quality)
	assert.Equal(t, int64(1), st.Results[OutcomeAdjusted])
	assert.Equal(t, int64(1), st.Adjustments)

	e.ResetForTesting()
	st = e.Stats()
	assert.Equal(t, 0, st.Outstanding)
	assert.Equal(t, 0, st.Rtt.Count)
	assert.Equal(t, QualityLost, st.Quality)
}
