// ABOUTME: Tests for the prometheus collector
// ABOUTME: Tests that engine state is exported
package sync

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorExportsEngineState(t *testing.T) {
	e, clock := newTestEngine()
	req := e.BeginSyncNow()
	step(clock, 20*time.Millisecond, e.Keeper())
	e.HandleResponse(req.UID, 3*TicksPerSecond)
	e.HandleResponse(999, TicksPerSecond)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(e, "client")))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" {
					name += "/" + lp.GetValue()
				}
			}
			switch {
			case m.GetGauge() != nil:
				values[name] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[name] = m.GetCounter().GetValue()
			}
		}
	}

	assert.InDelta(t, 0.02, values["netclock_median_rtt_seconds"], 1e-6)
	assert.InDelta(t, 0.02, values["netclock_elapsed_seconds"], 1e-6)
	assert.Equal(t, 1.0, values["netclock_interpolating"])
	assert.Equal(t, float64(QualityGood), values["netclock_quality"])
	assert.InDelta(t, 2.99, values["netclock_last_diff_seconds"], 1e-6)
	assert.Equal(t, 1.0, values["netclock_sync_results_total/adjusted"])
	assert.Equal(t, 1.0, values["netclock_sync_results_total/rejected_invalid"])
	assert.Equal(t, 0.0, values["netclock_sync_results_total/rejected_stale"])
}

func TestAuthorityCollectorSkipsResponseMetrics(t *testing.T) {
	e, clock := newTestEngine()
	step(clock, 20*time.Millisecond, e.Keeper())

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewAuthorityCollector(e)))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
		for _, m := range mf.GetMetric() {
			require.Len(t, m.GetLabel(), 1)
			assert.Equal(t, "server", m.GetLabel()[0].GetValue())
		}
	}
	assert.True(t, names["netclock_elapsed_seconds"])
	assert.True(t, names["netclock_interpolating"])
	assert.False(t, names["netclock_quality"], "authority never accepts responses, quality would read lost")
	assert.False(t, names["netclock_median_rtt_seconds"])
	assert.False(t, names["netclock_sync_results_total"])
}
