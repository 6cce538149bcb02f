// ABOUTME: Prometheus collector over an Engine's state
// ABOUTME: Values are read at scrape time, nothing is cached
package sync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports an Engine's state to Prometheus.
type Collector struct {
	engine *Engine
	// authority engines never process responses, so only time is exported
	authority bool

	elapsed       *prometheus.Desc
	medianRtt     *prometheus.Desc
	lastDiff      *prometheus.Desc
	interpolating *prometheus.Desc
	quality       *prometheus.Desc
	results       *prometheus.Desc
}

// NewCollector creates a collector for engine. role labels every metric,
// e.g. "client" or "server".
func NewCollector(engine *Engine, role string) *Collector {
	labels := prometheus.Labels{"role": role}
	return &Collector{
		engine: engine,
		elapsed: prometheus.NewDesc(
			"netclock_elapsed_seconds",
			"Corrected network time of this node",
			nil, labels,
		),
		medianRtt: prometheus.NewDesc(
			"netclock_median_rtt_seconds",
			"Median of fresh round-trip samples",
			nil, labels,
		),
		lastDiff: prometheus.NewDesc(
			"netclock_last_diff_seconds",
			"Authority minus local time at the last accepted response",
			nil, labels,
		),
		interpolating: prometheus.NewDesc(
			"netclock_interpolating",
			"1 while a retarget is being applied",
			nil, labels,
		),
		quality: prometheus.NewDesc(
			"netclock_quality",
			"0 good, 1 degraded, 2 lost",
			nil, labels,
		),
		results: prometheus.NewDesc(
			"netclock_sync_results_total",
			"Processed time responses by outcome",
			[]string{"outcome"}, labels,
		),
	}
}

// NewAuthorityCollector creates a collector for the engine of the node that
// answers time requests. It exports elapsed time and the interpolating flag,
// labelled role="server".
func NewAuthorityCollector(engine *Engine) *Collector {
	c := NewCollector(engine, "server")
	c.authority = true
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.elapsed
	ch <- c.interpolating
	if c.authority {
		return
	}
	ch <- c.medianRtt
	ch <- c.lastDiff
	ch <- c.quality
	ch <- c.results
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	e := c.engine
	ch <- prometheus.MustNewConstMetric(c.elapsed, prometheus.GaugeValue, e.keeper.ElapsedSeconds())
	var interpolating float64
	if e.keeper.IsInterpolating() {
		interpolating = 1
	}
	ch <- prometheus.MustNewConstMetric(c.interpolating, prometheus.GaugeValue, interpolating)
	if c.authority {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.medianRtt, prometheus.GaugeValue, float64(e.rtt.MedianRtt()))
	ch <- prometheus.MustNewConstMetric(c.lastDiff, prometheus.GaugeValue, e.LastDiffTicks().Seconds())
	ch <- prometheus.MustNewConstMetric(c.quality, prometheus.GaugeValue, float64(e.Quality()))
	for o := Outcome(0); o < numOutcomes; o++ {
		ch <- prometheus.MustNewConstMetric(c.results, prometheus.CounterValue, float64(e.processor.Count(o)), o.String())
	}
}
