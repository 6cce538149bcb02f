// ABOUTME: Prometheus metrics for the netclock server
// ABOUTME: Request outcomes, connected clients and the engine collector
package server

import (
	netsync "github.com/Resonate-Protocol/netclock-go/pkg/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Request results
const (
	resultAnswered    = "answered"
	resultRateLimited = "rate_limited"
	resultInvalid     = "invalid"
)

type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	clients  prometheus.Gauge
}

func newMetrics(engine *netsync.Engine) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netclock_server_time_requests_total",
			Help: "client/time requests by result",
		}, []string{"result"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netclock_server_clients",
			Help: "Connected clients",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.clients,
		netsync.NewAuthorityCollector(engine),
		collectors.NewGoCollector(),
	)
	for _, r := range []string{resultAnswered, resultRateLimited, resultInvalid} {
		m.requests.WithLabelValues(r)
	}
	return m
}
