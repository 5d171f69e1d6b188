// Package promstats provides the Prometheus metrics plugin: a call counter
// labeled by router, handler and outcome, plus a duration histogram.
package promstats

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/genropy/smartroute"
)

// Code is the plugin's registry and pipeline identifier.
const Code = "promstats"

var (
	defaultOnce   sync.Once
	defaultPlugin *Plugin
)

func init() {
	// Routers share one instance so collectors register once against the
	// default registerer.
	_ = smartroute.RegisterPluginAs(Code, func() smartroute.Plugin { return Default() })
}

// Plugin records per-call metrics.
type Plugin struct {
	smartroute.Base
	calls     *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// Default returns the shared instance bound to the default registerer.
func Default() *Plugin {
	defaultOnce.Do(func() {
		defaultPlugin = NewWithRegisterer(prometheus.DefaultRegisterer)
	})
	return defaultPlugin
}

// NewWithRegisterer builds an instance with its own collectors, for tests
// or dedicated registries.
func NewWithRegisterer(reg prometheus.Registerer) *Plugin {
	factory := promauto.With(reg)
	return &Plugin{
		Base: smartroute.NewBase(Code, "call counters and latency histograms"),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smartroute_handler_calls_total",
			Help: "Handler calls by router, handler and outcome.",
		}, []string{"router", "handler", "status"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartroute_handler_duration_seconds",
			Help:    "Handler call duration by router and handler.",
			Buckets: prometheus.DefBuckets,
		}, []string{"router", "handler"}),
	}
}

// WrapHandler records one counter increment and one duration observation
// per call.
func (p *Plugin) WrapHandler(r *smartroute.Router, e *smartroute.Entry, next smartroute.HandlerFunc) smartroute.HandlerFunc {
	router, handler := r.Name(), e.Name
	return func(ctx context.Context, args ...any) (any, error) {
		start := time.Now()
		res, err := next(ctx, args...)
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.calls.WithLabelValues(router, handler, status).Inc()
		p.durations.WithLabelValues(router, handler).Observe(time.Since(start).Seconds())
		return res, err
	}
}
