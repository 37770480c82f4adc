// Package obs holds the Prometheus metrics of the service.
package obs

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autocheckin/internal/eventbus"
	"autocheckin/internal/state"
)

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	checkinsTotal      prometheus.Counter
	sessionFailures    prometheus.Counter
	cyclesTotal        *prometheus.CounterVec
	cycleUsers         *prometheus.CounterVec
	cycleDuration      prometheus.Histogram
	codeSubmitAttempts prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"method", "route", "status"}),
		checkinsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autocheckin_checkins_accepted_total",
			Help: "Events checked in with an accepted code.",
		}),
		sessionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autocheckin_session_failures_total",
			Help: "Failed session refreshes.",
		}),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocheckin_cycles_total",
			Help: "Completed processing cycles by trigger.",
		}, []string{"trigger"}),
		cycleUsers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocheckin_cycle_users_total",
			Help: "Users handled by cycles, by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autocheckin_cycle_duration_seconds",
			Help:    "Wall time of a processing cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		codeSubmitAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autocheckin_codes_until_accepted",
			Help:    "Codes submitted for an event up to and including the accepted one.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.checkinsTotal, m.sessionFailures, m.cyclesTotal, m.cycleUsers,
		m.cycleDuration, m.codeSubmitAttempts,
	)
	return m
}

// Registry exposes the registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RegisterState adds gauges read from st on every scrape.
func (m *Metrics) RegisterState(st *state.Store) {
	gauge := func(name, help string, fn func(state.GlobalState) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return fn(st.Snapshot())
		})
	}
	m.reg.MustRegister(
		gauge("autocheckin_connected", "1 when the CheckOut API answered the last test.", func(g state.GlobalState) float64 {
			if g.Connected {
				return 1
			}
			return 0
		}),
		gauge("autocheckin_untried_codes", "Codes not yet submitted.", func(g state.GlobalState) float64 {
			return float64(g.AvailableUntriedCodesCount)
		}),
		gauge("autocheckin_tried_codes", "Codes already submitted.", func(g state.GlobalState) float64 {
			return float64(g.TriedCodesCount)
		}),
		gauge("autocheckin_next_cycle_timestamp_seconds", "Unix time of the next background cycle.", func(g state.GlobalState) float64 {
			if g.NextCycleRunTime.IsZero() {
				return 0
			}
			return float64(g.NextCycleRunTime.Unix())
		}),
	)
}

// Instrument records RPS, latency and in-flight requests. Routes are labelled
// by their chi pattern to keep e-mail addresses out of label values.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := strconv.Itoa(sw.code)
		m.httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Observe applies one bus event to the counters.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.CheckinAccepted:
		m.checkinsTotal.Inc()
		m.codeSubmitAttempts.Observe(float64(d.Attempts))
	case eventbus.SessionFailed:
		m.sessionFailures.Inc()
	case eventbus.CycleCompleted:
		m.cyclesTotal.WithLabelValues(d.Trigger).Inc()
		m.cycleUsers.WithLabelValues("processed").Add(float64(d.Processed))
		m.cycleUsers.WithLabelValues("failed").Add(float64(d.Failed))
		m.cycleDuration.Observe(d.Duration.Seconds())
	}
}

// Consume feeds bus events into the metrics until ctx ends.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
