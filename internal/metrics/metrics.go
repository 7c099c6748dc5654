// Package metrics exposes Prometheus counters for the proctor agent.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Collector holds the agent's metrics. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	phaseTransitions *prometheus.CounterVec
	violations       *prometheus.CounterVec
	submissions      *prometheus.CounterVec
	driftCorrections prometheus.Counter
	answerSaves      *prometheus.CounterVec
	requestCounter   *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

// New creates a Collector registered on its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		phaseTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_phase_transitions_total",
				Help: "Session phase transitions by target phase",
			},
			[]string{"phase"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_violations_total",
				Help: "Violation reports by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_submissions_total",
				Help: "Final submission attempts by reason and result",
			},
			[]string{"reason", "result"},
		),
		driftCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proctor_drift_corrections_total",
			Help: "Countdown corrections applied from server time",
		}),
		answerSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_answer_saves_total",
				Help: "Answer saves by result",
			},
			[]string{"result"},
		),
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_http_requests_total",
				Help: "Total number of local API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proctor_http_request_duration_seconds",
				Help:    "Duration of local API requests",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "endpoint"},
		),
	}
	c.registry.MustRegister(
		c.phaseTransitions,
		c.violations,
		c.submissions,
		c.driftCorrections,
		c.answerSaves,
		c.requestCounter,
		c.requestDuration,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry returns the registry backing c.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ObservePhase(p model.Phase) {
	if c == nil {
		return
	}
	c.phaseTransitions.WithLabelValues(string(p)).Inc()
}

func (c *Collector) ObserveViolation(source model.SignalSource, counted bool) {
	if c == nil {
		return
	}
	outcome := "debounced"
	if counted {
		outcome = "counted"
	}
	c.violations.WithLabelValues(string(source), outcome).Inc()
}

func (c *Collector) ObserveSubmit(reason model.FinalizeReason, err error) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(string(reason), result(err)).Inc()
}

func (c *Collector) ObserveDriftCorrection() {
	if c == nil {
		return
	}
	c.driftCorrections.Inc()
}

func (c *Collector) ObserveSave(err error) {
	if c == nil {
		return
	}
	c.answerSaves.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Middleware counts local API requests.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		if c == nil {
			return
		}

		c.requestCounter.WithLabelValues(
			ctx.Request.Method,
			ctx.FullPath(),
			strconv.Itoa(ctx.Writer.Status()),
		).Inc()
		c.requestDuration.WithLabelValues(
			ctx.Request.Method,
			ctx.FullPath(),
		).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return func(ctx *gin.Context) {
		h.ServeHTTP(ctx.Writer, ctx.Request)
	}
}
