// Package metrics exports execution metrics to Prometheus. It observes the
// event bus and never calls into the executor.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/events"
)

const namespace = "planexec"

// Error sources and categories.
const (
	SourceExecutor    = "executor"
	CategoryExecution = "execution"
)

// Metrics holds the collectors. Create it with New and attach it with
// Subscribe.
type Metrics struct {
	registry *prometheus.Registry

	Errors       *prometheus.CounterVec
	Requests     *prometheus.HistogramVec
	Plans        *prometheus.HistogramVec
	Stores       *prometheus.HistogramVec
	ServiceCalls *prometheus.HistogramVec
	GraphFetch   *prometheus.CounterVec
	InFlight     prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_total",
			Help:      "Execution errors by source and category.",
		}, []string{"source", "category"}),
		Requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP execution requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "format", "status"}),
		Plans: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_duration_seconds",
			Help:      "Plan executions by plan kind and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plan_kind", "outcome"}),
		Stores: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_execute_duration_seconds",
			Help:      "Store executor calls by store type and node kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"store", "kind", "outcome"}),
		ServiceCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_call_duration_seconds",
			Help:      "Service store RPCs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method", "code"}),
		GraphFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_fetch_objects_total",
			Help:      "Graph fetch root objects, split by root cache hits.",
		}, []string{"cache"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plans_in_flight",
			Help:      "Plans currently executing.",
		}),
	}
	m.registry.MustRegister(m.Errors, m.Requests, m.Plans, m.Stores, m.ServiceCalls, m.GraphFetch, m.InFlight)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Subscribe attaches the collectors to b and returns a function detaching
// them.
func (m *Metrics) Subscribe(b *eventbus.Bus) (unsubscribe func()) {
	offs := []func(){
		eventbus.On(b, func(_ context.Context, e events.HTTPFinish) {
			m.Requests.WithLabelValues(e.Route, e.Format, strconv.Itoa(e.Status)).Observe(e.Duration.Seconds())
		}),
		eventbus.On(b, func(_ context.Context, e events.PlanStart) {
			m.InFlight.Inc()
		}),
		eventbus.On(b, func(_ context.Context, e events.PlanFinish) {
			m.InFlight.Dec()
			m.Plans.WithLabelValues(e.PlanKind, outcome(e.Failed)).Observe(e.Duration.Seconds())
		}),
		eventbus.On(b, func(_ context.Context, e events.PlanRejected) {
			m.Errors.WithLabelValues(SourceExecutor, e.Stage).Inc()
		}),
		eventbus.On(b, func(_ context.Context, e events.ResultError) {
			m.Errors.WithLabelValues(e.EventType, CategoryExecution).Inc()
		}),
		eventbus.On(b, func(_ context.Context, e events.StoreExecute) {
			m.Stores.WithLabelValues(e.StoreType, e.Kind, outcome(e.Err != nil)).Observe(e.Duration.Seconds())
		}),
		eventbus.On(b, func(_ context.Context, e events.ServiceCallFinish) {
			m.ServiceCalls.WithLabelValues(e.Service, e.Method, e.Code.String()).Observe(e.Duration.Seconds())
		}),
		eventbus.On(b, func(_ context.Context, e events.GraphFetchBatch) {
			m.GraphFetch.WithLabelValues("hit").Add(float64(e.CacheHits))
			m.GraphFetch.WithLabelValues("miss").Add(float64(e.Parents - e.CacheHits))
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func outcome(failed bool) string {
	if failed {
		return "error"
	}
	return "ok"
}
