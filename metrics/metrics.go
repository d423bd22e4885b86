// Package metrics exports runtime events as Prometheus metrics.
package metrics

import (
	stderrors "errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	zen "github.com/wippyai/zen-runtime"
	"github.com/wippyai/zen-runtime/errors"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "zen"

// Latency buckets in seconds, from sub-millisecond expressions to slow loaders.
var defaultBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Observer implements zen.Observer on top of Prometheus collectors.
type Observer struct {
	engines     prometheus.Gauge
	evaluations *prometheus.CounterVec
	evalLatency *prometheus.HistogramVec
	loads       *prometheus.CounterVec
	loadLatency prometheus.Histogram
	nodes       *prometheus.CounterVec
	nodeLatency *prometheus.HistogramVec
}

var _ zen.Observer = (*Observer)(nil)

// New registers the collectors with reg. An empty namespace selects
// DefaultNamespace.
func New(reg prometheus.Registerer, namespace string) (*Observer, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	o := &Observer{
		engines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engines_live",
			Help:      "Engines created and not yet disposed.",
		}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Finished evaluations by operation and result code.",
		}, []string{"op", "code"}),
		evalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Evaluation latency by operation.",
			Buckets:   defaultBuckets,
		}, []string{"op"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loader_calls_total",
			Help:      "Loader callbacks by outcome.",
		}, []string{"result"}),
		loadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loader_duration_seconds",
			Help:      "Loader callback latency.",
			Buckets:   defaultBuckets,
		}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "custom_node_calls_total",
			Help:      "Custom node callbacks by kind and outcome.",
		}, []string{"kind", "result"}),
		nodeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "custom_node_duration_seconds",
			Help:      "Custom node callback latency by kind.",
			Buckets:   defaultBuckets,
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		o.engines, o.evaluations, o.evalLatency, o.loads, o.loadLatency, o.nodes, o.nodeLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// MustNew is New that panics on registration failure.
func MustNew(reg prometheus.Registerer, namespace string) *Observer {
	o, err := New(reg, namespace)
	if err != nil {
		panic(err)
	}
	return o
}

func (o *Observer) EngineCreated(string)  { o.engines.Inc() }
func (o *Observer) EngineDisposed(string) { o.engines.Dec() }

func (o *Observer) Evaluated(op string, d time.Duration, err error) {
	o.evaluations.WithLabelValues(op, errors.CodeOf(err).String()).Inc()
	o.evalLatency.WithLabelValues(op).Observe(d.Seconds())
}

// LoaderCalled does not label by key; keys are unbounded.
func (o *Observer) LoaderCalled(_ string, d time.Duration, err error) {
	result := "ok"
	switch {
	case stderrors.Is(err, zen.ErrDecisionNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	o.loads.WithLabelValues(result).Inc()
	o.loadLatency.Observe(d.Seconds())
}

func (o *Observer) CustomNodeCalled(kind string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.nodes.WithLabelValues(kind, result).Inc()
	o.nodeLatency.WithLabelValues(kind).Observe(d.Seconds())
}
