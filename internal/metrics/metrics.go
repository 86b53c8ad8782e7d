// Package metrics publishes decoded samples to a Prometheus registry. The
// metric name is operator-supplied per characteristic; configured label
// pairs are attached verbatim and the FQCN is deliberately not a label.
package metrics

import (
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecd/internal/conf"
	"github.com/srg/blecd/internal/sample"
)

// Publisher lazily creates one collector per configured metric on first
// sample and caches the handle per FQCN afterwards. Updates never block.
type Publisher struct {
	registry *prometheus.Registry
	handles  *hashmap.Map[string, *handle]
	log      *logrus.Logger

	mu sync.Mutex // guards registration
}

// handle is the cached per-FQCN sink.
type handle struct {
	spec      *conf.MetricSpec
	gauge     prometheus.Gauge
	counter   prometheus.Counter
	histogram prometheus.Histogram

	mu      sync.Mutex
	prev    float64
	hasPrev bool
}

// NewPublisher creates a Publisher backed by registry.
func NewPublisher(registry *prometheus.Registry, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{
		registry: registry,
		handles:  hashmap.New[string, *handle](),
		log:      logger,
	}
}

// Registry exposes the backing registry for the scrape endpoint.
func (p *Publisher) Registry() *prometheus.Registry {
	return p.registry
}

// Publish upserts one sample into its configured metric. Non-numeric values
// are skipped with a warning: they cannot feed a numeric series.
func (p *Publisher) Publish(smp sample.Sample, spec *conf.MetricSpec) {
	if spec == nil {
		return
	}
	if !smp.Value.IsNumeric() {
		p.log.WithFields(logrus.Fields{
			"fqcn":   smp.FQCN.String(),
			"metric": spec.Name,
		}).Warn("Non-numeric value for metric, sample skipped")
		return
	}

	h, ok := p.handles.Get(smp.FQCN.Key())
	if !ok {
		var err error
		h, err = p.register(spec)
		if err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{
				"fqcn":   smp.FQCN.String(),
				"metric": spec.Name,
			}).Error("Failed to register metric")
			return
		}
		h, _ = p.handles.GetOrInsert(smp.FQCN.Key(), h)
	}

	value, _ := smp.Value.Float64()

	switch spec.Type {
	case conf.MetricGauge:
		h.gauge.Set(value)

	case conf.MetricCounter:
		h.mu.Lock()
		delta := value
		if h.hasPrev {
			delta = value - h.prev
			if delta < 0 {
				delta = 0
			}
		}
		h.prev = value
		h.hasPrev = true
		h.mu.Unlock()
		h.counter.Add(delta)

	case conf.MetricHistogram:
		h.histogram.Observe(value)
	}
}

// register creates (or adopts) the collector for a metric spec.
func (p *Publisher) register(spec *conf.MetricSpec) (*handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	help := spec.Description
	if help == "" {
		help = spec.Name
	}
	labels := prometheus.Labels(spec.Labels)

	h := &handle{spec: spec}

	switch spec.Type {
	case conf.MetricGauge:
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        spec.Name,
			Help:        help,
			ConstLabels: labels,
		})
		if err := p.registry.Register(g); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, err
			}
			g = are.ExistingCollector.(prometheus.Gauge)
		}
		h.gauge = g

	case conf.MetricCounter:
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Name:        spec.Name,
			Help:        help,
			ConstLabels: labels,
		})
		if err := p.registry.Register(c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, err
			}
			c = are.ExistingCollector.(prometheus.Counter)
		}
		h.counter = c

	case conf.MetricHistogram:
		hist := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        spec.Name,
			Help:        help,
			ConstLabels: labels,
		})
		if err := p.registry.Register(hist); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, err
			}
			hist = are.ExistingCollector.(prometheus.Histogram)
		}
		h.histogram = hist
	}

	return h, nil
}
