package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusProvider backs MetricProvider with real counters, gauges,
// and histograms, registered lazily by name on first use since callers
// pass ad-hoc metric names rather than pre-declared ones.
type PrometheusProvider struct {
	registry *prometheus.Registry

	mu          sync.Mutex
	counters    map[string]*prometheus.CounterVec
	gauges      map[string]*prometheus.GaugeVec
	histograms  map[string]*prometheus.HistogramVec
}

// NewPrometheusProvider creates a provider backed by registry.
func NewPrometheusProvider(registry *prometheus.Registry) *PrometheusProvider {
	return &PrometheusProvider{
		registry:   registry,
		counters:   map[string]*prometheus.CounterVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

func (p *PrometheusProvider) Inc(name string, labels map[string]string) {
	p.mu.Lock()
	c, ok := p.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelNames(labels))
		p.registry.MustRegister(c)
		p.counters[name] = c
	}
	p.mu.Unlock()
	c.With(labels).Inc()
}

func (p *PrometheusProvider) Set(name string, value float64, labels map[string]string) {
	p.mu.Lock()
	g, ok := p.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelNames(labels))
		p.registry.MustRegister(g)
		p.gauges[name] = g
	}
	p.mu.Unlock()
	g.With(labels).Set(value)
}

func (p *PrometheusProvider) Observe(name string, value float64, labels map[string]string) {
	p.mu.Lock()
	h, ok := p.histograms[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, labelNames(labels))
		p.registry.MustRegister(h)
		p.histograms[name] = h
	}
	p.mu.Unlock()
	h.With(labels).Observe(value)
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}
