package observability

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Kind identifies the type of a registered metric.
type Kind int

const (
	KindCounter Kind = iota + 1
	KindGauge
	KindHistogram
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrConflictingMetricKind is returned when a name is registered twice with different kinds.
	ErrConflictingMetricKind = errors.New("metric already registered with a different kind")
	// ErrConflictingLabels is returned when a name is registered twice with different label names.
	ErrConflictingLabels = errors.New("metric already registered with different labels")
	// ErrUnknownMetric is returned when looking up a name that was never registered.
	ErrUnknownMetric = errors.New("metric not registered")
)

// DefaultBuckets covers 1ms to ~33s in powers of two.
var DefaultBuckets = prometheus.ExponentialBuckets(0.001, 2, 16)

// Desc describes a metric to register.
type Desc struct {
	Name   string
	Help   string
	Kind   Kind
	Labels []string
	// Buckets applies to histograms only and is fixed once registered.
	// DefaultBuckets is used when empty.
	Buckets []float64
}

type entry struct {
	desc      Desc
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

// Registry owns named counters, gauges and histograms for the life of the process.
// Writers go straight to the Prometheus vectors and never take the registry lock;
// the lock only guards registration and name lookup.
type Registry struct {
	reg *prometheus.Registry

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		reg:     prometheus.NewRegistry(),
		entries: make(map[string]*entry),
	}
}

// Register adds a metric. Registering an existing name with the same kind and labels
// is a no-op.
func (r *Registry) Register(d Desc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[d.Name]; ok {
		if existing.desc.Kind != d.Kind {
			return fmt.Errorf("%w: %s is a %s, not a %s", ErrConflictingMetricKind, d.Name, existing.desc.Kind, d.Kind)
		}
		if !slices.Equal(existing.desc.Labels, d.Labels) {
			return fmt.Errorf("%w: %s has labels %v, not %v", ErrConflictingLabels, d.Name, existing.desc.Labels, d.Labels)
		}
		return nil
	}

	e := &entry{desc: d}
	var collector prometheus.Collector
	switch d.Kind {
	case KindCounter:
		e.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: d.Name, Help: d.Help}, d.Labels)
		collector = e.counter
	case KindGauge:
		e.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: d.Name, Help: d.Help}, d.Labels)
		collector = e.gauge
	case KindHistogram:
		buckets := d.Buckets
		if len(buckets) == 0 {
			buckets = DefaultBuckets
		}
		e.desc.Buckets = buckets
		e.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: d.Name, Help: d.Help, Buckets: buckets}, d.Labels)
		collector = e.histogram
	default:
		return fmt.Errorf("register %s: unsupported metric kind %s", d.Name, d.Kind)
	}

	if err := r.reg.Register(collector); err != nil {
		return fmt.Errorf("register %s: %w", d.Name, err)
	}
	r.entries[d.Name] = e
	return nil
}

// MustRegister registers every desc and panics on the first error.
func (r *Registry) MustRegister(descs ...Desc) {
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) lookup(name string, kind Kind) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	if e.desc.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", ErrConflictingMetricKind, name, e.desc.Kind, kind)
	}
	return e, nil
}

// Counter returns a handle to a registered counter.
func (r *Registry) Counter(name string) (*Counter, error) {
	e, err := r.lookup(name, KindCounter)
	if err != nil {
		return nil, err
	}
	return &Counter{vec: e.counter}, nil
}

// Gauge returns a handle to a registered gauge.
func (r *Registry) Gauge(name string) (*Gauge, error) {
	e, err := r.lookup(name, KindGauge)
	if err != nil {
		return nil, err
	}
	return &Gauge{vec: e.gauge}, nil
}

// Histogram returns a handle to a registered histogram.
func (r *Registry) Histogram(name string) (*Histogram, error) {
	e, err := r.lookup(name, KindHistogram)
	if err != nil {
		return nil, err
	}
	return &Histogram{vec: e.histogram}, nil
}

// Snapshot is a point-in-time copy of every registered metric family, sorted by name.
type Snapshot []*dto.MetricFamily

// Gather collects the current value of every registered metric.
func (r *Registry) Gather() (Snapshot, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	return Snapshot(families), nil
}

// Family returns the named family from the snapshot, or nil.
func (s Snapshot) Family(name string) *dto.MetricFamily {
	for _, mf := range s {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// Counter increments a labelled series. A nil Counter is a no-op.
type Counter struct {
	vec *prometheus.CounterVec
}

// Inc adds one to the series identified by labels, creating it at zero on first use.
func (c *Counter) Inc(labels ...string) {
	if c == nil {
		return
	}
	c.vec.WithLabelValues(labels...).Inc()
}

// Add adds v to the series identified by labels.
func (c *Counter) Add(v float64, labels ...string) {
	if c == nil {
		return
	}
	c.vec.WithLabelValues(labels...).Add(v)
}

// Gauge tracks a value that can go up and down. A nil Gauge is a no-op.
type Gauge struct {
	vec *prometheus.GaugeVec
}

func (g *Gauge) Inc(labels ...string) {
	if g == nil {
		return
	}
	g.vec.WithLabelValues(labels...).Inc()
}

func (g *Gauge) Dec(labels ...string) {
	if g == nil {
		return
	}
	g.vec.WithLabelValues(labels...).Dec()
}

func (g *Gauge) Set(v float64, labels ...string) {
	if g == nil {
		return
	}
	g.vec.WithLabelValues(labels...).Set(v)
}

// Histogram records observations into fixed buckets. A nil Histogram is a no-op.
type Histogram struct {
	vec *prometheus.HistogramVec
}

// Observe records v in the series identified by labels.
func (h *Histogram) Observe(v float64, labels ...string) {
	if h == nil {
		return
	}
	h.vec.WithLabelValues(labels...).Observe(v)
}

// Value reads the current value of one series. Reading creates the series at zero.
func (c *Counter) Value(labels ...string) float64 {
	if c == nil {
		return 0
	}
	var m dto.Metric
	if err := c.vec.WithLabelValues(labels...).Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// Value reads the current value of one series.
func (g *Gauge) Value(labels ...string) float64 {
	if g == nil {
		return 0
	}
	var m dto.Metric
	if err := g.vec.WithLabelValues(labels...).Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// SampleCount reads the number of observations in one series.
func (h *Histogram) SampleCount(labels ...string) uint64 {
	if h == nil {
		return 0
	}
	metric, ok := h.vec.WithLabelValues(labels...).(prometheus.Metric)
	if !ok {
		return 0
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}
