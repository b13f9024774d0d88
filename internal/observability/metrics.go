package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles Prometheus metrics for a simulation run: protocol
// events, key and entanglement pool occupancy, GHZ fidelity samples and
// scheduler progress.
type SimCollector struct {
	gatherer prometheus.Gatherer
	start    time.Time

	ProtocolEvents      *prometheus.CounterVec
	KeyPoolLength       *prometheus.GaugeVec
	EntanglementPool    prometheus.Gauge
	Fidelity            prometheus.Histogram
	SchedulerEvents     prometheus.Counter
	SchedulerQueueDepth prometheus.Gauge
	SimTime             prometheus.Gauge
}

// NewSimCollector registers simulator metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qkdsim_protocol_events_total",
		Help: "Protocol events emitted during the simulation, labeled by node and event kind.",
	}, []string{"node", "kind"}), "qkdsim_protocol_events_total")
	if err != nil {
		return nil, err
	}

	keyPool, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qkdsim_key_pool_length",
		Help: "Current number of key bits held by each endpoint's key manager.",
	}, []string{"node"}), "qkdsim_key_pool_length")
	if err != nil {
		return nil, err
	}

	pool, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qkdsim_entanglement_pool_size",
		Help: "Number of GHZ groups waiting in the shared entanglement pool.",
	}), "qkdsim_entanglement_pool_size")
	if err != nil {
		return nil, err
	}

	fidelity, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "qkdsim_ghz_fidelity",
		Help:    "Fidelity sampled for each GHZ group at the moment of use.",
		Buckets: []float64{0.85, 0.875, 0.9, 0.925, 0.95, 0.975, 1},
	}), "qkdsim_ghz_fidelity")
	if err != nil {
		return nil, err
	}

	schedEvents, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qkdsim_scheduler_events_total",
		Help: "Discrete events executed by the scheduler.",
	}), "qkdsim_scheduler_events_total")
	if err != nil {
		return nil, err
	}

	depth, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qkdsim_scheduler_queue_depth",
		Help: "Events pending in the scheduler queue.",
	}), "qkdsim_scheduler_queue_depth")
	if err != nil {
		return nil, err
	}

	simTime, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qkdsim_sim_time_seconds",
		Help: "Simulated time elapsed since the start of the run.",
	}), "qkdsim_sim_time_seconds")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:            gatherer,
		ProtocolEvents:      events,
		KeyPoolLength:       keyPool,
		EntanglementPool:    pool,
		Fidelity:            fidelity,
		SchedulerEvents:     schedEvents,
		SchedulerQueueDepth: depth,
		SimTime:             simTime,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetStart anchors the sim-time gauge.
func (c *SimCollector) SetStart(t time.Time) {
	if c == nil {
		return
	}
	c.start = t
}

// RecordEvent counts one protocol event.
func (c *SimCollector) RecordEvent(node, kind string) {
	if c == nil || c.ProtocolEvents == nil {
		return
	}
	c.ProtocolEvents.WithLabelValues(node, kind).Inc()
}

// SetKeyPoolLength updates the key pool gauge for node.
func (c *SimCollector) SetKeyPoolLength(node string, n int) {
	if c == nil || c.KeyPoolLength == nil {
		return
	}
	c.KeyPoolLength.WithLabelValues(node).Set(float64(n))
}

// SetEntanglementPoolSize updates the shared pool gauge.
func (c *SimCollector) SetEntanglementPoolSize(n int) {
	if c == nil || c.EntanglementPool == nil {
		return
	}
	c.EntanglementPool.Set(float64(n))
}

// ObserveFidelity records a sampled GHZ fidelity.
func (c *SimCollector) ObserveFidelity(f float64) {
	if c == nil || c.Fidelity == nil {
		return
	}
	c.Fidelity.Observe(f)
}

// ObserveEvent satisfies scheduler.Observer.
func (c *SimCollector) ObserveEvent(now time.Time, pending int) {
	if c == nil {
		return
	}
	if c.SchedulerEvents != nil {
		c.SchedulerEvents.Inc()
	}
	if c.SchedulerQueueDepth != nil {
		c.SchedulerQueueDepth.Set(float64(pending))
	}
	if c.SimTime != nil && !c.start.IsZero() {
		c.SimTime.Set(now.Sub(c.start).Seconds())
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
