package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// KernelCollector exposes event-kernel metrics. It implements
// events.Observer.
type KernelCollector struct {
	gatherer prometheus.Gatherer

	EventsExecuted    prometheus.Counter
	EventsPending     prometheus.Gauge
	CallbackDurations prometheus.Histogram
	SimulatedSeconds  prometheus.Gauge
}

// NewKernelCollector registers kernel metrics against the provided registerer.
func NewKernelCollector(reg prometheus.Registerer) (*KernelCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	callbacks := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_event_callback_duration_seconds",
		Help:    "Wall-clock time spent in each event callback.",
		Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 0.01},
	})
	callbacks, err := registerHistogram(reg, callbacks, "sim_event_callback_duration_seconds")
	if err != nil {
		return nil, err
	}

	executed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_events_executed_total",
		Help: "Cumulative number of event callbacks run by the kernel.",
	})
	executed, err = registerCounter(reg, executed, "sim_events_executed_total")
	if err != nil {
		return nil, err
	}

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_events_pending",
		Help: "Number of live events waiting in the kernel queue.",
	})
	pending, err = registerGauge(reg, pending, "sim_events_pending")
	if err != nil {
		return nil, err
	}

	simulated := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_time_seconds",
		Help: "Simulation time elapsed since the run epoch.",
	})
	simulated, err = registerGauge(reg, simulated, "sim_time_seconds")
	if err != nil {
		return nil, err
	}

	return &KernelCollector{
		gatherer:          gatherer,
		EventsExecuted:    executed,
		EventsPending:     pending,
		CallbackDurations: callbacks,
		SimulatedSeconds:  simulated,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *KernelCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// EventExecuted records one callback.
func (c *KernelCollector) EventExecuted(wall time.Duration, pending int) {
	if c == nil {
		return
	}
	c.EventsExecuted.Inc()
	c.EventsPending.Set(float64(pending))
	c.CallbackDurations.Observe(wall.Seconds())
}

// SetElapsed updates the simulated-time gauge.
func (c *KernelCollector) SetElapsed(d time.Duration) {
	if c == nil || c.SimulatedSeconds == nil {
		return
	}
	c.SimulatedSeconds.Set(d.Seconds())
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
