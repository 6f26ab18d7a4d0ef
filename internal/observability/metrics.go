// Package observability exports MAC, routing and kernel activity as
// Prometheus metrics and OpenTelemetry spans.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/tdma"
)

// MACCollector bundles per-station Prometheus metrics for the TDMA MAC and
// the UAV routing agent. It implements tdma.Observer so a network can fan
// its trace events straight into it.
type MACCollector struct {
	tdma.NopObserver

	gatherer prometheus.Gatherer

	Transmissions  *prometheus.CounterVec
	Receptions     *prometheus.CounterVec
	NetworkEntries *prometheus.CounterVec
	Reservations   *prometheus.CounterVec
	RandomAccess   *prometheus.CounterVec
	Drops          *prometheus.CounterVec
	BusyMarks      *prometheus.CounterVec
	QueueLength    *prometheus.GaugeVec
	LinkUp         *prometheus.GaugeVec
	EntryDelay     prometheus.Histogram

	RoutingTableSize  *prometheus.GaugeVec
	RouteCacheHitRate *prometheus.GaugeVec
}

// NewMACCollector registers MAC metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewMACCollector(reg prometheus.Registerer) (*MACCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &MACCollector{gatherer: gatherer}
	counters := []struct {
		dst    **prometheus.CounterVec
		name   string
		help   string
		labels []string
	}{
		{&c.Transmissions, "tdma_transmissions_total", "Frames sent in reserved slots, labeled by station and whether the frame carried payload.", []string{"station", "kind"}},
		{&c.Receptions, "tdma_receptions_total", "Frames received and learned from, labeled by station.", []string{"station"}},
		{&c.NetworkEntries, "tdma_network_entries_total", "Network-entry transmissions, labeled by station.", []string{"station"}},
		{&c.Reservations, "tdma_reservations_total", "Slot reservations made, labeled by station and kind (initial, renewed, moved).", []string{"station", "kind"}},
		{&c.RandomAccess, "tdma_random_access_draws_total", "Random-access slot draws during network entry, labeled by station.", []string{"station"}},
		{&c.Drops, "tdma_drops_total", "Packets dropped before transmission, labeled by station and reason.", []string{"station", "reason"}},
		{&c.BusyMarks, "tdma_busy_marks_total", "PHY notifications that marked slots busy, labeled by station and cause.", []string{"station", "cause"}},
	}
	for _, spec := range counters {
		vec, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: spec.name,
			Help: spec.help,
		}, spec.labels), spec.name)
		if err != nil {
			return nil, err
		}
		*spec.dst = vec
	}

	var err error
	if c.QueueLength, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tdma_queue_length",
		Help: "MAC queue depth after the last enqueue, labeled by station.",
	}, []string{"station"}), "tdma_queue_length"); err != nil {
		return nil, err
	}
	if c.LinkUp, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tdma_link_up",
		Help: "1 once the station has completed network entry.",
	}, []string{"station"}), "tdma_link_up"); err != nil {
		return nil, err
	}
	if c.RoutingTableSize, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "uav_routing_table_size",
		Help: "Stations known to the routing agent, labeled by station.",
	}, []string{"station"}), "uav_routing_table_size"); err != nil {
		return nil, err
	}
	if c.RouteCacheHitRate, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "uav_route_cache_hit_ratio",
		Help: "Hit ratio of the next-hop cache, labeled by station.",
	}, []string{"station"}), "uav_route_cache_hit_ratio"); err != nil {
		return nil, err
	}
	if c.EntryDelay, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tdma_network_entry_delay_seconds",
		Help:    "Delay between the end of initialization and the network-entry transmission.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "tdma_network_entry_delay_seconds"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *MACCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *MACCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *MACCollector) OnTx(e tdma.TxEvent) {
	kind := "data"
	if e.Empty {
		kind = "empty"
	}
	c.Transmissions.WithLabelValues(e.Station, kind).Inc()
}

func (c *MACCollector) OnRx(e tdma.RxEvent) {
	c.Receptions.WithLabelValues(e.Station).Inc()
}

func (c *MACCollector) OnNetworkEntry(e tdma.NetworkEntryEvent) {
	c.NetworkEntries.WithLabelValues(e.Station).Inc()
	c.EntryDelay.Observe(e.Delay.Seconds())
}

func (c *MACCollector) OnReservation(e tdma.ReservationEvent) {
	c.Reservations.WithLabelValues(e.Station, "initial").Inc()
}

func (c *MACCollector) OnReReservation(e tdma.ReReservationEvent) {
	kind := "moved"
	if e.SameSlot {
		kind = "renewed"
	}
	c.Reservations.WithLabelValues(e.Station, kind).Inc()
}

func (c *MACCollector) OnRandomAccess(e tdma.RandomAccessEvent) {
	c.RandomAccess.WithLabelValues(e.Station).Inc()
}

func (c *MACCollector) OnEnqueue(e tdma.EnqueueEvent) {
	c.QueueLength.WithLabelValues(e.Station).Set(float64(e.QueueLen))
}

func (c *MACCollector) OnDrop(e tdma.DropEvent) {
	c.Drops.WithLabelValues(e.Station, string(e.Reason)).Inc()
}

func (c *MACCollector) OnBusy(e tdma.BusyEvent) {
	c.BusyMarks.WithLabelValues(e.Station, string(e.Cause)).Inc()
}

func (c *MACCollector) OnLinkUp(e tdma.LinkUpEvent) {
	c.LinkUp.WithLabelValues(e.Station).Set(1)
}

// SetRoutingTableSize matches the routing agent's table callback.
func (c *MACCollector) SetRoutingTableSize(station string, size int) {
	if c == nil || c.RoutingTableSize == nil {
		return
	}
	c.RoutingTableSize.WithLabelValues(station).Set(float64(size))
}

// SetRouteCacheHitRatio records a station's next-hop cache hit ratio.
func (c *MACCollector) SetRouteCacheHitRatio(station string, ratio float64) {
	if c == nil || c.RouteCacheHitRate == nil {
		return
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	c.RouteCacheHitRate.WithLabelValues(station).Set(ratio)
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
