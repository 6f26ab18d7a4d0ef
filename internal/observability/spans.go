package observability

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/tdma"
)

const tracerName = "github.com/signalsfoundry/uav-tdma-simulator/internal/tdma"

// SpanObserver records one span per station, opened at MAC startup and
// closed by End. Slot selection, network entry and drops become span
// events. Timestamps are simulation time.
type SpanObserver struct {
	tdma.NopObserver

	ctx    context.Context
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewSpanObserver uses the global tracer provider when tracer is nil.
func NewSpanObserver(ctx context.Context, tracer trace.Tracer) *SpanObserver {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &SpanObserver{ctx: ctx, tracer: tracer, spans: make(map[string]trace.Span)}
}

func (o *SpanObserver) OnStartup(e tdma.StartupEvent) {
	_, span := o.tracer.Start(o.ctx, "tdma.station",
		trace.WithTimestamp(e.At),
		trace.WithAttributes(
			attribute.String("station", e.Station),
			attribute.Int("slots_per_frame", e.SlotsPerFrame),
			attribute.Int64("slot_duration_ns", e.SlotDuration.Nanoseconds()),
		))
	o.mu.Lock()
	o.spans[e.Station] = span
	o.mu.Unlock()
}

func (o *SpanObserver) OnNominalSlots(e tdma.NominalSlotsEvent) {
	o.event(e.Station, "nominal_slots", e.At,
		attribute.IntSlice("slots", e.Slots),
		attribute.Int("half_width", e.HalfWidth))
}

func (o *SpanObserver) OnReservation(e tdma.ReservationEvent) {
	o.event(e.Station, "reservation", e.At,
		attribute.Int("reservation", e.ReservationNo),
		attribute.Int("slot", e.Slot),
		attribute.Int("candidates", e.Candidates),
		attribute.Bool("was_free", e.WasFree))
}

func (o *SpanObserver) OnReReservation(e tdma.ReReservationEvent) {
	if e.SameSlot {
		return
	}
	o.event(e.Station, "re_reservation", e.At,
		attribute.Int("reservation", e.ReservationNo),
		attribute.Int("old_slot", e.OldSlot),
		attribute.Int("new_slot", e.NewSlot))
}

func (o *SpanObserver) OnNetworkEntry(e tdma.NetworkEntryEvent) {
	o.event(e.Station, "network_entry", e.At,
		attribute.Int("attempts", e.Attempts),
		attribute.Int("offset", e.Offset),
		attribute.Bool("taken", e.IsTaken))
}

func (o *SpanObserver) OnDrop(e tdma.DropEvent) {
	o.event(e.Station, "drop", e.At,
		attribute.String("reason", string(e.Reason)),
		attribute.Int("size", e.Size))
}

func (o *SpanObserver) OnLinkUp(e tdma.LinkUpEvent) {
	o.event(e.Station, "link_up", e.At)
}

func (o *SpanObserver) event(station, name string, at time.Time, attrs ...attribute.KeyValue) {
	o.mu.Lock()
	span, ok := o.spans[station]
	o.mu.Unlock()
	if !ok {
		return
	}
	span.AddEvent(name, trace.WithTimestamp(at), trace.WithAttributes(attrs...))
}

// End closes every open station span at the given simulation time.
func (o *SpanObserver) End(at time.Time) {
	o.mu.Lock()
	stations := make([]string, 0, len(o.spans))
	for station := range o.spans {
		stations = append(stations, station)
	}
	sort.Strings(stations)
	spans := make([]trace.Span, 0, len(stations))
	for _, station := range stations {
		spans = append(spans, o.spans[station])
		delete(o.spans, station)
	}
	o.mu.Unlock()

	for _, span := range spans {
		span.End(trace.WithTimestamp(at))
	}
}
