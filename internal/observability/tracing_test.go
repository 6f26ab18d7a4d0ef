package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/tdma"
)

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("TDMA_TRACING_ENABLED", "TRUE")
	t.Setenv("TDMA_TRACING_EXPORTER", "OTLP")
	t.Setenv("TDMA_TRACING_SAMPLE_RATIO", "2")
	t.Setenv("TDMA_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.SampleRatio != 1 {
		t.Fatalf("out-of-range ratio accepted: %v", cfg.SampleRatio)
	}
	if cfg.ServiceName != "tdmasim" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}
}

func TestInitTracingDisabledAndUnknownExporter(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing disabled: %v", err)
	}
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected unsupported exporter error")
	}
}

func TestInitTracingExportsStationSpansWithRunIdentity(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	var out bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		ServiceName: "tdmasim",
		Exporter:    "stdout",
		SampleRatio: 1,
		Scenario:    "two-uav",
		Seed:        7,
		Output:      &out,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := NewSpanObserver(context.Background(), nil)
	obs.OnStartup(tdma.StartupEvent{Station: "uav-0", At: start, SlotsPerFrame: 1766})
	obs.OnLinkUp(tdma.LinkUpEvent{Station: "uav-0", At: start.Add(time.Second)})
	obs.End(start.Add(2 * time.Second))
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	text := out.String()
	for _, want := range []string{"tdma.station", "link_up", "tdma.scenario", "two-uav", "tdma.seed"} {
		if !strings.Contains(text, want) {
			t.Fatalf("exported spans missing %q:\n%s", want, text)
		}
	}
}

func TestSpanObserverRecordsStationLifecycle(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	obs := NewSpanObserver(context.Background(), tp.Tracer("test"))

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	obs.OnRx(tdma.RxEvent{Station: "uav-0"})
	obs.OnStartup(tdma.StartupEvent{Station: "uav-0", At: start, SlotsPerFrame: 1766})
	obs.OnNominalSlots(tdma.NominalSlotsEvent{Station: "uav-0", At: start, Slots: []int{3, 885}})
	obs.OnReReservation(tdma.ReReservationEvent{Station: "uav-0", At: start, SameSlot: true})
	obs.OnNetworkEntry(tdma.NetworkEntryEvent{Station: "uav-0", At: start.Add(time.Second), Attempts: 1})
	obs.OnLinkUp(tdma.LinkUpEvent{Station: "uav-0", At: start.Add(time.Second)})
	obs.OnDrop(tdma.DropEvent{Station: "uav-9", Reason: tdma.DropExpired})
	obs.End(start.Add(2 * time.Second))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "tdma.station" || !span.EndTime().Equal(start.Add(2*time.Second)) {
		t.Fatalf("span %s ended at %v", span.Name(), span.EndTime())
	}
	var names []string
	for _, ev := range span.Events() {
		names = append(names, ev.Name)
	}
	want := []string{"nominal_slots", "network_entry", "link_up"}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("events = %v, want %v", names, want)
		}
	}
}
