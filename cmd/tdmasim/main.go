package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/logging"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/observability"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/report"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/scenario"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/sim"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "tdmasim: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	config      string
	duration    time.Duration
	seed        uint64
	realtime    bool
	tick        time.Duration
	metricsAddr string
	reportJSON  string
	reportPDF   string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("tdmasim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.config, "config", "configs/two-uav.yaml", "scenario file")
	fs.DurationVar(&opts.duration, "duration", 0, "simulated duration; overrides the scenario when set")
	fs.Uint64Var(&opts.seed, "seed", 0, "random seed; overrides the scenario when set")
	fs.BoolVar(&opts.realtime, "realtime", false, "pace the simulation against the wall clock")
	fs.DurationVar(&opts.tick, "tick", 100*time.Millisecond, "real-time tick interval")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics; disabled when empty")
	fs.StringVar(&opts.reportJSON, "report-json", "", "write a JSON run report to this path")
	fs.StringVar(&opts.reportPDF, "report-pdf", "", "write a PDF run report to this path")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.duration < 0 {
		return opts, fmt.Errorf("duration must not be negative, got %s", opts.duration)
	}
	if opts.realtime && opts.tick <= 0 {
		return opts, fmt.Errorf("tick must be positive in real-time mode, got %s", opts.tick)
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	sc, err := scenario.Load(opts.config)
	if err != nil {
		return fmt.Errorf("load scenario: %w", err)
	}
	if opts.duration > 0 {
		sc.Duration = scenario.Duration(opts.duration)
		if sc.Traffic.Stop > sc.Duration {
			sc.Traffic.Stop = sc.Duration
		}
	}
	if opts.seed != 0 {
		sc.Seed = opts.seed
	}

	log := newLogger(sc.Log, stderr)
	ctx, log = logging.WithRunLogger(ctx, log)

	tcfg := observability.TracingConfigFromEnv()
	tcfg.Scenario = sc.Name
	tcfg.Seed = sc.Seed
	tcfg.Output = stderr
	shutdownTracing, err := observability.InitTracing(ctx, tcfg, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	macMetrics, err := observability.NewMACCollector(reg)
	if err != nil {
		return fmt.Errorf("register MAC metrics: %w", err)
	}
	kernelMetrics, err := observability.NewKernelCollector(reg)
	if err != nil {
		return fmt.Errorf("register kernel metrics: %w", err)
	}
	metricsSrv := serveMetrics(opts.metricsAddr, macMetrics, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	spans := observability.NewSpanObserver(ctx, nil)
	net, err := sim.Build(sc,
		sim.WithLogger(log),
		sim.WithMACObserver(macMetrics, spans),
		sim.WithKernelObserver(kernelMetrics),
		sim.WithRoutingObserver(macMetrics),
		sim.WithTick(opts.tick),
	)
	if err != nil {
		return fmt.Errorf("build network: %w", err)
	}

	mode := "accelerated"
	if opts.realtime {
		mode = "real-time"
	}
	log.Info(ctx, "starting simulation",
		logging.String("scenario", sc.Name),
		logging.Int("stations", len(sc.Stations)),
		logging.Duration("duration", sc.Duration.Std()),
		logging.Uint64("seed", sc.Seed),
		logging.String("mode", mode),
	)

	started := time.Now()
	if opts.realtime {
		err = net.RunRealtime(ctx, sc.Duration.Std())
	} else {
		err = net.Run(ctx, sc.Epoch.Add(sc.Duration.Std()))
	}
	net.Shutdown()
	spans.End(net.Now())
	kernelMetrics.SetElapsed(net.Now().Sub(sc.Epoch))
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	if err != nil {
		log.Warn(ctx, "simulation interrupted", logging.Time("sim_time", net.Now()))
	}

	log.Info(ctx, "simulation complete",
		logging.Time("sim_time", net.Now()),
		logging.Uint64("events", net.Kernel().Executed()),
		logging.Duration("wall", time.Since(started)),
	)
	fmt.Fprint(stdout, net.StatsSummary())

	sum := report.FromNetwork(net)
	if opts.reportJSON != "" {
		if err := report.WriteJSON(sum, opts.reportJSON); err != nil {
			return fmt.Errorf("write JSON report: %w", err)
		}
		log.Info(ctx, "wrote JSON report", logging.String("path", opts.reportJSON))
	}
	if opts.reportPDF != "" {
		if err := report.WritePDF(sum, opts.reportPDF); err != nil {
			return fmt.Errorf("write PDF report: %w", err)
		}
		log.Info(ctx, "wrote PDF report", logging.String("path", opts.reportPDF))
	}
	return nil
}

// newLogger merges the scenario's log section over the LOG_* environment.
func newLogger(cfg scenario.Log, out io.Writer) logging.Logger {
	lc := logging.Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
		File:   logging.FileConfig{Path: os.Getenv("LOG_FILE")},
		Output: out,
	}
	if cfg.Level != "" {
		lc.Level = cfg.Level
	}
	if cfg.Format != "" {
		lc.Format = cfg.Format
	}
	if cfg.File != "" {
		lc.File.Path = cfg.File
	}
	return logging.New(lc)
}

func serveMetrics(addr string, collector *observability.MACCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
