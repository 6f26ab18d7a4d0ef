// Package sim assembles a scenario into a running network: one event
// kernel and shared channel, and per station a radio, TDMA MAC, net
// device, traffic source, sink and routing agent.
package sim

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/app"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/logging"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/mobility"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/phy"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/rng"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/scenario"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/sim/events"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/tdma"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/uav"
	"github.com/signalsfoundry/uav-tdma-simulator/kb"
	"github.com/signalsfoundry/uav-tdma-simulator/model"
	"github.com/signalsfoundry/uav-tdma-simulator/timectrl"
)

// ErrAlreadyRunning is returned when Run is entered twice concurrently.
var ErrAlreadyRunning = errors.New("network is already running")

// RoutingObserver receives routing agent gauges.
type RoutingObserver interface {
	SetRoutingTableSize(station string, size int)
	SetRouteCacheHitRatio(station string, ratio float64)
}

// Station is one assembled node.
type Station struct {
	ID       string
	Mac48    frame.Mac48
	Address  netip.Addr
	Startup  time.Duration
	Mobility mobility.Model

	Phy     *phy.Phy
	Device  *tdma.NetDevice
	Traffic *app.OnOff
	Sink    *app.Sink
	Agent   *uav.Agent
}

// Option configures a Network.
type Option func(*Network)

// WithLogger sets the base logger; stations log through children of it.
func WithLogger(l logging.Logger) Option {
	return func(n *Network) { n.log = l }
}

// WithMACObserver adds trace observers for every station's MAC.
func WithMACObserver(obs ...tdma.Observer) Option {
	return func(n *Network) { n.observers = append(n.observers, obs...) }
}

// WithKernelObserver reports every executed kernel callback.
func WithKernelObserver(o events.Observer) Option {
	return func(n *Network) { n.kernelObserver = o }
}

// WithRoutingObserver reports routing table sizes and cache hit ratios.
func WithRoutingObserver(o RoutingObserver) Option {
	return func(n *Network) { n.routing = o }
}

// WithTick sets the real-time tick used by RunRealtime.
func WithTick(d time.Duration) Option {
	return func(n *Network) { n.tick = d }
}

// Network is a built scenario.
type Network struct {
	scenario *scenario.Scenario
	clock    *timectrl.TimeController
	kernel   *events.Kernel
	channel  *phy.Channel
	streams  *rng.Factory
	kb       *kb.KnowledgeBase
	stats    *Stats
	log      logging.Logger
	tick     time.Duration

	observers      []tdma.Observer
	kernelObserver events.Observer
	routing        RoutingObserver

	stations []*Station
	byMac    map[frame.Mac48]*Station

	mu      sync.Mutex
	started bool
	running bool
}

// Build wires every station of sc. Nothing runs until Run.
func Build(sc *scenario.Scenario, opts ...Option) (*Network, error) {
	if sc == nil {
		return nil, fmt.Errorf("build network: nil scenario")
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("build network: %w", err)
	}
	n := &Network{
		scenario: sc,
		kb:       kb.NewKnowledgeBase(),
		stats:    NewStats(),
		log:      logging.Noop(),
		tick:     100 * time.Millisecond,
		byMac:    make(map[frame.Mac48]*Station),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.clock = timectrl.NewTimeController(sc.Epoch, n.tick, timectrl.Accelerated)
	var kopts []events.Option
	if n.kernelObserver != nil {
		kopts = append(kopts, events.WithObserver(n.kernelObserver))
	}
	n.kernel = events.NewKernel(n.clock, kopts...)
	n.channel = phy.NewChannel(n.kernel, sc.PropagationModel())
	n.streams = rng.NewFactory(sc.Seed)

	for i := range sc.Stations {
		if err := n.addStation(i, sc.Stations[i]); err != nil {
			return nil, err
		}
	}
	n.log.Info(context.Background(), "network built",
		logging.String("scenario", sc.Name),
		logging.Int("stations", len(n.stations)),
		logging.Uint64("seed", sc.Seed),
	)
	return n, nil
}

func (n *Network) addStation(index int, def scenario.Station) error {
	sc := n.scenario
	log := n.log.With(logging.String("station", def.ID))

	mob, source, err := def.Mobility.Model(sc.Epoch)
	if err != nil {
		return fmt.Errorf("station %s: %w", def.ID, err)
	}
	radio, err := phy.New(def.ID, n.kernel, sc.RadioConfig(), mob)
	if err != nil {
		return fmt.Errorf("station %s: radio: %w", def.ID, err)
	}
	n.channel.Attach(radio)

	st := &Station{
		ID:       def.ID,
		Mac48:    frame.AllocateMac48(uint32(index + 1)),
		Address:  uav.StationAddress(index + 1),
		Startup:  def.Startup.Std(),
		Mobility: mob,
		Phy:      radio,
		Sink:     app.NewSink(),
	}

	observers := append(tdma.Observers{n.stats}, n.observers...)
	mac, err := tdma.NewMac(def.ID, st.Mac48, sc.MACConfig(), n.kernel, radio, n.streams.Stream(def.ID),
		tdma.WithObserver(observers),
		tdma.WithLogger(log),
		tdma.WithSlotEpoch(sc.Epoch),
	)
	if err != nil {
		return fmt.Errorf("station %s: mac: %w", def.ID, err)
	}
	st.Device = tdma.NewNetDevice(mac, log)
	st.Device.SetIfIndex(index)
	st.Device.SetReceiveCallback(n.dispatch)

	if sc.Traffic.On() {
		cfg := app.DefaultOnOffConfig()
		cfg.DataRate = sc.Traffic.DataRate.BitsPerSecond()
		cfg.PacketSize = sc.Traffic.PacketSize
		cfg.Start = sc.Epoch.Add(sc.Traffic.Start.Std())
		cfg.Stop = sc.Epoch.Add(sc.Traffic.Stop.Std())
		if cfg.Start.Before(sc.Epoch.Add(st.Startup)) {
			cfg.Start = sc.Epoch.Add(st.Startup)
		}
		if cfg.Stop.After(cfg.Start) {
			if st.Traffic, err = app.NewOnOff(n.kernel, st.Device, cfg, log); err != nil {
				return fmt.Errorf("station %s: traffic: %w", def.ID, err)
			}
		}
	}

	if sc.Routing.Enabled {
		acfg := uav.AgentConfig{
			Interval:      sc.Routing.Interval.Std(),
			MaxDistance:   sc.Routing.MaxDistance,
			ValidTime:     sc.Routing.ValidTime.Std(),
			InitialEnergy: sc.Routing.InitialEnergy,
		}
		st.Agent = uav.NewAgent(def.ID, st.Address, n.kernel, st.Device, mob, n.streams.Stream(def.ID+"/uav"), acfg,
			uav.WithQueueLength(mac.QueueLen),
			uav.WithAgentLogger(log),
			uav.WithTableSizeCallback(n.tableSize),
		)
	}

	pos := mob.Position(sc.Epoch)
	if err := n.kb.AddStation(&model.Station{
		ID:           def.ID,
		Name:         def.Name,
		Mac:          st.Mac48.String(),
		Address:      st.Address,
		Startup:      st.Startup,
		Coordinates:  model.Motion{X: pos.X, Y: pos.Y, Z: pos.Z},
		MotionSource: source,
		SampledAt:    sc.Epoch,
	}); err != nil {
		return err
	}

	n.stations = append(n.stations, st)
	n.byMac[st.Mac48] = st
	return nil
}

// dispatch hands a received payload to the owner of its protocol.
func (n *Network) dispatch(d *tdma.NetDevice, p *frame.Packet, protocol uint16, from frame.Mac48) {
	st := n.stations[d.IfIndex()]
	switch protocol {
	case uav.ProtocolUAV:
		if st.Agent != nil {
			st.Agent.HandleBeacon(p, from)
		}
	case app.ProtocolIPv4:
		st.Sink.Receive(p, from)
	default:
		n.log.Debug(context.Background(), "unhandled protocol",
			logging.String("station", st.ID),
			logging.Int("protocol", int(protocol)))
	}
}

func (n *Network) tableSize(station string, size int) {
	n.stats.SetRoutingTableSize(station, size)
	if n.routing != nil {
		n.routing.SetRoutingTableSize(station, size)
	}
}

// start arms every station's startup and the position sampler.
func (n *Network) start() {
	epoch := n.scenario.Epoch
	for _, st := range n.stations {
		n.kernel.Schedule(epoch.Add(st.Startup), func() {
			st.Device.Start()
			if st.Agent != nil {
				st.Agent.Start()
			}
		})
		if st.Traffic != nil {
			st.Traffic.Start()
		}
	}
	n.kernel.Schedule(epoch, n.sample)
}

// sample records positions and routing cache health every sample interval.
func (n *Network) sample() {
	now := n.kernel.Now()
	for _, st := range n.stations {
		pos := st.Mobility.Position(now)
		if err := n.kb.UpdateStationPosition(st.ID, model.Motion{X: pos.X, Y: pos.Y, Z: pos.Z}, now); err != nil {
			n.log.Warn(context.Background(), "position sample failed", logging.Err(err))
		}
		if st.Agent == nil {
			continue
		}
		st.Agent.Table().Recompute()
		if n.routing != nil {
			hits, misses, _ := st.Agent.Table().Routes().Stats()
			if total := hits + misses; total > 0 {
				n.routing.SetRouteCacheHitRatio(st.ID, float64(hits)/float64(total))
			}
		}
	}
	n.kernel.ScheduleAfter(n.scenario.SampleInterval.Std(), n.sample)
}

func (n *Network) begin() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrAlreadyRunning
	}
	n.running = true
	if !n.started {
		n.started = true
		n.start()
	}
	return nil
}

func (n *Network) end() {
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()
}

// Run advances the simulation as fast as possible up to until, checking
// ctx between sample intervals. A fatal MAC fault stops the run and is
// returned wrapped in *events.PanicError.
func (n *Network) Run(ctx context.Context, until time.Time) error {
	if err := n.begin(); err != nil {
		return err
	}
	defer n.end()

	step := n.scenario.SampleInterval.Std()
	for n.kernel.Now().Before(until) {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := n.kernel.Now().Add(step)
		if next.After(until) {
			next = until
		}
		if err := n.kernel.RunUntil(next); err != nil {
			return fmt.Errorf("run until %s: %w", next.Format(time.RFC3339Nano), err)
		}
	}
	return nil
}

// RunRealtime paces the kernel with a real-time controller ticking every
// tick for d of simulation time. It must be called before any Run.
func (n *Network) RunRealtime(ctx context.Context, d time.Duration) error {
	if err := n.begin(); err != nil {
		return err
	}
	defer n.end()

	var (
		mu     sync.Mutex
		runErr error
	)
	pacer := timectrl.NewTimeController(n.scenario.Epoch, n.tick, timectrl.RealTime)
	pacer.AddListener(func(t time.Time) {
		mu.Lock()
		defer mu.Unlock()
		if runErr != nil || ctx.Err() != nil {
			return
		}
		if err := n.kernel.RunUntil(t); err != nil {
			runErr = fmt.Errorf("run until %s: %w", t.Format(time.RFC3339Nano), err)
		}
	})

	done := pacer.Start(d)
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	mu.Lock()
	defer mu.Unlock()
	return runErr
}

// Shutdown stops every station's sources and MAC timers.
func (n *Network) Shutdown() {
	for _, st := range n.stations {
		if st.Traffic != nil {
			st.Traffic.Stop()
		}
		if st.Agent != nil {
			st.Agent.Stop()
		}
		st.Device.Mac().Shutdown()
	}
}

func (n *Network) Scenario() *scenario.Scenario     { return n.scenario }
func (n *Network) Kernel() *events.Kernel           { return n.kernel }
func (n *Network) Clock() *timectrl.TimeController  { return n.clock }
func (n *Network) KnowledgeBase() *kb.KnowledgeBase { return n.kb }
func (n *Network) Stations() []*Station             { return n.stations }
func (n *Network) Stats() StatsSnapshot             { return n.stats.Snapshot() }
func (n *Network) StatsSummary() string             { return n.stats.String() }
func (n *Network) Now() time.Time                   { return n.kernel.Now() }

// Station looks a station up by id.
func (n *Network) Station(id string) (*Station, bool) {
	for _, st := range n.stations {
		if st.ID == id {
			return st, true
		}
	}
	return nil, false
}

// StationByMac looks a station up by its MAC address.
func (n *Network) StationByMac(addr frame.Mac48) (*Station, bool) {
	st, ok := n.byMac[addr]
	return st, ok
}
