package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/incident-connector/core"
	"github.com/signalsfoundry/incident-connector/internal/engine"
	"github.com/signalsfoundry/incident-connector/internal/incident"
	"github.com/signalsfoundry/incident-connector/internal/logging"
	"github.com/signalsfoundry/incident-connector/internal/observability"
	"github.com/signalsfoundry/incident-connector/internal/telemetry"
	"github.com/signalsfoundry/incident-connector/model"
	"github.com/signalsfoundry/incident-connector/timectrl"
)

//
// ---------- Configuration ----------
//

// handleConfiguration replaces any running scenario with a new one. On
// failure no scenario is active and later ticks are no-ops.
func (c *Connector) handleConfiguration(ctx context.Context, cfg model.Configuration) error {
	log := logging.LoggerFromContext(ctx, c.log)
	if err := c.closeScenario(ctx); err != nil {
		log.Warn(ctx, "previous scenario did not close cleanly", logging.Err(err))
	}

	eng := c.newEngine()
	err := eng.Start(ctx, engine.StartConfig{
		ConfigFile:   cfg.ConfigFile,
		OutputFile:   c.opts.OutputFile,
		SamplePeriod: cfg.SingleVehicle,
	})
	if err != nil {
		log.Error(ctx, "engine start failed",
			logging.String("config_file", cfg.ConfigFile), logging.Err(err))
		return err
	}

	scen, err := c.buildScenario(ctx, cfg, eng)
	if err != nil {
		_ = eng.Close()
		log.Error(ctx, "scenario setup failed",
			logging.String("config_file", cfg.ConfigFile), logging.Err(err))
		return err
	}

	c.mu.Lock()
	c.scen = scen
	c.mu.Unlock()

	nodes, edges, lanes, signals := scen.net.Stats()
	log.Info(ctx, "scenario started",
		logging.String("config_file", cfg.ConfigFile),
		logging.Time("begin", cfg.BeginTime()),
		logging.Time("end", cfg.EndTime()),
		logging.Duration("step", scen.sync.Step),
		logging.Int("nodes", nodes),
		logging.Int("edges", edges),
		logging.Int("lanes", lanes),
		logging.Int("signals", signals),
	)
	return nil
}

func (c *Connector) buildScenario(ctx context.Context, cfg model.Configuration, eng engine.Engine) (*scenario, error) {
	step, err := eng.StepLength()
	if err != nil {
		return nil, fmt.Errorf("read step length: %w", err)
	}
	net, err := c.loadNetwork(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load network: %w", err)
	}

	log := c.log.With(logging.String("config_file", cfg.ConfigFile))
	registry := incident.NewRegistry(eng, net, log,
		incident.WithTrigger(c.opts.Trigger),
		incident.WithResolver(core.NewResolver(c.opts.District)),
		incident.WithMetricsRecorder(c.scenarioMetrics),
	)
	clock, err := timectrl.NewSynchronizer(eng, cfg.BeginTime(), cfg.EndTime(), step,
		timectrl.WithMaxCatchUpSteps(c.opts.MaxCatchUpSteps),
		timectrl.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	emitter := telemetry.NewEmitter(eng, net, c.hub, log,
		telemetry.WithVehicleRecorder(c.scenarioMetrics),
	)

	// Incident effects land before the step's telemetry is read.
	clock.AddListener(registry.Tick)
	clock.AddListener(emitter.Emit)

	scen := &scenario{
		cfg:      cfg,
		eng:      eng,
		net:      net,
		registry: registry,
		sync:     clock,
		emitter:  emitter,
	}
	if c.opts.DetourAnalysis {
		scen.detour = core.NewDetourAnalyzer(net)
	}
	return scen, nil
}

//
// ---------- Time ----------
//

// handleTime runs the catch-up loop toward the trial time. Inconsistent
// incident state and engine failures end the scenario.
func (c *Connector) handleTime(ctx context.Context, tick model.TimeTick) error {
	scen := c.active()
	if scen == nil {
		return nil
	}
	log := logging.LoggerFromContext(ctx, c.log)

	ctx, span := observability.Tracer().Start(ctx, "connector/catch-up")
	defer span.End()

	start := time.Now()
	steps, err := scen.sync.AdvanceTo(ctx, tick.Time())
	if c.scenarioMetrics != nil {
		c.scenarioMetrics.ObserveCatchUp(steps, time.Since(start))
	}
	span.SetAttributes(
		attribute.Int("steps", steps),
		attribute.Int64("trial_time_ms", tick.TrialTime),
	)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, timectrl.ErrCatchUpLimit),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		log.Error(ctx, "scenario aborted",
			logging.Int("steps", steps),
			logging.Time("sim_time", scen.sync.Now()),
			logging.Err(err),
		)
		if cerr := c.closeScenario(ctx); cerr != nil {
			log.Warn(ctx, "engine close after abort failed", logging.Err(cerr))
		}
		return err
	}
}

//
// ---------- Area ----------
//

// handleArea resolves and registers one incident. A definition that cannot
// be resolved is discarded on its own; the scenario carries on.
func (c *Connector) handleArea(ctx context.Context, area model.AreaDefinition) error {
	scen := c.active()
	if scen == nil {
		return fmt.Errorf("%w: area %q", ErrNoScenario, area.ID)
	}
	log := logging.LoggerFromContext(ctx, c.log).With(logging.String("incident_id", area.ID))

	ring, err := area.Ring()
	if err != nil {
		c.resolutionFailed(ctx, log, err)
		return err
	}
	inc, err := scen.registry.Register(ctx, incident.Definition{
		ID:             area.ID,
		Begin:          area.BeginTime(),
		End:            area.EndTime(),
		Polygons:       []orb.Ring{scen.net.RingToLocal(ring)},
		Restriction:    area.ParsedRestriction(),
		DisableSignals: area.TrafficLightsBroken,
	})
	if err != nil {
		c.resolutionFailed(ctx, log, err)
		return err
	}

	if scen.detour != nil && inc.Restriction.All() && len(inc.AffectedEdges) > 0 {
		c.analyzeDetours(ctx, log, scen.detour, inc)
	}
	return nil
}

func (c *Connector) resolutionFailed(ctx context.Context, log logging.Logger, err error) {
	if c.scenarioMetrics != nil {
		c.scenarioMetrics.IncResolutionFailures()
	}
	log.Warn(ctx, "incident discarded", logging.Err(err))
}

func (c *Connector) analyzeDetours(ctx context.Context, log logging.Logger, analyzer *core.DetourAnalyzer, inc *incident.Incident) {
	detours, err := analyzer.Analyze(inc.AffectedEdges)
	if err != nil {
		log.Warn(ctx, "detour analysis failed", logging.Err(err))
		return
	}
	unreachable := 0
	for _, d := range detours {
		if d.Found {
			continue
		}
		unreachable++
		log.Info(ctx, "closed edge has no detour", logging.String("edge_id", d.EdgeID))
	}
	if c.scenarioMetrics != nil {
		c.scenarioMetrics.AddUnreachableEdges(unreachable)
	}
	log.Debug(ctx, "detour analysis done",
		logging.Int("edges", len(detours)),
		logging.Int("unreachable", unreachable),
	)
}

//
// ---------- Status ----------
//

// NetworkStats counts the elements of the loaded network.
type NetworkStats struct {
	Nodes   int `json:"nodes"`
	Edges   int `json:"edges"`
	Lanes   int `json:"lanes"`
	Signals int `json:"signals"`
}

// Status is a point-in-time view of the connector.
type Status struct {
	Active               bool                `json:"active"`
	ConfigFile           string              `json:"configFile,omitempty"`
	Begin                time.Time           `json:"begin"`
	End                  time.Time           `json:"end"`
	SimTime              time.Time           `json:"simTime"`
	Network              NetworkStats        `json:"network"`
	Incidents            []incident.Snapshot `json:"incidents"`
	RunningVehicles      int                 `json:"runningVehicles"`
	QueueDepth           int                 `json:"queueDepth"`
	TelemetrySubscribers int                 `json:"telemetrySubscribers"`
	TelemetryDropped     uint64              `json:"telemetryDropped"`
}

// Status returns a snapshot safe to call from any goroutine.
func (c *Connector) Status() Status {
	st := Status{
		Incidents:            []incident.Snapshot{},
		QueueDepth:           c.QueueDepth(),
		TelemetrySubscribers: c.hub.Subscribers(),
		TelemetryDropped:     c.hub.Dropped(),
	}
	scen := c.active()
	if scen == nil {
		return st
	}
	st.Active = true
	st.ConfigFile = scen.cfg.ConfigFile
	st.Begin = scen.cfg.BeginTime()
	st.End = scen.cfg.EndTime()
	st.SimTime = scen.sync.Now()
	st.Network.Nodes, st.Network.Edges, st.Network.Lanes, st.Network.Signals = scen.net.Stats()
	st.Incidents = scen.registry.Snapshots()
	st.RunningVehicles = scen.emitter.Running()
	return st
}
