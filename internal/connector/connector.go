// Package connector owns the control loop: it receives control messages
// from the transports, keeps them in arrival order and applies them to the
// active scenario on a single goroutine.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/incident-connector/core"
	"github.com/signalsfoundry/incident-connector/internal/engine"
	"github.com/signalsfoundry/incident-connector/internal/engine/traci"
	"github.com/signalsfoundry/incident-connector/internal/incident"
	"github.com/signalsfoundry/incident-connector/internal/logging"
	"github.com/signalsfoundry/incident-connector/internal/observability"
	"github.com/signalsfoundry/incident-connector/internal/telemetry"
	"github.com/signalsfoundry/incident-connector/model"
	"github.com/signalsfoundry/incident-connector/timectrl"
)

var (
	// ErrNoScenario is returned for area definitions that arrive before a
	// scenario was started.
	ErrNoScenario = errors.New("no active scenario")
	// ErrStopped is returned by Enqueue once Run has exited.
	ErrStopped = errors.New("connector stopped")
)

// EngineFactory creates a fresh, unstarted engine for each scenario.
type EngineFactory func() engine.Engine

// NetworkLoader loads the road network of a scenario.
type NetworkLoader func(ctx context.Context, cfg model.Configuration) (*core.Network, error)

// MessageRecorder receives one observation per handled control message.
type MessageRecorder interface {
	ObserveMessage(kind, outcome string, d time.Duration)
}

// ScenarioRecorder receives scenario metrics.
type ScenarioRecorder interface {
	incident.MetricsRecorder
	telemetry.VehicleRecorder
	ObserveCatchUp(steps int, d time.Duration)
	IncResolutionFailures()
	AddUnreachableEdges(n int)
}

// Option customises a Connector.
type Option func(*Connector)

// WithEngineFactory replaces the default TraCI engine factory.
func WithEngineFactory(f EngineFactory) Option {
	return func(c *Connector) {
		if f != nil {
			c.newEngine = f
		}
	}
}

// WithNetworkLoader replaces the default loader, which reads the net-file
// named by the scenario config.
func WithNetworkLoader(l NetworkLoader) Option {
	return func(c *Connector) {
		if l != nil {
			c.loadNetwork = l
		}
	}
}

// WithHub publishes telemetry to h instead of a private hub.
func WithHub(h *telemetry.Hub) Option {
	return func(c *Connector) {
		if h != nil {
			c.hub = h
		}
	}
}

// WithMessageRecorder attaches control message metrics.
func WithMessageRecorder(r MessageRecorder) Option {
	return func(c *Connector) { c.messages = r }
}

// WithScenarioRecorder attaches scenario metrics.
func WithScenarioRecorder(r ScenarioRecorder) Option {
	return func(c *Connector) { c.scenarioMetrics = r }
}

type envelope struct {
	msg model.Message
	id  string
}

// scenario is everything built by one configuration message. It is owned
// by the control goroutine; Status reads it under Connector.mu.
type scenario struct {
	cfg      model.Configuration
	eng      engine.Engine
	net      *core.Network
	registry *incident.Registry
	sync     *timectrl.Synchronizer
	emitter  *telemetry.Emitter
	detour   *core.DetourAnalyzer
}

// Connector applies control messages to at most one active scenario.
type Connector struct {
	opts            Options
	log             logging.Logger
	newEngine       EngineFactory
	loadNetwork     NetworkLoader
	hub             *telemetry.Hub
	messages        MessageRecorder
	scenarioMetrics ScenarioRecorder

	queue   chan envelope
	stopped chan struct{}
	once    sync.Once

	mu   sync.RWMutex
	scen *scenario
}

// New constructs a connector. Without WithEngineFactory each scenario
// launches a local simulator over TraCI.
func New(opts Options, log logging.Logger, options ...Option) *Connector {
	if log == nil {
		log = logging.Noop()
	}
	opts.ApplyDefaults()
	c := &Connector{
		opts:    opts,
		log:     log,
		hub:     telemetry.NewHub(),
		queue:   make(chan envelope, opts.QueueSize),
		stopped: make(chan struct{}),
	}
	c.newEngine = func() engine.Engine { return traci.New(traci.DefaultConfig(), log) }
	c.loadNetwork = c.loadSUMONetwork
	for _, opt := range options {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Hub returns the telemetry hub the connector publishes to.
func (c *Connector) Hub() *telemetry.Hub { return c.hub }

func (c *Connector) loadSUMONetwork(_ context.Context, cfg model.Configuration) (*core.Network, error) {
	netFile, err := core.NetFileFromConfig(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	return core.LoadSUMONetworkFile(netFile, c.opts.ProgramPolicy)
}

// Enqueue decodes raw and appends it to the ordered queue. Decoding errors
// are returned straight away and the message is dropped. Enqueue blocks
// while the queue is full, until ctx is done.
func (c *Connector) Enqueue(ctx context.Context, raw []byte) error {
	msg, err := model.DecodeMessage(raw)
	return c.enqueue(ctx, msg, err)
}

// EnqueueMap is Enqueue for transports that deliver an already parsed
// message.
func (c *Connector) EnqueueMap(ctx context.Context, m map[string]any) error {
	msg, err := model.DecodeMessageMap(m)
	return c.enqueue(ctx, msg, err)
}

func (c *Connector) enqueue(ctx context.Context, msg model.Message, decodeErr error) error {
	ctx, id := logging.EnsureMessageID(ctx)
	if decodeErr != nil {
		c.observe("unknown", decodeErr, 0)
		logging.LoggerFromContext(ctx, c.log).Warn(ctx, "control message rejected",
			logging.String("message_id", id), logging.Err(decodeErr))
		return decodeErr
	}

	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}
	select {
	case c.queue <- envelope{msg: msg, id: id}:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the number of messages waiting.
func (c *Connector) QueueDepth() int { return len(c.queue) }

// Run drains the queue until ctx is done, handling one message at a time
// in arrival order. Handling errors are logged and the loop continues. The
// active scenario is closed on exit.
func (c *Connector) Run(ctx context.Context) error {
	defer c.once.Do(func() { close(c.stopped) })
	defer c.closeScenario(context.Background())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-c.queue:
			hctx := logging.ContextWithMessageID(ctx, env.id)
			hctx, log := logging.WithMessageLogger(hctx, c.log)
			hctx = logging.ContextWithLogger(hctx, log)
			if err := c.Handle(hctx, env.msg); err != nil {
				log.Warn(hctx, "control message failed",
					logging.String("kind", string(env.msg.Kind)), logging.Err(err))
			}
		}
	}
}

// Handle applies one decoded message synchronously. It must only be called
// from the goroutine that owns the connector, normally Run.
func (c *Connector) Handle(ctx context.Context, msg model.Message) (err error) {
	start := time.Now()
	ctx, span := observability.Tracer().Start(ctx, "connector/"+string(msg.Kind),
		trace.WithAttributes(
			attribute.String("message.kind", string(msg.Kind)),
			attribute.String("message_id", logging.MessageIDFromContext(ctx)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.observe(string(msg.Kind), err, time.Since(start))
	}()

	switch msg.Kind {
	case model.KindConfiguration:
		return c.handleConfiguration(ctx, *msg.Configuration)
	case model.KindTimeTick:
		return c.handleTime(ctx, *msg.TimeTick)
	case model.KindArea:
		return c.handleArea(ctx, *msg.Area)
	default:
		return fmt.Errorf("%w: kind %q", model.ErrUnknownMessage, msg.Kind)
	}
}

func (c *Connector) observe(kind string, err error, d time.Duration) {
	if c.messages == nil {
		return
	}
	c.messages.ObserveMessage(kind, outcome(err), d)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, model.ErrMalformedMessage),
		errors.Is(err, model.ErrUnknownMessage),
		errors.Is(err, model.ErrUnsupportedArea),
		errors.Is(err, ErrNoScenario),
		errors.Is(err, core.ErrInvalidPolygon),
		errors.Is(err, incident.ErrInvalidWindow):
		return observability.OutcomeRejected
	default:
		return observability.OutcomeFailed
	}
}

// Close shuts the active scenario down. It is safe to call after Run.
func (c *Connector) Close() error {
	return c.closeScenario(context.Background())
}

func (c *Connector) active() *scenario {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scen
}

func (c *Connector) closeScenario(ctx context.Context) error {
	c.mu.Lock()
	scen := c.scen
	c.scen = nil
	c.mu.Unlock()

	if scen == nil {
		return nil
	}
	if c.scenarioMetrics != nil {
		c.scenarioMetrics.SetRunningVehicles(0)
	}
	if err := scen.eng.Close(); err != nil {
		logging.LoggerFromContext(ctx, c.log).Warn(ctx, "engine close failed", logging.Err(err))
		return err
	}
	return nil
}
