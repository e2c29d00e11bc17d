// Package memory is a deterministic, in-process simulation engine over a
// loaded road network. It keeps lane permissions, signal programs and
// overlays in tables and replays a scripted vehicle schedule.
package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/signalsfoundry/incident-connector/core"
	"github.com/signalsfoundry/incident-connector/internal/engine"
)

// DefaultStepLength matches the simulator's default step.
const DefaultStepLength = time.Second

// Trip scripts one vehicle: it departs at DepartStep, moves in a straight
// line from Origin with constant Speed along Angle and arrives at
// ArriveStep (0 means it never arrives).
type Trip struct {
	ID         string
	TypeID     string
	DepartStep int
	ArriveStep int
	Origin     orb.Point
	Angle      float64
	Speed      float64
}

// Call records one mutating engine call, in order.
type Call struct {
	Op     string
	Target string
	Value  string
}

func (c Call) String() string {
	if c.Value == "" {
		return c.Op + " " + c.Target
	}
	return c.Op + " " + c.Target + "=" + c.Value
}

type overlay struct {
	ring   orb.Ring
	color  engine.Color
	layer  int
	subscr []engine.Var
	radius float64
}

// Engine implements engine.Engine.
type Engine struct {
	mu sync.Mutex

	net        *core.Network
	stepLength time.Duration
	trips      []Trip
	startErr   error

	started  bool
	step     int
	lanes    map[string][]string
	programs map[string]string
	overlays map[string]*overlay
	calls    []Call
	cfg      engine.StartConfig
}

// Option configures an Engine.
type Option func(*Engine)

// WithStepLength overrides DefaultStepLength.
func WithStepLength(d time.Duration) Option {
	return func(e *Engine) { e.stepLength = d }
}

// WithTrips installs the vehicle schedule.
func WithTrips(trips ...Trip) Option {
	return func(e *Engine) { e.trips = append(e.trips, trips...) }
}

// WithStartError makes Start fail with err, for exercising start failures.
func WithStartError(err error) Option {
	return func(e *Engine) { e.startErr = err }
}

// New creates an engine over net. A nil net is loaded at Start from the
// net-file named by the scenario config.
func New(net *core.Network, opts ...Option) *Engine {
	e := &Engine{
		net:        net,
		stepLength: DefaultStepLength,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Start(ctx context.Context, cfg engine.StartConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.startErr != nil {
		return fmt.Errorf("%w: %v", engine.ErrEngineStart, e.startErr)
	}
	if e.stepLength <= 0 {
		return fmt.Errorf("%w: non-positive step length %s", engine.ErrEngineStart, e.stepLength)
	}
	if e.net == nil {
		if cfg.ConfigFile == "" {
			return fmt.Errorf("%w: no network and no config file", engine.ErrEngineStart)
		}
		netFile, err := core.NetFileFromConfig(cfg.ConfigFile)
		if err != nil {
			return fmt.Errorf("%w: %v", engine.ErrEngineStart, err)
		}
		net, err := core.LoadSUMONetworkFile(netFile, core.LowestProgramID)
		if err != nil {
			return fmt.Errorf("%w: %v", engine.ErrEngineStart, err)
		}
		e.net = net
	}

	e.cfg = cfg
	e.step = 0
	e.calls = nil
	e.overlays = make(map[string]*overlay)
	e.lanes = make(map[string][]string)
	e.programs = make(map[string]string)
	for _, edge := range e.net.Edges() {
		for _, l := range edge.Lanes {
			e.lanes[l.ID] = append([]string{}, l.Disallow...)
		}
	}
	for _, s := range e.net.Signals() {
		e.programs[s.ID] = s.DefaultProgramID
	}
	e.started = true
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	return nil
}

func (e *Engine) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return engine.ErrNotStarted
	}
	e.step++
	return nil
}

func (e *Engine) StepLength() (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return 0, engine.ErrNotStarted
	}
	return e.stepLength, nil
}

func (e *Engine) LaneDisallowed(laneID string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, engine.ErrNotStarted
	}
	classes, ok := e.lanes[laneID]
	if !ok {
		return nil, fmt.Errorf("%w: lane %q", engine.ErrUnknownObject, laneID)
	}
	return append([]string{}, classes...), nil
}

func (e *Engine) SetLaneDisallowed(laneID string, classes []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return engine.ErrNotStarted
	}
	if _, ok := e.lanes[laneID]; !ok {
		return fmt.Errorf("%w: lane %q", engine.ErrUnknownObject, laneID)
	}
	e.lanes[laneID] = append([]string{}, classes...)
	e.record("SetLaneDisallowed", laneID, strings.Join(classes, " "))
	return nil
}

func (e *Engine) Program(tlsID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return "", engine.ErrNotStarted
	}
	p, ok := e.programs[tlsID]
	if !ok {
		return "", fmt.Errorf("%w: signal %q", engine.ErrUnknownObject, tlsID)
	}
	return p, nil
}

// SetProgram accepts any program of the controller's catalogue and the
// "off" program.
func (e *Engine) SetProgram(tlsID, programID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return engine.ErrNotStarted
	}
	s := e.net.Signal(tlsID)
	if s == nil {
		return fmt.Errorf("%w: signal %q", engine.ErrUnknownObject, tlsID)
	}
	if programID != engine.ProgramOff && !s.HasProgram(programID) {
		return fmt.Errorf("%w: program %q of signal %q", engine.ErrUnknownObject, programID, tlsID)
	}
	e.programs[tlsID] = programID
	e.record("SetProgram", tlsID, programID)
	return nil
}

func (e *Engine) AddPolygon(id string, ring orb.Ring, color engine.Color, layer int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return engine.ErrNotStarted
	}
	if _, exists := e.overlays[id]; exists {
		return fmt.Errorf("polygon %q already exists", id)
	}
	e.overlays[id] = &overlay{ring: ring.Clone(), color: color, layer: layer}
	e.record("AddPolygon", id, "")
	return nil
}

func (e *Engine) RemovePolygon(id string, layer int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return engine.ErrNotStarted
	}
	if _, ok := e.overlays[id]; !ok {
		return fmt.Errorf("%w: polygon %q", engine.ErrUnknownObject, id)
	}
	delete(e.overlays, id)
	e.record("RemovePolygon", id, "")
	return nil
}

func (e *Engine) SubscribePolygonContext(polygonID string, radius float64, vars []engine.Var) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return engine.ErrNotStarted
	}
	o, ok := e.overlays[polygonID]
	if !ok {
		return fmt.Errorf("%w: polygon %q", engine.ErrUnknownObject, polygonID)
	}
	o.subscr = append([]engine.Var{}, vars...)
	o.radius = radius
	e.record("SubscribePolygonContext", polygonID, "")
	return nil
}

func (e *Engine) DepartedIDs() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, engine.ErrNotStarted
	}
	var ids []string
	for _, t := range e.trips {
		if t.DepartStep == e.step {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func (e *Engine) ArrivedIDs() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, engine.ErrNotStarted
	}
	var ids []string
	for _, t := range e.trips {
		if t.ArriveStep > 0 && t.ArriveStep == e.step {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func (e *Engine) Vehicle(id string) (engine.VehicleState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return engine.VehicleState{}, engine.ErrNotStarted
	}
	for _, t := range e.trips {
		if t.ID != id {
			continue
		}
		if e.step < t.DepartStep || (t.ArriveStep > 0 && e.step >= t.ArriveStep) {
			break
		}
		dist := t.Speed * float64(e.step-t.DepartStep) * e.stepLength.Seconds()
		rad := t.Angle * math.Pi / 180
		return engine.VehicleState{
			ID:     t.ID,
			TypeID: t.TypeID,
			X:      t.Origin[0] + dist*math.Sin(rad),
			Y:      t.Origin[1] + dist*math.Cos(rad),
			Angle:  t.Angle,
			Speed:  t.Speed,
		}, nil
	}
	return engine.VehicleState{}, fmt.Errorf("%w: vehicle %q", engine.ErrUnknownObject, id)
}

//
// ---------- Inspection ----------
//

// Network returns the network the engine runs on.
func (e *Engine) Network() *core.Network {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.net
}

// CurrentStep returns the number of steps taken since Start.
func (e *Engine) CurrentStep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.step
}

// Calls returns the mutating calls since Start, in order.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// HasPolygon reports whether an overlay with id is registered.
func (e *Engine) HasPolygon(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.overlays[id]
	return ok
}

// Subscription returns the vars and radius subscribed on a polygon.
func (e *Engine) Subscription(id string) ([]engine.Var, float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.overlays[id]
	if !ok || o.subscr == nil {
		return nil, 0, false
	}
	return append([]engine.Var{}, o.subscr...), o.radius, true
}

// StartConfig returns the config of the last Start.
func (e *Engine) StartConfig() engine.StartConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) record(op, target, value string) {
	e.calls = append(e.calls, Call{Op: op, Target: target, Value: value})
}

var _ engine.Engine = (*Engine)(nil)
