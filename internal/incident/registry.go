package incident

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/signalsfoundry/incident-connector/core"
	"github.com/signalsfoundry/incident-connector/internal/engine"
	"github.com/signalsfoundry/incident-connector/internal/logging"
)

var (
	// ErrInconsistentIncidentState marks a transition that needs state
	// which was never captured. It is fatal for the scenario.
	ErrInconsistentIncidentState = errors.New("inconsistent incident state")
	// ErrInvalidWindow rejects incidents whose begin is not before end.
	ErrInvalidWindow = errors.New("incident begin must be before end")
)

const (
	// OverlayLayer is the drawing layer of incident polygons.
	OverlayLayer = 100
	// SubscriptionRadius is the context subscription range around an
	// incident polygon, in metres.
	SubscriptionRadius = 10.0
)

// SubscriptionVars are the vehicle attributes monitored around an
// active incident.
var SubscriptionVars = []engine.Var{engine.VarVehicleClass, engine.VarPosition, engine.VarRouteValid}

// Effector is the part of the simulation engine an incident acts on.
type Effector interface {
	SetProgram(tlsID, programID string) error
	LaneDisallowed(laneID string) ([]string, error)
	SetLaneDisallowed(laneID string, classes []string) error
	AddPolygon(id string, ring orb.Ring, color engine.Color, layer int) error
	RemovePolygon(id string, layer int) error
	SubscribePolygonContext(polygonID string, radius float64, vars []engine.Var) error
}

// MetricsRecorder receives lifecycle updates.
type MetricsRecorder interface {
	IncidentTransition(status string)
	SetIncidentCounts(pending, active, resolved int)
}

// RegistryOption customises Registry construction.
type RegistryOption func(*Registry)

// WithTrigger selects how begin and end instants are matched.
func WithTrigger(t Trigger) RegistryOption {
	return func(r *Registry) {
		r.trigger = t
	}
}

// WithResolver replaces the default district resolver.
func WithResolver(res *core.Resolver) RegistryOption {
	return func(r *Registry) {
		if res != nil {
			r.resolver = res
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry holds the incidents of one scenario in registration order and
// applies their effects as simulated time advances.
//
// Lanes shared by several active incidents are tracked with a holder
// stack: the most recent activation wins, and resolving a holder that is
// not on top hands its saved baseline to the holder above it, so the lane
// ends at its pre-incident value whatever order the incidents resolve in.
// A signal stays off until the last incident holding it resolves.
type Registry struct {
	mu sync.RWMutex

	eng      Effector
	net      *core.Network
	resolver *core.Resolver
	log      logging.Logger
	trigger  Trigger
	metrics  MetricsRecorder

	incidents     []*Incident
	laneHolders   map[string][]*Incident
	signalHolders map[string]int
	nextSeq       int
}

// NewRegistry creates an empty registry acting on eng over net.
func NewRegistry(eng Effector, net *core.Network, log logging.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = logging.Noop()
	}
	r := &Registry{
		eng:           eng,
		net:           net,
		resolver:      core.NewResolver(core.DefaultDistrictOptions()),
		log:           log,
		laneHolders:   make(map[string][]*Incident),
		signalHolders: make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.updateMetricsLocked()
	return r
}

// Register resolves def against the network and stores it as Pending.
// Overlapping windows or footprints are accepted as-is.
func (r *Registry) Register(ctx context.Context, def Definition) (*Incident, error) {
	if r.net == nil {
		return nil, core.ErrNetworkNotLoaded
	}
	if !def.Begin.Before(def.End) {
		return nil, fmt.Errorf("%w: incident %q [%s, %s]", ErrInvalidWindow, def.ID,
			def.Begin.Format(time.RFC3339Nano), def.End.Format(time.RFC3339Nano))
	}
	if len(def.Polygons) == 0 {
		return nil, fmt.Errorf("%w: incident %q has no polygon", core.ErrInvalidPolygon, def.ID)
	}

	edges := make(map[string]*core.Edge)
	signals := make(map[string]*core.SignalController)
	polygons := make([]orb.Ring, 0, len(def.Polygons))
	for _, ring := range def.Polygons {
		closed, err := core.ValidateRing(ring)
		if err != nil {
			return nil, fmt.Errorf("incident %q: %w", def.ID, err)
		}
		affected, err := r.resolver.Resolve(closed, r.net, def.DisableSignals)
		if err != nil {
			return nil, fmt.Errorf("incident %q: %w", def.ID, err)
		}
		for _, e := range affected.Edges {
			edges[e.ID] = e
		}
		for _, s := range affected.Signals {
			signals[s.ID] = s
		}
		polygons = append(polygons, closed)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inc := &Incident{
		ID:              def.ID,
		Begin:           def.Begin,
		End:             def.End,
		Polygons:        polygons,
		Restriction:     def.Restriction,
		DisableSignals:  def.DisableSignals,
		AffectedEdges:   sortedEdges(edges),
		AffectedSignals: sortedSignals(signals),
		status:          Pending,
		seq:             r.nextSeq,
	}
	r.nextSeq++
	r.incidents = append(r.incidents, inc)
	r.updateMetricsLocked()

	r.log.Info(ctx, "incident registered",
		logging.String("incident_id", inc.ID),
		logging.Time("begin", inc.Begin),
		logging.Time("end", inc.End),
		logging.String("restriction", inc.Restriction.String()),
		logging.Int("edges", len(inc.AffectedEdges)),
		logging.Int("signals", len(inc.AffectedSignals)),
	)
	return inc, nil
}

// Tick applies every transition due at now, in registration order. The
// first engine failure or inconsistency aborts the tick.
func (r *Registry) Tick(ctx context.Context, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, inc := range r.incidents {
		if inc.status == Pending && r.trigger.fires(now, inc.Begin) {
			if err := r.activateLocked(ctx, inc); err != nil {
				return err
			}
		}
		if inc.status == Active && r.trigger.fires(now, inc.End) {
			if err := r.deactivateLocked(ctx, inc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) activateLocked(ctx context.Context, inc *Incident) error {
	for _, s := range inc.AffectedSignals {
		if err := r.eng.SetProgram(s.ID, engine.ProgramOff); err != nil {
			return fmt.Errorf("incident %q: switch off signal %q: %w", inc.ID, s.ID, err)
		}
		r.signalHolders[s.ID]++
	}

	inc.saved = make(map[string][]string)
	target := disallowedFor(inc.Restriction)
	for _, lane := range inc.Lanes() {
		current, err := r.eng.LaneDisallowed(lane.ID)
		if err != nil {
			return fmt.Errorf("incident %q: read lane %q: %w", inc.ID, lane.ID, err)
		}
		inc.saved[lane.ID] = current
		if err := r.eng.SetLaneDisallowed(lane.ID, target); err != nil {
			return fmt.Errorf("incident %q: restrict lane %q: %w", inc.ID, lane.ID, err)
		}
		r.laneHolders[lane.ID] = append(r.laneHolders[lane.ID], inc)
	}

	for idx, ring := range inc.Polygons {
		id := inc.overlayID(idx)
		if err := r.eng.AddPolygon(id, ring, engine.Red, OverlayLayer); err != nil {
			r.log.Warn(ctx, "incident overlay not added",
				logging.String("incident_id", inc.ID), logging.Err(err))
			continue
		}
		if err := r.eng.SubscribePolygonContext(id, SubscriptionRadius, SubscriptionVars); err != nil {
			r.log.Warn(ctx, "incident subscription not opened",
				logging.String("incident_id", inc.ID), logging.Err(err))
		}
	}

	inc.status = Active
	r.transitionLocked(ctx, inc)
	return nil
}

func (r *Registry) deactivateLocked(ctx context.Context, inc *Incident) error {
	// Check every held effect before reverting any of them.
	for _, s := range inc.AffectedSignals {
		if r.signalHolders[s.ID] == 0 {
			return fmt.Errorf("%w: incident %q releases signal %q it does not hold",
				ErrInconsistentIncidentState, inc.ID, s.ID)
		}
	}
	lanes := inc.Lanes()
	for _, lane := range lanes {
		if _, ok := inc.saved[lane.ID]; !ok {
			return fmt.Errorf("%w: incident %q has no saved permissions for lane %q",
				ErrInconsistentIncidentState, inc.ID, lane.ID)
		}
		if holderIndex(r.laneHolders[lane.ID], inc) < 0 {
			return fmt.Errorf("%w: incident %q does not hold lane %q",
				ErrInconsistentIncidentState, inc.ID, lane.ID)
		}
	}

	for _, s := range inc.AffectedSignals {
		if held := r.signalHolders[s.ID]; held > 1 {
			r.signalHolders[s.ID] = held - 1
			continue
		}
		delete(r.signalHolders, s.ID)
		if s.DefaultProgramID == "" {
			r.log.Warn(ctx, "signal has no default program, left off",
				logging.String("incident_id", inc.ID), logging.String("signal_id", s.ID))
			continue
		}
		if err := r.eng.SetProgram(s.ID, s.DefaultProgramID); err != nil {
			return fmt.Errorf("incident %q: restore signal %q: %w", inc.ID, s.ID, err)
		}
	}

	for _, lane := range lanes {
		saved := inc.saved[lane.ID]
		holders := r.laneHolders[lane.ID]
		pos := holderIndex(holders, inc)
		if pos == len(holders)-1 {
			if err := r.eng.SetLaneDisallowed(lane.ID, saved); err != nil {
				return fmt.Errorf("incident %q: restore lane %q: %w", inc.ID, lane.ID, err)
			}
		} else {
			holders[pos+1].saved[lane.ID] = saved
		}
		holders = append(holders[:pos], holders[pos+1:]...)
		if len(holders) == 0 {
			delete(r.laneHolders, lane.ID)
		} else {
			r.laneHolders[lane.ID] = holders
		}
	}

	for idx := range inc.Polygons {
		if err := r.eng.RemovePolygon(inc.overlayID(idx), OverlayLayer); err != nil {
			r.log.Warn(ctx, "incident overlay not removed",
				logging.String("incident_id", inc.ID), logging.Err(err))
		}
	}

	inc.saved = nil
	inc.status = Resolved
	r.transitionLocked(ctx, inc)
	return nil
}

func holderIndex(holders []*Incident, inc *Incident) int {
	for i, h := range holders {
		if h == inc {
			return i
		}
	}
	return -1
}

func (r *Registry) transitionLocked(ctx context.Context, inc *Incident) {
	r.log.Info(ctx, "incident "+inc.status.String(),
		logging.String("incident_id", inc.ID),
		logging.Int("lanes", len(inc.Lanes())),
		logging.Int("signals", len(inc.AffectedSignals)),
	)
	if r.metrics != nil {
		r.metrics.IncidentTransition(inc.status.String())
	}
	r.updateMetricsLocked()
}

func (r *Registry) updateMetricsLocked() {
	if r.metrics == nil {
		return
	}
	c := r.countsLocked()
	r.metrics.SetIncidentCounts(c[Pending], c[Active], c[Resolved])
}

func (r *Registry) countsLocked() map[Status]int {
	c := make(map[Status]int, 3)
	for _, inc := range r.incidents {
		c[inc.status]++
	}
	return c
}

// Counts returns the number of incidents per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countsLocked()
}

// Incidents returns the registered incidents in registration order.
func (r *Registry) Incidents() []*Incident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Incident(nil), r.incidents...)
}

// Snapshot is a read-only view of one incident for status reporting.
type Snapshot struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	Begin          time.Time `json:"begin"`
	End            time.Time `json:"end"`
	Restriction    string    `json:"restriction"`
	DisableSignals bool      `json:"disableSignals"`
	Edges          []string  `json:"edges"`
	Signals        []string  `json:"signals"`
	// Area is the first polygon as WKT in lon/lat.
	Area string `json:"area"`
}

// Snapshots returns status views in registration order.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.incidents))
	for _, inc := range r.incidents {
		s := Snapshot{
			ID:             inc.ID,
			Status:         inc.status.String(),
			Begin:          inc.Begin,
			End:            inc.End,
			Restriction:    inc.Restriction.String(),
			DisableSignals: inc.DisableSignals,
			Edges:          make([]string, 0, len(inc.AffectedEdges)),
			Signals:        make([]string, 0, len(inc.AffectedSignals)),
		}
		for _, e := range inc.AffectedEdges {
			s.Edges = append(s.Edges, e.ID)
		}
		for _, sig := range inc.AffectedSignals {
			s.Signals = append(s.Signals, sig.ID)
		}
		if len(inc.Polygons) > 0 && r.net != nil {
			geo := make(orb.Ring, len(inc.Polygons[0]))
			for i, p := range inc.Polygons[0] {
				lon, lat := r.net.XYToLonLat(p)
				geo[i] = orb.Point{lon, lat}
			}
			s.Area = wkt.MarshalString(orb.Polygon{geo})
		}
		out = append(out, s)
	}
	return out
}

func sortedEdges(m map[string]*core.Edge) []*core.Edge {
	out := make([]*core.Edge, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedSignals(m map[string]*core.SignalController) []*core.SignalController {
	out := make([]*core.SignalController, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
