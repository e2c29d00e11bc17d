package core

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/samber/lo"
)

// DistrictOptions filter which edges take part in the district pass.
// The zero value is not useful; start from DefaultDistrictOptions.
type DistrictOptions struct {
	// Edges must be strictly faster than MinSpeed and slower than MaxSpeed (m/s).
	MinSpeed float64
	MaxSpeed float64
	// Internal includes junction-internal edges.
	Internal bool
	// AssignFrom tests only the edge's origin instead of its whole shape.
	AssignFrom bool
	// VClass, when set, keeps only edges with a lane open to that class.
	VClass string
	// Complete drops edges claimed by more than one district.
	Complete bool
}

// DefaultDistrictOptions mirrors the classic district computation:
// any speed, no internal edges, whole-shape membership.
func DefaultDistrictOptions() DistrictOptions {
	return DistrictOptions{MinSpeed: 0, MaxSpeed: 1000}
}

// Affected is the resolved footprint of one polygon.
type Affected struct {
	Edges   []*Edge
	Signals []*SignalController
}

// Empty reports whether nothing was resolved.
func (a Affected) Empty() bool { return len(a.Edges) == 0 && len(a.Signals) == 0 }

func (a Affected) EdgeIDs() []string {
	return lo.Map(a.Edges, func(e *Edge, _ int) string { return e.ID })
}

func (a Affected) SignalIDs() []string {
	return lo.Map(a.Signals, func(s *SignalController, _ int) string { return s.ID })
}

// Resolver computes which edges and signal controllers a polygon covers.
// It never mutates the network and is safe to share.
type Resolver struct {
	opts DistrictOptions
}

func NewResolver(opts DistrictOptions) *Resolver {
	if opts.MaxSpeed == 0 {
		opts.MaxSpeed = DefaultDistrictOptions().MaxSpeed
	}
	return &Resolver{opts: opts}
}

// Options returns the resolver's district options.
func (r *Resolver) Options() DistrictOptions { return r.opts }

// Resolve returns the edges inside ring and, when disableSignals is set,
// the signal controllers touching a signalized node inside ring. ring is
// in the network's local frame. Results are sorted by ID.
func (r *Resolver) Resolve(ring orb.Ring, net *Network, disableSignals bool) (Affected, error) {
	if net == nil {
		return Affected{}, ErrNetworkNotLoaded
	}
	closed, err := ValidateRing(ring)
	if err != nil {
		return Affected{}, err
	}

	districts := r.computeWithin(map[string]orb.Ring{"": closed}, net)
	out := Affected{Edges: districts[""]}
	if disableSignals {
		out.Signals = affectedSignals(closed, net)
	}
	return out, nil
}

// ResolveDistricts runs the district pass for several named polygons at
// once. Rings are validated individually; the first invalid ring aborts.
func (r *Resolver) ResolveDistricts(rings map[string]orb.Ring, net *Network) (map[string][]*Edge, error) {
	if net == nil {
		return nil, ErrNetworkNotLoaded
	}
	closed := make(map[string]orb.Ring, len(rings))
	for name, ring := range rings {
		c, err := ValidateRing(ring)
		if err != nil {
			return nil, err
		}
		closed[name] = c
	}
	return r.computeWithin(closed, net), nil
}

func (r *Resolver) computeWithin(rings map[string]orb.Ring, net *Network) map[string][]*Edge {
	names := lo.Keys(rings)
	sort.Strings(names)
	bounds := make(map[string]orb.Bound, len(rings))
	for _, name := range names {
		bounds[name] = rings[name].Bound()
	}

	members := make(map[string][]*Edge, len(rings))
	claims := make(map[string]int)
	for _, e := range net.Edges() {
		if !r.eligible(e) {
			continue
		}
		shape := e.Shape
		if r.opts.AssignFrom {
			shape = r.origin(e, net)
		}
		if len(shape) == 0 {
			continue
		}
		eb := shape.Bound()
		for _, name := range names {
			if !bounds[name].Intersects(eb) {
				continue
			}
			if shapeWithin(shape, rings[name]) {
				members[name] = append(members[name], e)
				claims[e.ID]++
			}
		}
	}

	for name, edges := range members {
		if r.opts.Complete {
			edges = lo.Filter(edges, func(e *Edge, _ int) bool { return claims[e.ID] == 1 })
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
		members[name] = edges
	}
	return members
}

func (r *Resolver) eligible(e *Edge) bool {
	if e.Internal() && !r.opts.Internal {
		return false
	}
	speed := e.Speed()
	if !(speed > r.opts.MinSpeed && speed < r.opts.MaxSpeed) {
		return false
	}
	if r.opts.VClass != "" && !e.Allows(r.opts.VClass) {
		return false
	}
	return true
}

func (r *Resolver) origin(e *Edge, net *Network) orb.LineString {
	if n := net.Node(e.From); n != nil {
		return orb.LineString{n.Pos}
	}
	if len(e.Shape) > 0 {
		return orb.LineString{e.Shape[0]}
	}
	return nil
}

func affectedSignals(ring orb.Ring, net *Network) []*SignalController {
	inside := make(map[string]struct{})
	for _, n := range net.Nodes() {
		if n.Signalized() && planar.RingContains(ring, n.Pos) {
			inside[n.ID] = struct{}{}
		}
	}
	if len(inside) == 0 {
		return nil
	}

	touches := func(nodeID string) bool {
		_, ok := inside[nodeID]
		return ok
	}
	var out []*SignalController
	for _, s := range net.Signals() {
		for _, c := range s.Connections {
			in := net.Edge(c.FromLane.EdgeID)
			outEdge := net.Edge(c.ToLane.EdgeID)
			if in == nil || outEdge == nil {
				continue
			}
			if touches(in.From) || touches(in.To) || touches(outEdge.To) {
				out = append(out, s)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
