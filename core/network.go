package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

var (
	ErrNetworkNotLoaded = errors.New("network not loaded")
	ErrNetworkSealed    = errors.New("network is sealed")
	ErrNodeExists       = errors.New("node already exists")
	ErrNodeNotFound     = errors.New("node not found")
	ErrEdgeExists       = errors.New("edge already exists")
	ErrEdgeNotFound     = errors.New("edge not found")
	ErrLaneNotFound     = errors.New("lane not found")
	ErrSignalExists     = errors.New("signal controller already exists")
	ErrSignalNotFound   = errors.New("signal controller not found")
)

// EdgeFunctionInternal marks edges that live inside junctions.
const EdgeFunctionInternal = "internal"

// Node is an intersection or dead end of the road graph, in local
// coordinates (metres).
type Node struct {
	ID   string
	Type string
	Pos  orb.Point
}

// Signalized reports whether the node is a signal-controlled intersection.
func (n *Node) Signalized() bool {
	return n.Type == "traffic_light" || n.Type == "traffic_light_right_on_red"
}

// Lane is a sub-path of an edge. Allow / Disallow are the static
// permissions declared by the network file; the live permission set is
// owned by the simulation engine.
type Lane struct {
	ID       string
	EdgeID   string
	Index    int
	Speed    float64 // m/s
	Length   float64 // m
	Shape    orb.LineString
	Allow    []string
	Disallow []string
}

// Edge is a directed road segment.
type Edge struct {
	ID       string
	From     string
	To       string
	Function string
	Priority int
	Lanes    []*Lane
	Shape    orb.LineString
}

// Internal reports whether the edge is a junction-internal edge.
func (e *Edge) Internal() bool { return e.Function == EdgeFunctionInternal }

// Speed returns the speed limit of the last declared lane, or 0 for a
// lane-less edge. Mixed-speed edges are filtered by that lane, the way
// SUMO's own network tools report edge speed.
func (e *Edge) Speed() float64 {
	if len(e.Lanes) == 0 {
		return 0
	}
	return e.Lanes[len(e.Lanes)-1].Speed
}

// Length returns the length of the first lane, or the planar length of
// the edge shape when no lane declares one.
func (e *Edge) Length() float64 {
	if len(e.Lanes) > 0 && e.Lanes[0].Length > 0 {
		return e.Lanes[0].Length
	}
	return lineLength(e.Shape)
}

// Bound returns the bounding box of the edge shape and all lane shapes.
func (e *Edge) Bound() orb.Bound {
	b := e.Shape.Bound()
	for _, l := range e.Lanes {
		if len(l.Shape) > 0 {
			b = b.Union(l.Shape.Bound())
		}
	}
	return b
}

// Allows reports whether at least one lane permits the vehicle class.
func (e *Edge) Allows(vclass string) bool {
	for _, l := range e.Lanes {
		if laneAllows(l, vclass) {
			return true
		}
	}
	return false
}

func laneAllows(l *Lane, vclass string) bool {
	if len(l.Allow) > 0 {
		for _, c := range l.Allow {
			if c == vclass || c == "all" {
				return true
			}
		}
		return false
	}
	for _, c := range l.Disallow {
		if c == vclass || c == "all" {
			return false
		}
	}
	return true
}

// Connection is one controlled lane-to-lane movement of a signal.
type Connection struct {
	FromLane  *Lane
	ToLane    *Lane
	LinkIndex int
}

// Program is one named control logic of a signal controller.
type Program struct {
	ID   string
	Type string
}

// SignalController governs right-of-way at one or more intersections.
// Programs keep declaration order. DefaultProgramID is the program the
// controller is returned to when an incident stops overriding it.
type SignalController struct {
	ID               string
	Connections      []Connection
	Programs         []Program
	DefaultProgramID string
}

// HasProgram reports whether id is in the controller's catalogue.
func (s *SignalController) HasProgram(id string) bool {
	for _, p := range s.Programs {
		if p.ID == id {
			return true
		}
	}
	return false
}

// DefaultProgramPolicy selects which catalogue entry becomes
// DefaultProgramID when the network is sealed.
type DefaultProgramPolicy int

const (
	// LowestProgramID picks the lexicographically smallest program ID.
	LowestProgramID DefaultProgramPolicy = iota
	// FirstDeclaredProgram picks the first program in file order.
	FirstDeclaredProgram
)

func (p DefaultProgramPolicy) String() string {
	switch p {
	case FirstDeclaredProgram:
		return "first-declared"
	default:
		return "lowest-id"
	}
}

// ParseDefaultProgramPolicy maps a flag value onto a policy.
func ParseDefaultProgramPolicy(s string) (DefaultProgramPolicy, error) {
	switch strings.ToLower(s) {
	case "", "lowest-id", "lowest":
		return LowestProgramID, nil
	case "first-declared", "first":
		return FirstDeclaredProgram, nil
	default:
		return LowestProgramID, fmt.Errorf("unknown default program policy %q", s)
	}
}

// Network is an immutable snapshot of a road network once Seal has been
// called. Builders (the loaders and tests) populate it through the Add*
// methods first.
type Network struct {
	nodes   map[string]*Node
	edges   map[string]*Edge
	lanes   map[string]*Lane
	signals map[string]*SignalController

	nodeOrder   []string
	edgeOrder   []string
	signalOrder []string

	projection Projection
	offset     orb.Point

	sealed bool
}

// NewNetwork creates an empty network using the given projection and
// net offset (added to projected coordinates). A nil projection means
// local coordinates are used as-is.
func NewNetwork(projection Projection, offset orb.Point) *Network {
	if projection == nil {
		projection = IdentityProjection{}
	}
	return &Network{
		nodes:      make(map[string]*Node),
		edges:      make(map[string]*Edge),
		lanes:      make(map[string]*Lane),
		signals:    make(map[string]*SignalController),
		projection: projection,
		offset:     offset,
	}
}

//
// ---------- Building ----------
//

func (n *Network) AddNode(node *Node) error {
	if n.sealed {
		return ErrNetworkSealed
	}
	if node == nil || node.ID == "" {
		return fmt.Errorf("nil or empty node")
	}
	if _, exists := n.nodes[node.ID]; exists {
		return fmt.Errorf("%w: %q", ErrNodeExists, node.ID)
	}
	n.nodes[node.ID] = node
	n.nodeOrder = append(n.nodeOrder, node.ID)
	return nil
}

// AddEdge registers an edge and its lanes. Lane EdgeID and Index are
// filled in from the edge. When the edge has no shape, the middle lane's
// shape is used.
func (n *Network) AddEdge(edge *Edge) error {
	if n.sealed {
		return ErrNetworkSealed
	}
	if edge == nil || edge.ID == "" {
		return fmt.Errorf("nil or empty edge")
	}
	if _, exists := n.edges[edge.ID]; exists {
		return fmt.Errorf("%w: %q", ErrEdgeExists, edge.ID)
	}
	for i, l := range edge.Lanes {
		l.EdgeID = edge.ID
		l.Index = i
		n.lanes[l.ID] = l
	}
	if len(edge.Shape) == 0 && len(edge.Lanes) > 0 {
		edge.Shape = edge.Lanes[len(edge.Lanes)/2].Shape
	}
	n.edges[edge.ID] = edge
	n.edgeOrder = append(n.edgeOrder, edge.ID)
	return nil
}

// AddSignal registers a signal controller. Connections must reference
// lanes that were added beforehand.
func (n *Network) AddSignal(s *SignalController) error {
	if n.sealed {
		return ErrNetworkSealed
	}
	if s == nil || s.ID == "" {
		return fmt.Errorf("nil or empty signal controller")
	}
	if _, exists := n.signals[s.ID]; exists {
		return fmt.Errorf("%w: %q", ErrSignalExists, s.ID)
	}
	n.signals[s.ID] = s
	n.signalOrder = append(n.signalOrder, s.ID)
	return nil
}

// Seal freezes the network and settles each controller's default program
// according to policy. Controllers that already name a valid default keep it.
func (n *Network) Seal(policy DefaultProgramPolicy) {
	for _, id := range n.signalOrder {
		s := n.signals[id]
		if s.DefaultProgramID != "" && s.HasProgram(s.DefaultProgramID) {
			continue
		}
		s.DefaultProgramID = pickDefaultProgram(s.Programs, policy)
	}
	n.sealed = true
}

func pickDefaultProgram(programs []Program, policy DefaultProgramPolicy) string {
	if len(programs) == 0 {
		return ""
	}
	if policy == FirstDeclaredProgram {
		return programs[0].ID
	}
	lowest := programs[0].ID
	for _, p := range programs[1:] {
		if p.ID < lowest {
			lowest = p.ID
		}
	}
	return lowest
}

//
// ---------- Queries ----------
//

// Sealed reports whether the network is frozen.
func (n *Network) Sealed() bool { return n.sealed }

func (n *Network) Node(id string) *Node { return n.nodes[id] }

func (n *Network) Edge(id string) *Edge { return n.edges[id] }

func (n *Network) Lane(id string) *Lane { return n.lanes[id] }

func (n *Network) Signal(id string) *SignalController { return n.signals[id] }

// Nodes returns nodes in insertion order.
func (n *Network) Nodes() []*Node {
	out := make([]*Node, 0, len(n.nodeOrder))
	for _, id := range n.nodeOrder {
		out = append(out, n.nodes[id])
	}
	return out
}

// Edges returns edges in insertion order.
func (n *Network) Edges() []*Edge {
	out := make([]*Edge, 0, len(n.edgeOrder))
	for _, id := range n.edgeOrder {
		out = append(out, n.edges[id])
	}
	return out
}

// Signals returns signal controllers in insertion order.
func (n *Network) Signals() []*SignalController {
	out := make([]*SignalController, 0, len(n.signalOrder))
	for _, id := range n.signalOrder {
		out = append(out, n.signals[id])
	}
	return out
}

// Bound returns the bounding box of all nodes and edges.
func (n *Network) Bound() orb.Bound {
	var b orb.Bound
	first := true
	extend := func(o orb.Bound) {
		if first {
			b = o
			first = false
			return
		}
		b = b.Union(o)
	}
	for _, id := range n.nodeOrder {
		extend(n.nodes[id].Pos.Bound())
	}
	for _, id := range n.edgeOrder {
		if e := n.edges[id]; len(e.Shape) > 0 {
			extend(e.Bound())
		}
	}
	return b
}

// Stats summarises the network size for logs.
func (n *Network) Stats() (nodes, edges, lanes, signals int) {
	return len(n.nodes), len(n.edges), len(n.lanes), len(n.signals)
}

// LonLatToXY converts a geographic position into the local frame.
func (n *Network) LonLatToXY(lon, lat float64) orb.Point {
	x, y := n.projection.Forward(lon, lat)
	return orb.Point{x + n.offset[0], y + n.offset[1]}
}

// XYToLonLat converts a local position back to longitude / latitude.
func (n *Network) XYToLonLat(p orb.Point) (lon, lat float64) {
	return n.projection.Inverse(p[0]-n.offset[0], p[1]-n.offset[1])
}

// RingToLocal converts a lon/lat ring into the local frame.
func (n *Network) RingToLocal(ring orb.Ring) orb.Ring {
	out := make(orb.Ring, len(ring))
	for i, p := range ring {
		out[i] = n.LonLatToXY(p[0], p[1])
	}
	return out
}
