package core

import (
	"sort"

	"github.com/LdDl/ch"
	"github.com/pkg/errors"
)

// Detour describes whether traffic of a closed edge can still get from
// the edge's origin to its destination over the rest of the network.
type Detour struct {
	EdgeID string
	Found  bool
	// Cost is the free-flow travel time of the detour in seconds.
	Cost float64
	// Via lists the node IDs of the detour, origin and destination included.
	Via []string
}

// DetourAnalyzer builds a contraction hierarchy over a network with a set
// of edges removed and answers detour queries against it.
type DetourAnalyzer struct {
	net *Network
}

func NewDetourAnalyzer(net *Network) *DetourAnalyzer {
	return &DetourAnalyzer{net: net}
}

// Analyze returns one Detour per closed edge, sorted by edge ID.
func (d *DetourAnalyzer) Analyze(closed []*Edge) ([]Detour, error) {
	if d.net == nil {
		return nil, ErrNetworkNotLoaded
	}
	if len(closed) == 0 {
		return nil, nil
	}

	skip := make(map[string]struct{}, len(closed))
	for _, e := range closed {
		skip[e.ID] = struct{}{}
	}

	labels := make(map[string]int64)
	names := make(map[int64]string)
	graph := ch.Graph{}
	for i, n := range d.net.Nodes() {
		label := int64(i)
		labels[n.ID] = label
		names[label] = n.ID
		if err := graph.CreateVertex(label); err != nil {
			return nil, errors.Wrapf(err, "Can't add vertex %s", n.ID)
		}
	}
	for _, e := range d.net.Edges() {
		if _, ok := skip[e.ID]; ok || e.Internal() || e.From == e.To {
			continue
		}
		from, okFrom := labels[e.From]
		to, okTo := labels[e.To]
		if !okFrom || !okTo {
			continue
		}
		if err := graph.AddEdge(from, to, travelTime(e)); err != nil {
			return nil, errors.Wrapf(err, "Can't add edge %s", e.ID)
		}
	}
	graph.PrepareContractionHierarchies()

	out := make([]Detour, 0, len(closed))
	for _, e := range closed {
		det := Detour{EdgeID: e.ID}
		from, okFrom := labels[e.From]
		to, okTo := labels[e.To]
		if okFrom && okTo {
			cost, path := graph.ShortestPath(from, to)
			if cost >= 0 && len(path) > 0 {
				det.Found = true
				det.Cost = cost
				det.Via = make([]string, len(path))
				for i, v := range path {
					det.Via[i] = names[v]
				}
			}
		}
		out = append(out, det)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EdgeID < out[j].EdgeID })
	return out, nil
}

func travelTime(e *Edge) float64 {
	speed := e.Speed()
	if speed <= 0 {
		speed = 1
	}
	return e.Length() / speed
}
