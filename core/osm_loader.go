package core

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"github.com/pkg/errors"
)

// OSMScanner is the common surface of the XML and PBF scanners.
type OSMScanner interface {
	Scan() bool
	Close() error
	Err() error
	Object() osm.Object
}

// OSMOptions tunes the OpenStreetMap importer.
type OSMOptions struct {
	Policy DefaultProgramPolicy
	// PBFWorkers is the decoder parallelism for .pbf input.
	PBFWorkers int
}

var (
	defaultLanesByHighway = map[string]int{
		"motorway":      2,
		"trunk":         2,
		"primary":       2,
		"secondary":     1,
		"tertiary":      1,
		"residential":   1,
		"living_street": 1,
		"service":       1,
		"unclassified":  1,
	}
	// km/h
	defaultSpeedByHighway = map[string]float64{
		"motorway":      120,
		"trunk":         100,
		"primary":       80,
		"secondary":     60,
		"tertiary":      40,
		"residential":   30,
		"living_street": 10,
		"service":       30,
		"unclassified":  30,
	}
)

type osmWay struct {
	id      osm.WayID
	nodes   []osm.NodeID
	highway string
	oneway  bool
	reverse bool
	lanes   int
	speed   float64 // m/s
}

// LoadOSMNetworkFile imports the drivable road graph of an .osm / .osm.pbf
// extract. Ways are split at shared nodes and at signal nodes; every
// two-way segment gets a reverse edge prefixed with "-". Each signal node
// becomes a controller with a single static program "0".
func LoadOSMNetworkFile(ctx context.Context, filename string, opts OSMOptions) (*Network, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "File open")
	}
	defer file.Close()

	newScanner := func() (OSMScanner, error) {
		switch {
		case strings.HasSuffix(filename, ".pbf"):
			workers := opts.PBFWorkers
			if workers <= 0 {
				workers = 4
			}
			return osmpbf.New(ctx, file, workers), nil
		case filepath.Ext(filename) == ".osm" || filepath.Ext(filename) == ".xml":
			return osmxml.New(ctx, file), nil
		default:
			return nil, fmt.Errorf("File extension '%s' for file '%s' is not handled yet", filepath.Ext(filename), filename)
		}
	}

	// Ways first, then only the nodes they reference.
	scanner, err := newScanner()
	if err != nil {
		return nil, err
	}
	ways, err := scanWays(scanner)
	scanner.Close()
	if err != nil {
		return nil, errors.Wrap(err, "Scanner error on Ways")
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "Can't repeat seeking")
	}
	seen := make(map[osm.NodeID]struct{})
	for _, w := range ways {
		for _, id := range w.nodes {
			seen[id] = struct{}{}
		}
	}
	scanner, err = newScanner()
	if err != nil {
		return nil, err
	}
	nodes, err := scanNodes(scanner, seen)
	scanner.Close()
	if err != nil {
		return nil, errors.Wrap(err, "Scanner error on Nodes")
	}

	net, err := buildOSMNetwork(ways, nodes, opts.Policy)
	if err != nil {
		return nil, errors.Wrap(err, "Can't prepare road network")
	}
	return net, nil
}

func scanWays(scanner OSMScanner) ([]*osmWay, error) {
	var ways []*osmWay
	for scanner.Scan() {
		way, ok := scanner.Object().(*osm.Way)
		if !ok {
			continue
		}
		highway := way.Tags.Find("highway")
		if _, drivable := defaultSpeedByHighway[highway]; !drivable {
			continue
		}
		w := &osmWay{
			id:      way.ID,
			nodes:   make([]osm.NodeID, 0, len(way.Nodes)),
			highway: highway,
			lanes:   defaultLanesByHighway[highway],
			speed:   defaultSpeedByHighway[highway] / 3.6,
		}
		for _, n := range way.Nodes {
			w.nodes = append(w.nodes, n.ID)
		}
		switch way.Tags.Find("oneway") {
		case "yes", "1", "true":
			w.oneway = true
		case "-1":
			w.oneway = true
			w.reverse = true
		case "":
			w.oneway = way.Tags.Find("junction") == "roundabout" || highway == "motorway"
		}
		if v, err := strconv.Atoi(way.Tags.Find("lanes")); err == nil && v > 0 {
			if w.oneway {
				w.lanes = v
			} else {
				w.lanes = int(math.Max(1, float64(v/2)))
			}
		}
		if v := parseMaxSpeed(way.Tags.Find("maxspeed")); v > 0 {
			w.speed = v
		}
		if w.reverse {
			for i, j := 0, len(w.nodes)-1; i < j; i, j = i+1, j-1 {
				w.nodes[i], w.nodes[j] = w.nodes[j], w.nodes[i]
			}
		}
		if len(w.nodes) >= 2 {
			ways = append(ways, w)
		}
	}
	return ways, scanner.Err()
}

func scanNodes(scanner OSMScanner, wanted map[osm.NodeID]struct{}) (map[osm.NodeID]*osm.Node, error) {
	nodes := make(map[osm.NodeID]*osm.Node, len(wanted))
	for scanner.Scan() {
		node, ok := scanner.Object().(*osm.Node)
		if !ok {
			continue
		}
		if _, ok := wanted[node.ID]; ok {
			nodes[node.ID] = node
		}
	}
	return nodes, scanner.Err()
}

// parseMaxSpeed returns m/s for values like "50", "50 km/h" or "30 mph".
func parseMaxSpeed(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	factor := 1 / 3.6
	if strings.HasSuffix(s, "mph") {
		factor = 0.44704
		s = strings.TrimSpace(strings.TrimSuffix(s, "mph"))
	}
	s = strings.TrimSpace(strings.TrimSuffix(s, "km/h"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v * factor
}

func buildOSMNetwork(ways []*osmWay, nodes map[osm.NodeID]*osm.Node, policy DefaultProgramPolicy) (*Network, error) {
	useCount := make(map[osm.NodeID]int)
	for _, w := range ways {
		for i, id := range w.nodes {
			if i == 0 || i == len(w.nodes)-1 {
				useCount[id] += 2
			} else {
				useCount[id]++
			}
		}
	}
	isSignal := func(id osm.NodeID) bool {
		n := nodes[id]
		return n != nil && n.Tags.Find("highway") == "traffic_signals"
	}
	isSplit := func(id osm.NodeID) bool {
		return useCount[id] > 1 || isSignal(id)
	}

	proj := MercatorProjection{}
	minX, minY := math.Inf(1), math.Inf(1)
	for _, n := range nodes {
		x, y := proj.Forward(n.Lon, n.Lat)
		minX = math.Min(minX, x)
		minY = math.Min(minY, y)
	}
	if len(nodes) == 0 {
		minX, minY = 0, 0
	}
	net := NewNetwork(proj, orb.Point{-minX, -minY})

	local := func(id osm.NodeID) (orb.Point, bool) {
		n := nodes[id]
		if n == nil {
			return orb.Point{}, false
		}
		return net.LonLatToXY(n.Lon, n.Lat), true
	}

	added := make(map[osm.NodeID]bool)
	addNode := func(id osm.NodeID) error {
		if added[id] {
			return nil
		}
		pos, ok := local(id)
		if !ok {
			return fmt.Errorf("%w: osm node %d", ErrNodeNotFound, id)
		}
		typ := "priority"
		if isSignal(id) {
			typ = "traffic_light"
		}
		added[id] = true
		return net.AddNode(&Node{ID: nodeKey(id), Type: typ, Pos: pos})
	}

	incoming := make(map[string][]*Edge)
	outgoing := make(map[string][]*Edge)
	addEdge := func(id string, w *osmWay, seg []osm.NodeID) error {
		shape := make(orb.LineString, 0, len(seg))
		for _, nid := range seg {
			p, ok := local(nid)
			if !ok {
				return fmt.Errorf("%w: osm node %d", ErrNodeNotFound, nid)
			}
			shape = append(shape, p)
		}
		length := lineLength(shape)
		lanes := make([]*Lane, w.lanes)
		for i := range lanes {
			lanes[i] = &Lane{
				ID:     fmt.Sprintf("%s_%d", id, i),
				Speed:  w.speed,
				Length: length,
				Shape:  shape,
			}
		}
		e := &Edge{
			ID:    id,
			From:  nodeKey(seg[0]),
			To:    nodeKey(seg[len(seg)-1]),
			Lanes: lanes,
			Shape: shape,
		}
		if err := net.AddEdge(e); err != nil {
			return err
		}
		outgoing[e.From] = append(outgoing[e.From], e)
		incoming[e.To] = append(incoming[e.To], e)
		return nil
	}

	for _, w := range ways {
		start := 0
		segIdx := 0
		for i := 1; i < len(w.nodes); i++ {
			if i != len(w.nodes)-1 && !isSplit(w.nodes[i]) {
				continue
			}
			seg := w.nodes[start : i+1]
			if err := addNode(seg[0]); err != nil {
				return nil, err
			}
			if err := addNode(seg[len(seg)-1]); err != nil {
				return nil, err
			}
			id := fmt.Sprintf("%d#%d", w.id, segIdx)
			if err := addEdge(id, w, seg); err != nil {
				return nil, err
			}
			if !w.oneway {
				rev := make([]osm.NodeID, len(seg))
				for k := range seg {
					rev[k] = seg[len(seg)-1-k]
				}
				if err := addEdge("-"+id, w, rev); err != nil {
					return nil, err
				}
			}
			start = i
			segIdx++
		}
	}

	for _, node := range net.Nodes() {
		if !node.Signalized() {
			continue
		}
		s := &SignalController{
			ID:       node.ID,
			Programs: []Program{{ID: "0", Type: "static"}},
		}
		link := 0
		for _, in := range incoming[node.ID] {
			for _, out := range outgoing[node.ID] {
				// U-turns onto the reverse twin are not signalled.
				if out.ID == reverseEdgeID(in.ID) {
					continue
				}
				s.Connections = append(s.Connections, Connection{
					FromLane:  in.Lanes[0],
					ToLane:    out.Lanes[0],
					LinkIndex: link,
				})
				link++
			}
		}
		if err := net.AddSignal(s); err != nil {
			return nil, err
		}
	}

	net.Seal(policy)
	return net, nil
}

func nodeKey(id osm.NodeID) string { return strconv.FormatInt(int64(id), 10) }

func reverseEdgeID(id string) string {
	if strings.HasPrefix(id, "-") {
		return id[1:]
	}
	return "-" + id
}
