package core

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// NetFileFromConfig returns the net-file named by a simulation config
// (.sumocfg), resolved relative to the config's directory.
func NetFileFromConfig(configFile string) (string, error) {
	f, err := os.Open(configFile)
	if err != nil {
		return "", errors.Wrap(err, "Can't open simulation config")
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Wrap(err, "Can't parse simulation config")
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "net-file" {
			continue
		}
		value := attr(se, "value")
		if value == "" {
			continue
		}
		// Several files may be listed; the first one is the road network.
		value = strings.Split(value, ",")[0]
		if !filepath.IsAbs(value) {
			value = filepath.Join(filepath.Dir(configFile), value)
		}
		return value, nil
	}
	return "", fmt.Errorf("no net-file in %s", configFile)
}

// LoadSUMONetworkFile parses a .net.xml file.
func LoadSUMONetworkFile(path string, policy DefaultProgramPolicy) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "Can't open network file")
	}
	defer f.Close()
	net, err := LoadSUMONetwork(f, policy)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't load network %s", path)
	}
	return net, nil
}

type rawConnection struct {
	from, to         string
	fromLane, toLane string
	tl               string
	linkIndex        int
}

// LoadSUMONetwork reads a SUMO network document and returns a sealed
// Network. Only the elements needed for incident handling are read:
// location, edges with lanes, junctions, signal programs and signal
// controlled connections.
func LoadSUMONetwork(r io.Reader, policy DefaultProgramPolicy) (*Network, error) {
	dec := xml.NewDecoder(r)

	var (
		net       *Network
		curEdge   *Edge
		junctions []*Node
		edges     []*Edge
		programs  = make(map[string][]Program)
		tlsOrder  []string
		conns     []rawConnection
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "Can't read network XML")
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "location":
				proj, err := ParseProjection(attr(el, "projParameter"))
				if err != nil {
					return nil, errors.Wrap(err, "Can't parse location")
				}
				offset, err := parsePoint(attr(el, "netOffset"))
				if err != nil {
					return nil, errors.Wrap(err, "Can't parse netOffset")
				}
				net = NewNetwork(proj, offset)
			case "edge":
				prio, _ := strconv.Atoi(attr(el, "priority"))
				shape, err := parseShape(attr(el, "shape"))
				if err != nil {
					return nil, errors.Wrapf(err, "edge %s", attr(el, "id"))
				}
				curEdge = &Edge{
					ID:       attr(el, "id"),
					From:     attr(el, "from"),
					To:       attr(el, "to"),
					Function: attr(el, "function"),
					Priority: prio,
					Shape:    shape,
				}
			case "lane":
				if curEdge == nil {
					continue
				}
				lane, err := parseLane(el)
				if err != nil {
					return nil, errors.Wrapf(err, "edge %s", curEdge.ID)
				}
				curEdge.Lanes = append(curEdge.Lanes, lane)
			case "junction":
				x, _ := strconv.ParseFloat(attr(el, "x"), 64)
				y, _ := strconv.ParseFloat(attr(el, "y"), 64)
				junctions = append(junctions, &Node{
					ID:   attr(el, "id"),
					Type: attr(el, "type"),
					Pos:  orb.Point{x, y},
				})
			case "tlLogic":
				id := attr(el, "id")
				if _, seen := programs[id]; !seen {
					tlsOrder = append(tlsOrder, id)
				}
				programs[id] = append(programs[id], Program{
					ID:   attr(el, "programID"),
					Type: attr(el, "type"),
				})
			case "connection":
				tl := attr(el, "tl")
				if tl == "" {
					continue
				}
				idx, _ := strconv.Atoi(attr(el, "linkIndex"))
				conns = append(conns, rawConnection{
					from:      attr(el, "from"),
					to:        attr(el, "to"),
					fromLane:  attr(el, "fromLane"),
					toLane:    attr(el, "toLane"),
					tl:        tl,
					linkIndex: idx,
				})
			}
		case xml.EndElement:
			if el.Name.Local == "edge" && curEdge != nil {
				edges = append(edges, curEdge)
				curEdge = nil
			}
		}
	}

	if net == nil {
		net = NewNetwork(IdentityProjection{}, orb.Point{})
	}
	for _, j := range junctions {
		if err := net.AddNode(j); err != nil {
			return nil, err
		}
	}
	for _, e := range edges {
		if err := net.AddEdge(e); err != nil {
			return nil, err
		}
	}

	signals := make(map[string]*SignalController, len(tlsOrder))
	for _, id := range tlsOrder {
		signals[id] = &SignalController{ID: id, Programs: programs[id]}
	}
	for _, c := range conns {
		s, ok := signals[c.tl]
		if !ok {
			// A connection may reference a controller without an explicit
			// program (static logic generated at runtime).
			s = &SignalController{ID: c.tl}
			signals[c.tl] = s
			tlsOrder = append(tlsOrder, c.tl)
		}
		from := net.Lane(c.from + "_" + c.fromLane)
		to := net.Lane(c.to + "_" + c.toLane)
		if from == nil || to == nil {
			return nil, fmt.Errorf("%w: connection %s_%s -> %s_%s", ErrLaneNotFound, c.from, c.fromLane, c.to, c.toLane)
		}
		s.Connections = append(s.Connections, Connection{FromLane: from, ToLane: to, LinkIndex: c.linkIndex})
	}
	for _, id := range tlsOrder {
		if err := net.AddSignal(signals[id]); err != nil {
			return nil, err
		}
	}

	net.Seal(policy)
	return net, nil
}

func parseLane(el xml.StartElement) (*Lane, error) {
	speed, err := strconv.ParseFloat(attr(el, "speed"), 64)
	if err != nil {
		return nil, fmt.Errorf("lane %s: bad speed: %w", attr(el, "id"), err)
	}
	length, _ := strconv.ParseFloat(attr(el, "length"), 64)
	shape, err := parseShape(attr(el, "shape"))
	if err != nil {
		return nil, fmt.Errorf("lane %s: %w", attr(el, "id"), err)
	}
	return &Lane{
		ID:       attr(el, "id"),
		Speed:    speed,
		Length:   length,
		Shape:    shape,
		Allow:    strings.Fields(attr(el, "allow")),
		Disallow: strings.Fields(attr(el, "disallow")),
	}, nil
}

func parseShape(s string) (orb.LineString, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, nil
	}
	ls := make(orb.LineString, 0, len(fields))
	for _, f := range fields {
		p, err := parsePoint(f)
		if err != nil {
			return nil, err
		}
		ls = append(ls, p)
	}
	return ls, nil
}

// parsePoint reads "x,y" or "x,y,z"; z is dropped.
func parsePoint(s string) (orb.Point, error) {
	if s == "" {
		return orb.Point{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) < 2 {
		return orb.Point{}, fmt.Errorf("bad coordinate %q", s)
	}
	x, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("bad coordinate %q: %w", s, err)
	}
	y, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("bad coordinate %q: %w", s, err)
	}
	return orb.Point{x, y}, nil
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
