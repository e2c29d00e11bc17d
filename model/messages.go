package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	geojson "github.com/paulmach/go.geojson"
	"github.com/paulmach/orb"
)

var (
	// ErrUnknownMessage indicates a control message matched none of the
	// known kinds.
	ErrUnknownMessage = errors.New("unknown control message")
	// ErrMalformedMessage indicates a control message of a known kind
	// could not be decoded.
	ErrMalformedMessage = errors.New("malformed control message")
	// ErrUnsupportedArea indicates an area geometry that carries no
	// usable polygon ring.
	ErrUnsupportedArea = errors.New("unsupported area geometry")
)

// Kind identifies one of the three control message kinds.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindTimeTick      Kind = "time"
	KindArea          Kind = "area"
)

// Configuration starts a scenario. Begin and End are simulated instants
// in milliseconds, in the same unit as trial time.
type Configuration struct {
	Begin         int64  `json:"begin"`
	End           int64  `json:"end"`
	ConfigFile    string `json:"configFile"`
	SingleVehicle int    `json:"singleVehicle"`
}

// BeginTime returns Begin as a time instant.
func (c Configuration) BeginTime() time.Time { return time.UnixMilli(c.Begin).UTC() }

// EndTime returns End as a time instant.
func (c Configuration) EndTime() time.Time { return time.UnixMilli(c.End).UTC() }

// TimeTick carries the externally authoritative trial time in milliseconds.
type TimeTick struct {
	TrialTime int64 `json:"trialTime"`
}

// Time returns the trial time as a time instant.
func (t TimeTick) Time() time.Time { return time.UnixMilli(t.TrialTime).UTC() }

// AreaDefinition describes one incident. Area is a GeoJSON Polygon or
// MultiPolygon geometry in lon/lat; only the outer ring of the first
// polygon is used.
type AreaDefinition struct {
	ID                  string          `json:"id"`
	Begin               int64           `json:"begin"`
	End                 int64           `json:"end"`
	Area                json.RawMessage `json:"area"`
	TrafficLightsBroken bool            `json:"trafficLightsBroken"`
	Restriction         string          `json:"restriction"`
}

// BeginTime returns Begin as a time instant.
func (a AreaDefinition) BeginTime() time.Time { return time.UnixMilli(a.Begin).UTC() }

// EndTime returns End as a time instant.
func (a AreaDefinition) EndTime() time.Time { return time.UnixMilli(a.End).UTC() }

// ParsedRestriction returns the decoded restriction value.
func (a AreaDefinition) ParsedRestriction() Restriction {
	return ParseRestriction(a.Restriction)
}

// Ring decodes the first polygon ring of Area as lon/lat points.
func (a AreaDefinition) Ring() (orb.Ring, error) {
	if len(a.Area) == 0 {
		return nil, fmt.Errorf("%w: area %q has no geometry", ErrUnsupportedArea, a.ID)
	}
	geom, err := geojson.UnmarshalGeometry(a.Area)
	if err != nil {
		return nil, fmt.Errorf("%w: area %q: %v", ErrMalformedMessage, a.ID, err)
	}

	var coords [][]float64
	switch geom.Type {
	case geojson.GeometryPolygon:
		if len(geom.Polygon) > 0 {
			coords = geom.Polygon[0]
		}
	case geojson.GeometryMultiPolygon:
		if len(geom.MultiPolygon) > 0 && len(geom.MultiPolygon[0]) > 0 {
			coords = geom.MultiPolygon[0][0]
		}
	default:
		return nil, fmt.Errorf("%w: area %q is a %s", ErrUnsupportedArea, a.ID, geom.Type)
	}
	if len(coords) == 0 {
		return nil, fmt.Errorf("%w: area %q has an empty ring", ErrUnsupportedArea, a.ID)
	}

	ring := make(orb.Ring, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			return nil, fmt.Errorf("%w: area %q has a short coordinate", ErrMalformedMessage, a.ID)
		}
		ring = append(ring, orb.Point{c[0], c[1]})
	}
	return ring, nil
}

// Message is one decoded inbound control message. Exactly one of the
// payload pointers is set, matching Kind.
type Message struct {
	Kind          Kind
	Configuration *Configuration
	TimeTick      *TimeTick
	Area          *AreaDefinition
}

// DecodeMessage decodes a JSON control message. The kind is chosen by
// field presence: configFile, then trialTime, then restriction.
func DecodeMessage(raw []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch {
	case has(fields, "configFile"):
		var cfg Configuration
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Message{}, fmt.Errorf("%w: configuration: %v", ErrMalformedMessage, err)
		}
		return Message{Kind: KindConfiguration, Configuration: &cfg}, nil
	case has(fields, "trialTime"):
		var tick TimeTick
		if err := json.Unmarshal(raw, &tick); err != nil {
			return Message{}, fmt.Errorf("%w: time: %v", ErrMalformedMessage, err)
		}
		return Message{Kind: KindTimeTick, TimeTick: &tick}, nil
	case has(fields, "restriction"):
		var area AreaDefinition
		if err := json.Unmarshal(raw, &area); err != nil {
			return Message{}, fmt.Errorf("%w: area: %v", ErrMalformedMessage, err)
		}
		return Message{Kind: KindArea, Area: &area}, nil
	default:
		return Message{}, ErrUnknownMessage
	}
}

// DecodeMessageMap decodes a control message already parsed into a
// generic map, as delivered by structured transports.
func DecodeMessageMap(m map[string]any) (Message, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return DecodeMessage(raw)
}

func has(fields map[string]json.RawMessage, key string) bool {
	_, ok := fields[key]
	return ok
}
