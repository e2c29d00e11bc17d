// Package incident owns the lifecycle of time-windowed road incidents:
// registration against a network, activation at the begin instant and
// restoration at the end instant.
package incident

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/signalsfoundry/incident-connector/core"
	"github.com/signalsfoundry/incident-connector/model"
)

// Status is the lifecycle state of an incident.
type Status int

const (
	Pending Status = iota
	Active
	Resolved
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Trigger decides whether a boundary instant has been hit.
type Trigger int

const (
	// TriggerExact fires only when the simulated time equals the boundary.
	TriggerExact Trigger = iota
	// TriggerReached fires once the simulated time is at or past it.
	TriggerReached
)

func (t Trigger) fires(now, at time.Time) bool {
	if t == TriggerReached {
		return !now.Before(at)
	}
	return now.Equal(at)
}

func (t Trigger) String() string {
	if t == TriggerReached {
		return "reached"
	}
	return "exact"
}

// ParseTrigger maps a flag value onto a Trigger.
func ParseTrigger(s string) (Trigger, error) {
	switch strings.ToLower(s) {
	case "", "exact":
		return TriggerExact, nil
	case "reached":
		return TriggerReached, nil
	default:
		return TriggerExact, fmt.Errorf("unknown trigger %q", s)
	}
}

// Definition is an incident as submitted for registration. Polygons are
// in the network's local frame.
type Definition struct {
	ID             string
	Begin          time.Time
	End            time.Time
	Polygons       []orb.Ring
	Restriction    model.Restriction
	DisableSignals bool
}

// Incident is a registered incident with its resolved footprint.
type Incident struct {
	ID             string
	Begin          time.Time
	End            time.Time
	Polygons       []orb.Ring
	Restriction    model.Restriction
	DisableSignals bool

	AffectedEdges   []*core.Edge
	AffectedSignals []*core.SignalController

	status Status
	// saved holds each touched lane's disallowed set from before
	// activation. Only populated while Active.
	saved map[string][]string
	seq   int
}

// Status returns the current lifecycle state.
func (i *Incident) Status() Status { return i.status }

// SavedPermissions returns a copy of the saved lane permissions.
func (i *Incident) SavedPermissions() map[string][]string {
	out := make(map[string][]string, len(i.saved))
	for k, v := range i.saved {
		out[k] = append([]string{}, v...)
	}
	return out
}

// Lanes returns every lane of every affected edge, in edge order.
func (i *Incident) Lanes() []*core.Lane {
	var out []*core.Lane
	for _, e := range i.AffectedEdges {
		out = append(out, e.Lanes...)
	}
	return out
}

// overlayID names the i-th polygon overlay of the incident.
func (i *Incident) overlayID(idx int) string {
	if len(i.Polygons) == 1 {
		return i.ID
	}
	return i.ID + "#" + strconv.Itoa(idx)
}

// disallowedFor maps a restriction onto the engine's lane permission
// encoding. The engine treats an empty disallowed list on a closed lane
// as "every class blocked".
func disallowedFor(r model.Restriction) []string {
	if r.All() {
		return []string{}
	}
	return r.Classes()
}
