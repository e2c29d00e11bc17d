package connector

import (
	"github.com/signalsfoundry/incident-connector/core"
	"github.com/signalsfoundry/incident-connector/internal/incident"
)

// DefaultQueueSize is the capacity of the inbound control message queue.
const DefaultQueueSize = 1024

// Options holds the connector configuration.
type Options struct {
	// QueueSize is the capacity of the ordered inbound queue.
	// Default: 1024
	QueueSize int

	// Trigger selects how incident begin and end instants are matched
	// against simulated time.
	// Default: incident.TriggerExact
	Trigger incident.Trigger

	// ProgramPolicy picks each signal's default program when the network
	// is loaded.
	// Default: core.LowestProgramID
	ProgramPolicy core.DefaultProgramPolicy

	// District is the edge membership policy used to resolve incident
	// polygons.
	// Default: core.DefaultDistrictOptions()
	District core.DistrictOptions

	// DetourAnalysis enables the detour check for incidents that close
	// every vehicle class.
	DetourAnalysis bool

	// MaxCatchUpSteps bounds one catch-up loop. Zero is unbounded.
	MaxCatchUpSteps int

	// OutputFile is handed to the engine as its per-vehicle trace file.
	OutputFile string
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:     DefaultQueueSize,
		Trigger:       incident.TriggerExact,
		ProgramPolicy: core.LowestProgramID,
		District:      core.DefaultDistrictOptions(),
	}
}

// ApplyDefaults fills zero values with their defaults.
func (o *Options) ApplyDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.District.MaxSpeed <= 0 {
		o.District = core.DefaultDistrictOptions()
	}
	if o.MaxCatchUpSteps < 0 {
		o.MaxCatchUpSteps = 0
	}
}
