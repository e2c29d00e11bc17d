package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ScenarioCollector exposes metrics of the running scenario: simulation
// progress, incident lifecycle and vehicle counts.
type ScenarioCollector struct {
	gatherer prometheus.Gatherer

	SimulationSteps     prometheus.Counter
	CatchUpDuration     prometheus.Histogram
	IncidentTransitions *prometheus.CounterVec
	Incidents           *prometheus.GaugeVec
	ResolutionFailures  prometheus.Counter
	UnreachableEdges    prometheus.Counter
	RunningVehicles     prometheus.Gauge
}

// NewScenarioCollector registers scenario metrics against the provided registerer.
func NewScenarioCollector(reg prometheus.Registerer) (*ScenarioCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	steps, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simulation_steps_total",
		Help: "Engine steps taken by the time synchronizer.",
	}), "simulation_steps_total")
	if err != nil {
		return nil, err
	}

	catchUp, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "simulation_catch_up_duration_seconds",
		Help:    "Wall-clock duration of one catch-up loop toward the trial time.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "simulation_catch_up_duration_seconds")
	if err != nil {
		return nil, err
	}

	transitions, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "incident_transitions_total",
		Help: "Incident lifecycle transitions, labeled by the status entered.",
	}, []string{"status"}), "incident_transitions_total")
	if err != nil {
		return nil, err
	}

	incidents, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "incidents",
		Help: "Registered incidents of the current scenario, labeled by status.",
	}, []string{"status"}), "incidents")
	if err != nil {
		return nil, err
	}

	failures, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "incident_resolution_failures_total",
		Help: "Area definitions discarded because their polygon could not be resolved.",
	}), "incident_resolution_failures_total")
	if err != nil {
		return nil, err
	}

	unreachable, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "incident_unreachable_edges_total",
		Help: "Closed edges for which detour analysis found no alternative route.",
	}), "incident_unreachable_edges_total")
	if err != nil {
		return nil, err
	}

	vehicles, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "simulation_running_vehicles",
		Help: "Vehicles currently running in the simulation.",
	}), "simulation_running_vehicles")
	if err != nil {
		return nil, err
	}

	return &ScenarioCollector{
		gatherer:            gatherer,
		SimulationSteps:     steps,
		CatchUpDuration:     catchUp,
		IncidentTransitions: transitions,
		Incidents:           incidents,
		ResolutionFailures:  failures,
		UnreachableEdges:    unreachable,
		RunningVehicles:     vehicles,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ScenarioCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveCatchUp records one catch-up loop.
func (c *ScenarioCollector) ObserveCatchUp(steps int, d time.Duration) {
	if c == nil {
		return
	}
	if c.SimulationSteps != nil && steps > 0 {
		c.SimulationSteps.Add(float64(steps))
	}
	if c.CatchUpDuration != nil {
		c.CatchUpDuration.Observe(d.Seconds())
	}
}

// IncidentTransition counts a lifecycle transition into status.
func (c *ScenarioCollector) IncidentTransition(status string) {
	if c == nil || c.IncidentTransitions == nil {
		return
	}
	c.IncidentTransitions.WithLabelValues(status).Inc()
}

// SetIncidentCounts updates the per-status incident gauges.
func (c *ScenarioCollector) SetIncidentCounts(pending, active, resolved int) {
	if c == nil || c.Incidents == nil {
		return
	}
	c.Incidents.WithLabelValues("pending").Set(float64(pending))
	c.Incidents.WithLabelValues("active").Set(float64(active))
	c.Incidents.WithLabelValues("resolved").Set(float64(resolved))
}

// IncResolutionFailures counts one discarded area definition.
func (c *ScenarioCollector) IncResolutionFailures() {
	if c == nil || c.ResolutionFailures == nil {
		return
	}
	c.ResolutionFailures.Inc()
}

// AddUnreachableEdges counts closed edges without a detour.
func (c *ScenarioCollector) AddUnreachableEdges(n int) {
	if c == nil || c.UnreachableEdges == nil || n <= 0 {
		return
	}
	c.UnreachableEdges.Add(float64(n))
}

// SetRunningVehicles updates the running vehicle gauge.
func (c *ScenarioCollector) SetRunningVehicles(n int) {
	if c == nil || c.RunningVehicles == nil {
		return
	}
	if n < 0 {
		n = 0
	}
	c.RunningVehicles.Set(float64(n))
}
