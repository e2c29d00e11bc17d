package connector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/incident-connector/internal/engine"
	"github.com/signalsfoundry/incident-connector/internal/engine/memory"
	"github.com/signalsfoundry/incident-connector/internal/observability"
	"github.com/signalsfoundry/incident-connector/model"
)

const junctionConfig = "../../core/testdata/junction.sumocfg"

func configMsg(begin, end int64) string {
	return fmt.Sprintf(`{"begin":%d,"end":%d,"configFile":%q,"singleVehicle":1}`, begin, end, junctionConfig)
}

func timeMsg(ms int64) string {
	return fmt.Sprintf(`{"trialTime":%d}`, ms)
}

// areaMsg builds an area definition over an axis-aligned box. The junction
// network has an identity projection, so lon/lat equal local metres.
func areaMsg(id string, begin, end int64, minX, minY, maxX, maxY float64, broken bool, restriction string) string {
	return fmt.Sprintf(`{"id":%q,"begin":%d,"end":%d,"trafficLightsBroken":%t,"restriction":%q,`+
		`"area":{"type":"Polygon","coordinates":[[[%g,%g],[%g,%g],[%g,%g],[%g,%g],[%g,%g]]]}}`,
		id, begin, end, broken, restriction,
		minX, minY, maxX, minY, maxX, maxY, minX, maxY, minX, minY)
}

type harness struct {
	c       *Connector
	engines []*memory.Engine
}

func (h *harness) engine() *memory.Engine { return h.engines[len(h.engines)-1] }

func newHarness(t *testing.T, opts Options, extra ...Option) *harness {
	t.Helper()
	h := &harness{}
	factory := WithEngineFactory(func() engine.Engine {
		e := memory.New(nil, memory.WithTrips(
			memory.Trip{ID: "veh0", TypeID: "car", DepartStep: 1, ArriveStep: 3, Speed: 10, Angle: 90},
		))
		h.engines = append(h.engines, e)
		return e
	})
	h.c = New(opts, nil, append([]Option{factory}, extra...)...)
	t.Cleanup(func() { _ = h.c.Close() })
	return h
}

func (h *harness) handle(t *testing.T, raw string) error {
	t.Helper()
	msg, err := model.DecodeMessage([]byte(raw))
	require.NoError(t, err)
	return h.c.Handle(context.Background(), msg)
}

func laneOf(t *testing.T, e *memory.Engine, id string) []string {
	t.Helper()
	got, err := e.LaneDisallowed(id)
	require.NoError(t, err)
	return got
}

func programOf(t *testing.T, e *memory.Engine, id string) string {
	t.Helper()
	got, err := e.Program(id)
	require.NoError(t, err)
	return got
}

func TestConnectorIncidentScenario(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	require.NoError(t, h.handle(t, configMsg(0, 3600000)))
	require.NoError(t, h.handle(t, areaMsg("a1", 1000, 2000, 50, -20, 250, 20, true, "all")))

	st := h.c.Status()
	require.True(t, st.Active)
	assert.Equal(t, NetworkStats{Nodes: 4, Edges: 4, Lanes: 5, Signals: 1}, st.Network)
	require.Len(t, st.Incidents, 1)
	assert.Equal(t, []string{"AB", "BC"}, st.Incidents[0].Edges)
	assert.Equal(t, []string{"B"}, st.Incidents[0].Signals)
	assert.Equal(t, "pending", st.Incidents[0].Status)

	eng := h.engine()
	assert.Equal(t, engine.StartConfig{ConfigFile: junctionConfig, SamplePeriod: 1}, eng.StartConfig())

	require.NoError(t, h.handle(t, timeMsg(1000)))
	assert.Equal(t, []string{}, laneOf(t, eng, "AB_0"))
	assert.Equal(t, []string{}, laneOf(t, eng, "BC_1"))
	assert.Equal(t, engine.ProgramOff, programOf(t, eng, "B"))
	assert.Equal(t, "active", h.c.Status().Incidents[0].Status)

	require.NoError(t, h.handle(t, timeMsg(2000)))
	assert.Equal(t, []string{"pedestrian"}, laneOf(t, eng, "BC_1"))
	assert.Equal(t, "0", programOf(t, eng, "B"))
	assert.Equal(t, 2, eng.CurrentStep())

	st = h.c.Status()
	assert.Equal(t, "resolved", st.Incidents[0].Status)
	assert.True(t, st.SimTime.Equal(time.UnixMilli(2000)))
	assert.Equal(t, 1, st.RunningVehicles)
}

func TestConnectorTimeWithoutScenarioIsNoop(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	require.NoError(t, h.handle(t, timeMsg(5000)))
	assert.False(t, h.c.Status().Active)
	assert.Empty(t, h.engines)
}

func TestConnectorAreaWithoutScenarioIsRejected(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	err := h.handle(t, areaMsg("a1", 1000, 2000, 0, 0, 1, 1, false, "all"))
	assert.ErrorIs(t, err, ErrNoScenario)
}

func TestConnectorEngineStartFailureLeavesNoScenario(t *testing.T) {
	c := New(DefaultOptions(), nil, WithEngineFactory(func() engine.Engine {
		return memory.New(nil, memory.WithStartError(errors.New("no binary")))
	}))
	msg, err := model.DecodeMessage([]byte(configMsg(0, 10000)))
	require.NoError(t, err)

	err = c.Handle(context.Background(), msg)
	assert.ErrorIs(t, err, engine.ErrEngineStart)
	assert.False(t, c.Status().Active)

	tick, _ := model.DecodeMessage([]byte(timeMsg(1000)))
	assert.NoError(t, c.Handle(context.Background(), tick))
}

func TestConnectorBadNetworkLeavesNoScenario(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	err := h.handle(t, `{"begin":0,"end":1000,"configFile":"does-not-exist.sumocfg"}`)
	require.Error(t, err)
	assert.False(t, h.c.Status().Active)
}

func TestConnectorReconfigureClosesPreviousScenario(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	require.NoError(t, h.handle(t, configMsg(0, 10000)))
	require.NoError(t, h.handle(t, areaMsg("a1", 1000, 2000, 50, -20, 250, 20, false, "all")))
	require.NoError(t, h.handle(t, configMsg(0, 10000)))

	require.Len(t, h.engines, 2)
	_, err := h.engines[0].LaneDisallowed("AB_0")
	assert.ErrorIs(t, err, engine.ErrNotStarted)
	assert.Empty(t, h.c.Status().Incidents)
}

func TestConnectorDiscardsUnresolvableArea(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewScenarioCollector(reg)
	require.NoError(t, err)
	h := newHarness(t, DefaultOptions(), WithScenarioRecorder(metrics))
	require.NoError(t, h.handle(t, configMsg(0, 10000)))

	degenerate := `{"id":"bad","begin":1000,"end":2000,"restriction":"all","area":{"type":"Polygon","coordinates":[[[0,0],[1,1],[0,0]]]}}`
	assert.Error(t, h.handle(t, degenerate))
	point := `{"id":"pt","begin":1000,"end":2000,"restriction":"all","area":{"type":"Point","coordinates":[0,0]}}`
	assert.ErrorIs(t, h.handle(t, point), model.ErrUnsupportedArea)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ResolutionFailures))
	assert.True(t, h.c.Status().Active)
	assert.Empty(t, h.c.Status().Incidents)
}

type stepFailure struct {
	*memory.Engine
}

func (stepFailure) Step(context.Context) error { return errors.New("simulator died") }

func TestConnectorEngineFailureAbortsScenario(t *testing.T) {
	c := New(DefaultOptions(), nil, WithEngineFactory(func() engine.Engine {
		return stepFailure{memory.New(nil)}
	}))
	cfg, _ := model.DecodeMessage([]byte(configMsg(0, 10000)))
	require.NoError(t, c.Handle(context.Background(), cfg))

	tick, _ := model.DecodeMessage([]byte(timeMsg(1000)))
	assert.Error(t, c.Handle(context.Background(), tick))
	assert.False(t, c.Status().Active)
}

func TestConnectorCatchUpBound(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxCatchUpSteps = 2
	h := newHarness(t, opts)
	require.NoError(t, h.handle(t, configMsg(0, 10000)))

	err := h.handle(t, timeMsg(5000))
	require.Error(t, err)
	// The bound is not fatal; the next tick resumes.
	assert.True(t, h.c.Status().Active)
	require.Error(t, h.handle(t, timeMsg(5000)))
	require.NoError(t, h.handle(t, timeMsg(5000)))
	assert.Equal(t, 5, h.engine().CurrentStep())
}

func TestConnectorDetourAnalysis(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewScenarioCollector(reg)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.DetourAnalysis = true
	h := newHarness(t, opts, WithScenarioRecorder(metrics))
	require.NoError(t, h.handle(t, configMsg(0, 10000)))

	// BC is the only way to C.
	require.NoError(t, h.handle(t, areaMsg("c1", 1000, 2000, 110, -20, 190, 20, false, "all")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UnreachableEdges))

	// Partial restrictions keep the road open, so no analysis runs.
	require.NoError(t, h.handle(t, areaMsg("c2", 1000, 2000, 110, -20, 190, 20, false, "truck")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UnreachableEdges))
}

type messageLog struct {
	kinds    []string
	outcomes []string
}

func (m *messageLog) ObserveMessage(kind, outcome string, _ time.Duration) {
	m.kinds = append(m.kinds, kind)
	m.outcomes = append(m.outcomes, outcome)
}

func TestConnectorRunHandlesInOrder(t *testing.T) {
	rec := &messageLog{}
	h := newHarness(t, DefaultOptions(), WithMessageRecorder(rec))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, raw := range []string{
		configMsg(0, 10000),
		areaMsg("a1", 1000, 2000, 50, -20, 250, 20, true, "passenger bus"),
		timeMsg(1000),
	} {
		require.NoError(t, h.c.Enqueue(ctx, []byte(raw)))
	}
	assert.ErrorIs(t, h.c.Enqueue(ctx, []byte(`{"hello":1}`)), model.ErrUnknownMessage)
	assert.Equal(t, 3, h.c.QueueDepth())

	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()

	require.Eventually(t, func() bool {
		st := h.c.Status()
		return len(st.Incidents) == 1 && st.Incidents[0].Status == "active"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.ErrorIs(t, h.c.Enqueue(context.Background(), []byte(timeMsg(2000))), ErrStopped)

	assert.Equal(t, []string{"unknown", "configuration", "area", "time"}, rec.kinds)
	assert.Equal(t, []string{"rejected", "ok", "ok", "ok"}, rec.outcomes)
}

func TestConnectorPublishesTelemetry(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	items, cancel := h.c.Hub().Subscribe(16)
	defer cancel()

	require.NoError(t, h.handle(t, configMsg(0, 10000)))
	require.NoError(t, h.handle(t, timeMsg(2000)))

	first := <-items
	second := <-items
	assert.Equal(t, "veh0 car", first.Name)
	assert.Equal(t, first.GUID, second.GUID)
	assert.InDelta(t, 10.0, second.Location.Longitude, 1e-9)
}

func TestOptionsApplyDefaults(t *testing.T) {
	var o Options
	o.ApplyDefaults()
	assert.Equal(t, DefaultQueueSize, o.QueueSize)
	assert.Equal(t, 1000.0, o.District.MaxSpeed)
}

func TestConnectorEnqueueMap(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, h.c.EnqueueMap(ctx, map[string]any{"trialTime": float64(1700000000000)}))
	assert.Equal(t, 1, h.c.QueueDepth())

	err := h.c.EnqueueMap(ctx, map[string]any{"trialTime": "soon"})
	assert.ErrorIs(t, err, model.ErrMalformedMessage)
	assert.Equal(t, 1, h.c.QueueDepth())
}
