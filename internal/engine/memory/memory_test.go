package memory_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/incident-connector/core"
	"github.com/signalsfoundry/incident-connector/internal/engine"
	"github.com/signalsfoundry/incident-connector/internal/engine/memory"
)

var junctionConfig = filepath.Join("..", "..", "..", "core", "testdata", "junction.sumocfg")

func startedEngine(t *testing.T, opts ...memory.Option) *memory.Engine {
	t.Helper()
	eng := memory.New(nil, opts...)
	require.NoError(t, eng.Start(context.Background(), engine.StartConfig{ConfigFile: junctionConfig}))
	return eng
}

func TestEngineLifecycle(t *testing.T) {
	t.Run("calls before start fail", func(t *testing.T) {
		eng := memory.New(nil)
		err := eng.Step(context.Background())
		assert.ErrorIs(t, err, engine.ErrNotStarted)
		_, err = eng.LaneDisallowed("AB_0")
		assert.ErrorIs(t, err, engine.ErrNotStarted)
	})

	t.Run("start loads network from config", func(t *testing.T) {
		eng := startedEngine(t)
		require.NotNil(t, eng.Network())
		assert.NotNil(t, eng.Network().Edge("AB"))

		d, err := eng.StepLength()
		require.NoError(t, err)
		assert.Equal(t, time.Second, d)
	})

	t.Run("start failure wraps ErrEngineStart", func(t *testing.T) {
		eng := memory.New(nil, memory.WithStartError(errors.New("boom")))
		err := eng.Start(context.Background(), engine.StartConfig{ConfigFile: junctionConfig})
		assert.ErrorIs(t, err, engine.ErrEngineStart)

		err = memory.New(nil).Start(context.Background(), engine.StartConfig{ConfigFile: "missing.sumocfg"})
		assert.ErrorIs(t, err, engine.ErrEngineStart)
	})

	t.Run("step honours cancellation", func(t *testing.T) {
		eng := startedEngine(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, eng.Step(ctx), context.Canceled)
		assert.Equal(t, 0, eng.CurrentStep())
	})
}

func TestEngineLanePermissions(t *testing.T) {
	eng := startedEngine(t)

	got, err := eng.LaneDisallowed("BC_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pedestrian"}, got)

	require.NoError(t, eng.SetLaneDisallowed("BC_1", []string{"passenger", "bus"}))
	got, err = eng.LaneDisallowed("BC_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"passenger", "bus"}, got)

	err = eng.SetLaneDisallowed("nope_0", nil)
	assert.ErrorIs(t, err, engine.ErrUnknownObject)
}

func TestEnginePrograms(t *testing.T) {
	eng := startedEngine(t)

	p, err := eng.Program("B")
	require.NoError(t, err)
	assert.Equal(t, "0", p, "signals start on their default program")

	require.NoError(t, eng.SetProgram("B", engine.ProgramOff))
	p, _ = eng.Program("B")
	assert.Equal(t, engine.ProgramOff, p)

	assert.ErrorIs(t, eng.SetProgram("B", "7"), engine.ErrUnknownObject)
	assert.ErrorIs(t, eng.SetProgram("Z", "0"), engine.ErrUnknownObject)
}

func TestEngineOverlays(t *testing.T) {
	eng := startedEngine(t)
	ring := orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 0}}

	assert.ErrorIs(t, eng.SubscribePolygonContext("a1", 10, nil), engine.ErrUnknownObject)
	require.NoError(t, eng.AddPolygon("a1", ring, engine.Red, 100))
	assert.Error(t, eng.AddPolygon("a1", ring, engine.Red, 100))
	require.NoError(t, eng.SubscribePolygonContext("a1", 10, []engine.Var{engine.VarVehicleClass}))

	vars, radius, ok := eng.Subscription("a1")
	require.True(t, ok)
	assert.Equal(t, []engine.Var{engine.VarVehicleClass}, vars)
	assert.Equal(t, 10.0, radius)

	require.NoError(t, eng.RemovePolygon("a1", 100))
	assert.False(t, eng.HasPolygon("a1"))

	ops := make([]string, 0)
	for _, c := range eng.Calls() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []string{"AddPolygon", "SubscribePolygonContext", "RemovePolygon"}, ops)
}

func TestEngineTrips(t *testing.T) {
	net, err := core.LoadSUMONetworkFile(filepath.Join("..", "..", "..", "core", "testdata", "junction.net.xml"), core.LowestProgramID)
	require.NoError(t, err)

	eng := memory.New(net, memory.WithTrips(memory.Trip{
		ID: "veh0", TypeID: "car", DepartStep: 1, ArriveStep: 3,
		Origin: orb.Point{0, 0}, Angle: 90, Speed: 10,
	}))
	require.NoError(t, eng.Start(context.Background(), engine.StartConfig{}))

	require.NoError(t, eng.Step(context.Background()))
	departed, err := eng.DepartedIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"veh0"}, departed)

	require.NoError(t, eng.Step(context.Background()))
	v, err := eng.Vehicle("veh0")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, v.X, 1e-9)
	assert.InDelta(t, 0.0, v.Y, 1e-9)
	assert.Equal(t, "car", v.TypeID)

	require.NoError(t, eng.Step(context.Background()))
	arrived, err := eng.ArrivedIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"veh0"}, arrived)
	_, err = eng.Vehicle("veh0")
	assert.ErrorIs(t, err, engine.ErrUnknownObject)
}
