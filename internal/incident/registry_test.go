package incident

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/incident-connector/core"
	"github.com/signalsfoundry/incident-connector/internal/engine"
	"github.com/signalsfoundry/incident-connector/internal/engine/memory"
	"github.com/signalsfoundry/incident-connector/model"
)

func box(minX, minY, maxX, maxY float64) orb.Ring {
	return orb.Ring{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY}}
}

func ms(v int64) time.Time { return time.UnixMilli(v).UTC() }

func newTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *memory.Engine) {
	t.Helper()
	net, err := core.LoadSUMONetworkFile("../../core/testdata/junction.net.xml", core.LowestProgramID)
	require.NoError(t, err)
	eng := memory.New(net)
	require.NoError(t, eng.Start(context.Background(), engine.StartConfig{}))
	return NewRegistry(eng, net, nil, opts...), eng
}

func lane(t *testing.T, eng *memory.Engine, id string) []string {
	t.Helper()
	got, err := eng.LaneDisallowed(id)
	require.NoError(t, err)
	return got
}

func program(t *testing.T, eng *memory.Engine, id string) string {
	t.Helper()
	got, err := eng.Program(id)
	require.NoError(t, err)
	return got
}

type recorder struct {
	transitions []string
	last        [3]int
}

func (r *recorder) IncidentTransition(status string) { r.transitions = append(r.transitions, status) }
func (r *recorder) SetIncidentCounts(p, a, res int)  { r.last = [3]int{p, a, res} }

func TestRegistryLifecycleClosesAndRestores(t *testing.T) {
	rec := &recorder{}
	reg, eng := newTestRegistry(t, WithMetricsRecorder(rec))
	ctx := context.Background()

	inc, err := reg.Register(ctx, Definition{
		ID:             "a1",
		Begin:          ms(1000),
		End:            ms(2000),
		Polygons:       []orb.Ring{box(50, -20, 250, 20)},
		Restriction:    model.RestrictAll(),
		DisableSignals: true,
	})
	require.NoError(t, err)
	assert.Equal(t, Pending, inc.Status())
	assert.Equal(t, [3]int{1, 0, 0}, rec.last)

	require.NoError(t, reg.Tick(ctx, ms(0)))
	assert.Equal(t, Pending, inc.Status())

	require.NoError(t, reg.Tick(ctx, ms(1000)))
	assert.Equal(t, Active, inc.Status())
	for _, id := range []string{"AB_0", "BC_0", "BC_1"} {
		assert.Equal(t, []string{}, lane(t, eng, id), id)
	}
	assert.Equal(t, engine.ProgramOff, program(t, eng, "B"))
	assert.True(t, eng.HasPolygon("a1"))
	vars, radius, ok := eng.Subscription("a1")
	require.True(t, ok)
	assert.Equal(t, SubscriptionVars, vars)
	assert.Equal(t, SubscriptionRadius, radius)
	assert.Equal(t, []string{"pedestrian"}, inc.SavedPermissions()["BC_1"])

	require.NoError(t, reg.Tick(ctx, ms(2000)))
	assert.Equal(t, Resolved, inc.Status())
	assert.Equal(t, []string{}, lane(t, eng, "AB_0"))
	assert.Equal(t, []string{"pedestrian"}, lane(t, eng, "BC_1"))
	assert.Equal(t, "0", program(t, eng, "B"))
	assert.False(t, eng.HasPolygon("a1"))
	assert.Empty(t, inc.SavedPermissions())

	assert.Equal(t, []string{"active", "resolved"}, rec.transitions)
	assert.Equal(t, [3]int{0, 0, 1}, rec.last)
}

func TestRegistryRestrictsExplicitClasses(t *testing.T) {
	reg, eng := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, Definition{
		ID:          "bus-only",
		Begin:       ms(1000),
		End:         ms(5000),
		Polygons:    []orb.Ring{box(110, -20, 190, 20)},
		Restriction: model.ParseRestriction("passenger bus"),
	})
	require.NoError(t, err)
	require.NoError(t, reg.Tick(ctx, ms(1000)))

	assert.Equal(t, []string{"passenger", "bus"}, lane(t, eng, "BC_0"))
	assert.Equal(t, []string{"passenger", "bus"}, lane(t, eng, "BC_1"))
	// Signals are only touched when the incident disables them.
	assert.Equal(t, "0", program(t, eng, "B"))
}

func TestRegistryTicksInRegistrationOrder(t *testing.T) {
	reg, eng := newTestRegistry(t)
	ctx := context.Background()

	for _, def := range []Definition{
		{ID: "first", Begin: ms(1000), End: ms(2000), Polygons: []orb.Ring{box(110, -20, 190, 20)}, Restriction: model.RestrictAll()},
		{ID: "second", Begin: ms(1000), End: ms(2000), Polygons: []orb.Ring{box(-10, -20, 90, 20)}, Restriction: model.RestrictAll()},
	} {
		_, err := reg.Register(ctx, def)
		require.NoError(t, err)
	}
	require.NoError(t, reg.Tick(ctx, ms(1000)))

	var order []string
	for _, c := range eng.Calls() {
		if c.Op == "AddPolygon" {
			order = append(order, c.Target)
		}
	}
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRegistryMissedBeginStaysPending(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	inc, err := reg.Register(ctx, Definition{
		ID: "a1", Begin: ms(1000), End: ms(2000),
		Polygons: []orb.Ring{box(-10, -20, 90, 20)}, Restriction: model.RestrictAll(),
	})
	require.NoError(t, err)
	require.NoError(t, reg.Tick(ctx, ms(500)))
	require.NoError(t, reg.Tick(ctx, ms(1500)))
	require.NoError(t, reg.Tick(ctx, ms(2500)))
	assert.Equal(t, Pending, inc.Status())
}

func TestRegistryReachedTriggerCatchesUp(t *testing.T) {
	reg, eng := newTestRegistry(t, WithTrigger(TriggerReached))
	ctx := context.Background()

	inc, err := reg.Register(ctx, Definition{
		ID: "a1", Begin: ms(1000), End: ms(2000),
		Polygons: []orb.Ring{box(110, -20, 190, 20)}, Restriction: model.RestrictAll(),
	})
	require.NoError(t, err)
	require.NoError(t, reg.Tick(ctx, ms(1500)))
	assert.Equal(t, Active, inc.Status())

	// A single tick past both boundaries activates and resolves.
	late, err := reg.Register(ctx, Definition{
		ID: "late", Begin: ms(1600), End: ms(1700),
		Polygons: []orb.Ring{box(-10, -20, 90, 20)}, Restriction: model.RestrictAll(),
	})
	require.NoError(t, err)
	require.NoError(t, reg.Tick(ctx, ms(2500)))
	assert.Equal(t, Resolved, inc.Status())
	assert.Equal(t, Resolved, late.Status())
	assert.Equal(t, []string{"pedestrian"}, lane(t, eng, "BC_1"))
}

func TestRegistryOverlappingIncidentsRestoreBaseline(t *testing.T) {
	cases := []struct {
		name          string
		outerEnd      int64
		innerEnd      int64
		afterFirstEnd []string
	}{
		// outer resolves first while inner still holds the lane
		{name: "outer-first", outerEnd: 3000, innerEnd: 4000, afterFirstEnd: []string{}},
		// inner resolves first and hands the lane back to outer
		{name: "inner-first", outerEnd: 4000, innerEnd: 3000, afterFirstEnd: []string{"bus"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, eng := newTestRegistry(t)
			ctx := context.Background()

			_, err := reg.Register(ctx, Definition{
				ID: "outer", Begin: ms(1000), End: ms(tc.outerEnd),
				Polygons: []orb.Ring{box(110, -20, 190, 20)}, Restriction: model.RestrictClasses("bus"),
			})
			require.NoError(t, err)
			_, err = reg.Register(ctx, Definition{
				ID: "inner", Begin: ms(2000), End: ms(tc.innerEnd),
				Polygons: []orb.Ring{box(110, -20, 190, 20)}, Restriction: model.RestrictAll(),
			})
			require.NoError(t, err)

			for _, now := range []int64{1000, 2000, 3000} {
				require.NoError(t, reg.Tick(ctx, ms(now)))
			}
			assert.Equal(t, tc.afterFirstEnd, lane(t, eng, "BC_0"))

			require.NoError(t, reg.Tick(ctx, ms(4000)))
			assert.Equal(t, []string{}, lane(t, eng, "BC_0"))
			assert.Equal(t, []string{"pedestrian"}, lane(t, eng, "BC_1"))
			assert.Empty(t, reg.laneHolders)
		})
	}
}

func TestRegistrySharedSignalStaysOffUntilLastRelease(t *testing.T) {
	reg, eng := newTestRegistry(t)
	ctx := context.Background()

	for _, def := range []Definition{
		{ID: "x", Begin: ms(1000), End: ms(2000), Polygons: []orb.Ring{box(50, -20, 250, 20)}, Restriction: model.RestrictAll(), DisableSignals: true},
		{ID: "y", Begin: ms(1000), End: ms(3000), Polygons: []orb.Ring{box(90, -10, 110, 10)}, Restriction: model.RestrictAll(), DisableSignals: true},
	} {
		_, err := reg.Register(ctx, def)
		require.NoError(t, err)
	}
	require.NoError(t, reg.Tick(ctx, ms(1000)))
	require.NoError(t, reg.Tick(ctx, ms(2000)))
	assert.Equal(t, engine.ProgramOff, program(t, eng, "B"))
	require.NoError(t, reg.Tick(ctx, ms(3000)))
	assert.Equal(t, "0", program(t, eng, "B"))
}

func TestRegistryInconsistentStateIsFatal(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	inc, err := reg.Register(ctx, Definition{
		ID: "a1", Begin: ms(1000), End: ms(2000),
		Polygons: []orb.Ring{box(110, -20, 190, 20)}, Restriction: model.RestrictAll(),
	})
	require.NoError(t, err)
	require.NoError(t, reg.Tick(ctx, ms(1000)))

	delete(inc.saved, "BC_1")
	err = reg.Tick(ctx, ms(2000))
	assert.ErrorIs(t, err, ErrInconsistentIncidentState)
	assert.Equal(t, Active, inc.Status())
}

func TestRegistryInconsistentStateRevertsNothing(t *testing.T) {
	reg, eng := newTestRegistry(t)
	ctx := context.Background()

	inc, err := reg.Register(ctx, Definition{
		ID: "a1", Begin: ms(1000), End: ms(2000),
		Polygons: []orb.Ring{box(50, -20, 250, 20)}, Restriction: model.RestrictAll(), DisableSignals: true,
	})
	require.NoError(t, err)
	require.NoError(t, reg.Tick(ctx, ms(1000)))

	delete(inc.saved, "BC_1")
	err = reg.Tick(ctx, ms(2000))
	require.ErrorIs(t, err, ErrInconsistentIncidentState)

	// The signal is still held and off, the other lanes still closed.
	assert.Equal(t, 1, reg.signalHolders["B"])
	assert.Equal(t, engine.ProgramOff, program(t, eng, "B"))
	assert.Equal(t, []string{}, lane(t, eng, "AB_0"))
	assert.Len(t, reg.laneHolders["AB_0"], 1)
}

func TestRegistryRestoresDefaultProgramNotPrevious(t *testing.T) {
	reg, eng := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, eng.SetProgram("B", "1"))
	_, err := reg.Register(ctx, Definition{
		ID: "a1", Begin: ms(1000), End: ms(2000),
		Polygons: []orb.Ring{box(50, -20, 250, 20)}, Restriction: model.RestrictAll(), DisableSignals: true,
	})
	require.NoError(t, err)

	require.NoError(t, reg.Tick(ctx, ms(1000)))
	assert.Equal(t, engine.ProgramOff, program(t, eng, "B"))
	require.NoError(t, reg.Tick(ctx, ms(2000)))
	assert.Equal(t, "0", program(t, eng, "B"))
}

func TestRegistryAcceptsRingWithRepeatedVertex(t *testing.T) {
	reg, _ := newTestRegistry(t)

	inc, err := reg.Register(context.Background(), Definition{
		ID: "dup", Begin: ms(1000), End: ms(2000), Restriction: model.RestrictAll(),
		Polygons: []orb.Ring{{{50, -20}, {250, -20}, {250, -20}, {250, 20}, {50, 20}, {50, -20}}},
	})
	require.NoError(t, err)
	assert.Len(t, inc.AffectedEdges, 2)
}

func TestRegistryRegisterRejects(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, Definition{ID: "w", Begin: ms(2000), End: ms(1000), Polygons: []orb.Ring{box(0, 0, 1, 1)}})
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = reg.Register(ctx, Definition{ID: "p", Begin: ms(0), End: ms(1)})
	assert.ErrorIs(t, err, core.ErrInvalidPolygon)

	_, err = reg.Register(ctx, Definition{ID: "d", Begin: ms(0), End: ms(1), Polygons: []orb.Ring{{{0, 0}, {1, 1}, {0, 0}}}})
	assert.ErrorIs(t, err, core.ErrInvalidPolygon)

	empty := NewRegistry(nil, nil, nil)
	_, err = empty.Register(ctx, Definition{ID: "n", Begin: ms(0), End: ms(1), Polygons: []orb.Ring{box(0, 0, 1, 1)}})
	assert.ErrorIs(t, err, core.ErrNetworkNotLoaded)

	assert.Empty(t, reg.Incidents())
}

func TestRegistrySnapshots(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, Definition{
		ID: "a1", Begin: ms(1000), End: ms(2000),
		Polygons: []orb.Ring{box(50, -20, 250, 20)}, Restriction: model.ParseRestriction("passenger"), DisableSignals: true,
	})
	require.NoError(t, err)

	snaps := reg.Snapshots()
	require.Len(t, snaps, 1)
	s := snaps[0]
	assert.Equal(t, "pending", s.Status)
	assert.Equal(t, []string{"AB", "BC"}, s.Edges)
	assert.Equal(t, []string{"B"}, s.Signals)
	assert.Equal(t, "passenger", s.Restriction)
	assert.True(t, strings.HasPrefix(s.Area, "POLYGON(("), s.Area)
	assert.Equal(t, 1, reg.Counts()[Pending])
}

func TestOverlayIDs(t *testing.T) {
	single := &Incident{ID: "a", Polygons: []orb.Ring{box(0, 0, 1, 1)}}
	multi := &Incident{ID: "a", Polygons: []orb.Ring{box(0, 0, 1, 1), box(2, 2, 3, 3)}}
	assert.Equal(t, "a", single.overlayID(0))
	assert.Equal(t, "a#1", multi.overlayID(1))
}

func TestParseTrigger(t *testing.T) {
	for in, want := range map[string]Trigger{"": TriggerExact, "exact": TriggerExact, "Reached": TriggerReached} {
		got, err := ParseTrigger(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseTrigger("eventually")
	assert.Error(t, err)
}
