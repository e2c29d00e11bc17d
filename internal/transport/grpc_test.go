package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/incident-connector/internal/connector"
	"github.com/signalsfoundry/incident-connector/internal/logging"
	"github.com/signalsfoundry/incident-connector/internal/observability"
	"github.com/signalsfoundry/incident-connector/internal/telemetry"
	"github.com/signalsfoundry/incident-connector/model"
)

// fakeControl records what the transports hand to the connector.
type fakeControl struct {
	mu     sync.Mutex
	raws   [][]byte
	maps   []map[string]any
	ids    []string
	err    error
	status connector.Status
}

func (f *fakeControl) Enqueue(ctx context.Context, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.raws = append(f.raws, raw)
	f.ids = append(f.ids, logging.MessageIDFromContext(ctx))
	return nil
}

func (f *fakeControl) EnqueueMap(ctx context.Context, m map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.maps = append(f.maps, m)
	f.ids = append(f.ids, logging.MessageIDFromContext(ctx))
	return nil
}

func (f *fakeControl) Status() connector.Status { return f.status }

func (f *fakeControl) received() ([]map[string]any, [][]byte, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maps, f.raws, f.ids
}

func startGRPC(t *testing.T, ctrl Control, hub *telemetry.Hub, collector *observability.ControlCollector) *Client {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewGRPCServer(NewService(ctrl, hub, nil), collector, nil)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	client, err := Dial(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublishEnqueuesMessage(t *testing.T) {
	ctrl := &fakeControl{}
	collector, err := observability.NewControlCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	client := startGRPC(t, ctrl, telemetry.NewHub(), collector)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, MessageIDMetadataKey, "msg-42")

	var header metadata.MD
	err = client.Publish(ctx, map[string]any{"trialTime": float64(1700000000000)}, grpc.Header(&header))
	require.NoError(t, err)

	maps, _, ids := ctrl.received()
	require.Len(t, maps, 1)
	assert.Equal(t, float64(1700000000000), maps[0]["trialTime"])
	assert.Equal(t, []string{"msg-42"}, ids)
	assert.Equal(t, []string{"msg-42"}, header.Get(MessageIDMetadataKey))

	msg, err := model.DecodeMessageMap(maps[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), msg.TimeTick.TrialTime)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.RPCRequests.WithLabelValues("ControlChannel", "Publish", "OK")))
}

func TestPublishMapsErrors(t *testing.T) {
	ctrl := &fakeControl{err: fmt.Errorf("%w: time: bad", model.ErrMalformedMessage)}
	client := startGRPC(t, ctrl, telemetry.NewHub(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Publish(ctx, map[string]any{"trialTime": "later"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	ctrl.mu.Lock()
	ctrl.err = connector.ErrStopped
	ctrl.mu.Unlock()
	err = client.Publish(ctx, map[string]any{"trialTime": float64(1)})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestStreamEntitiesForwardsHubItems(t *testing.T) {
	hub := telemetry.NewHub()
	client := startGRPC(t, &fakeControl{}, hub, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.StreamEntities(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	hub.Publish(model.EntityItem{
		GUID:     "g-1",
		Name:     "veh0 car",
		Owner:    telemetry.Owner,
		Movable:  true,
		Location: model.Location{Latitude: 48.1, Longitude: 11.5},
		Velocity: model.Velocity{Yaw: 90, Magnitude: 13.9},
	})

	got, err := stream.Recv()
	require.NoError(t, err)
	m := got.AsMap()
	assert.Equal(t, "g-1", m["guid"])
	assert.Equal(t, "veh0 car", m["name"])
	assert.Equal(t, true, m["movable"])
	loc := m["location"].(map[string]any)
	assert.InDelta(t, 48.1, loc["latitude"], 1e-9)
	vel := m["velocity"].(map[string]any)
	assert.InDelta(t, 13.9, vel["magnitude"], 1e-9)

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestToStatusError(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
		http int
	}{
		{fmt.Errorf("%w: x", model.ErrMalformedMessage), codes.InvalidArgument, 400},
		{model.ErrUnknownMessage, codes.InvalidArgument, 400},
		{fmt.Errorf("%w: point", model.ErrUnsupportedArea), codes.InvalidArgument, 400},
		{connector.ErrStopped, codes.Unavailable, 503},
		{context.Canceled, codes.Canceled, 408},
		{context.DeadlineExceeded, codes.DeadlineExceeded, 408},
		{fmt.Errorf("boom"), codes.Internal, 500},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, status.Code(ToStatusError(tc.err)), tc.err.Error())
		assert.Equal(t, tc.http, HTTPStatus(tc.err), tc.err.Error())
	}

	assert.NoError(t, ToStatusError(nil))
	already := status.Error(codes.NotFound, "gone")
	assert.Equal(t, already, ToStatusError(already))
}
