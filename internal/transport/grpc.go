// Package transport exposes the connector's control channel over gRPC and
// HTTP. Inbound messages go to the connector's ordered queue; outbound
// entity items are streamed from the telemetry hub.
package transport

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/incident-connector/internal/connector"
	"github.com/signalsfoundry/incident-connector/internal/logging"
	"github.com/signalsfoundry/incident-connector/internal/observability"
	"github.com/signalsfoundry/incident-connector/internal/telemetry"
	"github.com/signalsfoundry/incident-connector/model"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "incidentconnector.v1.ControlChannel"

	PublishMethod        = "/" + ServiceName + "/Publish"
	StreamEntitiesMethod = "/" + ServiceName + "/StreamEntities"
)

// Control is the part of the connector the transports drive.
type Control interface {
	Enqueue(ctx context.Context, raw []byte) error
	EnqueueMap(ctx context.Context, m map[string]any) error
	Status() connector.Status
}

// EntitySource hands out telemetry subscriptions.
type EntitySource interface {
	Subscribe(buffer int) (<-chan model.EntityItem, func())
}

// ControlChannelServer is the server API for the control channel. Messages
// travel as google.protobuf.Struct so the JSON message shapes carry over
// unchanged.
type ControlChannelServer interface {
	Publish(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	StreamEntities(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// ControlChannelServiceDesc describes the control channel for grpc.Server.
var ControlChannelServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlChannelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamEntities", Handler: streamEntitiesHandler, ServerStreams: true},
	},
	Metadata: "incidentconnector/v1/control.proto",
}

// RegisterControlChannelServer registers srv on s.
func RegisterControlChannelServer(s grpc.ServiceRegistrar, srv ControlChannelServer) {
	s.RegisterService(&ControlChannelServiceDesc, srv)
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlChannelServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PublishMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlChannelServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamEntitiesHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ControlChannelServer).StreamEntities(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

//
// ---------- Service ----------
//

// Service implements ControlChannelServer on top of a connector.
type Service struct {
	ctrl     Control
	entities EntitySource
	log      logging.Logger
	buffer   int
}

// NewService wires a control channel service.
func NewService(ctrl Control, entities EntitySource, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{
		ctrl:     ctrl,
		entities: entities,
		log:      log,
		buffer:   telemetry.DefaultSubscriberBuffer,
	}
}

// Publish enqueues one control message. It returns once the message is
// queued, not once it has been applied.
func (s *Service) Publish(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if in == nil {
		return nil, status.Error(codes.InvalidArgument, "message is required")
	}
	if err := s.ctrl.EnqueueMap(ctx, in.AsMap()); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// StreamEntities sends every entity item published after the call until
// the client goes away. Items are dropped for a client that falls behind.
func (s *Service) StreamEntities(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	items, cancel := s.entities.Subscribe(s.buffer)
	defer cancel()

	log := logging.LoggerFromContext(ctx, s.log)
	log.Debug(ctx, "entity stream opened")
	for {
		select {
		case <-ctx.Done():
			log.Debug(ctx, "entity stream closed")
			return nil
		case item, ok := <-items:
			if !ok {
				return nil
			}
			msg, err := structpb.NewStruct(item.AsMap())
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// NewGRPCServer builds a server with the control channel registered and
// the standard interceptor chain. collector may be nil.
func NewGRPCServer(svc ControlChannelServer, collector *observability.ControlCollector, log logging.Logger) *grpc.Server {
	unary := []grpc.UnaryServerInterceptor{
		MessageIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	var stream []grpc.StreamServerInterceptor
	if collector != nil {
		unary = append(unary, collector.UnaryServerInterceptor())
		stream = append(stream, collector.StreamServerInterceptor())
	}
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)
	RegisterControlChannelServer(server, svc)
	return server
}

//
// ---------- Client ----------
//

// Client is a small control channel client, used by tools and tests.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a control channel without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Publish sends one control message given as its JSON object form.
func (c *Client) Publish(ctx context.Context, msg map[string]any, opts ...grpc.CallOption) error {
	in, err := structpb.NewStruct(msg)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return c.conn.Invoke(ctx, PublishMethod, in, new(emptypb.Empty), opts...)
}

// StreamEntities opens the entity stream.
func (c *Client) StreamEntities(ctx context.Context, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.conn.NewStream(ctx, &ControlChannelServiceDesc.Streams[0], StreamEntitiesMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
