package l6publish

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "vaod.v1.StateService"

const (
	latestMethod = "/" + ServiceName + "/Latest"
	watchMethod  = "/" + ServiceName + "/Watch"
)

// StateRequest selects the packet content returned by Latest and Watch.
// A zero Content means ContentAll.
type StateRequest struct {
	Content PacketContent
}

func (r *StateRequest) content() PacketContent {
	if r == nil || r.Content == 0 {
		return ContentAll
	}
	return r.Content
}

// Codec carries StateRequest and StatePacket messages in protobuf wire
// format without generated code. Both ends must force it.
type Codec struct{}

// Name implements encoding.Codec.
func (Codec) Name() string { return "vaod" }

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *StateRequest:
		if m.Content == 0 {
			return []byte{}, nil
		}
		return appendVarint(nil, 1, uint64(m.Content)), nil
	case *StatePacket:
		return MarshalPacket(*m), nil
	default:
		return nil, fmt.Errorf("vaod codec cannot marshal %T", v)
	}
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *StateRequest:
		*m = StateRequest{}
		return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num != 1 || typ != protowire.VarintType {
				return skipField, nil
			}
			c, n := protowire.ConsumeVarint(b)
			m.Content = PacketContent(c)
			return n, nil
		})
	case *StatePacket:
		p, err := UnmarshalPacket(data)
		*m = p
		return err
	default:
		return fmt.Errorf("vaod codec cannot unmarshal into %T", v)
	}
}

// StateServer serves the publisher's estimates over gRPC. It is read-only.
type StateServer struct {
	pub *Publisher
}

// NewStateServer returns a server over pub.
func NewStateServer(pub *Publisher) *StateServer { return &StateServer{pub: pub} }

// Latest returns the newest estimate.
func (s *StateServer) Latest(_ context.Context, req *StateRequest) (*StatePacket, error) {
	est, ok := s.pub.Latest()
	if !ok {
		return nil, status.Error(codes.Unavailable, "no estimate published yet")
	}
	p := NewStatePacket(est, req.content())
	return &p, nil
}

// Watch streams the current estimate, if any, then every new one until the
// client goes away. Slow clients skip to the newest estimate.
func (s *StateServer) Watch(req *StateRequest, stream grpc.ServerStream) error {
	sub := s.pub.Subscribe()
	defer sub.Close()
	content := req.content()
	monitoring.Diagf("[l6publish] watch started, content %d", content)

	if est, ok := s.pub.Latest(); ok {
		p := NewStatePacket(est, content)
		if err := stream.SendMsg(&p); err != nil {
			return err
		}
	}
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case est, ok := <-sub.C():
			if !ok {
				return status.Error(codes.Unavailable, "publisher closed")
			}
			p := NewStatePacket(est, content)
			if err := stream.SendMsg(&p); err != nil {
				return err
			}
		}
	}
}

type stateService interface {
	Latest(context.Context, *StateRequest) (*StatePacket, error)
	Watch(*StateRequest, grpc.ServerStream) error
}

func latestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(StateRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(stateService).Latest(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: latestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(stateService).Latest(ctx, req.(*StateRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(StateRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(stateService).Watch(req, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*stateService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Latest", Handler: latestHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "vaod/v1/state.proto",
}

// NewGRPCServer returns a gRPC server that speaks Codec. Register the
// state service on it with Register.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	return grpc.NewServer(append(opts, grpc.ForceServerCodec(Codec{}))...)
}

// Register adds the state service to s.
func Register(s *grpc.Server, srv *StateServer) {
	s.RegisterService(&serviceDesc, srv)
}

// StateClient calls a remote StateService.
type StateClient struct {
	cc grpc.ClientConnInterface
}

// NewStateClient wraps a client connection.
func NewStateClient(cc grpc.ClientConnInterface) *StateClient { return &StateClient{cc: cc} }

// Latest fetches the newest estimate.
func (c *StateClient) Latest(ctx context.Context, content PacketContent) (StatePacket, error) {
	var out StatePacket
	err := c.cc.Invoke(ctx, latestMethod, &StateRequest{Content: content}, &out, grpc.ForceCodec(Codec{}))
	return out, err
}

// WatchStream receives packets from Watch.
type WatchStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next packet.
func (w *WatchStream) Recv() (StatePacket, error) {
	var p StatePacket
	err := w.stream.RecvMsg(&p)
	return p, err
}

// Watch opens a stream of estimates. Cancel ctx to end it.
func (c *StateClient) Watch(ctx context.Context, content PacketContent) (*WatchStream, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], watchMethod, grpc.ForceCodec(Codec{}))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&StateRequest{Content: content}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchStream{stream: stream}, nil
}
