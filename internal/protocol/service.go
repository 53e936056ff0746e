package protocol

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName   = "crdtsign.sync.SyncService"
	ConnectMethod = "/crdtsign.sync.SyncService/Connect"
)

// SyncServer is the server API of the sync service.
type SyncServer interface {
	Connect(ConnectServer) error
}

// ConnectServer is the server side of a Connect stream.
type ConnectServer interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type connectServer struct {
	grpc.ServerStream
}

func (x *connectServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

func (x *connectServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SyncServer).Connect(&connectServer{stream})
}

// SyncServiceDesc describes the service for grpc.Server registration.
var SyncServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "crdtsign/sync.proto",
}

func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&SyncServiceDesc, srv)
}

// SyncClient is the client API of the sync service.
type SyncClient interface {
	Connect(ctx context.Context, opts ...grpc.CallOption) (ConnectClient, error)
}

// ConnectClient is the client side of a Connect stream.
type ConnectClient interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type syncClient struct {
	cc grpc.ClientConnInterface
}

func NewSyncClient(cc grpc.ClientConnInterface) SyncClient {
	return &syncClient{cc: cc}
}

func (c *syncClient) Connect(ctx context.Context, opts ...grpc.CallOption) (ConnectClient, error) {
	stream, err := c.cc.NewStream(ctx, &SyncServiceDesc.Streams[0], ConnectMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &connectClient{stream}, nil
}

type connectClient struct {
	grpc.ClientStream
}

func (x *connectClient) Send(m *wrapperspb.BytesValue) error {
	return x.ClientStream.SendMsg(m)
}

func (x *connectClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Sender is the send half shared by both stream sides.
type Sender interface {
	Send(*wrapperspb.BytesValue) error
}

// Receiver is the receive half shared by both stream sides.
type Receiver interface {
	Recv() (*wrapperspb.BytesValue, error)
}

// SendFrame encodes and sends f.
func SendFrame(s Sender, f Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	return s.Send(wrapperspb.Bytes(b))
}

// SendRaw sends an already encoded frame.
func SendRaw(s Sender, frame []byte) error {
	return s.Send(wrapperspb.Bytes(frame))
}

// RecvFrame receives one message and decodes it. Transport errors are
// returned unchanged; a decode failure wraps common.ErrDecode and leaves
// the stream usable.
func RecvFrame(r Receiver) (Frame, error) {
	m, err := r.Recv()
	if err != nil {
		return Frame{}, err
	}
	return DecodeFrame(m.GetValue())
}
