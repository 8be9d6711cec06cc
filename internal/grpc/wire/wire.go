// Package wire carries control frames over a gRPC bidi stream. Frames are the
// raw JSON encoding of transport.Message, exchanged through a "json" codec and
// a hand-written service descriptor.
package wire

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/EternisAI/silo-control/internal/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	CodecName    = "json"
	ServiceName  = "silo.control.v1.Control"
	StreamMethod = "/silo.control.v1.Control/Stream"
)

func init() {
	encoding.RegisterCodec(Codec{})
}

// Frame is one message on the stream. Payload is sent as-is.
type Frame struct {
	Payload []byte
}

// Pack encodes msg into a frame.
func Pack(msg *transport.Message) (*Frame, error) {
	raw, err := transport.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", msg.Query, err)
	}
	return &Frame{Payload: raw}, nil
}

// Unpack decodes and validates the frame payload.
func (f *Frame) Unpack() (*transport.Message, error) {
	return transport.Decode(f.Payload)
}

type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	if f, ok := v.(*Frame); ok {
		return f.Payload, nil
	}
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if f, ok := v.(*Frame); ok {
		f.Payload = append([]byte(nil), data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

type Stream = grpc.BidiStreamingServer[Frame, Frame]

type ClientStream = grpc.BidiStreamingClient[Frame, Frame]

type ControlServer interface {
	Stream(Stream) error
}

func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ControlServer).Stream(&grpc.GenericServerStream[Frame, Frame]{ServerStream: stream})
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "silo/control/v1/control.proto",
}

type ControlClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (ClientStream, error)
}

type controlClient struct {
	cc grpc.ClientConnInterface
}

func NewControlClient(cc grpc.ClientConnInterface) ControlClient {
	return &controlClient{cc: cc}
}

func (c *controlClient) Stream(ctx context.Context, opts ...grpc.CallOption) (ClientStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], StreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[Frame, Frame]{ClientStream: stream}, nil
}
