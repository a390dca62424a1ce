package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified operator service name.
const ServiceName = "foreman.v1.Operator"

// OperatorServer is the server side of the operator service. Requests and
// responses are JSON-shaped structs so the service needs no generated code.
type OperatorServer interface {
	Register(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Patch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListRepos(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetMode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Scan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Next(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Dispatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv OperatorServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func method(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(OperatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(OperatorServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// OperatorServiceDesc describes the operator service to grpc.
var OperatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OperatorServer)(nil),
	Methods: []grpc.MethodDesc{
		method("Register", OperatorServer.Register),
		method("Patch", OperatorServer.Patch),
		method("ListRepos", OperatorServer.ListRepos),
		method("GetMode", OperatorServer.GetMode),
		method("Scan", OperatorServer.Scan),
		method("Next", OperatorServer.Next),
		method("Dispatch", OperatorServer.Dispatch),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "foreman/v1/operator.proto",
}

// RegisterOperatorServer attaches srv to a grpc server.
func RegisterOperatorServer(s grpc.ServiceRegistrar, srv OperatorServer) {
	s.RegisterService(&OperatorServiceDesc, srv)
}

// OperatorClient calls the operator service.
type OperatorClient struct {
	cc grpc.ClientConnInterface
}

// NewOperatorClient creates a client over an established connection.
func NewOperatorClient(cc grpc.ClientConnInterface) *OperatorClient {
	return &OperatorClient{cc: cc}
}

// Call invokes method with req encoded as a struct and decodes the reply
// into resp.
func (c *OperatorClient) Call(ctx context.Context, method string, req, resp any) error {
	in, err := ToStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return FromStruct(out, resp)
}

// ToStruct converts any JSON-encodable value into a struct.
func ToStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	return out, nil
}

// FromStruct decodes s into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	if v == nil {
		return nil
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode struct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}
