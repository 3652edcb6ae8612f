package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "msync.v1.Distributor"

const (
	methodSync      = "/" + ServiceName + "/Sync"
	methodGetJob    = "/" + ServiceName + "/GetJob"
	methodListJobs  = "/" + ServiceName + "/ListJobs"
	methodCancelJob = "/" + ServiceName + "/CancelJob"
	methodHosts     = "/" + ServiceName + "/Hosts"
)

// DistributorServer is the server API of the Distributor service. Messages
// are google.protobuf.Struct values; their fields are described on the
// request and response types in messages.go.
type DistributorServer interface {
	Sync(*structpb.Struct, Distributor_SyncServer) error
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Hosts(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Distributor_SyncServer is the server side of the Sync event stream.
type Distributor_SyncServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type distributorSyncServer struct {
	grpc.ServerStream
}

func (x *distributorSyncServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterDistributorServer registers srv on s.
func RegisterDistributorServer(s grpc.ServiceRegistrar, srv DistributorServer) {
	s.RegisterService(&Distributor_ServiceDesc, srv)
}

func unaryHandler(method string, call func(DistributorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DistributorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(DistributorServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func syncHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DistributorServer).Sync(in, &distributorSyncServer{stream})
}

// Distributor_ServiceDesc describes the Distributor service for
// grpc.ServiceRegistrar.
var Distributor_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DistributorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetJob",
			Handler:    unaryHandler(methodGetJob, DistributorServer.GetJob),
		},
		{
			MethodName: "ListJobs",
			Handler:    unaryHandler(methodListJobs, DistributorServer.ListJobs),
		},
		{
			MethodName: "CancelJob",
			Handler:    unaryHandler(methodCancelJob, DistributorServer.CancelJob),
		},
		{
			MethodName: "Hosts",
			Handler:    unaryHandler(methodHosts, DistributorServer.Hosts),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sync",
			Handler:       syncHandler,
			ServerStreams: true,
		},
	},
}
