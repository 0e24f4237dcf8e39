package control

import (
	"context"
	"strconv"

	"github.com/core-tools/hsu-fixture/pkg/controller"
	"github.com/core-tools/hsu-fixture/pkg/errors"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// The device controller service is described by hand: requests are
// structpb.Struct, ReadAttribute answers a structpb.Value, the rest answer Empty.
const serviceName = "hsufixture.control.DeviceController"

const (
	methodCommissionOnNetwork = "CommissionOnNetwork"
	methodReadAttribute       = "ReadAttribute"
	methodWriteAttribute      = "WriteAttribute"
	methodExpireSessions      = "ExpireSessions"
)

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// Request field names.
const (
	fieldNodeID        = "nodeId"
	fieldPasscode      = "passcode"
	fieldDiscriminator = "discriminator"
	fieldEndpoint      = "endpoint"
	fieldCluster       = "cluster"
	fieldAttribute     = "attribute"
	fieldValue         = "value"
)

type deviceControllerServer interface {
	CommissionOnNetwork(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	ReadAttribute(ctx context.Context, in *structpb.Struct) (*structpb.Value, error)
	WriteAttribute(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	ExpireSessions(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*deviceControllerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: methodCommissionOnNetwork,
			Handler: unaryHandler(methodCommissionOnNetwork, func(srv deviceControllerServer, ctx context.Context, in *structpb.Struct) (interface{}, error) {
				return srv.CommissionOnNetwork(ctx, in)
			}),
		},
		{
			MethodName: methodReadAttribute,
			Handler: unaryHandler(methodReadAttribute, func(srv deviceControllerServer, ctx context.Context, in *structpb.Struct) (interface{}, error) {
				return srv.ReadAttribute(ctx, in)
			}),
		},
		{
			MethodName: methodWriteAttribute,
			Handler: unaryHandler(methodWriteAttribute, func(srv deviceControllerServer, ctx context.Context, in *structpb.Struct) (interface{}, error) {
				return srv.WriteAttribute(ctx, in)
			}),
		},
		{
			MethodName: methodExpireSessions,
			Handler: unaryHandler(methodExpireSessions, func(srv deviceControllerServer, ctx context.Context, in *structpb.Struct) (interface{}, error) {
				return srv.ExpireSessions(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{},
}

type unaryCall func(srv deviceControllerServer, ctx context.Context, in *structpb.Struct) (interface{}, error)

func unaryHandler(method string, call unaryCall) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(deviceControllerServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(server, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Node ids are 64-bit; structpb numbers are float64, so ids travel as decimal strings.
func nodeIDValue(nodeID uint64) *structpb.Value {
	return structpb.NewStringValue(strconv.FormatUint(nodeID, 10))
}

func nodeIDFrom(in *structpb.Struct) (uint64, error) {
	raw := in.GetFields()[fieldNodeID].GetStringValue()
	nodeID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.NewValidationError("invalid node id", err).WithContext("node_id", raw)
	}
	return nodeID, nil
}

func numberFrom(in *structpb.Struct, field string, max uint64) (uint64, error) {
	value, ok := in.GetFields()[field]
	if !ok {
		return 0, errors.NewValidationError("missing field", nil).WithContext("field", field)
	}
	number, ok := value.GetKind().(*structpb.Value_NumberValue)
	if !ok || number.NumberValue < 0 || number.NumberValue > float64(max) || number.NumberValue != float64(uint64(number.NumberValue)) {
		return 0, errors.NewValidationError("field is not a valid unsigned integer", nil).WithContext("field", field)
	}
	return uint64(number.NumberValue), nil
}

func pathFields(path controller.AttributePath) map[string]*structpb.Value {
	return map[string]*structpb.Value{
		fieldEndpoint:  structpb.NewNumberValue(float64(path.Endpoint)),
		fieldCluster:   structpb.NewNumberValue(float64(path.ClusterID)),
		fieldAttribute: structpb.NewNumberValue(float64(path.AttributeID)),
	}
}

func pathFrom(in *structpb.Struct) (controller.AttributePath, error) {
	endpoint, err := numberFrom(in, fieldEndpoint, 0xFFFF)
	if err != nil {
		return controller.AttributePath{}, err
	}
	cluster, err := numberFrom(in, fieldCluster, 0xFFFFFFFF)
	if err != nil {
		return controller.AttributePath{}, err
	}
	attribute, err := numberFrom(in, fieldAttribute, 0xFFFFFFFF)
	if err != nil {
		return controller.AttributePath{}, err
	}
	return controller.AttributePath{
		Endpoint:    uint16(endpoint),
		ClusterID:   uint32(cluster),
		AttributeID: uint32(attribute),
	}, nil
}
