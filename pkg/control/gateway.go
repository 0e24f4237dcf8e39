package control

import (
	"context"

	"github.com/core-tools/hsu-fixture/pkg/controller"
	"github.com/core-tools/hsu-fixture/pkg/errors"
	"github.com/core-tools/hsu-fixture/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// NewGRPCClientGateway returns a DeviceController that forwards every call to
// a remote controller service over grpcClientConnection.
func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) controller.DeviceController {
	return &grpcClientGateway{
		conn:   grpcClientConnection,
		logger: logger,
	}
}

type grpcClientGateway struct {
	conn   grpc.ClientConnInterface
	logger logging.Logger
}

func (gw *grpcClientGateway) CommissionOnNetwork(ctx context.Context, nodeID uint64, passcode uint32, discriminator uint16) error {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldNodeID:        nodeIDValue(nodeID),
		fieldPasscode:      structpb.NewNumberValue(float64(passcode)),
		fieldDiscriminator: structpb.NewNumberValue(float64(discriminator)),
	}}
	if err := gw.conn.Invoke(ctx, fullMethod(methodCommissionOnNetwork), in, new(emptypb.Empty)); err != nil {
		gw.logger.Errorf("CommissionOnNetwork client gateway, node: %d: %v", nodeID, err)
		return fromStatus("commissioning failed", nodeID, err)
	}
	gw.logger.Debugf("CommissionOnNetwork client gateway done, node: %d", nodeID)
	return nil
}

func (gw *grpcClientGateway) ReadAttribute(ctx context.Context, nodeID uint64, path controller.AttributePath) (*structpb.Value, error) {
	in := &structpb.Struct{Fields: pathFields(path)}
	in.Fields[fieldNodeID] = nodeIDValue(nodeID)

	out := new(structpb.Value)
	if err := gw.conn.Invoke(ctx, fullMethod(methodReadAttribute), in, out); err != nil {
		gw.logger.Errorf("ReadAttribute client gateway, node: %d, path: %s: %v", nodeID, path, err)
		return nil, fromStatus("attribute read failed", nodeID, err)
	}
	gw.logger.Debugf("ReadAttribute client gateway done, node: %d, path: %s", nodeID, path)
	return out, nil
}

func (gw *grpcClientGateway) WriteAttribute(ctx context.Context, nodeID uint64, path controller.AttributePath, value *structpb.Value) error {
	in := &structpb.Struct{Fields: pathFields(path)}
	in.Fields[fieldNodeID] = nodeIDValue(nodeID)
	if value == nil {
		value = structpb.NewNullValue()
	}
	in.Fields[fieldValue] = value

	if err := gw.conn.Invoke(ctx, fullMethod(methodWriteAttribute), in, new(emptypb.Empty)); err != nil {
		gw.logger.Errorf("WriteAttribute client gateway, node: %d, path: %s: %v", nodeID, path, err)
		return fromStatus("attribute write failed", nodeID, err)
	}
	gw.logger.Debugf("WriteAttribute client gateway done, node: %d, path: %s", nodeID, path)
	return nil
}

func (gw *grpcClientGateway) ExpireSessions(ctx context.Context, nodeID uint64) error {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldNodeID: nodeIDValue(nodeID),
	}}
	if err := gw.conn.Invoke(ctx, fullMethod(methodExpireSessions), in, new(emptypb.Empty)); err != nil {
		gw.logger.Errorf("ExpireSessions client gateway, node: %d: %v", nodeID, err)
		return fromStatus("session expiry failed", nodeID, err)
	}
	gw.logger.Debugf("ExpireSessions client gateway done, node: %d", nodeID)
	return nil
}

func fromStatus(message string, nodeID uint64, err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.NotFound:
		return errors.NewNotFoundError(st.Message(), err).WithContext("node_id", nodeID)
	case codes.InvalidArgument:
		return errors.NewValidationError(st.Message(), err).WithContext("node_id", nodeID)
	case codes.Canceled:
		return errors.NewCancelledError(message, err).WithContext("node_id", nodeID)
	}
	return errors.NewNetworkOperationError(message, err).
		WithContext("node_id", nodeID).WithContext("code", st.Code().String())
}
