package control

import (
	"context"
	stderrors "errors"

	"github.com/core-tools/hsu-fixture/pkg/controller"
	"github.com/core-tools/hsu-fixture/pkg/errors"
	"github.com/core-tools/hsu-fixture/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// RegisterGRPCServerHandler exposes handler as the device controller service.
func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler controller.DeviceController, logger logging.Logger) {
	grpcServerRegistrar.RegisterService(&serviceDesc, &grpcServerHandler{
		handler: handler,
		logger:  logger,
	})
}

type grpcServerHandler struct {
	handler controller.DeviceController
	logger  logging.Logger
}

func (h *grpcServerHandler) CommissionOnNetwork(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	nodeID, err := nodeIDFrom(in)
	if err != nil {
		return nil, toStatus(err)
	}
	passcode, err := numberFrom(in, fieldPasscode, 0xFFFFFFFF)
	if err != nil {
		return nil, toStatus(err)
	}
	discriminator, err := numberFrom(in, fieldDiscriminator, 0xFFFF)
	if err != nil {
		return nil, toStatus(err)
	}

	if err := h.handler.CommissionOnNetwork(ctx, nodeID, uint32(passcode), uint16(discriminator)); err != nil {
		h.logger.Errorf("CommissionOnNetwork server handler, node: %d: %v", nodeID, err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("CommissionOnNetwork server handler done, node: %d", nodeID)
	return &emptypb.Empty{}, nil
}

func (h *grpcServerHandler) ReadAttribute(ctx context.Context, in *structpb.Struct) (*structpb.Value, error) {
	nodeID, err := nodeIDFrom(in)
	if err != nil {
		return nil, toStatus(err)
	}
	path, err := pathFrom(in)
	if err != nil {
		return nil, toStatus(err)
	}

	value, err := h.handler.ReadAttribute(ctx, nodeID, path)
	if err != nil {
		h.logger.Errorf("ReadAttribute server handler, node: %d, path: %s: %v", nodeID, path, err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("ReadAttribute server handler done, node: %d, path: %s", nodeID, path)
	return value, nil
}

func (h *grpcServerHandler) WriteAttribute(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	nodeID, err := nodeIDFrom(in)
	if err != nil {
		return nil, toStatus(err)
	}
	path, err := pathFrom(in)
	if err != nil {
		return nil, toStatus(err)
	}
	value, ok := in.GetFields()[fieldValue]
	if !ok {
		return nil, toStatus(errors.NewValidationError("missing field", nil).WithContext("field", fieldValue))
	}

	if err := h.handler.WriteAttribute(ctx, nodeID, path, value); err != nil {
		h.logger.Errorf("WriteAttribute server handler, node: %d, path: %s: %v", nodeID, path, err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("WriteAttribute server handler done, node: %d, path: %s", nodeID, path)
	return &emptypb.Empty{}, nil
}

func (h *grpcServerHandler) ExpireSessions(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	nodeID, err := nodeIDFrom(in)
	if err != nil {
		return nil, toStatus(err)
	}

	if err := h.handler.ExpireSessions(ctx, nodeID); err != nil {
		h.logger.Errorf("ExpireSessions server handler, node: %d: %v", nodeID, err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("ExpireSessions server handler done, node: %d", nodeID)
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	code := codes.Unavailable
	switch {
	case errors.IsNotFoundError(err):
		code = codes.NotFound
	case errors.IsValidationError(err):
		code = codes.InvalidArgument
	case errors.IsUnsupportedError(err):
		code = codes.Unimplemented
	case errors.IsCancelledError(err), stderrors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.IsTimeoutError(err), stderrors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}
