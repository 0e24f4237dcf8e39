package controller

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// AccessControl cluster, ACL attribute.
const (
	AccessControlClusterID uint32 = 0x001F
	ACLAttributeID         uint32 = 0x0000
	RootEndpoint           uint16 = 0
)

// AttributePath addresses one attribute on a node.
type AttributePath struct {
	Endpoint    uint16
	ClusterID   uint32
	AttributeID uint32
}

func (p AttributePath) String() string {
	return fmt.Sprintf("%d/0x%04X/0x%04X", p.Endpoint, p.ClusterID, p.AttributeID)
}

// ACLAttributePath is the AccessControl ACL attribute on the root endpoint.
var ACLAttributePath = AttributePath{
	Endpoint:    RootEndpoint,
	ClusterID:   AccessControlClusterID,
	AttributeID: ACLAttributeID,
}

// DeviceController is the commissioning and attribute access capability of
// the controller that drives the fixtures. Attribute values travel as
// structpb values so any transport can carry them unchanged.
type DeviceController interface {
	CommissionOnNetwork(ctx context.Context, nodeID uint64, passcode uint32, discriminator uint16) error
	ReadAttribute(ctx context.Context, nodeID uint64, path AttributePath) (*structpb.Value, error)
	WriteAttribute(ctx context.Context, nodeID uint64, path AttributePath, value *structpb.Value) error
	ExpireSessions(ctx context.Context, nodeID uint64) error
}
