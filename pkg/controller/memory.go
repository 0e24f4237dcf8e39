package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/core-tools/hsu-fixture/pkg/errors"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Call records one operation received by a MemoryController.
type Call struct {
	Op     string
	NodeID uint64
	Path   AttributePath
}

// MemoryController is an in-process DeviceController. It backs dry runs of
// fixturectl and the tests of everything that consumes a controller.
// Values are cloned on the way in and out, as a network round trip would.
type MemoryController struct {
	mutex        sync.Mutex
	attributes   map[uint64]map[AttributePath]*structpb.Value
	commissioned map[uint64]bool
	calls        []Call

	// Injected failures, keyed by node id.
	ReadErrors       map[uint64]error
	WriteErrors      map[uint64]error
	CommissionErrors map[uint64]error
	ExpireErrors     map[uint64]error
}

func NewMemoryController() *MemoryController {
	return &MemoryController{
		attributes:       make(map[uint64]map[AttributePath]*structpb.Value),
		commissioned:     make(map[uint64]bool),
		ReadErrors:       make(map[uint64]error),
		WriteErrors:      make(map[uint64]error),
		CommissionErrors: make(map[uint64]error),
		ExpireErrors:     make(map[uint64]error),
	}
}

// SetAttribute seeds an attribute value without recording a call.
func (m *MemoryController) SetAttribute(nodeID uint64, path AttributePath, value *structpb.Value) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.setLocked(nodeID, path, value)
}

// Attribute returns a copy of the stored value, or nil.
func (m *MemoryController) Attribute(nodeID uint64, path AttributePath) *structpb.Value {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	value, ok := m.attributes[nodeID][path]
	if !ok {
		return nil
	}
	return proto.Clone(value).(*structpb.Value)
}

func (m *MemoryController) Calls() []Call {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount counts recorded calls of op, optionally for one node (nodeID 0 means any).
func (m *MemoryController) CallCount(op string, nodeID uint64) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op && (nodeID == 0 || c.NodeID == nodeID) {
			n++
		}
	}
	return n
}

func (m *MemoryController) IsCommissioned(nodeID uint64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.commissioned[nodeID]
}

func (m *MemoryController) CommissionOnNetwork(ctx context.Context, nodeID uint64, passcode uint32, discriminator uint16) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.calls = append(m.calls, Call{Op: "commission", NodeID: nodeID})
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.CommissionErrors[nodeID]; err != nil {
		return err
	}
	m.commissioned[nodeID] = true
	return nil
}

func (m *MemoryController) ReadAttribute(ctx context.Context, nodeID uint64, path AttributePath) (*structpb.Value, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.calls = append(m.calls, Call{Op: "read", NodeID: nodeID, Path: path})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.ReadErrors[nodeID]; err != nil {
		return nil, err
	}
	value, ok := m.attributes[nodeID][path]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("attribute %s not found", path), nil).WithContext("node_id", nodeID)
	}
	return proto.Clone(value).(*structpb.Value), nil
}

func (m *MemoryController) WriteAttribute(ctx context.Context, nodeID uint64, path AttributePath, value *structpb.Value) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.calls = append(m.calls, Call{Op: "write", NodeID: nodeID, Path: path})
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.WriteErrors[nodeID]; err != nil {
		return err
	}
	m.setLocked(nodeID, path, value)
	return nil
}

func (m *MemoryController) ExpireSessions(ctx context.Context, nodeID uint64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.calls = append(m.calls, Call{Op: "expire", NodeID: nodeID})
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.ExpireErrors[nodeID]
}

func (m *MemoryController) setLocked(nodeID uint64, path AttributePath, value *structpb.Value) {
	node, ok := m.attributes[nodeID]
	if !ok {
		node = make(map[AttributePath]*structpb.Value)
		m.attributes[nodeID] = node
	}
	node[path] = proto.Clone(value).(*structpb.Value)
}
