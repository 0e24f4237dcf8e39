package acl

import (
	"context"
	"sort"
	"sync"

	"github.com/core-tools/hsu-fixture/pkg/controller"
	"github.com/core-tools/hsu-fixture/pkg/errors"
	"github.com/core-tools/hsu-fixture/pkg/events"
	"github.com/core-tools/hsu-fixture/pkg/logging"
	"github.com/core-tools/hsu-fixture/pkg/metrics"

	"go.uber.org/multierr"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type Options struct {
	// Strict turns restoring a node without a snapshot into an InvalidStateError.
	Strict bool

	// IncludeAdminEntry also grants AdminNodeID Administer on the provider node.
	IncludeAdminEntry bool
	AdminNodeID       uint64

	Events *events.Bus
}

// Credentials locate and authenticate a device during commissioning.
type Credentials struct {
	Passcode      uint32
	Discriminator uint16
}

// TransactionManager backs up, extends and restores the ACLs of an OTA
// provider/requestor pair for one session. All state is owned by the instance.
type TransactionManager struct {
	options    Options
	controller controller.DeviceController
	logger     logging.Logger

	mutex        sync.Mutex
	snapshots    map[uint64]*structpb.Value
	granted      map[uint64][]*structpb.Value
	commissioned map[uint64]bool
}

func NewTransactionManager(ctrl controller.DeviceController, options Options, logger logging.Logger) *TransactionManager {
	if options.AdminNodeID == 0 {
		options.AdminNodeID = DefaultAdminNodeID
	}
	return &TransactionManager{
		options:      options,
		controller:   ctrl,
		logger:       logger,
		snapshots:    make(map[uint64]*structpb.Value),
		granted:      make(map[uint64][]*structpb.Value),
		commissioned: make(map[uint64]bool),
	}
}

type grant struct {
	node    uint64
	entries []Entry
}

// grantsFor lists the entries each node receives. A zero requestor means any
// requestor may query the provider; the requestor node is then left alone.
func (m *TransactionManager) grantsFor(providerNode, requestorNode uint64) []grant {
	providerEntries := []Entry{OperateGrant(requestorNode, OTAProviderClusterID)}
	if m.options.IncludeAdminEntry {
		providerEntries = append([]Entry{AdminGrant(m.options.AdminNodeID)}, providerEntries...)
	}
	grants := []grant{{node: providerNode, entries: providerEntries}}
	if requestorNode != 0 {
		grants = append(grants, grant{node: requestorNode, entries: []Entry{OperateGrant(providerNode, OTARequestorClusterID)}})
	}
	return grants
}

// Setup grants the provider and requestor Operate access to each other's OTA
// cluster. Each node's ACL is read once per session and kept as its snapshot;
// the new entries are appended to it and written back. Repeating Setup for the
// same pair writes nothing.
func (m *TransactionManager) Setup(ctx context.Context, providerNode, requestorNode uint64) error {
	if providerNode == 0 {
		return errors.NewValidationError("provider node id is required", nil)
	}
	if providerNode == requestorNode {
		return errors.NewValidationError("provider and requestor must be different nodes", nil).
			WithContext("node_id", providerNode)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, g := range m.grantsFor(providerNode, requestorNode) {
		err := m.applyGrantLocked(ctx, g)
		metrics.RecordACLOperation("setup", err)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *TransactionManager) applyGrantLocked(ctx context.Context, g grant) error {
	snapshot, err := m.snapshotLocked(ctx, g.node)
	if err != nil {
		return err
	}

	added := 0
	for _, entry := range g.entries {
		encoded := entry.Encode()
		if containsValue(m.granted[g.node], encoded) {
			continue
		}
		m.granted[g.node] = append(m.granted[g.node], encoded)
		added++
	}
	if added == 0 {
		m.logger.Debugf("ACL of node %d already granted this session", g.node)
		return nil
	}

	list := proto.Clone(snapshot).(*structpb.Value)
	if list.GetListValue() == nil {
		list = structpb.NewListValue(&structpb.ListValue{})
	}
	for _, encoded := range m.granted[g.node] {
		list.GetListValue().Values = append(list.GetListValue().Values, proto.Clone(encoded).(*structpb.Value))
	}

	if err := m.controller.WriteAttribute(ctx, g.node, controller.ACLAttributePath, list); err != nil {
		m.granted[g.node] = m.granted[g.node][:len(m.granted[g.node])-added]
		m.logger.Errorf("ACL write failed, node: %d, error: %v", g.node, err)
		return errors.NewNetworkOperationError("ACL write failed", err).WithContext("node_id", g.node)
	}

	m.logger.Infof("ACL of node %d extended by %d entries, total: %d", g.node, added, len(list.GetListValue().GetValues()))
	m.options.Events.Publish(events.ACLChangedEvent{NodeID: g.node})
	return nil
}

// snapshotLocked returns the cached pre-setup ACL of node, reading it on first use.
func (m *TransactionManager) snapshotLocked(ctx context.Context, node uint64) (*structpb.Value, error) {
	if snapshot, ok := m.snapshots[node]; ok {
		return snapshot, nil
	}

	value, err := m.controller.ReadAttribute(ctx, node, controller.ACLAttributePath)
	if err != nil {
		m.logger.Errorf("ACL read failed, node: %d, error: %v", node, err)
		return nil, errors.NewNetworkOperationError("ACL read failed", err).WithContext("node_id", node)
	}
	entries, err := DecodeEntries(value)
	if err != nil {
		return nil, errors.NewNetworkOperationError("ACL read returned an unexpected value", err).WithContext("node_id", node)
	}
	if value == nil {
		value = structpb.NewListValue(&structpb.ListValue{})
	}

	m.snapshots[node] = proto.Clone(value).(*structpb.Value)
	m.logger.Infof("ACL snapshot captured, node: %d, entries: %d", node, len(entries))
	return m.snapshots[node], nil
}

// Restore writes every captured snapshot back. Nodes are attempted
// independently; all failures are returned together once every node was tried.
func (m *TransactionManager) Restore(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var result error
	for _, node := range m.snapshotNodesLocked() {
		result = multierr.Append(result, m.restoreNodeLocked(ctx, node))
	}
	return result
}

// RestoreNode restores a single node. Without a snapshot it is a no-op, or an
// InvalidStateError in strict mode.
func (m *TransactionManager) RestoreNode(ctx context.Context, node uint64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.snapshots[node]; !ok {
		if m.options.Strict {
			return errors.NewInvalidStateError("no ACL snapshot to restore", nil).WithContext("node_id", node)
		}
		m.logger.Debugf("No ACL snapshot for node %d, nothing to restore", node)
		return nil
	}
	return m.restoreNodeLocked(ctx, node)
}

func (m *TransactionManager) restoreNodeLocked(ctx context.Context, node uint64) error {
	snapshot := m.snapshots[node]

	err := m.controller.WriteAttribute(ctx, node, controller.ACLAttributePath, proto.Clone(snapshot).(*structpb.Value))
	metrics.RecordACLOperation("restore", err)
	if err != nil {
		m.logger.Errorf("ACL restore failed, node: %d, error: %v", node, err)
		return errors.NewNetworkOperationError("ACL restore failed", err).WithContext("node_id", node)
	}

	delete(m.snapshots, node)
	delete(m.granted, node)
	m.logger.Infof("ACL restored, node: %d", node)
	m.options.Events.Publish(events.ACLChangedEvent{NodeID: node, Restored: true})
	return nil
}

// Snapshot returns a copy of the captured ACL of node.
func (m *TransactionManager) Snapshot(node uint64) (*structpb.Value, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	snapshot, ok := m.snapshots[node]
	if !ok {
		return nil, false
	}
	return proto.Clone(snapshot).(*structpb.Value), true
}

// SnapshotNodes lists nodes with a pending snapshot, ascending.
func (m *TransactionManager) SnapshotNodes() []uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.snapshotNodesLocked()
}

func (m *TransactionManager) snapshotNodesLocked() []uint64 {
	return sortedKeys(m.snapshots)
}

// Commission admits node onto the network. A node already commissioned in
// this session is never commissioned again.
func (m *TransactionManager) Commission(ctx context.Context, node uint64, credentials Credentials) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.commissioned[node] {
		m.logger.Infof("Node %d already commissioned, skipping", node)
		return nil
	}

	m.logger.Infof("Commissioning node %d, discriminator: %d", node, credentials.Discriminator)
	err := m.controller.CommissionOnNetwork(ctx, node, credentials.Passcode, credentials.Discriminator)
	metrics.RecordACLOperation("commission", err)
	if err != nil {
		m.logger.Errorf("Commissioning failed, node: %d, error: %v", node, err)
		return errors.NewNetworkOperationError("commissioning failed", err).WithContext("node_id", node)
	}

	m.commissioned[node] = true
	m.logger.Infof("Node %d commissioned", node)
	return nil
}

// MarkCommissioned records a node commissioned outside this manager.
func (m *TransactionManager) MarkCommissioned(node uint64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.commissioned[node] = true
}

func (m *TransactionManager) IsCommissioned(node uint64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.commissioned[node]
}

// CommissionedNodes lists commissioned nodes, ascending.
func (m *TransactionManager) CommissionedNodes() []uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return sortedKeys(m.commissioned)
}

// ExpireSessions asks the controller to drop its sessions with every
// commissioned node. All nodes are attempted.
func (m *TransactionManager) ExpireSessions(ctx context.Context) error {
	var result error
	for _, node := range m.CommissionedNodes() {
		err := m.controller.ExpireSessions(ctx, node)
		metrics.RecordACLOperation("expire", err)
		if err != nil {
			m.logger.Warnf("Session expiry failed, node: %d, error: %v", node, err)
			result = multierr.Append(result, errors.NewNetworkOperationError("session expiry failed", err).WithContext("node_id", node))
		}
	}
	return result
}

func containsValue(values []*structpb.Value, v *structpb.Value) bool {
	for _, existing := range values {
		if proto.Equal(existing, v) {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
