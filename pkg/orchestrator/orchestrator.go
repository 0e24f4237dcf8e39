package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/core-tools/hsu-fixture/pkg/acl"
	"github.com/core-tools/hsu-fixture/pkg/controller"
	"github.com/core-tools/hsu-fixture/pkg/errors"
	"github.com/core-tools/hsu-fixture/pkg/events"
	"github.com/core-tools/hsu-fixture/pkg/fixture"
	"github.com/core-tools/hsu-fixture/pkg/logcollection"
	"github.com/core-tools/hsu-fixture/pkg/logging"
	"github.com/core-tools/hsu-fixture/pkg/process"
	"github.com/core-tools/hsu-fixture/pkg/supervisor"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// FixtureSpec describes one fixture application of a session.
type FixtureSpec struct {
	ID string
	// NodeID is the operational node id the fixture is commissioned as; 0 means never commissioned.
	NodeID  uint64
	Process fixture.ProcessConfig

	ReadyMarker     string
	StartupTimeout  time.Duration
	GracefulTimeout time.Duration

	// LogFile additionally mirrors the fixture's prefixed output to a file.
	LogFile string
}

type Options struct {
	// StorageDir is the parent of the per-session scratch directory.
	StorageDir        string
	StrictPauseResume bool
	ACL               acl.Options

	// Sink receives the prefixed output of every fixture.
	Sink   logcollection.LineSink
	Events *events.Bus

	ExecuteCmd process.ExecuteCmd
	Suspender  supervisor.Suspender
}

type managedFixture struct {
	spec       FixtureSpec
	supervisor *supervisor.Supervisor
	fileSink   logcollection.LineSink
}

// Orchestrator drives one fixture session: start, commission, authorize,
// pause/resume and shutdown.
type Orchestrator struct {
	sessionID  string
	sessionDir string
	options    Options
	logger     logging.Logger
	acl        *acl.TransactionManager

	fixtures []*managedFixture
	byID     map[string]*managedFixture
	byNode   map[uint64]*managedFixture

	// sessionCtx is cancelled by Shutdown; in-flight starts derive from it.
	sessionCtx    context.Context
	cancelSession context.CancelFunc
	starting      sync.WaitGroup

	mutex    sync.Mutex
	shutdown bool
}

func New(specs []FixtureSpec, ctrl controller.DeviceController, options Options, logger logging.Logger) (*Orchestrator, error) {
	if ctrl == nil {
		return nil, errors.NewValidationError("device controller is required", nil)
	}
	if len(specs) == 0 {
		return nil, errors.NewValidationError("at least one fixture is required", nil)
	}
	if options.StorageDir == "" {
		options.StorageDir = os.TempDir()
	}

	sessionID := uuid.New().String()
	sessionCtx, cancelSession := context.WithCancel(context.Background())
	o := &Orchestrator{
		sessionCtx:    sessionCtx,
		cancelSession: cancelSession,
		sessionID:  sessionID,
		sessionDir: filepath.Join(options.StorageDir, "hsu-fixture-"+sessionID),
		options:    options,
		logger:     logger,
		acl:        acl.NewTransactionManager(ctrl, options.ACL, logger),
		byID:       make(map[string]*managedFixture),
		byNode:     make(map[uint64]*managedFixture),
	}

	for i, spec := range specs {
		if err := o.addFixture(spec); err != nil {
			cancelSession()
			o.closeSinks()
			return nil, errors.NewValidationError(fmt.Sprintf("invalid fixture at index %d", i), err).
				WithContext("fixture", spec.ID)
		}
	}

	logger.Infof("Fixture session created, id: %s, fixtures: %d", sessionID, len(specs))
	return o, nil
}

func (o *Orchestrator) addFixture(spec FixtureSpec) error {
	if spec.ID == "" {
		return errors.NewValidationError("fixture ID is required", nil)
	}
	if _, exists := o.byID[spec.ID]; exists {
		return errors.NewValidationError("duplicate fixture ID", nil).WithContext("fixture", spec.ID)
	}
	if spec.NodeID != 0 {
		if other, exists := o.byNode[spec.NodeID]; exists {
			return errors.NewValidationError("node id already used by another fixture", nil).
				WithContext("node_id", spec.NodeID).WithContext("other", other.spec.ID)
		}
	}
	if err := spec.Process.Validate(); err != nil {
		return err
	}

	var sinks []logcollection.LineSink
	if o.options.Sink != nil {
		sinks = append(sinks, o.options.Sink)
	}
	var fileSink logcollection.LineSink
	if spec.LogFile != "" {
		fileSink = logcollection.NewFileSink(spec.LogFile)
		sinks = append(sinks, fileSink)
	}
	var sink logcollection.LineSink
	if len(sinks) > 0 {
		sink = logcollection.NewMultiSink(sinks...)
	}

	sup, err := supervisor.New(supervisor.Options{
		ID:                spec.ID,
		Builder:           spec.Process,
		StorageDir:        o.sessionDir,
		Sink:              sink,
		LogPrefix:         spec.Process.Role.LogPrefix(),
		ReadyMarker:       spec.ReadyMarker,
		StartupTimeout:    spec.StartupTimeout,
		GracefulTimeout:   spec.GracefulTimeout,
		StrictPauseResume: o.options.StrictPauseResume,
		ExecuteCmd:        o.options.ExecuteCmd,
		Suspender:         o.options.Suspender,
		Events:            o.options.Events,
	}, logging.WithPrefix(o.logger, fmt.Sprintf("fixture: %s, ", spec.ID)))
	if err != nil {
		return err
	}

	managed := &managedFixture{spec: spec, supervisor: sup, fileSink: fileSink}
	o.fixtures = append(o.fixtures, managed)
	o.byID[spec.ID] = managed
	if spec.NodeID != 0 {
		o.byNode[spec.NodeID] = managed
	}
	return nil
}

func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

func (o *Orchestrator) ACL() *acl.TransactionManager {
	return o.acl
}

// Supervisor returns the supervisor of fixture id.
func (o *Orchestrator) Supervisor(id string) (*supervisor.Supervisor, bool) {
	managed, ok := o.byID[id]
	if !ok {
		return nil, false
	}
	return managed.supervisor, true
}

// FixtureIDs lists fixtures in start order.
func (o *Orchestrator) FixtureIDs() []string {
	ids := make([]string, 0, len(o.fixtures))
	for _, managed := range o.fixtures {
		ids = append(ids, managed.spec.ID)
	}
	return ids
}

// Start spawns every fixture in order and waits for each to become ready
// before starting the next. It stops at the first failure; Shutdown still
// releases whatever was started. A concurrent Shutdown aborts Start.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.beginStart(); err != nil {
		return err
	}
	defer o.starting.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(o.sessionCtx, cancel)
	defer stopAfter()

	for _, managed := range o.fixtures {
		if ctx.Err() != nil {
			return errors.NewCancelledError("fixture session start cancelled", ctx.Err()).
				WithContext("session", o.sessionID).WithContext("fixture", managed.spec.ID)
		}
		if err := managed.supervisor.Start(ctx); err != nil {
			o.logger.Errorf("Fixture %s failed to start: %v", managed.spec.ID, err)
			return err
		}
	}
	o.logger.Infof("All fixtures ready, session: %s", o.sessionID)
	return nil
}

// Commission commissions the node of fixture id with its discriminator and passcode.
// The fixture must be ready.
func (o *Orchestrator) Commission(ctx context.Context, id string) error {
	managed, err := o.lookup(id)
	if err != nil {
		return err
	}
	return o.commission(ctx, managed)
}

func (o *Orchestrator) commission(ctx context.Context, managed *managedFixture) error {
	if managed.spec.NodeID == 0 {
		return errors.NewConfigurationError("fixture has no node id", nil).WithContext("fixture", managed.spec.ID)
	}
	if state := managed.supervisor.State(); state != supervisor.StateReady {
		return errors.NewInvalidStateError("fixture must be ready before commissioning", nil).
			WithContext("fixture", managed.spec.ID).WithContext("current_state", string(state))
	}
	return o.acl.Commission(ctx, managed.spec.NodeID, acl.Credentials{
		Passcode:      *managed.spec.Process.Passcode,
		Discriminator: *managed.spec.Process.Discriminator,
	})
}

// SetupACLs grants the provider and requestor nodes access to each other's OTA cluster.
func (o *Orchestrator) SetupACLs(ctx context.Context, providerNode, requestorNode uint64) error {
	if err := o.ensureOpen(); err != nil {
		return err
	}
	return o.acl.Setup(ctx, providerNode, requestorNode)
}

// CommissionAndAuthorize commissions every fixture-backed node of the pair,
// then sets up their ACLs. ACL setup runs only after commissioning succeeded.
// Nodes not backed by a fixture are expected to be commissioned already.
func (o *Orchestrator) CommissionAndAuthorize(ctx context.Context, providerNode, requestorNode uint64) error {
	if err := o.ensureOpen(); err != nil {
		return err
	}
	for _, node := range []uint64{providerNode, requestorNode} {
		managed, ok := o.byNode[node]
		if !ok {
			continue
		}
		if err := o.commission(ctx, managed); err != nil {
			return err
		}
	}
	return o.acl.Setup(ctx, providerNode, requestorNode)
}

func (o *Orchestrator) Pause(id string) error {
	managed, err := o.lookup(id)
	if err != nil {
		return err
	}
	return managed.supervisor.Pause()
}

func (o *Orchestrator) Resume(id string) error {
	managed, err := o.lookup(id)
	if err != nil {
		return err
	}
	return managed.supervisor.Resume()
}

// Shutdown ends the session: abort any start in progress, restore ACLs (best
// effort, when asked), expire controller sessions, then stop every fixture in
// reverse start order. The stops always run, whatever the network steps
// returned. All failures are returned together.
func (o *Orchestrator) Shutdown(ctx context.Context, restoreACLs bool) error {
	o.mutex.Lock()
	if o.shutdown {
		o.mutex.Unlock()
		return nil
	}
	o.shutdown = true
	o.mutex.Unlock()

	o.logger.Infof("Shutting down fixture session %s, restore ACLs: %t", o.sessionID, restoreACLs)

	o.cancelSession()
	o.starting.Wait()

	var result error
	if restoreACLs {
		if err := o.acl.Restore(ctx); err != nil {
			o.logger.Errorf("ACL restore incomplete: %v", err)
			result = multierr.Append(result, err)
		}
	}
	if err := o.acl.ExpireSessions(ctx); err != nil {
		o.logger.Warnf("Session expiry incomplete: %v", err)
		result = multierr.Append(result, err)
	}

	for i := len(o.fixtures) - 1; i >= 0; i-- {
		managed := o.fixtures[i]
		if err := managed.supervisor.Stop(ctx); err != nil {
			o.logger.Errorf("Failed to stop fixture %s: %v", managed.spec.ID, err)
			result = multierr.Append(result, errors.NewProcessError("failed to stop fixture", err).
				WithContext("fixture", managed.spec.ID))
		}
	}

	result = multierr.Append(result, o.closeSinks())
	if err := os.RemoveAll(o.sessionDir); err != nil {
		result = multierr.Append(result, errors.NewIOError("failed to remove session directory", err).
			WithContext("dir", o.sessionDir))
	}

	o.logger.Infof("Fixture session %s shut down", o.sessionID)
	return result
}

func (o *Orchestrator) closeSinks() error {
	var result error
	for _, managed := range o.fixtures {
		if managed.fileSink != nil {
			result = multierr.Append(result, managed.fileSink.Close())
		}
	}
	return result
}

func (o *Orchestrator) lookup(id string) (*managedFixture, error) {
	if err := o.ensureOpen(); err != nil {
		return nil, err
	}
	managed, ok := o.byID[id]
	if !ok {
		return nil, errors.NewNotFoundError("fixture not found", nil).WithContext("fixture", id)
	}
	return managed, nil
}

// beginStart registers an in-flight Start unless the session is shut down (defer-only lock)
func (o *Orchestrator) beginStart() error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.shutdown {
		return errors.NewInvalidStateError("fixture session is shut down", nil).WithContext("session", o.sessionID)
	}
	o.starting.Add(1)
	return nil
}

func (o *Orchestrator) ensureOpen() error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.shutdown {
		return errors.NewInvalidStateError("fixture session is shut down", nil).WithContext("session", o.sessionID)
	}
	return nil
}
