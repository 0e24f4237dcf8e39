//go:build !windows

package orchestrator

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-fixture/pkg/acl"
	"github.com/core-tools/hsu-fixture/pkg/controller"
	"github.com/core-tools/hsu-fixture/pkg/errors"
	"github.com/core-tools/hsu-fixture/pkg/fixture"
	"github.com/core-tools/hsu-fixture/pkg/logging"
	"github.com/core-tools/hsu-fixture/pkg/process"
	"github.com/core-tools/hsu-fixture/pkg/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	providerNode  = uint64(5)
	requestorNode = uint64(9)
)

// writeApp installs a fake fixture application that ignores its flags,
// announces readiness and idles until terminated.
func writeApp(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ota-app")
	script := "#!/bin/sh\necho \"CHIP minimal mDNS started advertising\"\necho \"Server Listening...\"\nwhile true; do sleep 0.1; done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func providerSpec(app string) FixtureSpec {
	return FixtureSpec{
		ID:     "provider",
		NodeID: providerNode,
		Process: fixture.ProcessConfig{
			Role:          fixture.RoleOTAProvider,
			AppPath:       app,
			Discriminator: fixture.Uint16(1234),
			Passcode:      fixture.Uint32(20202021),
			Port:          5541,
			OTASource:     fixture.ImageFile("/tmp/firmware.ota"),
		},
		ReadyMarker:     "Server Listening",
		StartupTimeout:  5 * time.Second,
		GracefulTimeout: 2 * time.Second,
	}
}

func seededController() *controller.MemoryController {
	m := controller.NewMemoryController()
	for _, node := range []uint64{providerNode, requestorNode} {
		entry := acl.AdminGrant(acl.DefaultAdminNodeID)
		entry.FabricIndex = 1
		m.SetAttribute(node, controller.ACLAttributePath, acl.EncodeEntries([]acl.Entry{entry}))
	}
	return m
}

func newTestOrchestrator(t *testing.T, ctrl controller.DeviceController, specs ...FixtureSpec) *Orchestrator {
	t.Helper()
	o, err := New(specs, ctrl, Options{StorageDir: t.TempDir()}, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown(context.Background(), false) })
	return o
}

func TestScenario_AuthorizeThenShutdownRestoresACLs(t *testing.T) {
	ctx := context.Background()
	m := seededController()
	before := map[uint64]*structpb.Value{
		providerNode:  m.Attribute(providerNode, controller.ACLAttributePath),
		requestorNode: m.Attribute(requestorNode, controller.ACLAttributePath),
	}
	o := newTestOrchestrator(t, m, providerSpec(writeApp(t)))

	require.NoError(t, o.Start(ctx))
	sup, ok := o.Supervisor("provider")
	require.True(t, ok)
	assert.Equal(t, supervisor.StateReady, sup.State())
	pid := sup.Pid()

	require.NoError(t, o.CommissionAndAuthorize(ctx, providerNode, requestorNode))
	assert.True(t, m.IsCommissioned(providerNode))
	assert.False(t, m.IsCommissioned(requestorNode), "requestor is not fixture-backed")
	assert.Equal(t, []uint64{providerNode, requestorNode}, o.ACL().SnapshotNodes())

	require.NoError(t, o.Shutdown(ctx, true))

	for node, want := range before {
		assert.True(t, proto.Equal(want, m.Attribute(node, controller.ACLAttributePath)), "node %d", node)
	}
	assert.Equal(t, 1, m.CallCount("expire", providerNode))
	assert.Equal(t, supervisor.StateStopped, sup.State())
	assert.Eventually(t, func() bool {
		running, _ := process.IsProcessRunning(pid)
		return !running
	}, 5*time.Second, 50*time.Millisecond)
	assert.NoDirExists(t, o.sessionDir)
}

// writeSlowApp installs a fake fixture application that announces readiness only after delay.
func writeSlowApp(t *testing.T, delay string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slow-ota-app")
	script := "#!/bin/sh\nsleep " + delay + "\necho \"Server Listening...\"\nwhile true; do sleep 0.1; done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestShutdown_DuringStartStopsStartingFixture(t *testing.T) {
	var pids []int
	var mu sync.Mutex
	execute := process.NewStdExecuteCmd("slow", logging.NewNopLogger())

	requestor := providerSpec(writeApp(t))
	requestor.ID = "requestor"
	requestor.NodeID = requestorNode
	requestor.Process.Role = fixture.RoleOTARequestor
	requestor.Process.Port = 5542
	requestor.Process.OTASource = nil

	o, err := New([]FixtureSpec{providerSpec(writeSlowApp(t, "1")), requestor}, seededController(), Options{
		StorageDir: t.TempDir(),
		ExecuteCmd: func(ctx context.Context, cfg process.ExecutionConfig) (*os.Process, io.ReadCloser, error) {
			proc, stdout, err := execute(ctx, cfg)
			if err == nil {
				mu.Lock()
				pids = append(pids, proc.Pid)
				mu.Unlock()
			}
			return proc, stdout, err
		},
	}, logging.NewNopLogger())
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() { startErr <- o.Start(context.Background()) }()

	sup, ok := o.Supervisor("provider")
	require.True(t, ok)
	require.Eventually(t, func() bool { return sup.State() == supervisor.StateStarting }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	require.NoError(t, o.Shutdown(context.Background(), false))

	select {
	case err := <-startErr:
		assert.True(t, errors.IsCancelledError(err))
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return after shutdown")
	}

	// Past the point where the provider would have announced readiness.
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, supervisor.StateStopped, sup.State())
	assert.Zero(t, sup.Pid())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, pids, 1, "the requestor must not be spawned after shutdown")
	running, err := process.IsProcessRunning(pids[0])
	require.NoError(t, err)
	assert.False(t, running)
	assert.NoDirExists(t, o.sessionDir)
}

func TestShutdown_StopsFixturesEvenWhenNetworkStepsFail(t *testing.T) {
	ctx := context.Background()
	m := seededController()
	o := newTestOrchestrator(t, m, providerSpec(writeApp(t)))

	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.CommissionAndAuthorize(ctx, providerNode, requestorNode))

	m.WriteErrors[providerNode] = stderrors.New("unreachable")
	m.ExpireErrors[providerNode] = stderrors.New("unreachable")

	err := o.Shutdown(ctx, true)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)

	sup, _ := o.Supervisor("provider")
	assert.Equal(t, supervisor.StateStopped, sup.State())
}

func TestShutdown_IsIdempotentAndClosesSession(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, seededController(), providerSpec(writeApp(t)))

	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Shutdown(ctx, false))
	require.NoError(t, o.Shutdown(ctx, false))

	assert.True(t, errors.IsInvalidStateError(o.Start(ctx)))
	assert.True(t, errors.IsInvalidStateError(o.SetupACLs(ctx, providerNode, requestorNode)))
}

func TestCommissionAndAuthorize_SkipsSetupWhenCommissioningFails(t *testing.T) {
	ctx := context.Background()
	m := seededController()
	m.CommissionErrors[providerNode] = stderrors.New("PASE failed")
	o := newTestOrchestrator(t, m, providerSpec(writeApp(t)))

	require.NoError(t, o.Start(ctx))
	err := o.CommissionAndAuthorize(ctx, providerNode, requestorNode)
	assert.True(t, errors.IsNetworkError(err))
	assert.Empty(t, o.ACL().SnapshotNodes())
	assert.Equal(t, 0, m.CallCount("read", 0))
}

func TestCommission_RequiresReadyFixture(t *testing.T) {
	o := newTestOrchestrator(t, seededController(), providerSpec(writeApp(t)))

	err := o.Commission(context.Background(), "provider")
	assert.True(t, errors.IsInvalidStateError(err))

	err = o.Commission(context.Background(), "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestPauseResume_DelegatesToSupervisor(t *testing.T) {
	if !process.SuspendSupported {
		t.Skip("process suspension not supported")
	}
	ctx := context.Background()
	o := newTestOrchestrator(t, seededController(), providerSpec(writeApp(t)))
	require.NoError(t, o.Start(ctx))

	require.NoError(t, o.Pause("provider"))
	sup, _ := o.Supervisor("provider")
	assert.Equal(t, supervisor.StatePaused, sup.State())

	require.NoError(t, o.Resume("provider"))
	assert.Equal(t, supervisor.StateReady, sup.State())
}

func TestNew_RejectsInvalidFixtures(t *testing.T) {
	app := "/usr/bin/ota-provider-app"
	duplicate := providerSpec(app)

	otherNode := providerSpec(app)
	otherNode.ID = "second"

	noPasscode := providerSpec(app)
	noPasscode.Process.Passcode = nil

	tests := []struct {
		name  string
		specs []FixtureSpec
	}{
		{"no fixtures", nil},
		{"duplicate id", []FixtureSpec{providerSpec(app), duplicate}},
		{"duplicate node", []FixtureSpec{providerSpec(app), otherNode}},
		{"invalid process", []FixtureSpec{noPasscode}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.specs, seededController(), Options{}, logging.NewNopLogger())
			assert.True(t, errors.IsValidationError(err))
		})
	}

	_, err := New([]FixtureSpec{providerSpec(app)}, nil, Options{}, logging.NewNopLogger())
	assert.True(t, errors.IsValidationError(err))
}

func TestStart_FailureLeavesShutdownToRelease(t *testing.T) {
	ctx := context.Background()
	app := writeApp(t)
	broken := providerSpec(app)
	broken.ID = "requestor"
	broken.NodeID = requestorNode
	broken.Process = fixture.ProcessConfig{
		Role:          fixture.RoleOTARequestor,
		AppPath:       filepath.Join(t.TempDir(), "missing-app"),
		Discriminator: fixture.Uint16(1235),
		Passcode:      fixture.Uint32(20202021),
	}
	o := newTestOrchestrator(t, seededController(), providerSpec(app), broken)

	require.Error(t, o.Start(ctx))
	sup, _ := o.Supervisor("provider")
	assert.Equal(t, supervisor.StateReady, sup.State())

	require.NoError(t, o.Shutdown(ctx, false))
	assert.Equal(t, supervisor.StateStopped, sup.State())
	assert.Equal(t, []string{"provider", "requestor"}, o.FixtureIDs())
}
