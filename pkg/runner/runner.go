package runner

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-fixture/pkg/acl"
	"github.com/core-tools/hsu-fixture/pkg/config"
	"github.com/core-tools/hsu-fixture/pkg/control"
	"github.com/core-tools/hsu-fixture/pkg/controller"
	"github.com/core-tools/hsu-fixture/pkg/errors"
	"github.com/core-tools/hsu-fixture/pkg/events"
	"github.com/core-tools/hsu-fixture/pkg/logcollection"
	"github.com/core-tools/hsu-fixture/pkg/logging"
	"github.com/core-tools/hsu-fixture/pkg/metrics"
	"github.com/core-tools/hsu-fixture/pkg/orchestrator"
	"github.com/core-tools/hsu-fixture/pkg/supervisor"
)

type RunOptions struct {
	ConfigFile string
	// RunDuration ends the session after that many seconds; 0 runs until a signal.
	RunDuration int
	// DryRun replaces the controller service with an in-process MemoryController.
	DryRun bool
}

// Run executes one fixture session described by a configuration file: start
// every fixture, optionally commission and authorize the configured pair, wait
// for a signal, the run duration or an unexpected fixture exit, then shut down.
func Run(options RunOptions, coreLogger coreLogging.Logger, logger logging.Logger) error {
	logger.Infof("Fixture runner starting...")

	ctx := context.Background()
	if options.RunDuration > 0 {
		duration := time.Duration(options.RunDuration) * time.Second
		logger.Infof("Using RUN DURATION of %v", duration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Infof("Using CONFIGURATION FILE: %s", options.ConfigFile)

	cfg, err := loadAndValidate(options.ConfigFile)
	if err != nil {
		return err
	}
	logger.Infof("Configuration loaded, fixtures: %d, controller port: %d", len(cfg.Fixtures), cfg.Session.Controller.Port)

	bus := events.New()
	defer bus.Close()

	fixtureFailed := make(chan string, len(cfg.Fixtures))
	unsubscribe := bus.Subscribe(func(e events.StateChangedEvent) {
		logger.Infof("Fixture %s: %s -> %s", e.FixtureID, e.From, e.To)
		if e.To == string(supervisor.StateFailed) && (e.From == string(supervisor.StateReady) || e.From == string(supervisor.StatePaused)) {
			select {
			case fixtureFailed <- e.FixtureID:
			default:
			}
		}
	})
	defer unsubscribe()
	unsubscribeACL := bus.Subscribe(func(e events.ACLChangedEvent) {
		logger.Debugf("ACL of node %d changed, restored: %t", e.NodeID, e.Restored)
	})
	defer unsubscribeACL()

	if cfg.Session.MetricsAddress != "" {
		stopMetrics := serveMetrics(cfg.Session.MetricsAddress, logger)
		defer stopMetrics()
	}

	ctrl, err := connectController(ctx, cfg, options.DryRun, coreLogger, logger)
	if err != nil {
		return err
	}

	specs, err := config.CreateFixturesFromConfig(cfg)
	if err != nil {
		return errors.NewValidationError("failed to create fixtures from configuration", err)
	}
	orchestratorOptions := config.OrchestratorOptions(cfg)
	orchestratorOptions.Sink = logcollection.NewLoggerSink(logger)
	orchestratorOptions.Events = bus

	fixtures, err := orchestrator.New(specs, ctrl, orchestratorOptions, logger)
	if err != nil {
		return errors.NewInternalError("failed to create fixture session", err)
	}

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	startCtx, cancelStart := context.WithCancel(ctx)
	defer cancelStart()

	startFailed := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := fixtures.Start(startCtx); err != nil {
			startFailed <- err
			return
		}
		if authorize := cfg.Session.Authorize; authorize != nil {
			if err := fixtures.CommissionAndAuthorize(startCtx, authorize.ProviderNode, authorize.RequestorNode); err != nil {
				startFailed <- err
				return
			}
			logger.Infof("Nodes %d and %d commissioned and authorized", authorize.ProviderNode, authorize.RequestorNode)
		}

		logger.Infof("Fixture session %s is fully operational", fixtures.SessionID())
	}()

	var runErr error
	select {
	case receivedSignal := <-sig:
		logger.Infof("Fixture runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Fixture runner timed out")
	case err := <-startFailed:
		logger.Errorf("Fixture session failed to come up: %v", err)
		runErr = err
	case id := <-fixtureFailed:
		logger.Errorf("Fixture %s exited unexpectedly", id)
		runErr = errors.NewProcessExitError("fixture exited unexpectedly", nil).WithContext("fixture", id)
	}

	logger.Infof("Waiting for fixture start to finish...")
	cancelStart()
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Session.ShutdownTimeout.Duration())
	defer cancelShutdown()

	if err := fixtures.Shutdown(shutdownCtx, *cfg.Session.RestoreACLs); err != nil {
		logger.Errorf("Fixture session shutdown incomplete: %v", err)
		if runErr == nil {
			runErr = err
		}
	}

	logger.Infof("Fixture runner stopped")
	return runErr
}

// ValidateConfigFile loads and validates a configuration file without running it.
func ValidateConfigFile(configFile string) error {
	_, err := loadAndValidate(configFile)
	return err
}

func loadAndValidate(configFile string) (*config.FixtureFileConfig, error) {
	cfg, err := config.LoadConfigFromFile(configFile)
	if err != nil {
		return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return cfg, nil
}

// connectController attaches to the controller control service, launching it
// first when a server path is configured. A dry run uses a MemoryController
// seeded with empty ACLs for every configured node.
func connectController(ctx context.Context, cfg *config.FixtureFileConfig, dryRun bool, coreLogger coreLogging.Logger, logger logging.Logger) (controller.DeviceController, error) {
	if dryRun {
		logger.Infof("Dry run, using in-memory device controller")
		memory := controller.NewMemoryController()
		for _, node := range configuredNodes(cfg) {
			memory.SetAttribute(node, controller.ACLAttributePath, acl.EncodeEntries(nil))
		}
		return memory, nil
	}

	connectionOptions := coreControl.ConnectionOptions{
		ServerPath: cfg.Session.Controller.ServerPath,
		AttachPort: cfg.Session.Controller.Port,
	}
	connection, err := coreControl.NewConnection(connectionOptions, coreLogger)
	if err != nil {
		return nil, errors.NewNetworkOperationError("failed to connect to controller", err).
			WithContext("port", cfg.Session.Controller.Port)
	}

	coreGateway := coreControl.NewGRPCClientGateway(connection.GRPC(), coreLogger)
	retryPingOptions := coreDomain.RetryPingOptions{
		RetryAttempts: 10,
		RetryInterval: 1 * time.Second,
	}
	if err := coreDomain.RetryPing(ctx, coreGateway, retryPingOptions, coreLogger); err != nil {
		return nil, errors.NewNetworkOperationError("controller did not answer ping", err).
			WithContext("port", cfg.Session.Controller.Port)
	}

	logger.Infof("Connected to controller on port %d", cfg.Session.Controller.Port)
	return control.NewGRPCClientGateway(connection.GRPC(), logger), nil
}

func configuredNodes(cfg *config.FixtureFileConfig) []uint64 {
	seen := make(map[uint64]bool)
	var nodes []uint64
	add := func(node uint64) {
		if node != 0 && !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}
	}
	for _, f := range cfg.Fixtures {
		add(f.NodeID)
	}
	if cfg.Session.Authorize != nil {
		add(cfg.Session.Authorize.ProviderNode)
		add(cfg.Session.Authorize.RequestorNode)
	}
	return nodes
}

func serveMetrics(address string, logger logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: address, Handler: mux}

	go func() {
		logger.Infof("Serving metrics on %s/metrics", address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server failed: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
