package main

import (
	"fmt"
	"os"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	coreLogging "github.com/core-tools/hsu-core/pkg/logging"
	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	"github.com/core-tools/hsu-fixture/pkg/acl"
	"github.com/core-tools/hsu-fixture/pkg/control"
	"github.com/core-tools/hsu-fixture/pkg/controller"
	"github.com/core-tools/hsu-fixture/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Port      int      `long:"port" description:"port to listen on"`
	SeedNodes []uint64 `long:"seed-node" description:"node id answered with an empty ACL (repeatable)"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
}

// controllersrv serves the DeviceController control service over an in-memory
// device model, for running fixture sessions without a real controller.
func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	logger := sprintfLogging.NewStdSprintfLogger()

	logger.Infof("opts: %+v", opts)

	if opts.Port == 0 {
		fmt.Println("Port is required")
		os.Exit(1)
	}

	logger.Infof("Starting...")

	coreLogger := coreLogging.NewLogger(
		logPrefix("hsu-core"), coreLogging.LogFuncs{
			Debugf: logger.Debugf,
			Infof:  logger.Infof,
			Warnf:  logger.Warnf,
			Errorf: logger.Errorf,
		})
	fixtureLogger := logging.NewLogger(
		logPrefix("hsu-fixture"), logging.LogFuncs{
			Debugf: logger.Debugf,
			Infof:  logger.Infof,
			Warnf:  logger.Warnf,
			Errorf: logger.Errorf,
		})

	server, err := coreControl.NewServer(coreControl.ServerOptions{Port: opts.Port}, coreLogger)
	if err != nil {
		logger.Errorf("Failed to create server: %v", err)
		os.Exit(1)
	}

	coreHandler := coreDomain.NewDefaultHandler(coreLogger)
	coreControl.RegisterGRPCServerHandler(server.GRPC(), coreHandler, coreLogger)

	devices := controller.NewMemoryController()
	for _, node := range opts.SeedNodes {
		devices.SetAttribute(node, controller.ACLAttributePath, acl.EncodeEntries(nil))
		fixtureLogger.Infof("Seeded node %d with an empty ACL", node)
	}
	control.RegisterGRPCServerHandler(server.GRPC(), devices, fixtureLogger)

	server.Run(func() {
		fixtureLogger.Infof("Controller server stopping, calls served: %d", len(devices.Calls()))
	})
}
