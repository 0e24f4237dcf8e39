package main

import (
	"fmt"
	"os"

	coreLogging "github.com/core-tools/hsu-core/pkg/logging"
	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	"github.com/core-tools/hsu-fixture/pkg/config"
	"github.com/core-tools/hsu-fixture/pkg/logging"
	"github.com/core-tools/hsu-fixture/pkg/runner"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config       string `long:"config" short:"c" description:"fixture session configuration file (YAML or TOML)" required:"true"`
	RunDuration  int    `long:"run-duration" description:"duration in seconds to run the session (debug feature)"`
	DryRun       bool   `long:"dry-run" description:"use an in-memory device controller instead of the controller service"`
	ValidateOnly bool   `long:"validate" description:"validate the configuration file and exit"`
	LogBackend   string `long:"log-backend" description:"logging backend" choice:"std" choice:"zap" default:"std"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-fixturectl , ", module)
}

type printfLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

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

	if opts.ValidateOnly {
		if err := runner.ValidateConfigFile(opts.Config); err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration %s is valid\n", opts.Config)
		return
	}

	var logger printfLogger
	switch opts.LogBackend {
	case "zap":
		zapConfig := logging.DefaultZapConfig()
		if cfg, err := config.LoadConfigFromFile(opts.Config); err == nil {
			zapConfig = cfg.Logging
		}
		zapLogger, err := logging.NewZapLogger(zapConfig)
		if err != nil {
			fmt.Printf("Failed to create zap logger: %v\n", err)
			os.Exit(1)
		}
		defer zapLogger.Sync()
		logger = zapLogger
	default:
		logger = sprintfLogging.NewStdSprintfLogger()
	}

	logger.Infof("opts: %+v", opts)

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

	runOptions := runner.RunOptions{
		ConfigFile:  opts.Config,
		RunDuration: opts.RunDuration,
		DryRun:      opts.DryRun,
	}
	if err := runner.Run(runOptions, coreLogger, fixtureLogger); err != nil {
		logger.Errorf("Fixture session failed: %v", err)
		os.Exit(1)
	}
}
