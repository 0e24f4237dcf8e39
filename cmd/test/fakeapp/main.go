package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// flagOptions mirrors the flags a fixture application is launched with.
// Provider-specific flags are accepted and ignored.
type flagOptions struct {
	KVS           string `long:"KVS" description:"scratch key-value store path"`
	Discriminator int    `long:"discriminator" description:"setup discriminator"`
	Passcode      int    `long:"passcode" description:"setup passcode"`
	Port          int    `long:"secured-device-port" description:"secured device port"`
	Filepath      string `long:"filepath" description:"OTA image file"`
	OTAImageList  string `long:"otaImageList" description:"OTA image list"`

	StartupDelay int `long:"startup-delay" description:"milliseconds to wait before announcing readiness (debug feature)"`
	RunDuration  int `long:"run-duration" description:"duration in seconds to run (debug feature)"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag|flags.IgnoreUnknown)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running fakeapp, opts: %+v...\n", opts)

	if opts.KVS != "" {
		if _, err := os.Stat(opts.KVS); err != nil {
			fmt.Printf("KVS file is not accessible: %v\n", err)
			os.Exit(2)
		}
	}

	ctx := context.Background()
	if opts.RunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	if opts.StartupDelay > 0 {
		time.Sleep(time.Duration(opts.StartupDelay) * time.Millisecond)
	}
	fmt.Printf("Server initialization complete\n")
	fmt.Printf("Server Listening on port %d...\n", opts.Port)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		select {
		case receivedSignal := <-sig:
			fmt.Printf("fakeapp received signal: %v\n", receivedSignal)
			fmt.Printf("fakeapp stopped\n")
			return
		case <-ctx.Done():
			fmt.Printf("fakeapp timed out\n")
			return
		case <-ticker.C:
			fmt.Printf("tick %d\n", tick)
		}
	}
}
