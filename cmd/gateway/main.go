// Package main provides the medlink gateway entrypoint.
//
// Usage:
//
//	gateway serve [--config gateway.yaml]
//	gateway replay --protocol ecg [--chunk 20] capture.hex
//	gateway protocols
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	app := &cli.App{
		Name:           "gateway",
		Usage:          "BLE telemetry framing gateway",
		Version:        version,
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			serveCommand(),
			replayCommand(),
			protocolsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		if msg := exitCoder.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitCoder.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
