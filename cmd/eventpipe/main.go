// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// eventpipe inspects queue files, checks tracking plans, and sends
// test events through a configured delivery pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/bureau-foundation/eventpipe/cmd/eventpipe/cli"
	"github.com/bureau-foundation/eventpipe/cmd/eventpipe/commands"
)

func main() {
	if err := run(); err != nil {
		// ExitError means the command already printed its outcome.
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var toolErr *cli.ToolError
		if errors.As(err, &toolErr) {
			os.Exit(toolErr.ExitCode())
		}
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	verbose := slices.Contains(args, "--verbose")
	args = slices.DeleteFunc(args, func(arg string) bool { return arg == "--verbose" })

	return commands.Root(os.Stdout).Execute(ctx, args, cli.NewCommandLogger(verbose), os.Stderr)
}
