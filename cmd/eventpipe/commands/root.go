// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands assembles the eventpipe command tree.
package commands

import (
	"io"

	"github.com/bureau-foundation/eventpipe/cmd/eventpipe/cli"
)

// Root returns the top-level "eventpipe" command. Command output is
// written to stdout.
func Root(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "eventpipe",
		Summary: "Inspect and exercise an event delivery pipeline",
		Description: `eventpipe operates on the pieces of an event delivery pipeline
from the command line: the on-disk queue file, the tracking plan,
and the collector.`,
		Subcommands: []*cli.Command{
			queueCommand(stdout),
			sendCommand(stdout),
			planCommand(stdout),
			versionCommand(stdout),
		},
		Examples: []cli.Example{
			{
				Description: "Show what is waiting in a queue file",
				Command:     "eventpipe queue inspect ~/.cache/eventpipe/events.tape",
			},
			{
				Description: "Send one event through a configured pipeline",
				Command:     "eventpipe send --config eventpipe.yaml --event 'Signed Up'",
			},
		},
	}
}
