// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/bureau-foundation/eventpipe/cmd/eventpipe/cli"
	"github.com/bureau-foundation/eventpipe/lib/version"
)

func versionCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if len(args) > 0 {
				return cli.Validation("version takes no arguments")
			}
			fmt.Fprintf(stdout, "%s %s\n", version.Library, version.Full())
			return nil
		},
	}
}
