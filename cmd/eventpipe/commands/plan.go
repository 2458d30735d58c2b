// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/bureau-foundation/eventpipe/cmd/eventpipe/cli"
	"github.com/bureau-foundation/eventpipe/lib/dispatch"
	"github.com/bureau-foundation/eventpipe/lib/event"
)

func planCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "plan",
		Summary: "Work with tracking plans",
		Subcommands: []*cli.Command{
			planCheckCommand(stdout),
		},
	}
}

type planCheckParams struct {
	cli.JSONOutput
	Plan   string `json:"plan"   flag:"plan"   desc:"tracking plan file (JSON, comments allowed)"`
	Event  string `json:"event"  flag:"event"  desc:"track event name"`
	Target string `json:"target" flag:"target" desc:"destination name"`
}

type planCheckResult struct {
	Event   string `json:"event"`
	Target  string `json:"target"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func planCheckCommand(stdout io.Writer) *cli.Command {
	var params planCheckParams

	return &cli.Command{
		Name:    "check",
		Summary: "Report whether a plan lets a target receive an event",
		Description: `Evaluate a tracking plan for one track event and one target. The
exit status is 0 when the target would receive the event and 1 when
the plan excludes it. The collector target is never subject to the
plan.`,
		Usage: "eventpipe plan check --plan FILE --event NAME --target NAME [flags]",
		Examples: []cli.Example{
			{
				Description: "Check whether Mixpanel receives Order Completed",
				Command:     "eventpipe plan check --plan plan.jsonc --event 'Order Completed' --target Mixpanel",
			},
		},
		Params: func() any { return &params },
		Run: func(_ context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return cli.Validation("unexpected arguments: %v", args)
			}
			if params.Plan == "" || params.Event == "" || params.Target == "" {
				return cli.Validation("--plan, --event, and --target are required")
			}

			plan, err := dispatch.LoadPlan(params.Plan)
			if errors.Is(err, fs.ErrNotExist) {
				return cli.NotFound("plan file %s does not exist", params.Plan)
			}
			if err != nil {
				return cli.Validation("%w", err)
			}
			logger.Debug("loaded tracking plan", "path", params.Plan, "rules", len(plan.Track))

			envelope := event.Envelope{Payload: event.Track{Event: params.Event}}
			decision := dispatch.Decide(envelope, params.Target, nil, plan)
			result := planCheckResult{
				Event:   params.Event,
				Target:  params.Target,
				Allowed: decision.Include,
				Reason:  decision.Reason,
			}

			if done, err := params.EmitJSON(stdout, result); !done {
				styles := cli.NewStyles(stdout)
				if result.Allowed {
					fmt.Fprintf(stdout, "%s %s receives %q\n", styles.Good.Render("allowed"), result.Target, result.Event)
				} else {
					fmt.Fprintf(stdout, "%s %s does not receive %q (%s)\n", styles.Bad.Render("excluded"), result.Target, result.Event, result.Reason)
				}
			} else if err != nil {
				return err
			}

			if !result.Allowed {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}
