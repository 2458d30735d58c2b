// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/eventpipe/cmd/eventpipe/cli"
	"github.com/bureau-foundation/eventpipe/lib/analytics"
	"github.com/bureau-foundation/eventpipe/lib/config"
	"github.com/bureau-foundation/eventpipe/lib/stats"
)

type sendParams struct {
	cli.JSONOutput
	Config     string        `json:"config"     flag:"config,c"   desc:"config file (default: $EVENTPIPE_CONFIG)"`
	Event      string        `json:"event"      flag:"event,e"    desc:"track event name"`
	Properties string        `json:"properties" flag:"properties" desc:"event properties as a JSON object (comments allowed)"`
	UserID     string        `json:"user_id"    flag:"user-id"    desc:"user ID to attach"`
	Timeout    time.Duration `json:"timeout"    flag:"timeout"    desc:"time allowed for delivery" default:"30s"`
}

type sendResult struct {
	Event          string         `json:"event"`
	Flushes        int            `json:"flushes"`
	FlushedRecords int            `json:"flushed_records"`
	Pending        int            `json:"pending"`
	Dispatches     map[string]int `json:"dispatches"`
	Dropped        map[string]int `json:"dropped"`
}

func sendCommand(stdout io.Writer) *cli.Command {
	var params sendParams

	return &cli.Command{
		Name:    "send",
		Summary: "Track one event through a configured pipeline and flush it",
		Description: `Build a client from the config file, track one event, flush, and
wait for the delivery attempt to finish. Prints the pipeline counters
afterwards. Records the collector did not accept stay in the queue
for the next run.`,
		Usage: "eventpipe send --event NAME [flags]",
		Examples: []cli.Example{
			{
				Description: "Send a test event with properties",
				Command:     `eventpipe send -c eventpipe.yaml -e "Signed Up" --properties '{"plan": "pro"}'`,
			},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return cli.Validation("unexpected arguments: %v", args)
			}
			if params.Event == "" {
				return cli.Validation("--event is required")
			}
			properties, err := parseProperties(params.Properties)
			if err != nil {
				return err
			}

			var cfg *config.Config
			if params.Config != "" {
				cfg, err = config.LoadFile(params.Config)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return cli.Validation("%w", err)
			}
			if err := cfg.Validate(); err != nil {
				return cli.Validation("%w", err)
			}

			ctx, cancel := context.WithTimeout(ctx, params.Timeout)
			defer cancel()

			counters := &stats.Counters{}
			client, err := analytics.FromConfig(ctx, cfg, analytics.Runtime{
				Logger:     logger,
				Stats:      counters,
				Registerer: prometheus.NewRegistry(),
			})
			if err != nil {
				return cli.Internal("building client: %w", err)
			}

			var options []analytics.Option
			if params.UserID != "" {
				options = append(options, analytics.WithUserID(params.UserID))
			}
			trackErr := client.Track(params.Event, properties, options...)
			if trackErr == nil {
				trackErr = client.Flush()
			}
			if trackErr == nil {
				trackErr = client.Sync(ctx)
			}
			pending := client.Size()
			if err := client.Shutdown(ctx); err != nil {
				logger.Warn("shutdown did not complete", "error", err)
			}
			if trackErr != nil {
				return cli.Internal("sending %q: %w", params.Event, trackErr)
			}

			snapshot := counters.Snapshot()
			result := sendResult{
				Event:          params.Event,
				Flushes:        snapshot.Flushes,
				FlushedRecords: snapshot.FlushedRecords,
				Pending:        pending,
				Dispatches:     snapshot.Dispatches,
				Dropped:        snapshot.Dropped,
			}
			if done, err := params.EmitJSON(stdout, result); done {
				return err
			}
			printSend(stdout, result)
			return nil
		},
	}
}

// parseProperties decodes the --properties value. Empty means no
// properties.
func parseProperties(value string) (map[string]any, error) {
	if value == "" {
		return nil, nil
	}
	var properties map[string]any
	if err := json.Unmarshal(jsonc.ToJSON([]byte(value)), &properties); err != nil {
		return nil, cli.Validation("--properties must be a JSON object: %w", err)
	}
	return properties, nil
}

func printSend(w io.Writer, result sendResult) {
	styles := cli.NewStyles(w)
	status := styles.Good.Render("delivered")
	if result.FlushedRecords == 0 {
		status = styles.Bad.Render("queued")
	}
	fmt.Fprintf(w, "%s %q\n", status, result.Event)
	fmt.Fprintf(w, "  %s %d batches, %d records\n", styles.Label.Render("Flushed:"), result.Flushes, result.FlushedRecords)
	fmt.Fprintf(w, "  %s %d\n", styles.Label.Render("Pending:"), result.Pending)
	for _, target := range sortedKeys(result.Dispatches) {
		fmt.Fprintf(w, "  %s %s x%d\n", styles.Label.Render("Target: "), target, result.Dispatches[target])
	}
	for _, reason := range sortedKeys(result.Dropped) {
		fmt.Fprintf(w, "  %s %s x%d\n", styles.Label.Render("Dropped:"), reason, result.Dropped[reason])
	}
}

func sortedKeys(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
