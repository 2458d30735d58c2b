// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/bureau-foundation/eventpipe/cmd/eventpipe/cli"
	"github.com/bureau-foundation/eventpipe/lib/analytics"
	"github.com/bureau-foundation/eventpipe/lib/config"
	"github.com/bureau-foundation/eventpipe/lib/queuefile"
	"github.com/bureau-foundation/eventpipe/lib/wrap"
)

func queueCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "queue",
		Summary: "Inspect or clear an on-disk event queue",
		Description: `Operate on a queue file written by the file-backed event queue.

The queue file is locked while a pipeline has it open, so these
commands fail against the queue of a running process.`,
		Subcommands: []*cli.Command{
			queueInspectCommand(stdout),
			queueClearCommand(stdout),
		},
	}
}

type queueInspectParams struct {
	cli.JSONOutput
	Limit  int    `json:"limit"  flag:"limit,n" desc:"maximum records to list (0 lists none)" default:"20"`
	Config string `json:"config" flag:"config"  desc:"config file whose queue compression and encryption settings decode the records"`
}

type queueInspectResult struct {
	Path       string          `json:"path"`
	FileLength int64           `json:"file_length"`
	UsedBytes  int64           `json:"used_bytes"`
	Count      int             `json:"count"`
	First      int64           `json:"first"`
	Last       int64           `json:"last"`
	Records    []recordSummary `json:"records"`
}

type recordSummary struct {
	Index     int    `json:"index"`
	Length    int    `json:"length"`
	Type      string `json:"type,omitempty"`
	Event     string `json:"event,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

func queueInspectCommand(stdout io.Writer) *cli.Command {
	var params queueInspectParams

	return &cli.Command{
		Name:    "inspect",
		Summary: "Show a queue file's header and oldest records",
		Description: `Print the queue file header and a summary of the oldest records:
length, event type, event name, and message ID.

Records written with compression or encryption are opaque unless
--config names the config file the pipeline ran with.`,
		Usage: "eventpipe queue inspect <path> [flags]",
		Examples: []cli.Example{
			{
				Description: "Show the five oldest records as JSON",
				Command:     "eventpipe queue inspect events.tape --limit 5 --json",
			},
		},
		Params: func() any { return &params },
		Run: func(_ context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return cli.Validation("expected exactly one queue file path")
			}
			path := args[0]

			wrapper, err := wrapperFromConfig(params.Config)
			if err != nil {
				return err
			}
			file, err := openExisting(path)
			if err != nil {
				return err
			}
			defer file.Close()

			header := file.Header()
			result := queueInspectResult{
				Path:       path,
				FileLength: header.FileLength,
				UsedBytes:  file.UsedBytes(),
				Count:      header.Count,
				First:      header.First,
				Last:       header.Last,
			}

			index := 0
			err = file.ForEach(func(record io.Reader, length int) (bool, error) {
				if index >= params.Limit {
					return false, nil
				}
				data := make([]byte, length)
				if _, err := io.ReadFull(record, data); err != nil {
					return false, err
				}
				result.Records = append(result.Records, summarize(index, data, wrapper))
				index++
				return true, nil
			})
			if err != nil {
				return cli.Internal("reading %s: %w", path, err)
			}
			logger.Debug("inspected queue", "path", path, "count", header.Count, "listed", index)

			if done, err := params.EmitJSON(stdout, result); done {
				return err
			}
			printInspect(stdout, result)
			return nil
		},
	}
}

// summarize decodes the identifying fields of one stored record.
// Decoding failures are reported in the summary rather than aborting
// the listing.
func summarize(index int, data []byte, wrapper wrap.Wrapper) recordSummary {
	summary := recordSummary{Index: index, Length: len(data)}
	plain, err := wrapper.Unwrap(data)
	if err != nil {
		summary.Error = err.Error()
		return summary
	}
	var fields struct {
		Type      string `json:"type"`
		Event     string `json:"event"`
		MessageID string `json:"messageId"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(plain, &fields); err != nil {
		summary.Error = "not a JSON event (compressed or encrypted? pass --config)"
		return summary
	}
	summary.Type = fields.Type
	summary.Event = fields.Event
	summary.MessageID = fields.MessageID
	summary.Timestamp = fields.Timestamp
	return summary
}

func printInspect(w io.Writer, result queueInspectResult) {
	styles := cli.NewStyles(w)
	fmt.Fprintln(w, styles.Heading.Render(result.Path))
	fmt.Fprintf(w, "  %s %d bytes (%d in use)\n", styles.Label.Render("File length:"), result.FileLength, result.UsedBytes)
	fmt.Fprintf(w, "  %s %d\n", styles.Label.Render("Records:    "), result.Count)
	fmt.Fprintf(w, "  %s first=%d last=%d\n", styles.Label.Render("Positions:  "), result.First, result.Last)

	if len(result.Records) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, record := range result.Records {
		if record.Error != "" {
			fmt.Fprintf(w, "  %4d  %6dB  %s\n", record.Index, record.Length, styles.Bad.Render(record.Error))
			continue
		}
		name := record.Event
		if name == "" {
			name = styles.Muted.Render("-")
		}
		fmt.Fprintf(w, "  %4d  %6dB  %-9s %s  %s\n",
			record.Index, record.Length, record.Type, name, styles.Muted.Render(record.MessageID))
	}
	if remaining := result.Count - len(result.Records); remaining > 0 {
		fmt.Fprintf(w, "  %s\n", styles.Muted.Render(fmt.Sprintf("... %d more", remaining)))
	}
}

type queueClearParams struct {
	Yes bool `json:"yes" flag:"yes,y" desc:"required; confirms that every queued record is discarded"`
}

func queueClearCommand(stdout io.Writer) *cli.Command {
	var params queueClearParams

	return &cli.Command{
		Name:    "clear",
		Summary: "Discard every record in a queue file",
		Description: `Remove all records and shrink the queue file back to its initial
size. The records are not delivered.`,
		Usage:  "eventpipe queue clear <path> --yes",
		Params: func() any { return &params },
		Run: func(_ context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return cli.Validation("expected exactly one queue file path")
			}
			if !params.Yes {
				return cli.Validation("refusing to discard queued records without --yes")
			}
			path := args[0]

			file, err := openExisting(path)
			if err != nil {
				return err
			}
			defer file.Close()

			discarded := file.Size()
			if err := file.Clear(); err != nil {
				return cli.Internal("clearing %s: %w", path, err)
			}
			logger.Info("cleared queue", "path", path, "discarded", discarded)
			fmt.Fprintf(stdout, "discarded %d records from %s\n", discarded, path)
			return nil
		},
	}
}

// openExisting opens a queue file without creating one.
func openExisting(path string) (*queuefile.File, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, cli.NotFound("queue file %s does not exist", path)
	} else if err != nil {
		return nil, cli.Internal("%w", err)
	}
	file, err := queuefile.Open(path)
	if err != nil {
		return nil, cli.Internal("opening %s: %w", path, err)
	}
	return file, nil
}

// wrapperFromConfig builds the record wrapper described by the config
// file at path, or the identity wrapper when path is empty.
func wrapperFromConfig(path string) (wrap.Wrapper, error) {
	if path == "" {
		return wrap.None{}, nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, cli.Validation("%w", err)
	}
	wrapper, err := analytics.BuildWrapper(cfg.Queue.Encryption, cfg.Queue.Compression)
	if err != nil {
		return nil, cli.Validation("%w", err)
	}
	return wrapper, nil
}
