package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/cexll/ticketbridge/internal/mapping"
)

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "ticketbridge",
		Usage:   "Keep Jira tickets and Slack threads in sync",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default ./ticketbridge.toml when present)",
				EnvVars: []string{"TICKETBRIDGE_CONFIG"},
			},
		},
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP endpoint, the reply dispatcher and the poll scheduler",
				Action: serveAction,
			},
			{
				Name:  "poll",
				Usage: "Run one forward pass and print its report",
				Action: func(c *cli.Context) error {
					ctx, stop := signalContext(c.Context)
					defer stop()
					return runPoll(ctx, c.String("config"), out)
				},
			},
			{
				Name:      "lookup",
				Usage:     "Show the thread mapped to a ticket, or the ticket mapped to a thread",
				ArgsUsage: "TICKET",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "thread",
						Usage: "Look up by thread `TS` instead of ticket key",
					},
				},
				Action: func(c *cli.Context) error {
					ticket := c.Args().First()
					thread := c.String("thread")
					if (ticket == "") == (thread == "") {
						return cli.Exit("lookup needs exactly one of TICKET or --thread", 2)
					}
					return runLookup(c.Context, c.String("config"), ticket, thread, out)
				},
			},
		},
	}
}

func serveAction(c *cli.Context) error {
	ctx, stop := signalContext(c.Context)
	defer stop()
	return run(ctx, c.String("config"), defaultListenServe)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runPoll runs a single pass. Ticket failures are reported and turned into a
// non-zero exit after the report is printed.
func runPoll(ctx context.Context, configPath string, out io.Writer) error {
	svc, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.runner.Run(ctx, "cli")
	if report != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return fmt.Errorf("failed to write report: %w", encErr)
		}
	}
	if err != nil {
		return fmt.Errorf("forward pass failed: %w", err)
	}
	if failures := report.Failures(); len(failures) > 0 {
		return fmt.Errorf("%d ticket(s) failed: %w", len(failures), report.Err())
	}
	return nil
}

type lookupResult struct {
	TicketID    string    `json:"ticket_id"`
	ThreadID    string    `json:"thread_id"`
	LastChecked time.Time `json:"last_checked"`
	Processed   bool      `json:"processed"`
}

func runLookup(ctx context.Context, configPath, ticket, thread string, out io.Writer) error {
	svc, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer svc.Close()

	var m mapping.ThreadMapping
	if thread != "" {
		m, err = svc.store.LookupByThread(ctx, thread)
	} else {
		m, err = svc.store.Lookup(ctx, ticket)
	}
	if errors.Is(err, mapping.ErrNotFound) {
		return cli.Exit("no mapping found", 1)
	}
	if err != nil {
		return fmt.Errorf("lookup failed: %w", err)
	}

	processed, err := svc.store.Processed(ctx, m.TicketID)
	if err != nil {
		return fmt.Errorf("lookup failed: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(lookupResult{
		TicketID:    m.TicketID,
		ThreadID:    m.ThreadID,
		LastChecked: m.LastChecked.UTC(),
		Processed:   processed,
	})
}
