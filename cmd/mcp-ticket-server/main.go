package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/cexll/ticketbridge/internal/bridge"
	"github.com/cexll/ticketbridge/internal/chat"
	"github.com/cexll/ticketbridge/internal/config"
	"github.com/cexll/ticketbridge/internal/logging"
	"github.com/cexll/ticketbridge/internal/storage"
	"github.com/cexll/ticketbridge/internal/tracker"
)

const version = "v1.0.0"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("TICKETBRIDGE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "[MCP Ticket Server] %v\n", err)
		os.Exit(1)
	}

	// stdout carries the MCP protocol; logs go to stderr.
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: os.Stderr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "[MCP Ticket Server] %v\n", err)
		os.Exit(1)
	}
	logger = logger.With().Str("component", "mcp").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
	logger.Info().Msg("server stopped gracefully")
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	store, err := storage.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open mapping store: %w", err)
	}
	defer store.Close()

	jira, err := tracker.NewClient(tracker.Config{
		BaseURL:    cfg.Jira.URL,
		Email:      cfg.Jira.Email,
		APIToken:   cfg.Jira.APIToken,
		Timeout:    cfg.Jira.Timeout,
		RateLimit:  cfg.Jira.RateLimit,
		MaxResults: cfg.Jira.MaxResults,
	})
	if err != nil {
		return err
	}
	slack, err := chat.NewClient(chat.Config{APIURL: cfg.Slack.APIURL, BotToken: cfg.Slack.BotToken, Timeout: cfg.Slack.Timeout})
	if err != nil {
		return err
	}
	engine, err := bridge.New(bridge.Config{
		AccountID:         cfg.Jira.AccountID,
		TerminalStatuses:  cfg.Jira.TerminalStatuses,
		ChannelID:         cfg.Slack.ChannelID,
		CounterpartUserID: cfg.Slack.CounterpartUserID,
		CallTimeout:       cfg.Poll.CallTimeout,
	}, jira, slack, store, logger)
	if err != nil {
		return err
	}

	t := &tools{
		replies:  engine,
		mappings: store,
		authorID: cfg.Slack.CounterpartUserID,
		logger:   logger,
	}
	server := newServer(t)

	logger.Info().Str("jira", cfg.Jira.URL).Str("store", cfg.Store.Driver).Msg("starting on stdio transport")
	return server.Run(ctx, &mcp.StdioTransport{})
}

func newServer(t *tools) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "ticketbridge",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reply_to_ticket_thread",
		Description: "Add a reply to the Jira ticket mapped to a Slack thread",
	}, t.HandleReply)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "lookup_ticket_thread",
		Description: "Find the Slack thread mapped to a Jira ticket, or the ticket mapped to a thread",
	}, t.HandleLookup)

	return server
}
