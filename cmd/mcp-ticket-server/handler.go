package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/cexll/ticketbridge/internal/bridge"
	"github.com/cexll/ticketbridge/internal/mapping"
)

// ReplyParams are the arguments of reply_to_ticket_thread.
type ReplyParams struct {
	ThreadID string `json:"thread_id" jsonschema:"The Slack thread ts the reply belongs to"`
	Text     string `json:"text" jsonschema:"The reply text to add as a ticket comment"`
}

// LookupParams are the arguments of lookup_ticket_thread.
type LookupParams struct {
	TicketID string `json:"ticket_id,omitempty" jsonschema:"The Jira ticket key, e.g. PROJ-123"`
	ThreadID string `json:"thread_id,omitempty" jsonschema:"The Slack thread ts"`
}

type replyHandler interface {
	HandleInboundReply(ctx context.Context, threadID, authorID, text string) (bridge.ReplyResult, error)
}

type mappingLookup interface {
	Lookup(ctx context.Context, ticketID string) (mapping.ThreadMapping, error)
	LookupByThread(ctx context.Context, threadID string) (mapping.ThreadMapping, error)
}

// tools implements the MCP tool handlers. authorID is recorded as the reply
// author, normally the counterpart user the agent acts for.
type tools struct {
	replies  replyHandler
	mappings mappingLookup
	authorID string
	logger   zerolog.Logger
}

// HandleReply handles the reply_to_ticket_thread tool call
func (t *tools) HandleReply(ctx context.Context, req *mcp.CallToolRequest, params ReplyParams) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(params.ThreadID) == "" {
		return nil, nil, fmt.Errorf("thread_id parameter is required")
	}
	if strings.TrimSpace(params.Text) == "" {
		return nil, nil, fmt.Errorf("text parameter is required")
	}

	t.logger.Info().Str("thread", params.ThreadID).Int("length", len(params.Text)).Msg("reply_to_ticket_thread request")

	res, err := t.replies.HandleInboundReply(ctx, params.ThreadID, t.authorID, params.Text)
	if err != nil {
		t.logger.Error().Err(err).Str("thread", params.ThreadID).Msg("reply failed")
		return errorResult(err), nil, nil
	}

	return jsonResult(map[string]any{
		"success":   res.Outcome == bridge.ReplyRelayed,
		"outcome":   string(res.Outcome),
		"ticket_id": res.TicketID,
		"thread_id": params.ThreadID,
	})
}

// HandleLookup handles the lookup_ticket_thread tool call
func (t *tools) HandleLookup(ctx context.Context, req *mcp.CallToolRequest, params LookupParams) (*mcp.CallToolResult, any, error) {
	if (params.TicketID == "") == (params.ThreadID == "") {
		return nil, nil, fmt.Errorf("exactly one of ticket_id or thread_id is required")
	}

	var (
		m   mapping.ThreadMapping
		err error
	)
	if params.ThreadID != "" {
		m, err = t.mappings.LookupByThread(ctx, params.ThreadID)
	} else {
		m, err = t.mappings.Lookup(ctx, params.TicketID)
	}
	if errors.Is(err, mapping.ErrNotFound) {
		return jsonResult(map[string]any{"found": false})
	}
	if err != nil {
		return errorResult(err), nil, nil
	}

	return jsonResult(map[string]any{
		"found":        true,
		"ticket_id":    m.TicketID,
		"thread_id":    m.ThreadID,
		"last_checked": m.LastChecked.UTC().Format(time.RFC3339),
	})
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(b)},
		},
	}, nil, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Error: %v", err)},
		},
		IsError: true,
	}
}
