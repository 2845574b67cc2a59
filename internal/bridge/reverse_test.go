package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleInboundReply_KnownThread(t *testing.T) {
	h := newHarness(t, nil)
	h.mapTicket(t, "PROJ-7", "1700000000.000100", t0)
	h.mapTicket(t, "PROJ-8", "1700000000.000200", t0)

	text := "Fixed in <https://example.com/pr/42|PR 42>\n\n*done*"
	res, err := h.engine.HandleInboundReply(context.Background(), "1700000000.000100", testCounterpart, text)
	require.NoError(t, err)
	assert.Equal(t, ReplyResult{Outcome: ReplyRelayed, TicketID: "PROJ-7"}, res)
	assert.Equal(t, []commentCall{{Key: "PROJ-7", Body: text}}, h.tickets.commentCalls())
}

func TestHandleInboundReply_UnknownThread(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.engine.HandleInboundReply(context.Background(), "1600000000.000001", testCounterpart, "hello")
	require.NoError(t, err)
	assert.Equal(t, ReplyNoMapping, res.Outcome)
	assert.Empty(t, res.TicketID)
	assert.Empty(t, h.tickets.commentCalls())
}

func TestHandleInboundReply_Errors(t *testing.T) {
	h := newHarness(t, nil)
	h.mapTicket(t, "PROJ-9", "T9", t0)

	_, err := h.engine.HandleInboundReply(context.Background(), "", testCounterpart, "x")
	assert.Error(t, err)

	h.tickets.commentErr = errBoom
	_, err = h.engine.HandleInboundReply(context.Background(), "T9", testCounterpart, "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "PROJ-9")
}
