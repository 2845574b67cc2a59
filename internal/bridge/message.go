package bridge

import (
	"fmt"
	"strings"

	"github.com/cexll/ticketbridge/internal/tracker"
)

const (
	noDescription = "No description provided"
	noPriority    = "Not set"
	noStatus      = "Unknown"
)

// attachmentProbe is the result of trying to download a ticket's
// attachments. checked is false when probing is disabled.
type attachmentProbe struct {
	checked   bool
	reachable int
}

// announcementMessage is the top-level post that opens a ticket's thread.
func announcementMessage(t *tracker.Ticket, counterpart string, probe attachmentProbe) string {
	var b strings.Builder
	if counterpart != "" {
		fmt.Fprintf(&b, "<@%s> ", counterpart)
	}
	fmt.Fprintf(&b, "*JIRA Ticket %s*\n", t.Key)
	if t.URL != "" {
		fmt.Fprintf(&b, "*Link:* <%s|%s>\n", t.URL, t.Key)
	}
	fmt.Fprintf(&b, "*Summary:* %s\n", t.Summary)
	fmt.Fprintf(&b, "*Status:* %s\n", orDefault(t.Status, noStatus))
	fmt.Fprintf(&b, "*Priority:* %s\n", orDefault(t.Priority, noPriority))
	if probe.checked {
		fmt.Fprintf(&b, "*Attachments:* %d (%d reachable)\n", len(t.Attachments), probe.reachable)
	} else {
		fmt.Fprintf(&b, "*Attachments:* %d\n", len(t.Attachments))
	}
	fmt.Fprintf(&b, "*Description:*\n%s", orDefault(strings.TrimSpace(t.Description), noDescription))
	return b.String()
}

// relayMessage is the thread reply carrying one ticket comment.
func relayMessage(key string, c tracker.Comment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*New comment on JIRA Ticket %s*\n", key)
	if author := orDefault(c.Author.DisplayName, c.Author.Email); author != "" {
		fmt.Fprintf(&b, "*From:* %s\n", author)
	}
	b.WriteString(c.Body)
	return b.String()
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
