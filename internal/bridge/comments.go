package bridge

import (
	"cmp"
	"slices"
	"time"

	"github.com/cexll/ticketbridge/internal/tracker"
)

// SelectNewComments returns the comments created strictly after watermark
// that mention accountID, oldest first.
func SelectNewComments(comments []tracker.Comment, watermark time.Time, accountID string) []tracker.Comment {
	var selected []tracker.Comment
	for _, c := range comments {
		if c.Created.After(watermark) && Mentions(c.Body, accountID) {
			selected = append(selected, c)
		}
	}
	slices.SortStableFunc(selected, compareComments)
	return selected
}

// compareComments orders by creation time, then by id. Jira ids are
// decimal strings, so a shorter id sorts first.
func compareComments(a, b tracker.Comment) int {
	if c := a.Created.Compare(b.Created); c != 0 {
		return c
	}
	if c := cmp.Compare(len(a.ID), len(b.ID)); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
