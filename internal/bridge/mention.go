package bridge

import "strings"

// MentionToken is the Jira wiki markup Jira inserts when a user is
// @-mentioned in a comment.
func MentionToken(accountID string) string {
	return "[~accountid:" + accountID + "]"
}

// Mentions reports whether body contains the mention token of accountID.
// Plain-text names do not count.
func Mentions(body, accountID string) bool {
	if accountID == "" {
		return false
	}
	return strings.Contains(body, MentionToken(accountID))
}
