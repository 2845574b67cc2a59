package tracker

import "time"

// Ticket is an immutable snapshot of a Jira issue.
type Ticket struct {
	Key         string
	URL         string
	Summary     string
	Description string
	Status      string
	Priority    string // empty when unset
	Assignee    User
	Created     time.Time
	Updated     time.Time
	Attachments []Attachment
	Comments    []Comment
}

// User identifies a Jira account.
type User struct {
	AccountID   string
	Email       string
	DisplayName string
}

// Comment is a single issue comment.
type Comment struct {
	ID      string
	Body    string
	Author  User
	Created time.Time
	Updated time.Time
}

// Attachment is the metadata of a file attached to an issue. ContentURL is
// the authenticated download link.
type Attachment struct {
	ID         string
	Filename   string
	ContentURL string
	MimeType   string
	Size       int64
	Created    time.Time
}
