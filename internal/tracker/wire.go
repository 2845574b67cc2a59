package tracker

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cexll/ticketbridge/internal/upstream"
)

// jiraTimeLayout is the timestamp format of the REST v2 API.
const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

// Required fields are pointers so that their absence is detectable after
// decoding.

type searchResponse struct {
	Issues *[]issueResponse `json:"issues"`
	Total  int              `json:"total"`
}

type issueResponse struct {
	Key    *string      `json:"key"`
	Fields *issueFields `json:"fields"`
}

type issueFields struct {
	Summary     *string            `json:"summary"`
	Description *string            `json:"description"`
	Status      *namedField        `json:"status"`
	Priority    *namedField        `json:"priority"`
	Assignee    *userResponse      `json:"assignee"`
	Created     *string            `json:"created"`
	Updated     *string            `json:"updated"`
	Attachments []attachmentResult `json:"attachment"`
	Comment     *commentPage       `json:"comment"`
}

type namedField struct {
	Name string `json:"name"`
}

type userResponse struct {
	AccountID    string `json:"accountId"`
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
}

type attachmentResult struct {
	ID       *string `json:"id"`
	Filename string  `json:"filename"`
	Content  *string `json:"content"`
	MimeType string  `json:"mimeType"`
	Size     int64   `json:"size"`
	Created  string  `json:"created"`
}

type commentPage struct {
	Comments *[]commentResponse `json:"comments"`
	Total    int                `json:"total"`
}

type commentResponse struct {
	ID      *string       `json:"id"`
	Body    *string       `json:"body"`
	Author  *userResponse `json:"author"`
	Created *string       `json:"created"`
	Updated string        `json:"updated"`
}

type addCommentRequest struct {
	Body string `json:"body"`
}

type searchRequest struct {
	JQL        string   `json:"jql"`
	Fields     []string `json:"fields"`
	MaxResults int      `json:"maxResults"`
}

var searchFields = []string{
	"summary", "description", "status", "priority", "assignee",
	"updated", "created", "attachment", "comment",
}

func malformed(format string, args ...any) error {
	return upstream.Malformed(service, format, args...)
}

func decodeSearch(body []byte) ([]issueResponse, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed("decode search response: %v", err)
	}
	if resp.Issues == nil {
		return nil, malformed("search response has no issues list")
	}
	return *resp.Issues, nil
}

func decodeIssue(body []byte) (issueResponse, error) {
	var resp issueResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return issueResponse{}, malformed("decode issue response: %v", err)
	}
	return resp, nil
}

// toTicket converts a decoded issue, rejecting it when a required field is
// missing. browse is the base URL for the human-facing issue link.
func (r issueResponse) toTicket(browse string) (Ticket, error) {
	if r.Key == nil || *r.Key == "" {
		return Ticket{}, malformed("issue has no key")
	}
	key := *r.Key
	if r.Fields == nil {
		return Ticket{}, malformed("issue %s has no fields", key)
	}
	f := r.Fields
	if f.Summary == nil {
		return Ticket{}, malformed("issue %s has no summary", key)
	}

	t := Ticket{
		Key:     key,
		URL:     browse + "/browse/" + key,
		Summary: *f.Summary,
	}
	if f.Description != nil {
		t.Description = *f.Description
	}
	if f.Status != nil {
		t.Status = f.Status.Name
	}
	if f.Priority != nil {
		t.Priority = f.Priority.Name
	}
	if f.Assignee != nil {
		t.Assignee = f.Assignee.toUser()
	}

	var err error
	if t.Created, err = parseOptionalTime(f.Created); err != nil {
		return Ticket{}, malformed("issue %s created: %v", key, err)
	}
	if t.Updated, err = parseOptionalTime(f.Updated); err != nil {
		return Ticket{}, malformed("issue %s updated: %v", key, err)
	}

	for _, a := range f.Attachments {
		att, err := a.toAttachment()
		if err != nil {
			return Ticket{}, malformed("issue %s attachment: %v", key, err)
		}
		t.Attachments = append(t.Attachments, att)
	}

	if f.Comment != nil && f.Comment.Comments != nil {
		for _, c := range *f.Comment.Comments {
			comment, err := c.toComment()
			if err != nil {
				return Ticket{}, malformed("issue %s comment: %v", key, err)
			}
			t.Comments = append(t.Comments, comment)
		}
	}

	return t, nil
}

func (u *userResponse) toUser() User {
	if u == nil {
		return User{}
	}
	return User{AccountID: u.AccountID, Email: u.EmailAddress, DisplayName: u.DisplayName}
}

func (a attachmentResult) toAttachment() (Attachment, error) {
	if a.ID == nil || a.Content == nil {
		return Attachment{}, errMissing("attachment id or content")
	}
	created, err := parseOptionalTime(&a.Created)
	if err != nil {
		return Attachment{}, err
	}
	return Attachment{
		ID:         *a.ID,
		Filename:   a.Filename,
		ContentURL: *a.Content,
		MimeType:   a.MimeType,
		Size:       a.Size,
		Created:    created,
	}, nil
}

func (c commentResponse) toComment() (Comment, error) {
	if c.ID == nil || *c.ID == "" {
		return Comment{}, errMissing("comment id")
	}
	if c.Created == nil {
		return Comment{}, errMissing("created of comment " + *c.ID)
	}
	created, err := ParseTime(*c.Created)
	if err != nil {
		return Comment{}, err
	}
	updated, err := parseOptionalTime(&c.Updated)
	if err != nil {
		return Comment{}, err
	}

	comment := Comment{
		ID:      *c.ID,
		Author:  c.Author.toUser(),
		Created: created,
		Updated: updated,
	}
	if c.Body != nil {
		comment.Body = *c.Body
	}
	return comment, nil
}

type missingFieldError string

func (e missingFieldError) Error() string { return "missing " + string(e) }

func errMissing(field string) error { return missingFieldError(field) }

// ParseTime parses a Jira REST timestamp. RFC 3339 is accepted as well.
func ParseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(jiraTimeLayout, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseOptionalTime(value *string) (time.Time, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return time.Time{}, nil
	}
	return ParseTime(*value)
}
