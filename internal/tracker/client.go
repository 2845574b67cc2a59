// Package tracker is a small Jira REST v2 client covering what the bridge
// needs: searching assigned issues, fetching issue detail, commenting and
// downloading attachments.
package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cexll/ticketbridge/internal/upstream"
)

const service = "jira"

// maxAttachmentBytes caps a single attachment download.
const maxAttachmentBytes = 32 << 20

// Config holds the connection settings for a Client.
type Config struct {
	BaseURL    string // e.g. https://example.atlassian.net
	Email      string
	APIToken   string
	Timeout    time.Duration
	RateLimit  float64 // requests per second, 0 means unlimited
	MaxResults int

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client talks to the Jira REST v2 API with basic auth.
type Client struct {
	baseURL    string
	authHeader string
	maxResults int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" || cfg.Email == "" || cfg.APIToken == "" {
		return nil, fmt.Errorf("invalid jira configuration: base URL, email and API token are required")
	}
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid jira base URL %q: %w", base, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = max(1, int(cfg.RateLimit))
	}

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 50
	}

	return &Client{
		baseURL:    base,
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.Email+":"+cfg.APIToken)),
		maxResults: maxResults,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

// Search runs a JQL query and returns the first page of matching issues.
func (c *Client) Search(ctx context.Context, jql string) ([]Ticket, error) {
	payload := searchRequest{JQL: jql, Fields: searchFields, MaxResults: c.maxResults}
	body, err := c.do(ctx, http.MethodPost, "/rest/api/2/search", payload)
	if err != nil {
		return nil, fmt.Errorf("search tickets: %w", err)
	}

	issues, err := decodeSearch(body)
	if err != nil {
		return nil, err
	}

	tickets := make([]Ticket, 0, len(issues))
	for _, issue := range issues {
		t, err := issue.toTicket(c.baseURL)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// Fetch returns the full detail of one issue, comments and attachments
// included.
func (c *Client) Fetch(ctx context.Context, key string) (*Ticket, error) {
	body, err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch ticket %s: %w", key, err)
	}

	issue, err := decodeIssue(body)
	if err != nil {
		return nil, err
	}
	t, err := issue.toTicket(c.baseURL)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// AddComment appends body as a new comment on the issue.
func (c *Client) AddComment(ctx context.Context, key, body string) error {
	if _, err := c.do(ctx, http.MethodPost, "/rest/api/2/issue/"+url.PathEscape(key)+"/comment", addCommentRequest{Body: body}); err != nil {
		return fmt.Errorf("add comment to %s: %w", key, err)
	}
	return nil
}

// FetchAttachment downloads the bytes of an attachment.
func (c *Client) FetchAttachment(ctx context.Context, a Attachment) ([]byte, error) {
	if a.ContentURL == "" {
		return nil, fmt.Errorf("attachment %s has no content URL", a.Filename)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.ContentURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	// Credentials are only sent to the Jira site itself.
	if strings.HasPrefix(a.ContentURL, c.baseURL+"/") {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment %s: %w", a.Filename, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", a.Filename, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch attachment %s: %w", a.Filename, &upstream.APIError{Service: service, StatusCode: resp.StatusCode, Body: upstream.TruncateBody(data)})
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &upstream.APIError{Service: service, StatusCode: resp.StatusCode, Body: upstream.TruncateBody(body)}
	}
	return body, nil
}

// AssignedQuery builds the JQL for open issues assigned to accountID.
func AssignedQuery(accountID string, terminalStatuses []string) (string, error) {
	if strings.TrimSpace(accountID) == "" {
		return "", fmt.Errorf("jira account ID is required")
	}
	jql := fmt.Sprintf("assignee = %s", quoteJQL(accountID))
	if len(terminalStatuses) > 0 {
		quoted := make([]string, len(terminalStatuses))
		for i, s := range terminalStatuses {
			quoted[i] = quoteJQL(s)
		}
		jql += fmt.Sprintf(" AND status NOT IN (%s)", strings.Join(quoted, ", "))
	}
	return jql + " ORDER BY updated DESC", nil
}

func quoteJQL(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(value) + `"`
}
