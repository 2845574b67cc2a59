package webhook

// Reply is a counterpart reply in a mapped thread, queued for relay to the
// ticket.
type Reply struct {
	EventID  string
	ThreadID string
	AuthorID string
	Text     string
	Attempt  int // Current attempt number (managed by dispatcher)
}

// envelope is the outer body of every Slack Events API request.
type envelope struct {
	Type      string        `json:"type"`
	Challenge string        `json:"challenge"`
	TeamID    string        `json:"team_id"`
	EventID   string        `json:"event_id"`
	EventTime int64         `json:"event_time"`
	Event     *messageEvent `json:"event"`
}

const (
	envelopeURLVerification = "url_verification"
	envelopeEventCallback   = "event_callback"
)

// messageEvent holds the fields of a "message" event the handler reads.
type messageEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}
