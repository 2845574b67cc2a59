// Command send-event signs a Slack Events API body the way Slack does and
// posts it to a running bridge. It is meant for local testing of the
// inbound endpoint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/cexll/ticketbridge/internal/chat"
)

func main() {
	_ = godotenv.Load()
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:  "send-event",
		Usage: "Post a signed Slack event to a ticketbridge endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:8000/slack/events", Usage: "Endpoint `URL`"},
			&cli.StringFlag{Name: "secret", EnvVars: []string{"SLACK_SIGNING_SECRET"}, Usage: "Signing secret", Required: true},
			&cli.StringFlag{Name: "file", Usage: "Send the raw body in `FILE` instead of building one"},
			&cli.StringFlag{Name: "challenge", Usage: "Send a url_verification request with this challenge"},
			&cli.StringFlag{Name: "channel", EnvVars: []string{"SLACK_CHANNEL_ID"}, Usage: "Channel of the reply"},
			&cli.StringFlag{Name: "user", EnvVars: []string{"DEVIN_USER_ID"}, Usage: "Author of the reply"},
			&cli.StringFlag{Name: "thread", Usage: "Thread `TS` the reply belongs to"},
			&cli.StringFlag{Name: "text", Value: "Reply from send-event", Usage: "Reply text"},
		},
		Action: func(c *cli.Context) error {
			body, err := buildBody(c)
			if err != nil {
				return err
			}
			return send(c.Context, http.DefaultClient, c.String("url"), c.String("secret"), body, time.Now(), out)
		},
	}
}

func buildBody(c *cli.Context) ([]byte, error) {
	if path := c.String("file"); path != "" {
		return os.ReadFile(path)
	}
	if challenge := c.String("challenge"); challenge != "" {
		return json.Marshal(map[string]string{"type": "url_verification", "challenge": challenge})
	}
	if c.String("thread") == "" {
		return nil, cli.Exit("--thread is required for a reply event", 2)
	}
	return replyEvent(c.String("channel"), c.String("user"), c.String("thread"), c.String("text"), time.Now())
}

// replyEvent builds an event_callback carrying a thread reply.
func replyEvent(channel, user, threadTS, text string, now time.Time) ([]byte, error) {
	ts := fmt.Sprintf("%d.%06d", now.Unix(), now.Nanosecond()/1000)
	return json.Marshal(map[string]any{
		"type":       "event_callback",
		"event_id":   "Ev" + uuid.NewString(),
		"event_time": now.Unix(),
		"event": map[string]any{
			"type":      "message",
			"channel":   channel,
			"user":      user,
			"text":      text,
			"ts":        ts,
			"thread_ts": threadTS,
		},
	})
}

func send(ctx context.Context, client *http.Client, url, secret string, body []byte, now time.Time, out io.Writer) error {
	timestamp := strconv.FormatInt(now.Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(chat.HeaderTimestamp, timestamp)
	req.Header.Set(chat.HeaderSignature, chat.Sign(timestamp, body, secret))

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	fmt.Fprintf(out, "%s\n%s", resp.Status, respBody)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint answered %s", resp.Status)
	}
	return nil
}
