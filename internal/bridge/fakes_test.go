package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cexll/ticketbridge/internal/mapping"
	"github.com/cexll/ticketbridge/internal/tracker"
)

const (
	testAccountID   = "acc-agent"
	testChannelID   = "C0BRIDGE"
	testCounterpart = "UAGENT"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable clock shared by the engine and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type commentCall struct {
	Key  string
	Body string
}

// fakeTickets serves tickets from memory.
type fakeTickets struct {
	mu          sync.Mutex
	tickets     map[string]*tracker.Ticket
	order       []string
	searchErr   error
	fetchErr    map[string]error
	commentErr  error
	attachErr   map[string]error
	comments    []commentCall
	fetches     int
	lastQuery   string
	attachCalls int
}

func newFakeTickets() *fakeTickets {
	return &fakeTickets{
		tickets:   make(map[string]*tracker.Ticket),
		fetchErr:  make(map[string]error),
		attachErr: make(map[string]error),
	}
}

func (f *fakeTickets) put(t tracker.Ticket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tickets[t.Key]; !ok {
		f.order = append(f.order, t.Key)
	}
	cp := t
	f.tickets[t.Key] = &cp
}

func (f *fakeTickets) addComment(key string, c tracker.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tickets[key]
	t.Comments = append(t.Comments, c)
}

func (f *fakeTickets) Search(ctx context.Context, jql string) ([]tracker.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = jql
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	out := make([]tracker.Ticket, 0, len(f.order))
	for _, key := range f.order {
		t := *f.tickets[key]
		// Search results are summaries.
		t.Comments = nil
		t.Attachments = nil
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTickets) Fetch(ctx context.Context, key string) (*tracker.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := f.fetchErr[key]; err != nil {
		return nil, err
	}
	t, ok := f.tickets[key]
	if !ok {
		return nil, fmt.Errorf("ticket %s not found", key)
	}
	cp := *t
	cp.Comments = append([]tracker.Comment(nil), t.Comments...)
	return &cp, nil
}

func (f *fakeTickets) AddComment(ctx context.Context, key, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commentErr != nil {
		return f.commentErr
	}
	f.comments = append(f.comments, commentCall{Key: key, Body: body})
	return nil
}

func (f *fakeTickets) FetchAttachment(ctx context.Context, a tracker.Attachment) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachCalls++
	if err := f.attachErr[a.ID]; err != nil {
		return nil, err
	}
	return []byte("bytes of " + a.Filename), nil
}

func (f *fakeTickets) commentCalls() []commentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]commentCall(nil), f.comments...)
}

type postCall struct {
	Channel  string
	Text     string
	ThreadID string
}

// fakeThreads records posts and hands out sequential message ids.
type fakeThreads struct {
	mu    sync.Mutex
	posts []postCall
	seq   int
	// failAt makes the n-th post (1-based, counted across the fake's
	// lifetime) fail.
	failAt map[int]error
	delay  time.Duration
}

func newFakeThreads() *fakeThreads {
	return &fakeThreads{failAt: make(map[int]error)}
}

func (f *fakeThreads) PostMessage(ctx context.Context, channel, text, threadID string) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if err := f.failAt[f.seq]; err != nil {
		return "", err
	}
	f.posts = append(f.posts, postCall{Channel: channel, Text: text, ThreadID: threadID})
	return fmt.Sprintf("1700000000.%06d", f.seq), nil
}

func (f *fakeThreads) calls() []postCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postCall(nil), f.posts...)
}

func (f *fakeThreads) topLevel() []postCall {
	var out []postCall
	for _, p := range f.calls() {
		if p.ThreadID == "" {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeThreads) replies() []postCall {
	var out []postCall
	for _, p := range f.calls() {
		if p.ThreadID != "" {
			out = append(out, p)
		}
	}
	return out
}

// failingStore wraps a store and injects errors into selected operations.
type failingStore struct {
	mapping.Store
	commitErr  error
	advanceErr error
	lookupErr  error
}

func (s *failingStore) Commit(ctx context.Context, m mapping.ThreadMapping) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	return s.Store.Commit(ctx, m)
}

func (s *failingStore) AdvanceWatermark(ctx context.Context, ticketID string, t time.Time) error {
	if s.advanceErr != nil {
		return s.advanceErr
	}
	return s.Store.AdvanceWatermark(ctx, ticketID, t)
}

func (s *failingStore) Lookup(ctx context.Context, ticketID string) (mapping.ThreadMapping, error) {
	if s.lookupErr != nil {
		return mapping.ThreadMapping{}, s.lookupErr
	}
	return s.Store.Lookup(ctx, ticketID)
}

var errBoom = errors.New("boom")

type harness struct {
	engine  *Engine
	tickets *fakeTickets
	threads *fakeThreads
	store   mapping.Store
	clock   *fakeClock
}

func newHarness(t testingT, mutate func(*Config)) *harness {
	cfg := Config{
		AccountID:         testAccountID,
		TerminalStatuses:  []string{"Resolved", "Closed"},
		ChannelID:         testChannelID,
		CounterpartUserID: testCounterpart,
		Concurrency:       4,
		CallTimeout:       time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		tickets: newFakeTickets(),
		threads: newFakeThreads(),
		store:   mapping.NewMemoryStore(time.Minute),
		clock:   newFakeClock(t0),
	}
	engine, err := New(cfg, h.tickets, h.threads, h.store, zerolog.Nop(), WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.engine = engine
	return h
}

// withStore rebuilds the engine over a different store.
func (h *harness) withStore(t testingT, store mapping.Store) {
	engine, err := New(h.engine.cfg, h.tickets, h.threads, store, zerolog.Nop(), WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.engine = engine
	h.store = store
}

// mapTicket records an existing announcement for key without posting.
func (h *harness) mapTicket(t testingT, key, threadID string, watermark time.Time) {
	ctx := context.Background()
	if _, err := h.store.Claim(ctx, key, watermark); err != nil {
		t.Fatalf("Claim(%s) error = %v", key, err)
	}
	if err := h.store.Commit(ctx, mapping.ThreadMapping{TicketID: key, ThreadID: threadID, LastChecked: watermark}); err != nil {
		t.Fatalf("Commit(%s) error = %v", key, err)
	}
}

type testingT interface {
	Fatalf(format string, args ...any)
}

func ticket(key string) tracker.Ticket {
	return tracker.Ticket{
		Key:     key,
		URL:     "https://example.atlassian.net/browse/" + key,
		Summary: "Summary of " + key,
		Status:  "To Do",
		Created: t0.Add(-time.Hour),
		Updated: t0,
	}
}

func mentioning(id string, created time.Time, text string) tracker.Comment {
	return tracker.Comment{
		ID:      id,
		Body:    MentionToken(testAccountID) + " " + text,
		Author:  tracker.User{DisplayName: "Reporter"},
		Created: created,
	}
}
