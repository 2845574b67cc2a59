package passlog

import (
	"errors"
	"testing"
	"time"

	"github.com/cexll/ticketbridge/internal/bridge"
)

type steppingClock struct{ t time.Time }

func (c *steppingClock) now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestStore(capacity int) *Store {
	s := NewStore(capacity)
	clock := &steppingClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.now
	return s
}

func TestStore_CreateGetAndList(t *testing.T) {
	store := newTestStore(10)

	store.Create(&Pass{ID: "a", Trigger: "ticker"})
	store.Create(&Pass{ID: "b", Trigger: "manual"})

	got, ok := store.Get("a")
	if !ok {
		t.Fatal("Get should return true for existing pass")
	}
	if got.Trigger != "ticker" || got.Status != StatusRunning {
		t.Fatalf("Get returned %+v", got)
	}

	list := store.List()
	if len(list) != 2 {
		t.Fatalf("List length = %d, want 2", len(list))
	}
	if list[0].ID != "b" || list[1].ID != "a" {
		t.Fatalf("List order = [%s, %s], want [b, a]", list[0].ID, list[1].ID)
	}

	if _, ok := store.Get("missing"); ok {
		t.Fatal("Get should return false for unknown pass")
	}
}

func TestStore_EvictsOldest(t *testing.T) {
	store := newTestStore(2)
	store.Create(&Pass{ID: "1"})
	store.Create(&Pass{ID: "2"})
	store.Create(&Pass{ID: "3"})

	if _, ok := store.Get("1"); ok {
		t.Fatal("oldest pass should have been evicted")
	}
	if len(store.List()) != 2 {
		t.Fatalf("List length = %d, want 2", len(store.List()))
	}
}

func TestStore_AddLogReturnsCopies(t *testing.T) {
	store := newTestStore(0)
	store.Create(&Pass{ID: "p"})
	store.AddLog("p", "info", "listing tickets")

	got, _ := store.Get("p")
	if len(got.Logs) != 1 || got.Logs[0].Message != "listing tickets" {
		t.Fatalf("Logs = %+v", got.Logs)
	}
	got.Logs[0].Message = "mutated"

	again, _ := store.Get("p")
	if again.Logs[0].Message != "listing tickets" {
		t.Fatal("Get must return an independent copy")
	}
	if !again.UpdatedAt.After(again.CreatedAt) {
		t.Fatal("UpdatedAt should change after AddLog")
	}
}

func TestStore_Finish(t *testing.T) {
	tests := []struct {
		name       string
		report     *bridge.PassReport
		passErr    error
		wantStatus Status
	}{
		{"clean", &bridge.PassReport{ID: "p"}, nil, StatusCompleted},
		{"pass error", &bridge.PassReport{ID: "p"}, errors.New("jira down"), StatusFailed},
		{"ticket failure", &bridge.PassReport{ID: "p", Results: []bridge.TicketResult{{Ticket: "PROJ-1", Outcome: bridge.OutcomeFailed}}}, nil, StatusPartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(0)
			store.Create(&Pass{ID: "p"})
			store.Finish("p", tt.report, tt.passErr)

			got, _ := store.Get("p")
			if got.Status != tt.wantStatus {
				t.Fatalf("Status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.Report != tt.report {
				t.Fatal("Report should be stored")
			}
		})
	}
}
