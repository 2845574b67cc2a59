package bridge

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cexll/ticketbridge/internal/tracker"
)

func TestSelectNewComments(t *testing.T) {
	watermark := t0
	at := func(d time.Duration) time.Time { return watermark.Add(d) }

	comments := []tracker.Comment{
		mentioning("105", at(3*time.Second), "late"),
		mentioning("100", at(-time.Second), "before watermark"),
		mentioning("101", watermark, "exactly at watermark"),
		{ID: "102", Body: "no mention", Created: at(time.Second)},
		mentioning("99", at(2*time.Second), "tie, shorter id"),
		mentioning("104", at(2*time.Second), "tie, longer id"),
		mentioning("103", at(time.Second), "early"),
	}

	got := SelectNewComments(comments, watermark, testAccountID)

	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	want := []string{"103", "99", "104", "105"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("SelectNewComments() ids mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectNewComments_Empty(t *testing.T) {
	if got := SelectNewComments(nil, t0, testAccountID); len(got) != 0 {
		t.Errorf("SelectNewComments(nil) = %v, want empty", got)
	}
}
