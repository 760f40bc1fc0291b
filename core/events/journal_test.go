package events

import (
	"path/filepath"
	"testing"
	"time"

	"bondsettle/core/types"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })
	return journal
}

func TestJournalAssignsSequences(t *testing.T) {
	journal := openTestJournal(t)

	for i := 1; i <= 3; i++ {
		stored, err := journal.Append(&types.Event{Type: "settlement.created", Attributes: map[string]string{"id": "1"}})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if stored.Sequence != uint64(i) {
			t.Fatalf("expected sequence %d, got %d", i, stored.Sequence)
		}
		if stored.Timestamp == 0 {
			t.Fatalf("expected timestamp to be stamped")
		}
	}

	last, err := journal.LastSequence()
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if last != 3 {
		t.Fatalf("expected last sequence 3, got %d", last)
	}
}

func TestJournalListPaginates(t *testing.T) {
	journal := openTestJournal(t)
	for i := 0; i < 5; i++ {
		if _, err := journal.Append(&types.Event{Type: "settlement.executed"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	page, err := journal.List(2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page))
	}
	if page[0].Sequence != 3 || page[1].Sequence != 4 {
		t.Fatalf("unexpected sequences %d, %d", page[0].Sequence, page[1].Sequence)
	}

	tail, err := journal.List(5, 10)
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if len(tail) != 0 {
		t.Fatalf("expected empty tail, got %d events", len(tail))
	}
}

func TestJournalFanout(t *testing.T) {
	journal := openTestJournal(t)
	sub := journal.Subscribe(4)
	defer sub.Cancel()

	if _, err := journal.Append(&types.Event{Type: "settlement.cancelled"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case evt := <-sub.C:
		if evt.Type != "settlement.cancelled" {
			t.Fatalf("unexpected event type %s", evt.Type)
		}
		if evt.Sequence != 1 {
			t.Fatalf("unexpected sequence %d", evt.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive event")
	}
}

func TestJournalDropsWhenSubscriberFull(t *testing.T) {
	journal := openTestJournal(t)
	sub := journal.Subscribe(1)
	defer sub.Cancel()

	for i := 0; i < 3; i++ {
		if _, err := journal.Append(&types.Event{Type: "settlement.created"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Only the first event fits the buffer; the rest are dropped, never
	// blocking Append.
	evt := <-sub.C
	if evt.Sequence != 1 {
		t.Fatalf("expected first sequence, got %d", evt.Sequence)
	}
	select {
	case extra, ok := <-sub.C:
		if ok {
			t.Fatalf("expected no buffered event, got sequence %d", extra.Sequence)
		}
	default:
	}
}
