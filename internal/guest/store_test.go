package guest

import (
	"testing"
	"time"

	"deskhub/realtime/internal/domain"
)

func TestFileStore_SaveLoadDiscard(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if snap, err := store.Load(); err != nil || snap != nil {
		t.Fatalf("empty store must load (nil, nil), got %v / %v", snap, err)
	}

	want := &domain.Snapshot{
		SessionID:   "sess-1",
		Timestamp:   time.Now().Truncate(time.Millisecond),
		UnreadCount: 2,
		GuestName:   "Jane Doe",
		GuestEmail:  "jane@example.com",
		Messages: []domain.Message{
			{ID: "m1", Author: "Jane Doe", FromGuest: true, Body: "hello"},
			{ID: "m2", Author: "Agent Smith", Body: "hi"},
		},
	}
	if err := store.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SessionID != want.SessionID || got.UnreadCount != want.UnreadCount {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[1].Author != "Agent Smith" {
		t.Errorf("messages did not survive the roundtrip: %+v", got.Messages)
	}

	if err := store.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if snap, err := store.Load(); err != nil || snap != nil {
		t.Errorf("discarded store must load (nil, nil), got %v / %v", snap, err)
	}
	// Discarding twice is fine.
	if err := store.Discard(); err != nil {
		t.Errorf("second discard: %v", err)
	}
}

func TestFileStore_OverwriteKeepsNewest(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	for i, id := range []string{"first", "second", "third"} {
		if err := store.Save(&domain.Snapshot{SessionID: id, UnreadCount: i}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SessionID != "third" || got.UnreadCount != 2 {
		t.Errorf("expected the newest snapshot to win, got %+v", got)
	}
}
