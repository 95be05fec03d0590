package checkpoint

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/you/chatrelay/internal/core"
)

func openTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := Open(db, 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store, db
}

func TestSaveLoadRoundTripBeforeTTL(t *testing.T) {
	store, _ := openTestStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	want := core.ContinuationState{
		Mode:       core.ModeOfficial,
		Target:     "vid123",
		LiveChatID: "chat456",
		Cursor:     "page-token-9",
		IntervalMS: 6000,
		QuotaUsed:  55,
	}
	if err := store.Save(context.Background(), want); err != nil {
		t.Fatalf("save: %v", err)
	}

	now = now.Add(23 * time.Hour)
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Cursor != want.Cursor || got.LiveChatID != want.LiveChatID || got.QuotaUsed != want.QuotaUsed || got.IntervalMS != want.IntervalMS {
		t.Fatalf("loaded %+v, want %+v", got, want)
	}
	if !got.Matches(core.ModeOfficial, "vid123") {
		t.Fatalf("expected state to match its own target")
	}
}

func TestLoadAfterTTLIsAbsentAndDeleted(t *testing.T) {
	store, db := openTestStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if err := store.Save(context.Background(), core.ContinuationState{Mode: core.ModeGRPC, Target: "v", Cursor: "c"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	now = now.Add(24 * time.Hour)
	if _, err := store.Load(context.Background()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM settings`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired checkpoint should be deleted, found %d rows", n)
	}
}

func TestLoadCorruptValueIsAbsent(t *testing.T) {
	store, db := openTestStore(t)
	if _, err := db.Exec(`INSERT INTO settings (key, value, updated_at) VALUES ('polling_state', '{not json', '')`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Load(context.Background()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.Load(context.Background()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
