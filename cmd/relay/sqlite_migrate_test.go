package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateSQLite(t *testing.T) {
	t.Parallel()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	// The first release had no runs, avatar, verified or source columns.
	schema := `CREATE TABLE comment_logs (
  id TEXT PRIMARY KEY,
  text TEXT NOT NULL,
  author_channel_id TEXT NOT NULL DEFAULT '',
  author_name TEXT NOT NULL,
  is_owner INTEGER NOT NULL DEFAULT 0,
  is_moderator INTEGER NOT NULL DEFAULT 0,
  is_member INTEGER NOT NULL DEFAULT 0,
  message_type TEXT NOT NULL,
  message_data TEXT,
  published_at TEXT NOT NULL,
  received_at TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	seed := `INSERT INTO comment_logs (id, text, author_name, message_type, message_data, published_at, received_at)
VALUES
  ('a', 'hello', 'alice', 'textMessageEvent', NULL, '2026-01-01T00:00:00Z', '2026-01-01T00:00:01Z'),
  ('b', 'thanks', 'bob', 'superchat', '{"kind":"superchat"}', '2026-01-01T00:00:02Z', '2026-01-01T00:00:03Z');
`
	if _, err := db.Exec(seed); err != nil {
		t.Fatalf("seed rows: %v", err)
	}

	ctx := context.Background()
	if err := migrateSQLite(ctx, db); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}

	cols, err := sqliteTableInfo(ctx, db, "comment_logs")
	if err != nil {
		t.Fatalf("inspect columns: %v", err)
	}
	for _, name := range []string{"runs_json", "author_image_url", "is_verified", "source"} {
		col, ok := cols[name]
		if !ok {
			t.Fatalf("expected %s column to exist", name)
		}
		if !col.NotNull || col.DefaultText == "" {
			t.Fatalf("expected %s to be NOT NULL with default, got %+v", name, col)
		}
	}

	var nulls int
	if err := db.QueryRow(`SELECT COUNT(*) FROM comment_logs WHERE message_data IS NULL OR runs_json IS NULL;`).Scan(&nulls); err != nil {
		t.Fatalf("count nulls: %v", err)
	}
	if nulls != 0 {
		t.Fatalf("expected no NULL json columns, got %d", nulls)
	}

	var kind string
	if err := db.QueryRow(`SELECT message_type FROM comment_logs WHERE id='a';`).Scan(&kind); err != nil {
		t.Fatalf("read type: %v", err)
	}
	if kind != "text" {
		t.Fatalf("expected legacy type normalized to text, got %q", kind)
	}

	for _, idx := range []string{"comment_logs_published_idx", "comment_logs_type_idx", "comment_logs_author_idx"} {
		if ok, err := sqliteHasIndex(ctx, db, "comment_logs", idx); err != nil || !ok {
			t.Fatalf("%s = %v, %v", idx, ok, err)
		}
	}
	version, err := sqliteUserVersion(ctx, db)
	if err != nil || version != schemaVersion {
		t.Fatalf("user_version = %d, %v", version, err)
	}

	// Running again is a no-op.
	if err := migrateSQLite(ctx, db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestMigrateSQLiteWithoutTable(t *testing.T) {
	t.Parallel()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	if err := migrateSQLite(context.Background(), db); err != nil {
		t.Fatalf("migrate empty db: %v", err)
	}
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND name = ?;`,
		table, index).Scan(&n)
	return n > 0, err
}
