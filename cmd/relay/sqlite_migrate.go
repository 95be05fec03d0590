package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// migration upgrades comment_logs databases written by older releases. Each
// step runs in its own transaction together with the user_version bump.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx, cols map[string]sqliteColumn) error
}

var migrations = []migration{
	{1, "rich message columns", addRichColumns},
	{2, "legacy row cleanup", normalizeLegacyRows},
}

// schemaVersion is the user_version of a fully migrated database.
var schemaVersion = migrations[len(migrations)-1].version

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	version, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}
	cols, err := sqliteTableInfo(ctx, db, "comment_logs")
	if err != nil {
		return fmt.Errorf("sqlite: describe comment_logs: %w", err)
	}
	if len(cols) == 0 {
		slog.Warn("relay: sqlite: comment_logs table missing; skipping migration")
		return nil
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := runMigration(ctx, db, m, cols); err != nil {
			return fmt.Errorf("sqlite: migration %d (%s): %w", m.version, m.name, err)
		}
		slog.Info("relay: sqlite: migrated", "version", m.version, "step", m.name)
		version = m.version
	}

	for _, idx := range []struct{ name, column string }{
		{"comment_logs_published_idx", "published_at"},
		{"comment_logs_type_idx", "message_type"},
		{"comment_logs_author_idx", "author_channel_id"},
	} {
		q := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON comment_logs(%s);`, idx.name, idx.column)
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: ensure %s: %w", idx.name, err)
		}
	}

	var rows int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comment_logs;`).Scan(&rows); err != nil {
		return fmt.Errorf("sqlite: count comment_logs: %w", err)
	}
	slog.Info("relay: sqlite ready", "rows", rows, "user_version", version)
	return nil
}

func runMigration(ctx context.Context, db *sql.DB, m migration, cols map[string]sqliteColumn) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.apply(ctx, tx, cols); err != nil {
		return err
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, m.version)); err != nil {
		return err
	}
	return tx.Commit()
}

func addRichColumns(ctx context.Context, tx *sql.Tx, cols map[string]sqliteColumn) error {
	added := []struct{ name, decl string }{
		{"runs_json", `TEXT NOT NULL DEFAULT '[]'`},
		{"author_image_url", `TEXT NOT NULL DEFAULT ''`},
		{"is_verified", `INTEGER NOT NULL DEFAULT 0`},
		{"source", `TEXT NOT NULL DEFAULT ''`},
	}
	for _, col := range added {
		if _, ok := cols[col.name]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `ALTER TABLE comment_logs ADD COLUMN `+col.name+` `+col.decl+`;`); err != nil {
			return fmt.Errorf("add %s: %w", col.name, err)
		}
		slog.Info("relay: sqlite: added column", "column", col.name)
	}
	return nil
}

// normalizeLegacyRows fills JSON columns left NULL by the first release and
// renames its text message types.
func normalizeLegacyRows(ctx context.Context, tx *sql.Tx, _ map[string]sqliteColumn) error {
	updates := map[string]string{
		"runs_json":    `UPDATE comment_logs SET runs_json = '[]' WHERE runs_json IS NULL OR runs_json = '';`,
		"message_data": `UPDATE comment_logs SET message_data = '{}' WHERE message_data IS NULL OR message_data = '';`,
		"message_type": `UPDATE comment_logs SET message_type = 'text' WHERE message_type IN ('textMessageEvent', 'chat', '');`,
	}
	for column, q := range updates {
		res, err := tx.ExecContext(ctx, q)
		if err != nil {
			return fmt.Errorf("normalize %s: %w", column, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			slog.Info("relay: sqlite: normalized rows", "column", column, "rows", n)
		}
	}
	return nil
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v)
	return v, err
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, type, "notnull", dflt_value FROM pragma_table_info(?);`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			col     sqliteColumn
			notNull int
			dflt    sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.Type, &notNull, &dflt); err != nil {
			return nil, err
		}
		col.NotNull = notNull == 1
		col.DefaultText = strings.TrimSpace(dflt.String)
		out[strings.ToLower(col.Name)] = col
	}
	return out, rows.Err()
}
