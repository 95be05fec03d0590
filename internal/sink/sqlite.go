package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/httpapi"
)

const schema = `CREATE TABLE IF NOT EXISTS comment_logs (
  id TEXT PRIMARY KEY,
  text TEXT NOT NULL,
  runs_json TEXT NOT NULL DEFAULT '[]',
  author_channel_id TEXT NOT NULL DEFAULT '',
  author_name TEXT NOT NULL,
  author_image_url TEXT NOT NULL DEFAULT '',
  is_owner INTEGER NOT NULL DEFAULT 0,
  is_moderator INTEGER NOT NULL DEFAULT 0,
  is_member INTEGER NOT NULL DEFAULT 0,
  is_verified INTEGER NOT NULL DEFAULT 0,
  message_type TEXT NOT NULL,
  message_data TEXT NOT NULL DEFAULT '{}',
  source TEXT NOT NULL DEFAULT '',
  published_at TEXT NOT NULL,
  received_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS comment_logs_published_idx ON comment_logs(published_at);`

const insertComment = `INSERT INTO comment_logs (id, text, runs_json, author_channel_id, author_name, author_image_url,
  is_owner, is_moderator, is_member, is_verified, message_type, message_data, source, published_at, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;`

const defaultListLimit = 100

// contentionDelays is the bounded retry schedule for a locked database.
// sortableTime keeps every fractional digit so that published_at orders
// correctly as text. RFC3339Nano trims trailing zeros, which would put
// 05.5Z before 05Z.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

var contentionDelays = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

type SQLiteSink struct {
	db    *sql.DB
	sleep func(time.Duration)
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// comment_logs schema.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteSink, error) {
	var o sqliteOptions
	for _, opt := range opts {
		opt(&o)
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, o))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &SQLiteSink{db: db, sleep: time.Sleep}, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

// RawDB exposes the handle shared with the checkpoint store and migrations.
func (s *SQLiteSink) RawDB() *sql.DB { return s.db }

// Write stores a single message. Duplicate ids are a no-op.
func (s *SQLiteSink) Write(ctx context.Context, msg core.Message) error {
	args, err := commentArgs(msg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertComment, args...)
	return errors.Wrap(err, "insert comment")
}

// WriteBatch stores msgs in one transaction. A locked database is retried on
// a short schedule; if it stays locked the batch degrades to per-record
// writes, each allowed one more pause, so one stuck transaction cannot lose
// the whole batch.
func (s *SQLiteSink) WriteBatch(ctx context.Context, msgs []core.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	err := s.writeTx(ctx, msgs)
	for i := 0; err != nil && isContention(err) && i < len(contentionDelays); i++ {
		slog.Warn("sink: database busy, retrying batch", "attempt", i+1, "size", len(msgs))
		s.sleep(contentionDelays[i])
		err = s.writeTx(ctx, msgs)
	}
	if err == nil || !isContention(err) {
		return err
	}

	slog.Warn("sink: batch still contended, falling back to per-record writes", "size", len(msgs))
	var failed int
	var lastErr error
	for _, msg := range msgs {
		werr := s.Write(ctx, msg)
		if werr != nil && isContention(werr) {
			s.sleep(contentionDelays[len(contentionDelays)-1])
			werr = s.Write(ctx, msg)
		}
		if werr != nil {
			failed++
			lastErr = werr
		}
	}
	if failed > 0 {
		return errors.Wrapf(lastErr, "per-record fallback: %d of %d failed", failed, len(msgs))
	}
	return nil
}

func (s *SQLiteSink) writeTx(ctx context.Context, msgs []core.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	stmt, err := tx.PrepareContext(ctx, insertComment)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	for _, msg := range msgs {
		args, err := commentArgs(msg)
		if err != nil {
			slog.Warn("sink: skipping unencodable message", "id", msg.ID, "err", err)
			continue
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "insert comment")
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func isContention(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func commentArgs(msg core.Message) ([]any, error) {
	runs := "[]"
	if len(msg.Runs) > 0 {
		data, err := json.Marshal(msg.Runs)
		if err != nil {
			return nil, errors.Wrap(err, "encode runs")
		}
		runs = string(data)
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	kind := msg.Payload.Kind
	if kind == "" {
		kind = core.PayloadText
	}
	received := msg.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	published := msg.PublishedAt
	if published.IsZero() {
		published = received
	}
	return []any{
		msg.ID, msg.Text, runs,
		msg.Author.ChannelID, msg.Author.Name, msg.Author.ImageURL,
		boolInt(msg.Badges.Owner), boolInt(msg.Badges.Moderator), boolInt(msg.Badges.Member), boolInt(msg.Badges.Verified),
		string(kind), string(payload), string(msg.Source),
		published.UTC().Format(sortableTime), received.UTC().Format(sortableTime),
	}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteSink) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteSink) String() string {
	return fmt.Sprintf("SQLiteSink{%p}", s.db)
}

func (s *SQLiteSink) CountMessages(ctx context.Context, filters httpapi.Filters) (int64, error) {
	query, args := buildMessageQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *SQLiteSink) ListMessages(ctx context.Context, filters httpapi.Filters) ([]core.Message, error) {
	query, args := buildMessageQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var (
			msg                                core.Message
			runs, payload, kind, source        string
			published, received                string
			owner, moderator, member, verified int
		)
		if err := rows.Scan(&msg.ID, &msg.Text, &runs, &msg.Author.ChannelID, &msg.Author.Name, &msg.Author.ImageURL,
			&owner, &moderator, &member, &verified, &kind, &payload, &source, &published, &received); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msg.Badges = core.Badges{Owner: owner == 1, Moderator: moderator == 1, Member: member == 1, Verified: verified == 1}
		msg.Source = core.Mode(source)
		if runs != "" && runs != "[]" {
			_ = json.Unmarshal([]byte(runs), &msg.Runs)
		}
		if err := json.Unmarshal([]byte(payload), &msg.Payload); err != nil || msg.Payload.Kind == "" {
			msg.Payload.Kind = core.PayloadKind(kind)
		}
		if t, err := time.Parse(time.RFC3339Nano, published); err == nil {
			msg.PublishedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, received); err == nil {
			msg.ReceivedAt = t
		}
		out = append(out, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}

func buildMessageQuery(filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM comment_logs")
	} else {
		builder.WriteString(`SELECT id, text, runs_json, author_channel_id, author_name, author_image_url,
  is_owner, is_moderator, is_member, is_verified, message_type, message_data, source, published_at, received_at
FROM comment_logs`)
	}

	var (
		conditions []string
		args       []any
	)

	if len(filters.Kinds) > 0 {
		placeholders := make([]string, 0, len(filters.Kinds))
		for _, k := range filters.Kinds {
			placeholders = append(placeholders, "?")
			args = append(args, string(k))
		}
		conditions = append(conditions, fmt.Sprintf("message_type IN (%s)", strings.Join(placeholders, ",")))
	}

	if len(filters.Authors) > 0 {
		ors := make([]string, 0, len(filters.Authors))
		for _, a := range filters.Authors {
			ors = append(ors, "LOWER(author_name) LIKE '%' || ? || '%'")
			args = append(args, a)
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if filters.Since != nil {
		conditions = append(conditions, "published_at >= ?")
		args = append(args, filters.Since.UTC().Format(sortableTime))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Order == httpapi.OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY published_at ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}
