package sink

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Connection pragmas travel in the DSN so that every pooled connection gets
// them, not only the one that happened to run a PRAGMA statement.
var (
	basePragmas = []string{"busy_timeout(5000)", "journal_mode(WAL)"}
	// tuningPragmas trade a little durability for write throughput under
	// superchat bursts.
	tuningPragmas = []string{
		"synchronous(NORMAL)",
		"temp_store(MEMORY)",
		"mmap_size(268435456)",
		"wal_autocheckpoint(1000)",
	}
)

type SQLiteOption func(*sqliteOptions)

type sqliteOptions struct {
	tuning bool
}

// WithTuning enables the throughput pragma set.
func WithTuning(enabled bool) SQLiteOption {
	return func(o *sqliteOptions) { o.tuning = enabled }
}

// sqliteDSN appends the pragma set to path, leaving any pragma the caller
// already put in the path alone.
func sqliteDSN(path string, o sqliteOptions) string {
	pragmas := basePragmas
	if o.tuning {
		pragmas = append(append([]string(nil), basePragmas...), tuningPragmas...)
	}
	var b strings.Builder
	b.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		name, _, _ := strings.Cut(p, "(")
		if strings.Contains(path, name) {
			continue
		}
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(url.QueryEscape(p))
		sep = "&"
	}
	return b.String()
}

// Pragmas reads back the current value of each named pragma on one pooled
// connection, for the startup log.
func (s *SQLiteSink) Pragmas(ctx context.Context, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		var value string
		if err := s.db.QueryRowContext(ctx, "PRAGMA "+name+";").Scan(&value); err != nil {
			return nil, errors.Wrapf(err, "read pragma %s", name)
		}
		out[name] = value
	}
	return out, nil
}
