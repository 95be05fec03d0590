package ytlive

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"
)

const (
	skipSummaryInterval = 30 * time.Second
	skipSampleMaxLen    = 120
)

// Continuation tokens and similar opaque blobs are long base64 runs.
var longTokenRe = regexp.MustCompile(`[A-Za-z0-9+/_=\-%]{32,}`)

type skipReasonSummary struct {
	total      int
	byKind     map[string]int
	sampleKind map[string]string
}

// skipLogger aggregates records the parser could not use and logs one
// summary line per reason per interval instead of one line per record.
type skipLogger struct {
	verbose  bool
	interval time.Duration
	nextEmit time.Time
	reasons  map[string]*skipReasonSummary
}

func newSkipLogger(now time.Time, verbose bool, interval time.Duration) *skipLogger {
	if interval <= 0 {
		interval = skipSummaryInterval
	}
	return &skipLogger{
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  make(map[string]*skipReasonSummary),
	}
}

func (d *skipLogger) note(now time.Time, s skip) {
	if d == nil {
		return
	}
	sample := redactSample(s.sample, skipSampleMaxLen)
	if d.verbose {
		slog.Debug("ytlive: skipped record", "reason", s.reason, "kind", s.kind, "sample", sample)
	}

	entry := d.reasons[s.reason]
	if entry == nil {
		entry = &skipReasonSummary{byKind: make(map[string]int), sampleKind: make(map[string]string)}
		d.reasons[s.reason] = entry
	}
	entry.total++
	entry.byKind[s.kind]++
	if _, ok := entry.sampleKind[s.kind]; !ok && sample != "" {
		entry.sampleKind[s.kind] = sample
	}

	if !now.Before(d.nextEmit) {
		d.flush(now)
	}
}

func (d *skipLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	for _, reason := range slices.Sorted(maps.Keys(d.reasons)) {
		rs := d.reasons[reason]
		if rs.total == 0 {
			continue
		}
		attrs := []any{"total", rs.total, "kinds", formatByKind(rs.byKind, "%s:%d")}
		// System records are expected; samples only help with unknown ones.
		if reason != "system" {
			attrs = append(attrs, "samples", formatByKind(rs.sampleKind, "%s:%q"))
		}
		slog.Info("ytlive: skipped_"+reason, attrs...)
	}
	clear(d.reasons)
	d.nextEmit = now.Add(d.interval)
}

// redactSample collapses whitespace, masks opaque tokens and caps the
// length of a sample kept for the summary line.
func redactSample(s string, limit int) string {
	s = longTokenRe.ReplaceAllString(strings.Join(strings.Fields(s), " "), "[REDACTED]")
	if limit <= 3 || len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func readSkipDebugEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("CHATRELAY_INNERTUBE_DEBUG_SKIPS"))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// formatByKind renders m as {kind:value ...} in key order so summary lines
// diff cleanly between intervals.
func formatByKind[V any](m map[string]V, format string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, kind := range slices.Sorted(maps.Keys(m)) {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, format, kind, m[kind])
	}
	b.WriteByte('}')
	return b.String()
}
