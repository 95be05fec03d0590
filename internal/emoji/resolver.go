// Package emoji caches shortcode to image mappings learned from chat traffic.
package emoji

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/you/chatrelay/internal/core"
)

const DefaultCapacity = 2000

var shortcodeRe = regexp.MustCompile(`:[A-Za-z0-9_\-]+:`)

// Resolver is an LRU of shortcode to emoji. The newest observation for a
// shortcode replaces the cached entry outright.
type Resolver struct {
	cache *lru.Cache[string, core.Emoji]
}

func New(capacity int) *Resolver {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[string, core.Emoji](capacity)
	if err != nil {
		panic(err)
	}
	return &Resolver{cache: cache}
}

// Observe stores e under its shortcode. Observations missing either the
// shortcode or the image are not fully resolved and are ignored.
func (r *Resolver) Observe(e core.Emoji) bool {
	code := normalize(e.Shortcode)
	if code == "" || strings.TrimSpace(e.ImageURL) == "" {
		return false
	}
	e.Shortcode = code
	r.cache.Add(code, e)
	return true
}

// ObserveRuns learns every emoji span in runs and returns how many were stored.
func (r *Resolver) ObserveRuns(runs []core.Run) int {
	n := 0
	for _, run := range runs {
		if run.Emoji != nil && r.Observe(*run.Emoji) {
			n++
		}
	}
	return n
}

func (r *Resolver) Lookup(shortcode string) (core.Emoji, bool) {
	return r.cache.Get(normalize(shortcode))
}

// Resolve splits text into runs, replacing cached shortcodes with emoji spans.
// Unknown shortcodes stay in the text literally.
func (r *Resolver) Resolve(text string) []core.Run {
	return r.appendResolved(nil, text)
}

// ResolveRuns expands the literal text spans of runs. Existing emoji spans are
// kept as they are.
func (r *Resolver) ResolveRuns(runs []core.Run) []core.Run {
	out := make([]core.Run, 0, len(runs))
	for _, run := range runs {
		if run.Emoji != nil {
			out = append(out, run)
			continue
		}
		out = r.appendResolved(out, run.Text)
	}
	return out
}

func (r *Resolver) appendResolved(out []core.Run, text string) []core.Run {
	if text == "" {
		return out
	}
	var literal strings.Builder
	flush := func() {
		if literal.Len() == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Emoji == nil {
			out[n-1].Text += literal.String()
		} else {
			out = append(out, core.Run{Text: literal.String()})
		}
		literal.Reset()
	}

	last := 0
	for _, loc := range shortcodeRe.FindAllStringIndex(text, -1) {
		code := text[loc[0]:loc[1]]
		e, ok := r.cache.Get(code)
		if !ok {
			continue
		}
		literal.WriteString(text[last:loc[0]])
		flush()
		em := e
		out = append(out, core.Run{Emoji: &em})
		last = loc[1]
	}
	literal.WriteString(text[last:])
	flush()
	return out
}

func (r *Resolver) Len() int { return r.cache.Len() }

// Clear drops every entry, used when the ingestion target changes.
func (r *Resolver) Clear() { r.cache.Purge() }

func normalize(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	if !strings.HasPrefix(code, ":") {
		code = ":" + code
	}
	if !strings.HasSuffix(code, ":") || len(code) == 1 {
		code += ":"
	}
	if len(code) < 3 {
		return ""
	}
	return code
}
