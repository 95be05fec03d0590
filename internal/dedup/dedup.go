// Package dedup keeps a bounded memory of recently delivered message ids.
package dedup

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/you/chatrelay/internal/core"
)

const DefaultCapacity = 1000

// Window is an insertion-ordered id set. ContainsOrAdd never refreshes the
// recency of an existing key, so eviction is oldest-inserted first.
type Window struct {
	ids *lru.Cache[string, struct{}]
}

func New(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ids, err := lru.New[string, struct{}](capacity)
	if err != nil {
		panic(err)
	}
	return &Window{ids: ids}
}

// Admit records id and reports whether it was unseen. Empty ids cannot be
// tracked and are always admitted.
func (w *Window) Admit(id string) bool {
	if id == "" {
		return true
	}
	seen, _ := w.ids.ContainsOrAdd(id, struct{}{})
	return !seen
}

// Filter returns the messages whose ids have not been seen, preserving order.
// Duplicates inside msgs are dropped after their first occurrence.
func (w *Window) Filter(msgs []core.Message) (kept []core.Message, dropped int) {
	if len(msgs) == 0 {
		return nil, 0
	}
	kept = make([]core.Message, 0, len(msgs))
	for _, msg := range msgs {
		if !w.Admit(msg.ID) {
			dropped++
			continue
		}
		kept = append(kept, msg)
	}
	return kept, dropped
}

func (w *Window) Contains(id string) bool { return w.ids.Contains(id) }

func (w *Window) Len() int { return w.ids.Len() }

// Reset forgets every id, used when the ingestion target changes.
func (w *Window) Reset() { w.ids.Purge() }
