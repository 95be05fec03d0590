package hub

import (
	"time"

	"github.com/you/chatrelay/internal/core"
)

type activeHighlight struct {
	Highlight
	timer *time.Timer
}

// highlightQueue holds highlights until their tier's display time runs out.
// It is only touched under Hub.mu.
type highlightQueue struct {
	order  []string
	active map[string]*activeHighlight
}

func newHighlightQueue() *highlightQueue {
	return &highlightQueue{active: make(map[string]*activeHighlight)}
}

// add registers msg and arms expire to fire after its display duration. A
// redelivered id keeps its original timer.
func (q *highlightQueue) add(msg core.Message, d time.Duration, now time.Time, expire func(id string)) (Highlight, bool) {
	if _, ok := q.active[msg.ID]; ok {
		return Highlight{}, false
	}
	h := &activeHighlight{Highlight: Highlight{
		Message:    msg,
		Tier:       msg.Payload.Tier,
		DurationMS: d.Milliseconds(),
		ExpiresAt:  now.Add(d),
	}}
	id := msg.ID
	h.timer = time.AfterFunc(d, func() { expire(id) })
	q.active[id] = h
	q.order = append(q.order, id)
	return h.Highlight, true
}

func (q *highlightQueue) remove(id string) bool {
	h, ok := q.active[id]
	if !ok {
		return false
	}
	h.timer.Stop()
	delete(q.active, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

func (q *highlightQueue) list() []Highlight {
	out := make([]Highlight, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.active[id].Highlight)
	}
	return out
}

func (q *highlightQueue) stopAll() {
	for _, h := range q.active {
		h.timer.Stop()
	}
	q.active = make(map[string]*activeHighlight)
	q.order = nil
}
