package hub

import (
	"encoding/json"
	"time"

	"github.com/you/chatrelay/internal/core"
)

type EnvelopeType string

const (
	TypeCommentAdd      EnvelopeType = "comment:add"
	TypeCommentRemove   EnvelopeType = "comment:remove"
	TypeHighlightAdd    EnvelopeType = "highlight:add"
	TypeHighlightRemove EnvelopeType = "highlight:remove"
	TypeStateSnapshot   EnvelopeType = "state:snapshot"
)

// Envelope is the frame written to overlay clients.
type Envelope struct {
	Type             EnvelopeType `json:"type"`
	Payload          any          `json:"payload"`
	Instant          bool         `json:"instant"`
	BufferIntervalMS int          `json:"buffer_interval_ms,omitempty"`
}

type removePayload struct {
	ID string `json:"id"`
}

// Highlight is a paid or membership event pinned outside the chat flow.
type Highlight struct {
	Message    core.Message `json:"message"`
	Tier       int          `json:"tier"`
	DurationMS int64        `json:"display_duration_ms"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

// Snapshot is the current overlay state: ingestion status plus the active
// highlights, oldest first.
type Snapshot struct {
	Status     core.StatusEvent `json:"status"`
	Highlights []Highlight      `json:"highlights"`
	Clients    int              `json:"clients"`
}

func encode(env Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return data
}

func commentFrames(mode core.Mode, msg core.Message) (live, replay []byte) {
	instant, interval := mode.Delivery()
	env := Envelope{Type: TypeCommentAdd, Payload: msg, Instant: instant}
	if !instant {
		env.BufferIntervalMS = interval
	}
	live = encode(env)
	if instant {
		return live, live
	}
	return live, encode(Envelope{Type: TypeCommentAdd, Payload: msg, Instant: true})
}
