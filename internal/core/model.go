package core

import (
	"fmt"
	"strings"
	"time"
)

// Mode names one of the interchangeable chat transports.
type Mode string

const (
	ModeGRPC      Mode = "grpc"
	ModeInnertube Mode = "innertube"
	ModeOfficial  Mode = "official"
)

// Modes lists every supported transport.
var Modes = []Mode{ModeGRPC, ModeInnertube, ModeOfficial}

// ParseMode accepts the canonical names plus a few aliases used by the
// control surface.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "grpc", "stream", "streaming":
		return ModeGRPC, nil
	case "innertube", "unofficial", "scrape":
		return ModeInnertube, nil
	case "official", "api", "data-api", "polling":
		return ModeOfficial, nil
	}
	return "", fmt.Errorf("core: unknown mode %q", raw)
}

// Delivery reports how overlay clients should pace messages from this
// transport. Streamed messages render immediately, polled batches are spread
// across the returned interval.
func (m Mode) Delivery() (instant bool, intervalMS int) {
	switch m {
	case ModeGRPC:
		return true, 0
	case ModeInnertube:
		return false, 1000
	case ModeOfficial:
		return false, 5000
	}
	return true, 0
}

// NeedsCredential is false for the page-scraping transport.
func (m Mode) NeedsCredential() bool {
	return m != ModeInnertube
}

type PayloadKind string

const (
	PayloadText           PayloadKind = "text"
	PayloadSuperChat      PayloadKind = "superchat"
	PayloadSuperSticker   PayloadKind = "supersticker"
	PayloadMembership     PayloadKind = "membership"
	PayloadMembershipGift PayloadKind = "membership_gift"
)

// Payload is the variant part of a message. Only the fields relevant to Kind
// are populated.
type Payload struct {
	Kind          PayloadKind `json:"kind"`
	AmountDisplay string      `json:"amount_display,omitempty"`
	AmountMicros  int64       `json:"amount_micros,omitempty"`
	Currency      string      `json:"currency,omitempty"`
	Tier          int         `json:"tier,omitempty"`
	StickerID     string      `json:"sticker_id,omitempty"`
	StickerURL    string      `json:"sticker_url,omitempty"`
	StickerAlt    string      `json:"sticker_alt,omitempty"`
	Level         string      `json:"level,omitempty"`
	Milestone     bool        `json:"milestone,omitempty"`
	GiftCount     int         `json:"gift_count,omitempty"`
}

// IsHighlight reports whether the payload is surfaced separately from chat.
func (p Payload) IsHighlight() bool {
	switch p.Kind {
	case PayloadSuperChat, PayloadSuperSticker, PayloadMembership, PayloadMembershipGift:
		return true
	}
	return false
}

// IsMonetary reports whether the payload carries a purchase amount.
func (p Payload) IsMonetary() bool {
	return p.Kind == PayloadSuperChat || p.Kind == PayloadSuperSticker
}

type Author struct {
	ChannelID string `json:"channel_id,omitempty"`
	Name      string `json:"name"`
	ImageURL  string `json:"image_url,omitempty"`
}

type Badges struct {
	Owner     bool `json:"owner,omitempty"`
	Moderator bool `json:"moderator,omitempty"`
	Member    bool `json:"member,omitempty"`
	Verified  bool `json:"verified,omitempty"`
}

// Emoji is a resolved inline image reference.
type Emoji struct {
	ID        string `json:"id,omitempty"`
	Shortcode string `json:"shortcode"`
	ImageURL  string `json:"image_url"`
	Custom    bool   `json:"custom,omitempty"`
}

// Run is one span of rich message text: either literal text or an emoji.
type Run struct {
	Text  string `json:"text,omitempty"`
	Emoji *Emoji `json:"emoji,omitempty"`
}

// Message is a chat event normalized across transports.
type Message struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Runs        []Run     `json:"runs,omitempty"`
	Author      Author    `json:"author"`
	Badges      Badges    `json:"badges"`
	Payload     Payload   `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
	ReceivedAt  time.Time `json:"received_at"`
	Source      Mode      `json:"source"`
}

// PlainText flattens Runs back into text, preferring the emoji shortcode for
// image spans.
func PlainText(runs []Run) string {
	var b strings.Builder
	for _, r := range runs {
		if r.Emoji != nil {
			b.WriteString(r.Emoji.Shortcode)
			continue
		}
		b.WriteString(r.Text)
	}
	return b.String()
}

// ContinuationState is the resumable position of one ingestion run.
type ContinuationState struct {
	Mode       Mode      `json:"mode"`
	Target     string    `json:"video_id"`
	LiveChatID string    `json:"live_chat_id,omitempty"`
	Cursor     string    `json:"next_page_token,omitempty"`
	IntervalMS int       `json:"polling_interval_millis,omitempty"`
	QuotaUsed  int       `json:"quota_used"`
	PollCount  int       `json:"poll_count,omitempty"`
	SavedAt    time.Time `json:"saved_at"`
}

// Matches reports whether a saved state can seed a run for mode and target.
func (s ContinuationState) Matches(mode Mode, target string) bool {
	return s.Mode == mode && s.Target != "" && s.Target == target
}
