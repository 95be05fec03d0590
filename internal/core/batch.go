package core

import (
	"context"
	"time"
)

// WaitKind says how strictly a transport's pacing hint must be followed.
type WaitKind int

const (
	WaitNone WaitKind = iota
	// WaitRecommended may be shortened within a safe band.
	WaitRecommended
	// WaitMandatory must be honored up to a sanity ceiling.
	WaitMandatory
	// WaitServerMinimum is a floor imposed by a metered API.
	WaitServerMinimum
)

func (k WaitKind) String() string {
	switch k {
	case WaitRecommended:
		return "recommended"
	case WaitMandatory:
		return "mandatory"
	case WaitServerMinimum:
		return "server_minimum"
	}
	return "none"
}

type WaitHint struct {
	Kind     WaitKind
	Duration time.Duration
}

// RawBatch is what a transport hands to the pipeline after each read.
type RawBatch struct {
	Messages []Message
	// Removed holds ids the upstream retracted (deleted or moderated).
	Removed []string
	// Skipped counts records that were unrecognized or malformed.
	Skipped int
	// ParseFailed marks a response that could not be parsed at all.
	ParseFailed bool

	LiveChatID string
	Cursor     string
	IntervalMS int
	QuotaCost  int
	Wait       WaitHint
}

// Output receives batches and status from a running transport. Deliver is
// called from the transport's own goroutine, in receive order.
type Output interface {
	Deliver(ctx context.Context, batch RawBatch) error
	Notify(ev StatusEvent)
}

type StatusKind string

const (
	StatusConnected     StatusKind = "connected"
	StatusError         StatusKind = "error"
	StatusQuotaExceeded StatusKind = "quota_exceeded"
	StatusStreamEnded   StatusKind = "stream_ended"
	StatusStopped       StatusKind = "stopped"
	StatusFormatChanged StatusKind = "format_changed"
	StatusStateUpdate   StatusKind = "state_update"
)

// QuotaLeft wraps n for StatusEvent.RemainingQuota, where nil means the
// event carries no quota estimate and 0 means none is left.
func QuotaLeft(n int) *int { return &n }

// StatusEvent is pushed to the control surface and overlay clients.
type StatusEvent struct {
	Kind           StatusKind `json:"kind"`
	Mode           Mode       `json:"mode,omitempty"`
	Message        string     `json:"message,omitempty"`
	Retrying       bool       `json:"retrying,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	QuotaUsed      int        `json:"quota_used,omitempty"`
	RemainingQuota *int       `json:"remaining_quota,omitempty"`
	PollCount      int        `json:"poll_count,omitempty"`
	At             time.Time  `json:"at"`
}
