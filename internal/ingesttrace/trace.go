// Package ingesttrace follows sampled chat messages through the ingestion
// pipeline so a missing message can be located by stage.
package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/you/chatrelay/internal/core"
)

// Stage represents a pipeline stage used for tracking message processing.
type Stage string

const (
	StageReceived   Stage = "received"
	StageNormalized Stage = "normalized"
	StageBroadcast  Stage = "broadcast"
	StagePersisted  Stage = "persisted"
	StageRemoved    Stage = "removed"

	StageDroppedPrefix = "dropped_"
)

const defaultCapacity = 512

// StageDropped creates a Stage for a dropped message with the given reason.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// MessageTrace captures trace metadata for a message throughout the ingest pipeline.
type MessageTrace struct {
	Mode    core.Mode
	Target  string
	ID      string
	Author  string
	TraceID string

	mu       sync.Mutex
	counters map[Stage]int64
}

// NewTrace seeds a trace for msg with the received counter set.
func NewTrace(mode core.Mode, target string, msg core.Message) *MessageTrace {
	trace := &MessageTrace{
		Mode:     mode,
		Target:   target,
		ID:       msg.ID,
		Author:   msg.Author.Name,
		TraceID:  computeTraceID(string(mode), target, msg.ID),
		counters: make(map[Stage]int64),
	}
	trace.counters[StageReceived] = 1
	return trace
}

// IncCounter increments the counter for the provided stage and returns the updated value.
func (t *MessageTrace) IncCounter(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters[stage]++
	return t.counters[stage]
}

// Count returns the counter for stage.
func (t *MessageTrace) Count(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

// LogTrace logs the trace metadata and counters using structured logging.
func (t *MessageTrace) LogTrace(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info(msg,
		"trace_id", t.TraceID,
		"mode", t.Mode,
		"target", t.Target,
		"id", t.ID,
		"author", t.Author,
		"counters", t.snapshotCounters(),
	)
}

func (t *MessageTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}
	return out
}

func computeTraceID(mode, target, id string) string {
	digest := sha256.Sum256([]byte(mode + "\x1f" + target + "\x1f" + id))
	return hex.EncodeToString(digest[:16])
}

// Tracer keeps the most recent traces keyed by message id. A nil Tracer is
// valid and records nothing.
type Tracer struct {
	logger *slog.Logger
	traces *lru.Cache[string, *MessageTrace]
}

func NewTracer(logger *slog.Logger, capacity int) *Tracer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	cache, err := lru.New[string, *MessageTrace](capacity)
	if err != nil {
		panic(err)
	}
	return &Tracer{logger: logger, traces: cache}
}

// Mark records that msg reached stage. The first mark creates the trace.
func (t *Tracer) Mark(mode core.Mode, target string, msg core.Message, stage Stage) {
	if t == nil || msg.ID == "" {
		return
	}
	trace, ok := t.traces.Get(msg.ID)
	if !ok {
		trace = NewTrace(mode, target, msg)
		t.traces.Add(msg.ID, trace)
		if stage == StageReceived {
			return
		}
	}
	trace.IncCounter(stage)
}

// MarkID records a stage for a message known only by id.
func (t *Tracer) MarkID(id string, stage Stage) {
	if t == nil {
		return
	}
	if trace, ok := t.traces.Get(id); ok {
		trace.IncCounter(stage)
	}
}

// Lookup returns the trace for id, if it is still retained.
func (t *Tracer) Lookup(id string) (*MessageTrace, bool) {
	if t == nil {
		return nil, false
	}
	return t.traces.Get(id)
}

// Log writes the trace for id, if retained.
func (t *Tracer) Log(id, msg string) {
	if trace, ok := t.Lookup(id); ok {
		trace.LogTrace(t.logger, msg)
	}
}
