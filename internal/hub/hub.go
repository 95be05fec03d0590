// Package hub fans normalized chat out to overlay WebSocket clients.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/tier"
)

const (
	DefaultReplaySize   = 50
	DefaultClientBuffer = 256
	DefaultMaxDrops     = 32
	DefaultPingInterval = 20 * time.Second
)

// Metrics is the subset of the HTTP API collectors the hub reports to.
type Metrics interface {
	IncWSClients(delta float64)
	IncBroadcastDrops(transport string)
	IncMessagesSent(transport string)
}

type Options struct {
	ReplaySize   int
	ClientBuffer int
	// MaxDrops disconnects a client after this many consecutive frames were
	// dropped on its full queue.
	MaxDrops       int
	PingInterval   time.Duration
	OriginPatterns []string
	Metrics        Metrics
}

type replayEntry struct {
	id    string
	frame []byte
}

type Hub struct {
	opts    Options
	now     func() time.Time
	display func(tier int) time.Duration

	// pubMu keeps publishers from interleaving so every client observes one
	// order. mu guards the registry and everything a new client is seeded with.
	pubMu      sync.Mutex
	mu         sync.Mutex
	clients    map[*client]struct{}
	replay     []replayEntry
	highlights *highlightQueue
	status     core.StatusEvent
	closed     bool
}

func New(opts Options) *Hub {
	if opts.ReplaySize <= 0 {
		opts.ReplaySize = DefaultReplaySize
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = DefaultClientBuffer
	}
	if opts.MaxDrops <= 0 {
		opts.MaxDrops = DefaultMaxDrops
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	return &Hub{
		opts:       opts,
		now:        time.Now,
		display:    tier.DisplayDuration,
		clients:    make(map[*client]struct{}),
		highlights: newHighlightQueue(),
		status:     core.StatusEvent{Kind: core.StatusStopped, At: time.Now()},
	}
}

// PublishComments broadcasts comment:add for every message, pacing them
// according to the producing mode, and pins highlight events.
func (h *Hub) PublishComments(mode core.Mode, msgs []core.Message) {
	if len(msgs) == 0 {
		return
	}
	frames := make([][]byte, 0, len(msgs))
	entries := make([]replayEntry, 0, len(msgs))
	for _, msg := range msgs {
		live, replayed := commentFrames(mode, msg)
		if live == nil {
			slog.Warn("hub: dropping unencodable message", "id", msg.ID)
			continue
		}
		frames = append(frames, live)
		entries = append(entries, replayEntry{id: msg.ID, frame: replayed})
	}
	h.publish(func() [][]byte {
		for _, e := range entries {
			h.pushReplay(e)
		}
		return frames
	})

	for _, msg := range msgs {
		if msg.Payload.IsHighlight() {
			h.addHighlight(msg)
		}
	}
}

// PublishRemovals retracts messages the upstream deleted. They also leave the
// replay ring and the highlight queue.
func (h *Hub) PublishRemovals(ids []string) {
	if len(ids) == 0 {
		return
	}
	h.publish(func() [][]byte {
		frames := make([][]byte, 0, len(ids))
		for _, id := range ids {
			frames = append(frames, encode(Envelope{Type: TypeCommentRemove, Payload: removePayload{ID: id}, Instant: true}))
			h.dropReplay(id)
			if h.highlights.remove(id) {
				frames = append(frames, highlightRemoveFrame(id))
			}
		}
		return frames
	})
}

// PublishStatus records ev as the current ingestion status and sends a
// state:snapshot to every client.
func (h *Hub) PublishStatus(ev core.StatusEvent) {
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	h.publish(func() [][]byte {
		h.status = ev
		return [][]byte{encode(Envelope{Type: TypeStateSnapshot, Payload: h.snapshotLocked(), Instant: true})}
	})
}

// Snapshot returns current highlights and ingestion status.
func (h *Hub) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() Snapshot {
	return Snapshot{Status: h.status, Highlights: h.highlights.list(), Clients: len(h.clients)}
}

func (h *Hub) addHighlight(msg core.Message) {
	h.publish(func() [][]byte {
		hl, ok := h.highlights.add(msg, h.display(msg.Payload.Tier), h.now(), h.expireHighlight)
		if !ok {
			return nil
		}
		return [][]byte{encode(Envelope{Type: TypeHighlightAdd, Payload: hl, Instant: true})}
	})
}

func (h *Hub) expireHighlight(id string) {
	h.publish(func() [][]byte {
		if !h.highlights.remove(id) {
			return nil
		}
		return [][]byte{highlightRemoveFrame(id)}
	})
}

func highlightRemoveFrame(id string) []byte {
	return encode(Envelope{Type: TypeHighlightRemove, Payload: removePayload{ID: id}, Instant: true})
}

// publish applies mutate and snapshots the registry under mu, then enqueues
// the frames mutate returned to that snapshot outside it.
func (h *Hub) publish(mutate func() [][]byte) {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	frames := mutate()
	targets := h.targetsLocked()
	h.mu.Unlock()

	h.fanout(targets, frames)
}

func (h *Hub) targetsLocked() []*client {
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) fanout(targets []*client, frames [][]byte) {
	for _, frame := range frames {
		if frame == nil {
			continue
		}
		for _, c := range targets {
			drops := c.enqueue(frame)
			if drops == 0 {
				h.opts.metrics().IncMessagesSent("ws")
				continue
			}
			h.opts.metrics().IncBroadcastDrops("ws")
			if drops >= h.opts.MaxDrops && !c.kicked.Load() {
				slog.Warn("hub: disconnecting slow client", "client", c.id, "drops", drops)
				c.kick()
			}
		}
	}
}

func (h *Hub) pushReplay(e replayEntry) {
	if len(h.replay) >= h.opts.ReplaySize {
		h.replay = h.replay[1:]
	}
	h.replay = append(h.replay, e)
}

func (h *Hub) dropReplay(id string) {
	for i, e := range h.replay {
		if e.id == id {
			h.replay = append(h.replay[:i:i], h.replay[i+1:]...)
			return
		}
	}
}

// register adds c and returns what it must see before live traffic: the
// current state, the replay ring and active highlights. Taken under the same
// lock publishers snapshot under, so nothing is missed or repeated.
func (h *Hub) register(c *client) ([][]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.clients[c] = struct{}{}

	pending := make([][]byte, 0, len(h.replay)+len(h.highlights.order)+1)
	pending = append(pending, encode(Envelope{Type: TypeStateSnapshot, Payload: h.snapshotLocked(), Instant: true}))
	for _, e := range h.replay {
		pending = append(pending, e.frame)
	}
	for _, hl := range h.highlights.list() {
		pending = append(pending, encode(Envelope{Type: TypeHighlightAdd, Payload: hl, Instant: true}))
	}
	return pending, true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount is the number of connected overlay clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams envelopes until the client
// leaves, falls too far behind, or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		slog.Warn("hub: websocket accept failed", "err", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newClient(conn, cancel, h.opts.ClientBuffer)
	pending, ok := h.register(c)
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.opts.metrics().IncWSClients(1)
	slog.Info("hub: client connected", "client", c.id, "remote", r.RemoteAddr)
	defer func() {
		h.unregister(c)
		h.opts.metrics().IncWSClients(-1)
	}()

	// Incoming frames are discarded; the reader only services control frames.
	ctx = conn.CloseRead(ctx)
	err = c.writeLoop(ctx, pending, h.opts.PingInterval)

	switch {
	case c.kicked.Load():
		_ = conn.Close(websocket.StatusPolicyViolation, "client too slow")
	case errors.Is(err, context.Canceled):
		_ = conn.Close(websocket.StatusNormalClosure, "")
	default:
		slog.Info("hub: client disconnected", "client", c.id, "err", err)
		_ = conn.Close(websocket.StatusGoingAway, "")
	}
}

// Close disconnects every client and cancels pending highlight expiries.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.highlights.stopAll()
	for c := range h.clients {
		c.cancel()
	}
}

type noopMetrics struct{}

func (noopMetrics) IncWSClients(float64)     {}
func (noopMetrics) IncBroadcastDrops(string) {}
func (noopMetrics) IncMessagesSent(string)   {}

func (o Options) metrics() Metrics {
	if o.Metrics == nil {
		return noopMetrics{}
	}
	return o.Metrics
}
