package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/chatrelay/internal/core"
)

type frame struct {
	Type             EnvelopeType    `json:"type"`
	Payload          json.RawMessage `json:"payload"`
	Instant          bool            `json:"instant"`
	BufferIntervalMS int             `json:"buffer_interval_ms"`
}

func (f frame) messageID(t *testing.T) string {
	t.Helper()
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return p.ID
}

func dial(t *testing.T, h *Hub) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) frame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func messages(prefix string, n int) []core.Message {
	out := make([]core.Message, n)
	for i := range out {
		out[i] = core.Message{ID: fmt.Sprintf("%s%d", prefix, i), Text: "hi", Payload: core.Payload{Kind: core.PayloadText}}
	}
	return out
}

func TestReplayThenLiveWithoutGapOrDuplicate(t *testing.T) {
	h := New(Options{})
	defer h.Close()
	h.PublishComments(core.ModeInnertube, messages("m", 60))

	conn, ctx := dial(t, h)

	if f := readFrame(t, ctx, conn); f.Type != TypeStateSnapshot {
		t.Fatalf("first frame = %s, want state snapshot", f.Type)
	}
	for i := 10; i < 60; i++ {
		f := readFrame(t, ctx, conn)
		if f.Type != TypeCommentAdd || !f.Instant {
			t.Fatalf("replay frame %d = %+v", i, f)
		}
		if id := f.messageID(t); id != fmt.Sprintf("m%d", i) {
			t.Fatalf("replay order: got %s want m%d", id, i)
		}
	}

	waitForClients(t, h, 1)
	h.PublishComments(core.ModeInnertube, []core.Message{{ID: "live", Payload: core.Payload{Kind: core.PayloadText}}})
	f := readFrame(t, ctx, conn)
	if f.messageID(t) != "live" {
		t.Fatalf("expected live frame next, got %s", f.messageID(t))
	}
	if f.Instant || f.BufferIntervalMS != 1000 {
		t.Fatalf("live innertube frame should be buffered at 1000ms, got %+v", f)
	}
}

func TestStreamedCommentsAreInstant(t *testing.T) {
	h := New(Options{})
	defer h.Close()
	conn, ctx := dial(t, h)
	readFrame(t, ctx, conn)
	waitForClients(t, h, 1)

	h.PublishComments(core.ModeGRPC, messages("g", 1))
	f := readFrame(t, ctx, conn)
	if !f.Instant || f.BufferIntervalMS != 0 {
		t.Fatalf("grpc frame = %+v", f)
	}
}

func TestRemovalLeavesReplay(t *testing.T) {
	h := New(Options{})
	defer h.Close()
	h.PublishComments(core.ModeOfficial, messages("r", 3))
	h.PublishRemovals([]string{"r1"})

	conn, ctx := dial(t, h)
	readFrame(t, ctx, conn)
	for _, want := range []string{"r0", "r2"} {
		if got := readFrame(t, ctx, conn).messageID(t); got != want {
			t.Fatalf("replay = %s, want %s", got, want)
		}
	}
}

func TestHighlightExpiryEmitsRemove(t *testing.T) {
	h := New(Options{})
	defer h.Close()
	h.display = func(int) time.Duration { return 30 * time.Millisecond }

	conn, ctx := dial(t, h)
	readFrame(t, ctx, conn)
	waitForClients(t, h, 1)

	sc := core.Message{ID: "sc", Payload: core.Payload{Kind: core.PayloadSuperChat, Tier: 5, AmountDisplay: "¥2,000"}}
	h.PublishComments(core.ModeGRPC, []core.Message{sc})

	want := []EnvelopeType{TypeCommentAdd, TypeHighlightAdd, TypeHighlightRemove}
	for _, typ := range want {
		f := readFrame(t, ctx, conn)
		if f.Type != typ {
			t.Fatalf("got %s, want %s", f.Type, typ)
		}
	}
	if n := len(h.Snapshot().Highlights); n != 0 {
		t.Fatalf("expired highlight still active: %d", n)
	}
}

func TestSnapshotCarriesStatusAndHighlights(t *testing.T) {
	h := New(Options{})
	defer h.Close()
	h.PublishStatus(core.StatusEvent{Kind: core.StatusConnected, Mode: core.ModeOfficial})
	h.PublishComments(core.ModeOfficial, []core.Message{{ID: "m1", Payload: core.Payload{Kind: core.PayloadMembership, Level: "Member"}}})

	snap := h.Snapshot()
	if snap.Status.Kind != core.StatusConnected || snap.Status.At.IsZero() {
		t.Fatalf("status = %+v", snap.Status)
	}
	if len(snap.Highlights) != 1 || snap.Highlights[0].Message.ID != "m1" {
		t.Fatalf("highlights = %+v", snap.Highlights)
	}
	if snap.Highlights[0].DurationMS != 10_000 {
		t.Fatalf("membership should use the default display time, got %d", snap.Highlights[0].DurationMS)
	}
}

func TestSlowClientIsDisconnected(t *testing.T) {
	h := New(Options{ClientBuffer: 1, MaxDrops: 3})
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newClient(nil, cancel, 1)
	if _, ok := h.register(c); !ok {
		t.Fatalf("register failed")
	}

	for i := 0; i < 4; i++ {
		h.PublishComments(core.ModeGRPC, messages(fmt.Sprintf("s%d-", i), 1))
	}
	if !c.kicked.Load() {
		t.Fatalf("client with a stuck queue should be kicked")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("kicked client context not cancelled")
	}
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d clients", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
