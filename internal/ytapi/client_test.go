package ytapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you/chatrelay/internal/core"
)

type recordingOutput struct {
	mu      sync.Mutex
	batches []core.RawBatch
	events  []core.StatusEvent
}

func (o *recordingOutput) Deliver(_ context.Context, b core.RawBatch) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, b)
	return nil
}

func (o *recordingOutput) Notify(ev core.StatusEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

const messagesPage = `{
 "pollingIntervalMillis": 2000,
 "nextPageToken": "page-2",
 "items": [
  {"id": "m1", "snippet": {"type": "textMessageEvent", "displayMessage": "hello", "publishedAt": "2024-05-01T12:00:00Z"},
   "authorDetails": {"channelId": "UC1", "displayName": "Alice", "isChatModerator": true}},
  {"id": "m2", "snippet": {"type": "superChatEvent", "displayMessage": "", "publishedAt": "2024-05-01T12:00:01Z",
   "superChatDetails": {"amountMicros": "5000000", "currency": "USD", "amountDisplayString": "$5.00", "userComment": "gg"}},
   "authorDetails": {"channelId": "UC2", "displayName": "Bob"}},
  {"id": "m3", "snippet": {"type": "messageDeletedEvent", "messageDeletedDetails": {"deletedMessageId": "m0"}}},
  {"id": "m4", "snippet": {"type": "userBannedEvent"}}
 ]
}`

func writeAPIError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	io.WriteString(w, `{"error":{"code":`+strconv.Itoa(code)+`,"message":"`+reason+`","errors":[{"reason":"`+reason+`","domain":"youtube"}]}}`)
}

func newTestClient(t *testing.T, srv *httptest.Server, cancelAfter int, cancel context.CancelFunc) (*Client, *[]time.Duration) {
	t.Helper()
	c, err := New(context.Background(), Config{APIKey: "test-key", VideoID: "dQw4w9WgXcQ", Endpoint: srv.URL + "/"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.now = func() time.Time { return time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC) }
	var sleeps []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		if len(sleeps) >= cancelAfter {
			cancel()
			return false
		}
		return true
	}
	return c, &sleeps
}

func TestRunResolvesChatAndHonorsServerInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key on %s", r.URL.Path)
		}
		switch r.URL.Path {
		case "/youtube/v3/videos":
			io.WriteString(w, `{"items":[{"id":"dQw4w9WgXcQ","liveStreamingDetails":{"activeLiveChatId":"chat-1"}}]}`)
		case "/youtube/v3/liveChat/messages":
			if r.URL.Query().Get("liveChatId") != "chat-1" {
				t.Errorf("liveChatId = %q", r.URL.Query().Get("liveChatId"))
			}
			io.WriteString(w, messagesPage)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, sleeps := newTestClient(t, srv, 1, cancel)
	out := &recordingOutput{}

	if err := c.Run(ctx, nil, out); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v", err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != MinPollInterval {
		t.Fatalf("sleeps = %v, want the 5s floor over a 2s server hint", *sleeps)
	}
	if len(out.batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(out.batches))
	}
	b := out.batches[0]
	if b.QuotaCost != CallCost || b.Cursor != "page-2" || b.LiveChatID != "chat-1" || b.Wait.Kind != core.WaitServerMinimum {
		t.Fatalf("unexpected batch metadata: %+v", b)
	}
	if len(b.Messages) != 2 || len(b.Removed) != 1 || b.Removed[0] != "m0" || b.Skipped != 1 {
		t.Fatalf("unexpected batch contents: %+v", b)
	}
	sc := b.Messages[1]
	if sc.Payload.Kind != core.PayloadSuperChat || sc.Payload.AmountMicros != 5_000_000 || sc.Text != "gg" {
		t.Fatalf("unexpected superchat: %+v", sc)
	}
	if !b.Messages[0].Badges.Moderator {
		t.Fatalf("expected moderator badge")
	}
}

func TestRunResumesWithSavedCursor(t *testing.T) {
	var gotToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/youtube/v3/videos" {
			t.Errorf("resume with a live chat id must not resolve again")
		}
		gotToken.CompareAndSwap(nil, r.URL.Query().Get("pageToken"))
		io.WriteString(w, messagesPage)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, _ := newTestClient(t, srv, 1, cancel)

	resume := &core.ContinuationState{Mode: core.ModeOfficial, Target: "dQw4w9WgXcQ", LiveChatID: "chat-1", Cursor: "saved"}
	_ = c.Run(ctx, resume, &recordingOutput{})
	if gotToken.Load() != "saved" {
		t.Fatalf("first pageToken = %v", gotToken.Load())
	}
}

func TestRunStopsOnQuotaExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusForbidden, "quotaExceeded")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, sleeps := newTestClient(t, srv, 10, cancel)
	c.cfg.LiveChatID = "chat-1"

	err := c.Run(ctx, nil, &recordingOutput{})
	var ae *core.AdapterError
	if !errors.As(err, &ae) || ae.Kind != core.ErrQuotaExhausted {
		t.Fatalf("Run() error = %v, want quota exhausted", err)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("quota exhaustion must not retry, slept %v", *sleeps)
	}
	want := NextReset(c.now())
	if !ae.Until.Equal(want) {
		t.Fatalf("Until = %v, want %v", ae.Until, want)
	}
}

func TestRunResetsInvalidPageToken(t *testing.T) {
	var calls atomic.Int32
	var second atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			writeAPIError(w, http.StatusBadRequest, "pageTokenInvalid")
		default:
			second.CompareAndSwap(nil, r.URL.Query().Get("pageToken"))
			io.WriteString(w, messagesPage)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, sleeps := newTestClient(t, srv, 2, cancel)

	resume := &core.ContinuationState{LiveChatID: "chat-1", Cursor: "stale"}
	_ = c.Run(ctx, resume, &recordingOutput{})
	if second.Load() != "" {
		t.Fatalf("retry used pageToken %v, want empty", second.Load())
	}
	if (*sleeps)[0] != pageTokenRetryDelay {
		t.Fatalf("first sleep = %v", (*sleeps)[0])
	}
}

func TestClassifyStatuses(t *testing.T) {
	now := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	tests := []struct {
		code   int
		reason string
		want   core.ErrorKind
	}{
		{403, "rateLimitExceeded", core.ErrRateLimited},
		{429, "", core.ErrRateLimited},
		{404, "liveChatNotFound", core.ErrStreamEnded},
		{403, "liveChatEnded", core.ErrStreamEnded},
		{401, "unauthorized", core.ErrAuthRejected},
		{403, "forbidden", core.ErrAuthRejected},
		{400, "keyInvalid", core.ErrAuthRejected},
		{503, "backendError", core.ErrServerSide},
		{400, "invalidParameter", core.ErrMisconfigured},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, tc.code, tc.reason)
		}))
		c, err := New(context.Background(), Config{APIKey: "k", Endpoint: srv.URL + "/"})
		if err != nil {
			t.Fatal(err)
		}
		_, err = c.svc.LiveChatMessages.List("chat", []string{"snippet"}).Do()
		srv.Close()
		if got := core.KindOf(classify(core.ModeOfficial, err, now)); got != tc.want {
			t.Fatalf("%d %s classified as %s, want %s", tc.code, tc.reason, got, tc.want)
		}
	}
	if got := core.KindOf(classify(core.ModeOfficial, errors.New("dial tcp: refused"), now)); got != core.ErrTransient {
		t.Fatalf("network error classified as %s", got)
	}
}

func TestNextResetIsPacificMidnight(t *testing.T) {
	// 2024-05-01 06:30 UTC is 23:30 PDT on April 30.
	now := time.Date(2024, 5, 1, 6, 30, 0, 0, time.UTC)
	got := NextReset(now)
	want := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextReset() = %v, want %v", got.UTC(), want)
	}
	if Remaining(9_995) != 5 || Remaining(20_000) != 0 {
		t.Fatalf("unexpected remaining quota")
	}
}

func TestRetryDelaysGrowAndRateLimitWaitsLonger(t *testing.T) {
	tests := []struct {
		code   int
		reason string
		want   []time.Duration
	}{
		{http.StatusServiceUnavailable, "backendError", []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}},
		{http.StatusTooManyRequests, "", []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}},
		{http.StatusForbidden, "rateLimitExceeded", []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, tc.code, tc.reason)
		}))
		ctx, cancel := context.WithCancel(context.Background())
		c, sleeps := newTestClient(t, srv, len(tc.want), cancel)
		c.cfg.LiveChatID = "chat-1"

		_ = c.Run(ctx, nil, &recordingOutput{})
		cancel()
		srv.Close()
		if !slices.Equal(*sleeps, tc.want) {
			t.Fatalf("%d %s: sleeps = %v, want %v", tc.code, tc.reason, *sleeps, tc.want)
		}
	}
}
